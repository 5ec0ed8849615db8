// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package state

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	enginerrors "github.com/skillweave/skillweave/pkg/errors"
)

var _ Store = (*Memory)(nil)

// Memory is an in-memory Store with the same transition semantics as
// the SQLite backend. Used in tests and available as a throwaway
// backend for local experiments.
type Memory struct {
	mu        sync.Mutex
	runs      map[string]*Run       // key: tenant/runID
	steps     map[string]*RunStep   // key: tenant/runID/stepID
	artifacts map[string]*Artifact  // key: tenant/artifactID
	cache     map[string]*CacheEntry
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		runs:      make(map[string]*Run),
		steps:     make(map[string]*RunStep),
		artifacts: make(map[string]*Artifact),
		cache:     make(map[string]*CacheEntry),
	}
}

func runKey(tenantID, runID string) string { return tenantID + "/" + runID }

func stepKey(tenantID, runID, stepID string) string {
	return tenantID + "/" + runID + "/" + stepID
}

func cacheKey(tenantID, skillID, skillVersion, fingerprint string) string {
	return strings.Join([]string{tenantID, skillID, skillVersion, fingerprint}, "/")
}

// Close implements io.Closer.
func (m *Memory) Close() error { return nil }

// --- runs ---

func (m *Memory) CreateRun(_ context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := runKey(run.TenantID, run.ID)
	if _, exists := m.runs[key]; exists {
		return ErrConflict
	}
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now
	cp := *run
	m.runs[key] = &cp
	return nil
}

func (m *Memory) GetRun(_ context.Context, tenantID, runID string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[runKey(tenantID, runID)]
	if !ok {
		return nil, &enginerrors.NotFoundError{Resource: "run", ID: runID}
	}
	cp := *run
	return &cp, nil
}

func (m *Memory) TransitionRun(_ context.Context, tenantID, runID string, from, to RunStatus, errRec *ErrorRecord) error {
	if !LegalRunTransition(from, to) {
		return &enginerrors.InternalError{
			Op:      "TransitionRun",
			Message: fmt.Sprintf("illegal run transition %s -> %s for run %s", from, to, runID),
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[runKey(tenantID, runID)]
	if !ok || run.Status != from {
		return ErrConflict
	}
	now := time.Now().UTC()
	run.Status = to
	run.UpdatedAt = now
	if errRec != nil {
		run.Error = errRec
	}
	if to == RunRunning && run.StartedAt == nil {
		run.StartedAt = &now
	}
	if to.Terminal() {
		run.CompletedAt = &now
	}
	return nil
}

func (m *Memory) ListRuns(_ context.Context, tenantID string, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var runs []*Run
	for _, run := range m.runs {
		if run.TenantID == tenantID {
			cp := *run
			runs = append(runs, &cp)
		}
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	if len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// --- steps ---

func (m *Memory) CreateSteps(_ context.Context, steps []*RunStep) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	for _, step := range steps {
		key := stepKey(step.TenantID, step.RunID, step.StepID)
		if _, exists := m.steps[key]; exists {
			continue
		}
		if step.CreatedAt.IsZero() {
			step.CreatedAt = now
		}
		step.UpdatedAt = now
		cp := *step
		m.steps[key] = &cp
	}
	return nil
}

func (m *Memory) GetStep(_ context.Context, tenantID, runID, stepID string) (*RunStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	step, ok := m.steps[stepKey(tenantID, runID, stepID)]
	if !ok {
		return nil, &enginerrors.NotFoundError{Resource: "step", ID: stepID}
	}
	cp := *step
	return &cp, nil
}

func (m *Memory) ListSteps(_ context.Context, tenantID, runID string, status StepStatus) ([]*RunStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var steps []*RunStep
	for _, step := range m.steps {
		if step.TenantID != tenantID || step.RunID != runID {
			continue
		}
		if status != "" && step.Status != status {
			continue
		}
		cp := *step
		steps = append(steps, &cp)
	}
	sort.Slice(steps, func(i, j int) bool {
		if !steps[i].CreatedAt.Equal(steps[j].CreatedAt) {
			return steps[i].CreatedAt.Before(steps[j].CreatedAt)
		}
		return steps[i].StepID < steps[j].StepID
	})
	return steps, nil
}

func (m *Memory) TransitionStep(_ context.Context, tenantID, runID, stepID string, from, to StepStatus, update *StepUpdate) error {
	if !LegalStepTransition(from, to) {
		return &enginerrors.InternalError{
			Op:      "TransitionStep",
			Message: fmt.Sprintf("illegal step transition %s -> %s for step %s/%s", from, to, runID, stepID),
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	step, ok := m.steps[stepKey(tenantID, runID, stepID)]
	if !ok || step.Status != from {
		return ErrConflict
	}
	applyStepUpdate(step, to, update)
	return nil
}

func (m *Memory) CompleteStepWithArtifacts(_ context.Context, tenantID, runID, stepID string, update *StepUpdate, artifacts []*Artifact, cache *CacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	step, ok := m.steps[stepKey(tenantID, runID, stepID)]
	if !ok || (step.Status != StepRunning && step.Status != StepPending) {
		return ErrConflict
	}

	ids := make([]string, 0, len(artifacts))
	for _, a := range artifacts {
		ids = append(ids, m.insertArtifactLocked(a).ID)
	}

	if update == nil {
		update = &StepUpdate{}
	}
	update.OutputArtifactIDs = ids
	applyStepUpdate(step, StepCompleted, update)

	if cache != nil {
		cache.ArtifactIDs = ids
		key := cacheKey(cache.TenantID, cache.SkillID, cache.SkillVersion, cache.InputFingerprint)
		if _, exists := m.cache[key]; !exists {
			if cache.CreatedAt.IsZero() {
				cache.CreatedAt = time.Now().UTC()
			}
			cp := *cache
			m.cache[key] = &cp
		}
	}
	return nil
}

func (m *Memory) RunAggregates(_ context.Context, tenantID, runID string) (*StepsSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	summary := &StepsSummary{}
	for _, step := range m.steps {
		if step.TenantID != tenantID || step.RunID != runID {
			continue
		}
		summary.Total++
		switch step.Status {
		case StepPending:
			summary.Pending++
		case StepRunning:
			summary.Running++
		case StepCompleted:
			summary.Completed++
		case StepSkipped:
			summary.Skipped++
		case StepFailed:
			summary.Failed++
		}
	}
	return summary, nil
}

func applyStepUpdate(step *RunStep, to StepStatus, update *StepUpdate) {
	step.Status = to
	step.UpdatedAt = time.Now().UTC()
	if update == nil {
		return
	}
	if update.Attempt != nil {
		step.Attempt = *update.Attempt
	}
	if update.InputFingerprint != nil {
		step.InputFingerprint = *update.InputFingerprint
	}
	if update.CacheHit != nil {
		step.CacheHit = *update.CacheHit
	}
	if update.OutputArtifactIDs != nil {
		step.OutputArtifactIDs = slices.Clone(update.OutputArtifactIDs)
	}
	if update.Error != nil {
		step.Error = update.Error
	}
	if update.StartedAt != nil {
		t := *update.StartedAt
		step.StartedAt = &t
	}
	if update.EndedAt != nil {
		t := *update.EndedAt
		step.EndedAt = &t
	}
	if update.DurationMS != nil {
		step.DurationMS = *update.DurationMS
	}
}

// --- artifacts ---

func (m *Memory) InsertArtifact(_ context.Context, artifact *Artifact) (*Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := m.insertArtifactLocked(artifact)
	cp := *stored
	return &cp, nil
}

func (m *Memory) insertArtifactLocked(a *Artifact) *Artifact {
	for _, existing := range m.artifacts {
		if existing.TenantID == a.TenantID && existing.ContentHash == a.ContentHash && existing.Type == a.Type {
			return existing
		}
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	cp := *a
	m.artifacts[a.TenantID+"/"+a.ID] = &cp
	return &cp
}

func (m *Memory) GetArtifact(_ context.Context, tenantID, artifactID string) (*Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.artifacts[tenantID+"/"+artifactID]
	if !ok {
		return nil, &enginerrors.NotFoundError{Resource: "artifact", ID: artifactID}
	}
	cp := *a
	return &cp, nil
}

func (m *Memory) ListArtifacts(_ context.Context, tenantID, runID, stepID string) ([]*Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var artifacts []*Artifact
	for _, a := range m.artifacts {
		if a.TenantID != tenantID || a.RunID != runID {
			continue
		}
		if stepID != "" && a.StepID != stepID {
			continue
		}
		cp := *a
		artifacts = append(artifacts, &cp)
	}
	sort.Slice(artifacts, func(i, j int) bool {
		if !artifacts[i].CreatedAt.Equal(artifacts[j].CreatedAt) {
			return artifacts[i].CreatedAt.Before(artifacts[j].CreatedAt)
		}
		return artifacts[i].ID < artifacts[j].ID
	})
	return artifacts, nil
}

func (m *Memory) ArtifactExists(_ context.Context, tenantID, artifactID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.artifacts[tenantID+"/"+artifactID]
	return ok, nil
}

// --- step cache ---

func (m *Memory) GetCacheEntry(_ context.Context, tenantID, skillID, skillVersion, fingerprint string) (*CacheEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.cache[cacheKey(tenantID, skillID, skillVersion, fingerprint)]
	if !ok {
		return nil, nil
	}
	cp := *entry
	return &cp, nil
}

func (m *Memory) PutCacheEntry(_ context.Context, entry *CacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := cacheKey(entry.TenantID, entry.SkillID, entry.SkillVersion, entry.InputFingerprint)
	if _, exists := m.cache[key]; exists {
		return nil
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	cp := *entry
	m.cache[key] = &cp
	return nil
}

func (m *Memory) DeleteCacheEntriesForArtifact(_ context.Context, tenantID, artifactID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, entry := range m.cache {
		if entry.TenantID != tenantID {
			continue
		}
		if slices.Contains(entry.ArtifactIDs, artifactID) {
			delete(m.cache, key)
		}
	}
	return nil
}
