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

// Package state persists runs, steps, artifact rows, and step cache
// entries with transactional status transitions.
//
// # Interface Hierarchy
//
// The package uses interface segregation so components depend only on
// what they touch:
//
//   - RunStore (required): run rows and CAS run transitions
//   - StepStore (required): step rows, CAS step transitions, aggregates
//   - ArtifactStore: artifact metadata rows with content-hash dedup
//   - CacheStore: step cache entry persistence
//
// The Store interface composes all of these plus io.Closer. Every
// operation is tenant-scoped: a lookup with the wrong tenant behaves
// exactly like absence.
package state

import (
	"context"
	"errors"
	"io"
)

// ErrConflict is returned when a compare-and-set transition finds the
// row in a different state than expected. Callers treat it as "another
// worker got there first".
var ErrConflict = errors.New("state: conflicting concurrent transition")

// RunStore persists run rows.
type RunStore interface {
	// CreateRun inserts a new run. The run id must be unique; inserting
	// an existing id returns ErrConflict, which makes TriggerRun retries
	// idempotent.
	CreateRun(ctx context.Context, run *Run) error

	// GetRun retrieves a run by tenant and id.
	GetRun(ctx context.Context, tenantID, runID string) (*Run, error)

	// TransitionRun performs a compare-and-set on the run status and
	// writes the optional error record and timestamps. Terminal states
	// never transition again.
	TransitionRun(ctx context.Context, tenantID, runID string, from, to RunStatus, errRec *ErrorRecord) error

	// ListRuns lists a tenant's runs, newest first.
	ListRuns(ctx context.Context, tenantID string, limit int) ([]*Run, error)
}

// StepStore persists run step rows.
type StepStore interface {
	// CreateSteps inserts planned steps in pending status. Steps that
	// already exist for (run_id, step_id) are left untouched, making
	// replanning after a crash replay-safe.
	CreateSteps(ctx context.Context, steps []*RunStep) error

	// GetStep retrieves one step by run and local step id.
	GetStep(ctx context.Context, tenantID, runID, stepID string) (*RunStep, error)

	// ListSteps returns the run's steps in creation order, optionally
	// filtered by status.
	ListSteps(ctx context.Context, tenantID, runID string, status StepStatus) ([]*RunStep, error)

	// TransitionStep performs a compare-and-set on the step status and
	// applies the update fields in the same write. Illegal transitions
	// fail loudly with an InternalError; a missed CAS returns
	// ErrConflict.
	TransitionStep(ctx context.Context, tenantID, runID, stepID string, from, to StepStatus, update *StepUpdate) error

	// CompleteStepWithArtifacts commits artifact rows, the step's
	// completed transition, and the cache insert in one transaction.
	// Readers never observe a completed step without its artifacts.
	CompleteStepWithArtifacts(ctx context.Context, tenantID, runID, stepID string, update *StepUpdate, artifacts []*Artifact, cache *CacheEntry) error

	// RunAggregates recomputes the status histogram from the step set in
	// one read.
	RunAggregates(ctx context.Context, tenantID, runID string) (*StepsSummary, error)
}

// ArtifactStore persists artifact metadata rows.
type ArtifactStore interface {
	// InsertArtifact inserts a row, deduplicating on
	// (tenant, content_hash, type): a duplicate insert returns the
	// existing row.
	InsertArtifact(ctx context.Context, artifact *Artifact) (*Artifact, error)

	// GetArtifact retrieves an artifact by tenant and id.
	GetArtifact(ctx context.Context, tenantID, artifactID string) (*Artifact, error)

	// ListArtifacts returns a run's artifacts, optionally filtered by
	// creator step.
	ListArtifacts(ctx context.Context, tenantID, runID, stepID string) ([]*Artifact, error)

	// ArtifactExists reports whether an artifact id resolves for the
	// tenant.
	ArtifactExists(ctx context.Context, tenantID, artifactID string) (bool, error)
}

// CacheStore persists step cache entries.
type CacheStore interface {
	// GetCacheEntry retrieves an entry by its full key, or nil when
	// absent or expired.
	GetCacheEntry(ctx context.Context, tenantID, skillID, skillVersion, fingerprint string) (*CacheEntry, error)

	// PutCacheEntry inserts an entry. Duplicate keys are ignored;
	// entries are immutable.
	PutCacheEntry(ctx context.Context, entry *CacheEntry) error

	// DeleteCacheEntriesForArtifact removes entries referencing the
	// artifact. Called when an artifact is purged.
	DeleteCacheEntriesForArtifact(ctx context.Context, tenantID, artifactID string) error
}

// Store is the composed persistence interface the orchestrator uses.
type Store interface {
	RunStore
	StepStore
	ArtifactStore
	CacheStore
	io.Closer
}
