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

import "time"

// RunStatus represents the status of a run.
type RunStatus string

const (
	RunQueued     RunStatus = "queued"
	RunRunning    RunStatus = "running"
	RunCancelling RunStatus = "cancelling"
	RunSucceeded  RunStatus = "succeeded"
	RunFailed     RunStatus = "failed"
	RunCancelled  RunStatus = "cancelled"
)

// Terminal reports whether the run status admits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunSucceeded || s == RunFailed || s == RunCancelled
}

// StepStatus represents the status of a run step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Terminal reports whether the step status admits no further transitions.
func (s StepStatus) Terminal() bool {
	return s == StepCompleted || s == StepFailed || s == StepSkipped
}

// TriggerType identifies how a run was started.
type TriggerType string

const (
	TriggerInitial TriggerType = "initial"
	TriggerResume  TriggerType = "resume"
	TriggerReplay  TriggerType = "replay"
)

// ErrorRecord is the persisted error block on runs and steps.
type ErrorRecord struct {
	Code         string    `json:"code"`
	Message      string    `json:"message"`
	FailedStepID string    `json:"failed_step_id,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Run is a single workflow execution.
type Run struct {
	ID              string         `json:"id"`
	TenantID        string         `json:"tenant_id"`
	WorkflowName    string         `json:"workflow_name"`
	WorkflowVersion int            `json:"workflow_version"`
	TriggerType     TriggerType    `json:"trigger_type"`
	TriggerPayload  map[string]any `json:"trigger_payload,omitempty"`
	Status          RunStatus      `json:"status"`
	BaseRunID       string         `json:"base_run_id,omitempty"`
	Error           *ErrorRecord   `json:"error,omitempty"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// RunStep is one node in a run's dependency graph.
type RunStep struct {
	ID       string `json:"id"`
	RunID    string `json:"run_id"`
	TenantID string `json:"tenant_id"`

	// StepID is the planner-assigned local name, unique within the run.
	StepID string `json:"step_id"`

	SkillID      string `json:"skill_id"`
	SkillVersion string `json:"skill_version"`

	// InputFingerprint is set the instant inputs are resolved and never
	// mutates afterwards.
	InputFingerprint string `json:"input_fingerprint,omitempty"`

	Attempt           int          `json:"attempt"`
	Status            StepStatus   `json:"status"`
	OutputArtifactIDs []string     `json:"output_artifact_ids,omitempty"`
	Error             *ErrorRecord `json:"error,omitempty"`
	CacheHit          bool         `json:"cache_hit"`
	StartedAt         *time.Time   `json:"started_at,omitempty"`
	EndedAt           *time.Time   `json:"ended_at,omitempty"`
	DurationMS        int64        `json:"duration_ms"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

// Artifact is a typed, content-addressed output row. Bytes live in the
// blob store at URI; this row is the queryable metadata.
type Artifact struct {
	ID          string         `json:"id"`
	TenantID    string         `json:"tenant_id"`
	RunID       string         `json:"run_id"`
	StepID      string         `json:"step_id"`
	Type        string         `json:"type"`
	URI         string         `json:"uri"`
	ContentHash string         `json:"content_hash"`
	SizeBytes   int64          `json:"size_bytes"`
	Filename    string         `json:"filename,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// CacheEntry is a content-addressed memo of a prior step execution.
// Entries are immutable; eviction deletes, never mutates.
type CacheEntry struct {
	TenantID         string    `json:"tenant_id"`
	SkillID          string    `json:"skill_id"`
	SkillVersion     string    `json:"skill_version"`
	InputFingerprint string    `json:"input_fingerprint"`
	ResultJSON       []byte    `json:"result_json"`
	ArtifactIDs      []string  `json:"artifact_ids"`
	CreatedAt        time.Time `json:"created_at"`
}

// StepsSummary is the histogram of step statuses for a run.
type StepsSummary struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// StepUpdate carries the optional fields written alongside a status
// transition.
type StepUpdate struct {
	Attempt           *int
	InputFingerprint  *string
	CacheHit          *bool
	OutputArtifactIDs []string
	Error             *ErrorRecord
	StartedAt         *time.Time
	EndedAt           *time.Time
	DurationMS        *int64
}

// legalStepTransitions is the allowed status lattice. The retry reset
// running -> pending is legal only when the attempt counter is bumped.
var legalStepTransitions = map[StepStatus]map[StepStatus]bool{
	StepPending: {StepRunning: true, StepSkipped: true, StepFailed: true, StepCompleted: true},
	StepRunning: {StepCompleted: true, StepFailed: true, StepPending: true},
}

// LegalStepTransition reports whether from -> to is allowed.
// pending -> completed covers cache hits; pending -> failed covers
// input resolution errors detected before dispatch.
func LegalStepTransition(from, to StepStatus) bool {
	return legalStepTransitions[from][to]
}

// legalRunTransitions is the allowed run status lattice.
var legalRunTransitions = map[RunStatus]map[RunStatus]bool{
	RunQueued:     {RunRunning: true, RunCancelled: true},
	RunRunning:    {RunSucceeded: true, RunFailed: true, RunCancelling: true},
	RunCancelling: {RunCancelled: true, RunFailed: true, RunSucceeded: true},
}

// LegalRunTransition reports whether from -> to is allowed.
func LegalRunTransition(from, to RunStatus) bool {
	return legalRunTransitions[from][to]
}
