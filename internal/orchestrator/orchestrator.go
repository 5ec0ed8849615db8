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

// Package orchestrator consumes queued runs and drives their step DAGs
// to completion: resolving inputs, enforcing policies, memoizing step
// executions, retrying transient failures, and finalizing run status.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/skillweave/skillweave/internal/artifact"
	"github.com/skillweave/skillweave/internal/catalog"
	"github.com/skillweave/skillweave/internal/config"
	"github.com/skillweave/skillweave/internal/execctx"
	"github.com/skillweave/skillweave/internal/fingerprint"
	"github.com/skillweave/skillweave/internal/log"
	"github.com/skillweave/skillweave/internal/metrics"
	"github.com/skillweave/skillweave/internal/planner"
	"github.com/skillweave/skillweave/internal/queue"
	"github.com/skillweave/skillweave/internal/state"
	"github.com/skillweave/skillweave/internal/stepcache"
	"github.com/skillweave/skillweave/internal/tracing"
	enginerrors "github.com/skillweave/skillweave/pkg/errors"
)

// Orchestrator owns run execution.
type Orchestrator struct {
	cfg      *config.Config
	store    state.Store
	queue    queue.Queue
	catalog  *catalog.Catalog
	registry *planner.Registry
	resolver *planner.Resolver
	fp       *fingerprint.Fingerprinter
	cache    *stepcache.Cache
	blobs    *artifact.Store
	execs    *execctx.Factory
	logger   *slog.Logger

	// handlerSlots bounds concurrent handler invocations process-wide.
	handlerSlots chan struct{}

	mu             sync.Mutex
	runs           map[string]*runHandle // runID -> in-flight run
	tenantSlots    map[string]chan struct{}
	tenantHandlers map[string]chan struct{}

	// backoffBase is the first retry delay; doubled per attempt, capped
	// at 8x. Shortened in tests.
	backoffBase time.Duration
}

type runHandle struct {
	cancel    context.CancelFunc
	cancelled bool
}

// Deps are the orchestrator's collaborators.
type Deps struct {
	Store    state.Store
	Queue    queue.Queue
	Catalog  *catalog.Catalog
	Registry *planner.Registry
	Blobs    *artifact.Store
	Execs    *execctx.Factory
	Logger   *slog.Logger
}

// New creates an orchestrator.
func New(cfg *config.Config, deps Deps) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:          cfg,
		store:        deps.Store,
		queue:        deps.Queue,
		catalog:      deps.Catalog,
		registry:     deps.Registry,
		resolver:     planner.NewResolver(),
		fp:           fingerprint.New(deps.Blobs),
		cache:        stepcache.New(deps.Store, logger),
		blobs:        deps.Blobs,
		execs:        deps.Execs,
		logger:       log.WithComponent(logger, "orchestrator"),
		handlerSlots:   make(chan struct{}, cfg.Orchestrator.MaxInflightHandlers),
		runs:           make(map[string]*runHandle),
		tenantSlots:    make(map[string]chan struct{}),
		tenantHandlers: make(map[string]chan struct{}),
		backoffBase:    time.Second,
	}
}

// TriggerRequest describes a run to start.
type TriggerRequest struct {
	// RunID makes the trigger idempotent when set; retried triggers with
	// the same id return the existing run.
	RunID string

	Workflow        string
	WorkflowVersion int
	Payload         map[string]any
	Type            state.TriggerType
	BaseRunID       string
}

// TriggerRun validates the trigger, persists the planned run, and
// enqueues it.
func (o *Orchestrator) TriggerRun(ctx context.Context, tenantID string, req TriggerRequest) (*state.Run, error) {
	if tenantID == "" {
		return nil, &enginerrors.ValidationError{Field: "tenant_id", Message: "tenant is required"}
	}

	w, err := o.registry.Get(req.Workflow, req.WorkflowVersion)
	if err != nil {
		return nil, err
	}
	if err := w.ValidatePayload(req.Payload); err != nil {
		return nil, err
	}

	// Pin every step to a concrete skill version now so replays and
	// retries execute exactly what was planned.
	pinned := make(map[string]*catalog.Entry, len(w.Steps))
	for _, s := range w.Steps {
		entry, err := o.catalog.Resolve(s.Skill, s.Version)
		if err != nil {
			return nil, &enginerrors.ValidationError{
				Field:   "workflow",
				Message: fmt.Sprintf("step %q references unresolvable skill %s@%s: %v", s.ID, s.Skill, s.Version, err),
			}
		}
		pinned[s.ID] = entry
	}

	triggerType := req.Type
	if triggerType == "" {
		triggerType = state.TriggerInitial
	}
	run := &state.Run{
		ID:              req.RunID,
		TenantID:        tenantID,
		WorkflowName:    w.Name,
		WorkflowVersion: w.Version,
		TriggerType:     triggerType,
		TriggerPayload:  req.Payload,
		Status:          state.RunQueued,
		BaseRunID:       req.BaseRunID,
	}
	if run.ID == "" {
		run.ID = uuid.NewString()
	}

	if err := o.store.CreateRun(ctx, run); err != nil {
		if errors.Is(err, state.ErrConflict) && req.RunID != "" {
			// Idempotent retry of the same trigger.
			return o.store.GetRun(ctx, tenantID, run.ID)
		}
		return nil, err
	}

	steps := make([]*state.RunStep, 0, len(w.Steps))
	for _, id := range w.Order() {
		s := w.Step(id)
		steps = append(steps, &state.RunStep{
			ID:           uuid.NewString(),
			RunID:        run.ID,
			TenantID:     tenantID,
			StepID:       s.ID,
			SkillID:      s.Skill,
			SkillVersion: pinned[s.ID].Descriptor.Version,
			Attempt:      1,
			Status:       state.StepPending,
		})
	}
	if err := o.store.CreateSteps(ctx, steps); err != nil {
		return nil, err
	}

	if err := o.queue.Enqueue(ctx, queue.Item{
		ID:       "run-" + run.ID,
		TenantID: tenantID,
		RunID:    run.ID,
	}); err != nil {
		return nil, err
	}
	metrics.QueueDepth.Set(float64(o.queue.Len()))

	o.logger.Info("run queued",
		"tenant_id", tenantID, "run_id", run.ID, "workflow", w.Name)
	return run, nil
}

// CancelRun requests cancellation. Queued runs cancel immediately;
// running runs move to cancelling and their in-flight steps get the
// configured grace period.
func (o *Orchestrator) CancelRun(ctx context.Context, tenantID, runID string) (*state.Run, error) {
	run, err := o.store.GetRun(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}

	switch run.Status {
	case state.RunQueued:
		errRec := &state.ErrorRecord{
			Code: enginerrors.CodeCancelled, Message: "cancelled before start",
			Timestamp: time.Now().UTC(),
		}
		if err := o.store.TransitionRun(ctx, tenantID, runID, state.RunQueued, state.RunCancelled, errRec); err != nil {
			if errors.Is(err, state.ErrConflict) {
				// A worker grabbed it first; fall through to the running path.
				return o.CancelRun(ctx, tenantID, runID)
			}
			return nil, err
		}
		o.skipRemaining(ctx, tenantID, runID, "cancelled before start")

	case state.RunRunning:
		if err := o.store.TransitionRun(ctx, tenantID, runID, state.RunRunning, state.RunCancelling, nil); err != nil && !errors.Is(err, state.ErrConflict) {
			return nil, err
		}
		o.mu.Lock()
		if h, ok := o.runs[runID]; ok {
			h.cancelled = true
			h.cancel()
		}
		o.mu.Unlock()

	case state.RunCancelling:
		// Already winding down.

	default:
		// Terminal runs stay as they are.
	}

	return o.store.GetRun(ctx, tenantID, runID)
}

// Start launches the worker pool. It returns when ctx is cancelled and
// all workers have drained.
func (o *Orchestrator) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < o.cfg.Orchestrator.Workers; i++ {
		worker := i
		g.Go(func() error {
			o.workerLoop(ctx, worker)
			return nil
		})
	}
	return g.Wait()
}

func (o *Orchestrator) workerLoop(ctx context.Context, worker int) {
	logger := o.logger.With("worker", worker)
	for {
		item, err := o.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) || errors.Is(err, context.Canceled) {
				return
			}
			logger.Error("dequeue failed", "error", err)
			continue
		}
		metrics.QueueDepth.Set(float64(o.queue.Len()))

		release := o.acquireTenantSlot(ctx, item.TenantID)
		if release == nil {
			return // ctx cancelled while waiting
		}
		o.executeRun(ctx, item.TenantID, item.RunID)
		release()
	}
}

// acquireTenantSlot gates concurrent runs per tenant. Returns nil when
// ctx is cancelled while waiting.
func (o *Orchestrator) acquireTenantSlot(ctx context.Context, tenantID string) func() {
	o.mu.Lock()
	slots, ok := o.tenantSlots[tenantID]
	if !ok {
		slots = make(chan struct{}, o.cfg.Orchestrator.MaxParallelRunsPerTenant)
		o.tenantSlots[tenantID] = slots
	}
	o.mu.Unlock()

	select {
	case slots <- struct{}{}:
		return func() { <-slots }
	case <-ctx.Done():
		return nil
	}
}

// tenantHandlerGate returns the semaphore bounding a tenant's
// concurrent handler invocations, creating it on first use.
func (o *Orchestrator) tenantHandlerGate(tenantID string) chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	gate, ok := o.tenantHandlers[tenantID]
	if !ok {
		gate = make(chan struct{}, o.cfg.Orchestrator.PerTenantHandlers)
		o.tenantHandlers[tenantID] = gate
	}
	return gate
}

// executeRun drives one run from queued to a terminal status.
func (o *Orchestrator) executeRun(ctx context.Context, tenantID, runID string) {
	run, err := o.store.GetRun(ctx, tenantID, runID)
	if err != nil {
		o.logger.Error("run vanished from store", "run_id", runID, "error", err)
		return
	}
	if run.Status != state.RunQueued {
		return // cancelled or already claimed
	}
	if err := o.store.TransitionRun(ctx, tenantID, runID, state.RunQueued, state.RunRunning, nil); err != nil {
		return // lost the claim
	}

	logger := log.WithRunContext(o.logger, tenantID, runID, run.WorkflowName)
	metrics.RunsStarted.WithLabelValues(run.WorkflowName).Inc()
	metrics.ActiveRuns.Inc()
	defer metrics.ActiveRuns.Dec()
	started := time.Now()

	ctx, span := tracing.Tracer().Start(ctx, "run.execute",
		trace.WithAttributes(
			attribute.String("tenant.id", tenantID),
			attribute.String("run.id", runID),
			attribute.String("workflow.name", run.WorkflowName),
		))
	defer span.End()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	handle := &runHandle{cancel: cancel}
	o.mu.Lock()
	o.runs[runID] = handle
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.runs, runID)
		o.mu.Unlock()
	}()

	w, err := o.registry.Get(run.WorkflowName, run.WorkflowVersion)
	if err != nil {
		o.failRun(ctx, run, &state.ErrorRecord{
			Code:      enginerrors.CodeUnknownWorkflow,
			Message:   err.Error(),
			Timestamp: time.Now().UTC(),
		})
		return
	}

	rs, err := o.loadRunState(ctx, run)
	if err != nil {
		o.failRun(ctx, run, &state.ErrorRecord{
			Code:      enginerrors.CodeInternal,
			Message:   err.Error(),
			Timestamp: time.Now().UTC(),
		})
		return
	}

	o.scheduleSteps(runCtx, run, w, rs, logger)
	status := o.finalizeRun(ctx, run, handle, rs, logger)
	metrics.ObserveRun(run.WorkflowName, string(status), time.Since(started))
}

// runState tracks step progress and completed outputs during a run.
type runState struct {
	mu       sync.Mutex
	rows     map[string]*state.RunStep
	statuses map[string]state.StepStatus
	outputs  map[string]*planner.StepOutput
	firstErr *state.ErrorRecord
}

func (rs *runState) setStatus(stepID string, status state.StepStatus) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.statuses[stepID] = status
}

func (rs *runState) setOutput(stepID string, out *planner.StepOutput) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.statuses[stepID] = state.StepCompleted
	rs.outputs[stepID] = out
}

func (rs *runState) recordFailure(stepID string, rec *state.ErrorRecord) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.statuses[stepID] = state.StepFailed
	if rs.firstErr == nil {
		rs.firstErr = rec
	}
}

func (rs *runState) env(trigger map[string]any) *planner.Env {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	steps := make(map[string]*planner.StepOutput, len(rs.outputs))
	for id, out := range rs.outputs {
		steps[id] = out
	}
	return &planner.Env{Trigger: trigger, Steps: steps}
}

// loadRunState hydrates progress from the store, rebuilding completed
// step outputs so resumed runs resolve downstream bindings.
func (o *Orchestrator) loadRunState(ctx context.Context, run *state.Run) (*runState, error) {
	rows, err := o.store.ListSteps(ctx, run.TenantID, run.ID, "")
	if err != nil {
		return nil, err
	}

	rs := &runState{
		rows:     make(map[string]*state.RunStep, len(rows)),
		statuses: make(map[string]state.StepStatus, len(rows)),
		outputs:  make(map[string]*planner.StepOutput),
	}
	for _, row := range rows {
		rs.rows[row.StepID] = row
		rs.statuses[row.StepID] = row.Status
		if row.Status == state.StepFailed && rs.firstErr == nil {
			rs.firstErr = row.Error
		}
		if row.Status != state.StepCompleted {
			continue
		}
		out, err := o.rebuildOutput(ctx, run.TenantID, row)
		if err != nil {
			return nil, err
		}
		rs.outputs[row.StepID] = out
	}
	return rs, nil
}

// rebuildOutput reconstructs a completed step's output from its cache
// entry and artifact rows.
func (o *Orchestrator) rebuildOutput(ctx context.Context, tenantID string, row *state.RunStep) (*planner.StepOutput, error) {
	out := &planner.StepOutput{Data: map[string]any{}}

	if row.InputFingerprint != "" {
		entry, err := o.store.GetCacheEntry(ctx, tenantID, row.SkillID, row.SkillVersion, row.InputFingerprint)
		if err != nil {
			return nil, err
		}
		if entry != nil && len(entry.ResultJSON) > 0 {
			if err := json.Unmarshal(entry.ResultJSON, &out.Data); err != nil {
				return nil, fmt.Errorf("step %s cache entry does not decode: %w", row.StepID, err)
			}
		}
	}

	for _, id := range row.OutputArtifactIDs {
		a, err := o.store.GetArtifact(ctx, tenantID, id)
		if err != nil {
			return nil, err
		}
		out.Artifacts = append(out.Artifacts, planner.ArtifactRef{
			ID: a.ID, Type: a.Type, URI: a.URI, ContentHash: a.ContentHash,
		})
	}
	return out, nil
}

// scheduleSteps runs the DAG in ready-set waves until nothing can move.
func (o *Orchestrator) scheduleSteps(runCtx context.Context, run *state.Run, w *planner.Workflow, rs *runState, logger *slog.Logger) {
	for runCtx.Err() == nil {
		ready, skippable := o.frontier(w, rs)

		// Propagate skips first; they may unlock further skips.
		if len(skippable) > 0 {
			for _, stepID := range skippable {
				o.skipStep(runCtx, run, rs, stepID, "upstream step did not complete")
			}
			continue
		}
		if len(ready) == 0 {
			return // nothing pending or everything blocked
		}

		g, waveCtx := errgroup.WithContext(runCtx)
		g.SetLimit(o.cfg.Orchestrator.PerRunParallelism)
		for _, stepID := range ready {
			stepID := stepID
			g.Go(func() error {
				o.executeStep(waveCtx, run, w.Step(stepID), rs, logger)
				return nil
			})
		}
		_ = g.Wait()
	}
}

// frontier computes the executable and skippable pending steps.
func (o *Orchestrator) frontier(w *planner.Workflow, rs *runState) (ready, skippable []string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	for _, id := range w.Order() {
		if rs.statuses[id] != state.StepPending {
			continue
		}
		s := w.Step(id)

		blocked, doomed := false, false
		for _, dep := range s.Needs {
			switch rs.statuses[dep] {
			case state.StepCompleted:
			case state.StepFailed, state.StepSkipped:
				doomed = true
			default:
				blocked = true
			}
		}
		for _, dep := range s.OptionalNeeds {
			if !rs.statuses[dep].Terminal() {
				blocked = true
			}
		}

		switch {
		case doomed:
			skippable = append(skippable, id)
		case !blocked:
			ready = append(ready, id)
		}
	}
	return ready, skippable
}

// skipStep marks a pending step skipped due to its upstream.
func (o *Orchestrator) skipStep(ctx context.Context, run *state.Run, rs *runState, stepID, reason string) {
	rec := &state.ErrorRecord{
		Code:      enginerrors.CodeSkippedUpstream,
		Message:   reason,
		Timestamp: time.Now().UTC(),
	}
	err := o.store.TransitionStep(ctx, run.TenantID, run.ID, stepID,
		state.StepPending, state.StepSkipped, &state.StepUpdate{Error: rec})
	if err != nil {
		o.logger.Error("failed to skip step", "run_id", run.ID, "step_id", stepID, "error", err)
	}
	rs.setStatus(stepID, state.StepSkipped)
	metrics.StepsExecuted.WithLabelValues(rs.rows[stepID].SkillID, string(state.StepSkipped)).Inc()
}

// skipRemaining skips every still-pending step of a run.
func (o *Orchestrator) skipRemaining(ctx context.Context, tenantID, runID, reason string) {
	pending, err := o.store.ListSteps(ctx, tenantID, runID, state.StepPending)
	if err != nil {
		o.logger.Error("failed to list pending steps", "run_id", runID, "error", err)
		return
	}
	rec := &state.ErrorRecord{
		Code: enginerrors.CodeCancelled, Message: reason, Timestamp: time.Now().UTC(),
	}
	for _, row := range pending {
		if err := o.store.TransitionStep(ctx, tenantID, runID, row.StepID,
			state.StepPending, state.StepSkipped, &state.StepUpdate{Error: rec}); err != nil {
			o.logger.Error("failed to skip step", "run_id", runID, "step_id", row.StepID, "error", err)
		}
	}
}

// failRun force-fails a run from whatever non-terminal state it is in.
func (o *Orchestrator) failRun(ctx context.Context, run *state.Run, rec *state.ErrorRecord) {
	for _, from := range []state.RunStatus{state.RunRunning, state.RunCancelling, state.RunQueued} {
		err := o.store.TransitionRun(ctx, run.TenantID, run.ID, from, state.RunFailed, rec)
		if err == nil {
			return
		}
		if !errors.Is(err, state.ErrConflict) {
			o.logger.Error("failed to fail run", "run_id", run.ID, "error", err)
			return
		}
	}
}

// finalizeRun computes and persists the terminal run status.
func (o *Orchestrator) finalizeRun(ctx context.Context, run *state.Run, handle *runHandle, rs *runState, logger *slog.Logger) state.RunStatus {
	o.mu.Lock()
	cancelled := handle.cancelled
	o.mu.Unlock()

	if cancelled {
		// Step workers have already drained: scheduleSteps joins every
		// wave, and invokeHandler abandons any handler that outlives the
		// grace period. Only the sweep of still-pending steps remains.
		o.skipRemaining(ctx, run.TenantID, run.ID, "run cancelled")

		rec := &state.ErrorRecord{
			Code: enginerrors.CodeCancelled, Message: "run cancelled",
			Timestamp: time.Now().UTC(),
		}
		if err := o.store.TransitionRun(ctx, run.TenantID, run.ID,
			state.RunCancelling, state.RunCancelled, rec); err != nil {
			logger.Error("failed to finalize cancelled run", "error", err)
		}
		logger.Info("run cancelled")
		return state.RunCancelled
	}

	summary, err := o.store.RunAggregates(ctx, run.TenantID, run.ID)
	if err != nil {
		logger.Error("failed to aggregate steps", "error", err)
		return state.RunFailed
	}

	if summary.Failed > 0 {
		rs.mu.Lock()
		rec := rs.firstErr
		rs.mu.Unlock()
		if rec == nil {
			rec = &state.ErrorRecord{
				Code: enginerrors.CodeExecution, Message: "one or more steps failed",
				Timestamp: time.Now().UTC(),
			}
		}
		o.failRun(ctx, run, rec)
		logger.Info("run failed", "failed_steps", summary.Failed)
		return state.RunFailed
	}

	if err := o.store.TransitionRun(ctx, run.TenantID, run.ID,
		state.RunRunning, state.RunSucceeded, nil); err != nil {
		logger.Error("failed to finalize run", "error", err)
		return state.RunFailed
	}
	logger.Info("run succeeded",
		"completed", summary.Completed, "skipped", summary.Skipped)
	return state.RunSucceeded
}
