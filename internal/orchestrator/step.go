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

package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/skillweave/skillweave/internal/catalog"
	"github.com/skillweave/skillweave/internal/execctx"
	"github.com/skillweave/skillweave/internal/log"
	"github.com/skillweave/skillweave/internal/metrics"
	"github.com/skillweave/skillweave/internal/planner"
	"github.com/skillweave/skillweave/internal/state"
	"github.com/skillweave/skillweave/internal/stepcache"
	"github.com/skillweave/skillweave/internal/tracing"
	"github.com/skillweave/skillweave/internal/workspace"
	enginerrors "github.com/skillweave/skillweave/pkg/errors"
	"github.com/skillweave/skillweave/pkg/skill"
)

// stepFailure carries a wire error code across the cache boundary.
type stepFailure struct {
	code    string
	message string
}

func (e *stepFailure) Error() string { return e.message }

// Code implements errors.Coded.
func (e *stepFailure) Code() string { return e.code }

// executeStep drives one step through resolution, caching, execution,
// and retries until it reaches a terminal status.
func (o *Orchestrator) executeStep(ctx context.Context, run *state.Run, def *planner.StepDef, rs *runState, logger *slog.Logger) {
	row := rs.rows[def.ID]
	logger = log.WithStepContext(logger, row.SkillID, def.ID)

	ctx, span := tracing.Tracer().Start(ctx, "step.execute",
		trace.WithAttributes(
			attribute.String("step.id", def.ID),
			attribute.String("skill.id", row.SkillID),
			attribute.String("skill.version", row.SkillVersion),
		))
	defer span.End()

	entry, err := o.catalog.Resolve(row.SkillID, row.SkillVersion)
	if err != nil {
		o.failPendingStep(ctx, run, rs, row, enginerrors.CodeInternal,
			fmt.Sprintf("pinned skill %s@%s no longer resolves: %v", row.SkillID, row.SkillVersion, err))
		return
	}
	handler, err := o.catalog.HandlerFor(entry)
	if err != nil {
		o.failPendingStep(ctx, run, rs, row, enginerrors.CodeInternal, err.Error())
		return
	}

	// Resolve bindings against the trigger payload and upstream outputs.
	input, err := o.resolver.Resolve(def.ID, def.With, rs.env(run.TriggerPayload))
	if err != nil {
		o.failPendingStep(ctx, run, rs, row, enginerrors.CodeOf(err), err.Error())
		return
	}
	if err := entry.ValidateInput(input); err != nil {
		o.failPendingStep(ctx, run, rs, row, enginerrors.CodeValidation, err.Error())
		return
	}

	fp, err := o.fp.Step(ctx, run.TenantID, row.SkillID, row.SkillVersion,
		input, entry.Descriptor.VolatileFields())
	if err != nil {
		o.failPendingStep(ctx, run, rs, row, enginerrors.CodeOf(err), err.Error())
		return
	}

	key := stepcache.Key{
		TenantID:     run.TenantID,
		SkillID:      row.SkillID,
		SkillVersion: row.SkillVersion,
		Fingerprint:  fp,
	}
	ttl := time.Duration(entry.Descriptor.Policy.CacheTTLSec) * time.Second
	maxAttempts := entry.Descriptor.RetryBudget() + 1

	// Persistence must not be torn by a cancellation that arrives while
	// a terminal transition is being written.
	persistCtx := context.WithoutCancel(ctx)

	attempt := row.Attempt
	for {
		started := time.Now().UTC()
		err := o.store.TransitionStep(ctx, run.TenantID, run.ID, def.ID,
			state.StepPending, state.StepRunning, &state.StepUpdate{
				Attempt:          &attempt,
				InputFingerprint: &fp,
				StartedAt:        &started,
			})
		if err != nil {
			if !errors.Is(err, state.ErrConflict) {
				logger.Error("failed to start step", "error", err)
			}
			return
		}
		rs.setStatus(def.ID, state.StepRunning)

		// The leader flag distinguishes the caller whose producer ran
		// (and already persisted its completion transactionally) from
		// cache hits and singleflight followers, which must persist
		// their own completion here.
		leader := false
		outcome, execErr := o.cache.Do(ctx, key, ttl,
			o.producer(run, row, entry, handler, input, fp, attempt, started, &leader))

		if execErr == nil {
			cacheOutcome := "miss"
			if !leader {
				cacheOutcome = "hit"
				ended := time.Now().UTC()
				dur := ended.Sub(started).Milliseconds()
				hit := true
				err := o.store.TransitionStep(persistCtx, run.TenantID, run.ID, def.ID,
					state.StepRunning, state.StepCompleted, &state.StepUpdate{
						CacheHit:          &hit,
						OutputArtifactIDs: outcome.ArtifactIDs,
						EndedAt:           &ended,
						DurationMS:        &dur,
					})
				if err != nil {
					logger.Error("failed to record cached completion", "error", err)
					rs.recordFailure(def.ID, &state.ErrorRecord{
						Code: enginerrors.CodeInternal, Message: err.Error(),
						FailedStepID: def.ID, Timestamp: time.Now().UTC(),
					})
					return
				}
			}
			metrics.CacheLookups.WithLabelValues(row.SkillID, cacheOutcome).Inc()
			metrics.ObserveStep(row.SkillID, string(state.StepCompleted), time.Since(started))

			out, err := o.outcomeToOutput(persistCtx, run.TenantID, outcome)
			if err != nil {
				logger.Error("failed to load step outcome", "error", err)
				rs.recordFailure(def.ID, &state.ErrorRecord{
					Code: enginerrors.CodeInternal, Message: err.Error(),
					FailedStepID: def.ID, Timestamp: time.Now().UTC(),
				})
				return
			}
			rs.setOutput(def.ID, out)
			logger.Info("step completed",
				"attempt", attempt, "cache_hit", !leader,
				"duration_ms", time.Since(started).Milliseconds())
			return
		}

		code := codeForError(ctx, execErr)
		rec := &state.ErrorRecord{
			Code:         code,
			Message:      execErr.Error(),
			FailedStepID: def.ID,
			Timestamp:    time.Now().UTC(),
		}

		if enginerrors.IsTransient(code) && attempt < maxAttempts {
			next := attempt + 1
			err := o.store.TransitionStep(persistCtx, run.TenantID, run.ID, def.ID,
				state.StepRunning, state.StepPending, &state.StepUpdate{
					Attempt: &next,
					Error:   rec,
				})
			if err != nil {
				logger.Error("failed to reset step for retry", "error", err)
				return
			}
			rs.setStatus(def.ID, state.StepPending)
			metrics.StepRetries.WithLabelValues(row.SkillID, code).Inc()
			logger.Warn("step failed transiently, retrying",
				"attempt", attempt, "error_code", code, "error", execErr.Error())

			if !o.sleepBackoff(ctx, attempt) {
				return // run cancelled mid-backoff; step stays pending for the sweep
			}
			attempt = next
			continue
		}

		ended := time.Now().UTC()
		dur := ended.Sub(started).Milliseconds()
		err = o.store.TransitionStep(persistCtx, run.TenantID, run.ID, def.ID,
			state.StepRunning, state.StepFailed, &state.StepUpdate{
				Error:      rec,
				EndedAt:    &ended,
				DurationMS: &dur,
			})
		if err != nil {
			logger.Error("failed to record step failure", "error", err)
		}
		rs.recordFailure(def.ID, rec)
		metrics.ObserveStep(row.SkillID, string(state.StepFailed), time.Since(started))
		logger.Warn("step failed",
			"attempt", attempt, "error_code", code, "error", execErr.Error())
		return
	}
}

// failPendingStep terminally fails a step that never started running,
// such as on an input resolution error.
func (o *Orchestrator) failPendingStep(ctx context.Context, run *state.Run, rs *runState, row *state.RunStep, code, message string) {
	rec := &state.ErrorRecord{
		Code:         code,
		Message:      message,
		FailedStepID: row.StepID,
		Timestamp:    time.Now().UTC(),
	}
	err := o.store.TransitionStep(ctx, run.TenantID, run.ID, row.StepID,
		state.StepPending, state.StepFailed, &state.StepUpdate{Error: rec})
	if err != nil {
		o.logger.Error("failed to fail step",
			"run_id", run.ID, "step_id", row.StepID, "error", err)
	}
	rs.recordFailure(row.StepID, rec)
	metrics.StepsExecuted.WithLabelValues(row.SkillID, string(state.StepFailed)).Inc()
}

// producer builds the singleflight callback that actually executes the
// handler and persists its outcome.
func (o *Orchestrator) producer(run *state.Run, row *state.RunStep, entry *catalog.Entry, handler skill.Handler, input map[string]any, fp string, attempt int, started time.Time, leader *bool) stepcache.Producer {
	return func(ctx context.Context) (*stepcache.Outcome, error) {
		*leader = true

		// Tenant gate first, then the process-wide pool, so one tenant
		// saturating its quota cannot pin global slots while it queues.
		gate := o.tenantHandlerGate(run.TenantID)
		select {
		case gate <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		defer func() { <-gate }()

		select {
		case o.handlerSlots <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		defer func() { <-o.handlerSlots }()

		handle, err := o.execs.New(execctx.Request{
			TenantID:   run.TenantID,
			RunID:      run.ID,
			StepID:     row.StepID,
			Attempt:    attempt,
			Descriptor: entry.Descriptor,
		})
		if err != nil {
			return nil, err
		}
		defer handle.Release()

		res, err := o.invokeHandler(ctx, handler, input, handle.Ctx)
		if err != nil {
			return nil, err
		}
		if !res.OK {
			code := res.ErrorCode
			if code == "" {
				code = enginerrors.CodeExecution
			}
			return nil, &stepFailure{code: code, message: res.Error}
		}
		if err := entry.ValidateOutput(res.Data); err != nil {
			return nil, &stepFailure{
				code:    enginerrors.CodeExecution,
				message: fmt.Sprintf("handler output violates schema: %v", err),
			}
		}

		return o.persistOutcome(ctx, run, row, handle.Ctx, res, fp, started)
	}
}

// invokeHandler runs the handler under its policy timeout with panic
// containment. Once the cancellation signal fires the handler has the
// configured grace period to return; after that it is abandoned and the
// step fails without it.
func (o *Orchestrator) invokeHandler(ctx context.Context, handler skill.Handler, input map[string]any, ec *skill.ExecContext) (*skill.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, ec.Policy.Timeout)
	defer cancel()

	type outcome struct {
		res *skill.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: &stepFailure{
					code:    enginerrors.CodeExecution,
					message: fmt.Sprintf("handler panicked: %v", r),
				}}
			}
		}()
		res, err := handler.Execute(ctx, input, ec)
		done <- outcome{res: res, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-ctx.Done():
		grace := time.NewTimer(o.cfg.CancelGrace())
		defer grace.Stop()
		select {
		case out = <-done:
		case <-grace.C:
			return nil, o.deadlineFailure(ctx, ec, "handler ignored cancellation")
		}
	}

	if out.err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, o.deadlineFailure(ctx, ec, "")
		}
		return nil, out.err
	}
	if out.res == nil {
		return nil, &stepFailure{
			code:    enginerrors.CodeExecution,
			message: "handler returned no result",
		}
	}
	return out.res, nil
}

// deadlineFailure distinguishes a policy timeout from a cancellation.
func (o *Orchestrator) deadlineFailure(ctx context.Context, ec *skill.ExecContext, detail string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		msg := fmt.Sprintf("step exceeded its %s limit", ec.Policy.Timeout)
		if detail != "" {
			msg += "; " + detail
		}
		return &stepFailure{code: enginerrors.CodeTimeout, message: msg}
	}
	msg := "step cancelled"
	if detail != "" {
		msg += "; " + detail
	}
	return &stepFailure{code: enginerrors.CodeCancelled, message: msg}
}

// persistOutcome streams produced artifacts into the blob store and
// commits artifact rows, the completed transition, and the cache entry
// in one transaction.
func (o *Orchestrator) persistOutcome(ctx context.Context, run *state.Run, row *state.RunStep, ec *skill.ExecContext, res *skill.Result, fp string, started time.Time) (*stepcache.Outcome, error) {
	resultJSON, err := json.Marshal(res.Data)
	if err != nil {
		return nil, fmt.Errorf("step result does not encode: %w", err)
	}

	artifacts := make([]*state.Artifact, 0, len(res.Artifacts))
	now := time.Now().UTC()
	for _, spec := range res.Artifacts {
		path, err := workspace.Resolve(ec.WorkspaceDir, spec.Path)
		if err != nil {
			return nil, &stepFailure{
				code:    enginerrors.CodePolicyDenied,
				message: fmt.Sprintf("artifact %q: %v", spec.Path, err),
			}
		}
		put, err := o.blobs.PutFile(ctx, run.TenantID, path)
		if err != nil {
			return nil, fmt.Errorf("failed to persist artifact %q: %w", spec.Path, err)
		}

		meta := make(map[string]any, len(spec.Metadata)+3)
		for k, v := range spec.Metadata {
			meta[k] = v
		}
		meta["size_bytes"] = put.SizeBytes
		meta["created_at"] = now.Format(time.RFC3339)
		meta["creator_step_id"] = row.StepID

		artifacts = append(artifacts, &state.Artifact{
			ID:          uuid.NewString(),
			TenantID:    run.TenantID,
			RunID:       run.ID,
			StepID:      row.StepID,
			Type:        spec.Type,
			URI:         put.URI,
			ContentHash: put.ContentHash,
			SizeBytes:   put.SizeBytes,
			Filename:    spec.Filename,
			Metadata:    meta,
		})
	}

	ended := time.Now().UTC()
	dur := ended.Sub(started).Milliseconds()
	hit := false
	update := &state.StepUpdate{
		CacheHit:   &hit,
		EndedAt:    &ended,
		DurationMS: &dur,
	}
	cacheEntry := &state.CacheEntry{
		TenantID:         run.TenantID,
		SkillID:          row.SkillID,
		SkillVersion:     row.SkillVersion,
		InputFingerprint: fp,
		ResultJSON:       resultJSON,
	}

	if err := o.store.CompleteStepWithArtifacts(context.WithoutCancel(ctx), run.TenantID, run.ID, row.StepID,
		update, artifacts, cacheEntry); err != nil {
		return nil, err
	}

	// The store resolves content-hash dedup into the effective ids.
	return &stepcache.Outcome{
		ResultJSON:  resultJSON,
		ArtifactIDs: update.OutputArtifactIDs,
	}, nil
}

// outcomeToOutput turns a cache outcome into the binding environment
// entry downstream steps resolve against.
func (o *Orchestrator) outcomeToOutput(ctx context.Context, tenantID string, outcome *stepcache.Outcome) (*planner.StepOutput, error) {
	out := &planner.StepOutput{Data: map[string]any{}}
	if len(outcome.ResultJSON) > 0 {
		if err := json.Unmarshal(outcome.ResultJSON, &out.Data); err != nil {
			return nil, err
		}
	}
	for _, id := range outcome.ArtifactIDs {
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

// codeForError maps an execution error to its wire code, preferring
// context causes over whatever the handler wrapped them in.
func codeForError(ctx context.Context, err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return enginerrors.CodeTimeout
	}
	if errors.Is(err, context.Canceled) || ctx.Err() != nil {
		return enginerrors.CodeCancelled
	}
	return enginerrors.CodeOf(err)
}

// sleepBackoff waits the exponential backoff delay for the given
// attempt. Returns false when ctx was cancelled during the wait.
func (o *Orchestrator) sleepBackoff(ctx context.Context, attempt int) bool {
	d := o.backoffBase << (attempt - 1)
	if limit := o.backoffBase * 8; d > limit {
		d = limit
	}
	// Spread retries by +-20% so simultaneous failures do not retry in
	// lockstep.
	d += time.Duration(rand.Int63n(2*int64(d)/5+1)) - d/5

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
