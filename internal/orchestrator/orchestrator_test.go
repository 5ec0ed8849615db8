package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skillweave/skillweave/internal/artifact"
	"github.com/skillweave/skillweave/internal/catalog"
	"github.com/skillweave/skillweave/internal/config"
	"github.com/skillweave/skillweave/internal/execctx"
	"github.com/skillweave/skillweave/internal/planner"
	"github.com/skillweave/skillweave/internal/queue"
	"github.com/skillweave/skillweave/internal/state"
	"github.com/skillweave/skillweave/internal/workspace"
	enginerrors "github.com/skillweave/skillweave/pkg/errors"
	"github.com/skillweave/skillweave/pkg/skill"
)

type noSecrets struct{}

func (noSecrets) Get(string) (string, bool) { return "", false }
func (noSecrets) Has(string) bool           { return false }
func (noSecrets) Keys() []string            { return nil }

const echoDescriptor = `
skill_id: echo
version: 1.0.0
title: Echo
status: active
input_schema:
  type: object
  properties:
    msg:
      type: string
  required: [msg]
output_schema:
  type: object
  properties:
    msg:
      type: string
implementation:
  type: function
  handler: echo
policy:
  network: none
`

const flakyDescriptor = `
skill_id: flaky_fetch
version: 1.0.0
title: Flaky fetch
status: active
input_schema:
  type: object
output_schema:
  type: object
implementation:
  type: function
  handler: flaky_fetch
policy:
  network: outbound
`

const failDescriptor = `
skill_id: always_fail
version: 1.0.0
title: Always fail
status: active
input_schema:
  type: object
output_schema:
  type: object
implementation:
  type: function
  handler: always_fail
policy:
  network: none
`

const slowDescriptor = `
skill_id: slow
version: 1.0.0
title: Slow
status: active
input_schema:
  type: object
output_schema:
  type: object
implementation:
  type: function
  handler: slow
policy:
  network: none
`

const pipelineWorkflow = `
name: pipeline
version: 1
payload_schema:
  type: object
  properties:
    msg:
      type: string
  required: [msg]
steps:
  - id: first
    skill: echo
    with:
      msg: trigger.msg
  - id: second
    skill: echo
    needs: [first]
    with:
      msg: steps.first.data.msg
  - id: third
    skill: echo
    needs: [second]
    with:
      msg: steps.second.data.msg
`

type harness struct {
	o     *Orchestrator
	cfg   *config.Config
	store state.Store
	queue queue.Queue
	cat   *catalog.Catalog
}

func newHarness(t *testing.T, descriptors []string, workflows []string, bind map[string]skill.Handler, stepTimeout time.Duration) *harness {
	t.Helper()

	catDir := t.TempDir()
	for i, d := range descriptors {
		require.NoError(t, os.WriteFile(filepath.Join(catDir, fmt.Sprintf("skill_%d.yaml", i)), []byte(d), 0o644))
	}
	cat := catalog.New(nil)
	require.NoError(t, cat.LoadDir(catDir))
	for name, h := range bind {
		cat.Bind(name, h)
	}

	wfDir := t.TempDir()
	for i, w := range workflows {
		require.NoError(t, os.WriteFile(filepath.Join(wfDir, fmt.Sprintf("wf_%d.yaml", i)), []byte(w), 0o644))
	}
	registry := planner.NewRegistry(nil)
	require.NoError(t, registry.LoadDir(wfDir))

	blobs, err := artifact.NewStore(t.TempDir(), nil)
	require.NoError(t, err)
	workspaces, err := workspace.NewManager(t.TempDir())
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Orchestrator.CancelGraceMS = 20

	store := state.NewMemory()
	t.Cleanup(func() { store.Close() })
	q := queue.NewMemory()
	t.Cleanup(q.Close)

	o := New(cfg, Deps{
		Store:    store,
		Queue:    q,
		Catalog:  cat,
		Registry: registry,
		Blobs:    blobs,
		Execs:    execctx.NewFactory(workspaces, noSecrets{}, stepTimeout, nil),
	})
	o.backoffBase = time.Millisecond

	return &harness{o: o, cfg: cfg, store: store, queue: q, cat: cat}
}

// drain executes every queued run on the calling goroutine.
func (h *harness) drain(t *testing.T, ctx context.Context) {
	t.Helper()
	for h.queue.Len() > 0 {
		item, err := h.queue.Dequeue(ctx)
		require.NoError(t, err)
		h.o.executeRun(ctx, item.TenantID, item.RunID)
	}
}

func echoHandler(calls *atomic.Int64) skill.Handler {
	return skill.HandlerFunc(func(_ context.Context, input map[string]any, _ *skill.ExecContext) (*skill.Result, error) {
		if calls != nil {
			calls.Add(1)
		}
		return skill.Success(map[string]any{"msg": input["msg"]}), nil
	})
}

func TestRunPipeline_Succeeds(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int64
	h := newHarness(t, []string{echoDescriptor}, []string{pipelineWorkflow},
		map[string]skill.Handler{"echo": echoHandler(&calls)}, 5*time.Second)

	run, err := h.o.TriggerRun(ctx, "tenant-a", TriggerRequest{
		Workflow: "pipeline",
		Payload:  map[string]any{"msg": "hello"},
	})
	require.NoError(t, err)
	h.drain(t, ctx)

	got, err := h.store.GetRun(ctx, "tenant-a", run.ID)
	require.NoError(t, err)
	assert.Equal(t, state.RunSucceeded, got.Status)

	steps, err := h.store.ListSteps(ctx, "tenant-a", run.ID, "")
	require.NoError(t, err)
	require.Len(t, steps, 3)
	for _, s := range steps {
		assert.Equal(t, state.StepCompleted, s.Status, s.StepID)
		assert.NotEmpty(t, s.InputFingerprint, s.StepID)
	}
	// Identical inputs collapse onto one cached execution: only the
	// first step actually ran the handler.
	assert.Equal(t, int64(1), calls.Load())
}

func TestRun_CacheHitOnReplay(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int64
	h := newHarness(t, []string{echoDescriptor}, []string{pipelineWorkflow},
		map[string]skill.Handler{"echo": echoHandler(&calls)}, 5*time.Second)

	payload := map[string]any{"msg": "same inputs"}
	first, err := h.o.TriggerRun(ctx, "tenant-a", TriggerRequest{Workflow: "pipeline", Payload: payload})
	require.NoError(t, err)
	h.drain(t, ctx)
	produced := calls.Load()

	second, err := h.o.TriggerRun(ctx, "tenant-a", TriggerRequest{
		Workflow:  "pipeline",
		Payload:   payload,
		Type:      state.TriggerReplay,
		BaseRunID: first.ID,
	})
	require.NoError(t, err)
	h.drain(t, ctx)

	assert.Equal(t, produced, calls.Load(), "replay served entirely from cache")

	steps, err := h.store.ListSteps(ctx, "tenant-a", second.ID, "")
	require.NoError(t, err)
	for _, s := range steps {
		assert.Equal(t, state.StepCompleted, s.Status, s.StepID)
		assert.True(t, s.CacheHit, s.StepID)
	}
}

func TestRun_CacheDoesNotCrossTenants(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int64
	h := newHarness(t, []string{echoDescriptor}, []string{pipelineWorkflow},
		map[string]skill.Handler{"echo": echoHandler(&calls)}, 5*time.Second)

	payload := map[string]any{"msg": "shared"}
	_, err := h.o.TriggerRun(ctx, "tenant-a", TriggerRequest{Workflow: "pipeline", Payload: payload})
	require.NoError(t, err)
	h.drain(t, ctx)
	after := calls.Load()

	_, err = h.o.TriggerRun(ctx, "tenant-b", TriggerRequest{Workflow: "pipeline", Payload: payload})
	require.NoError(t, err)
	h.drain(t, ctx)

	assert.Greater(t, calls.Load(), after, "tenant-b never reads tenant-a's cache")
}

const flakyWorkflow = `
name: flaky
version: 1
steps:
  - id: fetch
    skill: flaky_fetch
`

// flakyHandler fails with a transient code until the given call count.
func flakyHandler(calls *atomic.Int64, succeedOn int64) skill.Handler {
	return skill.HandlerFunc(func(_ context.Context, _ map[string]any, _ *skill.ExecContext) (*skill.Result, error) {
		n := calls.Add(1)
		if n < succeedOn {
			return skill.Failure(enginerrors.CodeNetwork, "connection reset"), nil
		}
		return skill.Success(map[string]any{"fetched": true}), nil
	})
}

func TestRun_TransientFailureRetries(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int64
	h := newHarness(t, []string{flakyDescriptor}, []string{flakyWorkflow},
		map[string]skill.Handler{"flaky_fetch": flakyHandler(&calls, 3)}, 5*time.Second)

	run, err := h.o.TriggerRun(ctx, "tenant-a", TriggerRequest{Workflow: "flaky"})
	require.NoError(t, err)
	h.drain(t, ctx)

	got, err := h.store.GetRun(ctx, "tenant-a", run.ID)
	require.NoError(t, err)
	assert.Equal(t, state.RunSucceeded, got.Status)

	step, err := h.store.GetStep(ctx, "tenant-a", run.ID, "fetch")
	require.NoError(t, err)
	assert.Equal(t, state.StepCompleted, step.Status)
	assert.Equal(t, 3, step.Attempt, "two transient failures then success")
	assert.Equal(t, int64(3), calls.Load())
}

func TestRun_RetryBudgetExhausted(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int64
	h := newHarness(t, []string{flakyDescriptor}, []string{flakyWorkflow},
		map[string]skill.Handler{"flaky_fetch": flakyHandler(&calls, 100)}, 5*time.Second)

	run, err := h.o.TriggerRun(ctx, "tenant-a", TriggerRequest{Workflow: "flaky"})
	require.NoError(t, err)
	h.drain(t, ctx)

	got, err := h.store.GetRun(ctx, "tenant-a", run.ID)
	require.NoError(t, err)
	assert.Equal(t, state.RunFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, enginerrors.CodeNetwork, got.Error.Code)
	assert.Equal(t, "fetch", got.Error.FailedStepID)

	step, err := h.store.GetStep(ctx, "tenant-a", run.ID, "fetch")
	require.NoError(t, err)
	assert.Equal(t, state.StepFailed, step.Status)
	// Default budget for outbound skills is 2 retries: 3 attempts total.
	assert.Equal(t, int64(3), calls.Load())
}

const cascadeWorkflow = `
name: cascade
version: 1
steps:
  - id: doomed
    skill: always_fail
  - id: child
    skill: echo
    needs: [doomed]
    with:
      msg: steps.doomed.data.msg
  - id: grandchild
    skill: echo
    needs: [child]
    with:
      msg: steps.child.data.msg
  - id: independent
    skill: echo
    with:
      msg: survives
`

func TestRun_SkipCascade(t *testing.T) {
	ctx := context.Background()
	failing := skill.HandlerFunc(func(_ context.Context, _ map[string]any, _ *skill.ExecContext) (*skill.Result, error) {
		return skill.Failure(enginerrors.CodeValidation, "bad input"), nil
	})
	h := newHarness(t, []string{echoDescriptor, failDescriptor}, []string{cascadeWorkflow},
		map[string]skill.Handler{"echo": echoHandler(nil), "always_fail": failing}, 5*time.Second)

	run, err := h.o.TriggerRun(ctx, "tenant-a", TriggerRequest{Workflow: "cascade"})
	require.NoError(t, err)
	h.drain(t, ctx)

	got, err := h.store.GetRun(ctx, "tenant-a", run.ID)
	require.NoError(t, err)
	assert.Equal(t, state.RunFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, enginerrors.CodeValidation, got.Error.Code)

	want := map[string]state.StepStatus{
		"doomed":      state.StepFailed,
		"child":       state.StepSkipped,
		"grandchild":  state.StepSkipped,
		"independent": state.StepCompleted,
	}
	for stepID, status := range want {
		step, err := h.store.GetStep(ctx, "tenant-a", run.ID, stepID)
		require.NoError(t, err)
		assert.Equal(t, status, step.Status, stepID)
		if status == state.StepSkipped {
			require.NotNil(t, step.Error, stepID)
			assert.Equal(t, enginerrors.CodeSkippedUpstream, step.Error.Code, stepID)
		}
	}
}

const slowWorkflow = `
name: slow
version: 1
steps:
  - id: sleepy
    skill: slow
`

func TestRun_StepTimeout(t *testing.T) {
	ctx := context.Background()
	sleepy := skill.HandlerFunc(func(ctx context.Context, _ map[string]any, _ *skill.ExecContext) (*skill.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	h := newHarness(t, []string{slowDescriptor}, []string{slowWorkflow},
		map[string]skill.Handler{"slow": sleepy}, 30*time.Millisecond)

	run, err := h.o.TriggerRun(ctx, "tenant-a", TriggerRequest{Workflow: "slow"})
	require.NoError(t, err)
	h.drain(t, ctx)

	got, err := h.store.GetRun(ctx, "tenant-a", run.ID)
	require.NoError(t, err)
	assert.Equal(t, state.RunFailed, got.Status)

	step, err := h.store.GetStep(ctx, "tenant-a", run.ID, "sleepy")
	require.NoError(t, err)
	assert.Equal(t, state.StepFailed, step.Status)
	require.NotNil(t, step.Error)
	assert.Equal(t, enginerrors.CodeTimeout, step.Error.Code)
	assert.Equal(t, 1, step.Attempt, "timeouts do not retry")
}

const badBindingWorkflow = `
name: bad_binding
version: 1
steps:
  - id: first
    skill: echo
    with:
      msg: hello
  - id: second
    skill: echo
    needs: [first]
    with:
      msg: steps.first.data.no_such_field
`

func TestRun_InputResolutionFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, []string{echoDescriptor}, []string{badBindingWorkflow},
		map[string]skill.Handler{"echo": echoHandler(nil)}, 5*time.Second)

	run, err := h.o.TriggerRun(ctx, "tenant-a", TriggerRequest{Workflow: "bad_binding"})
	require.NoError(t, err)
	h.drain(t, ctx)

	got, err := h.store.GetRun(ctx, "tenant-a", run.ID)
	require.NoError(t, err)
	assert.Equal(t, state.RunFailed, got.Status)

	step, err := h.store.GetStep(ctx, "tenant-a", run.ID, "second")
	require.NoError(t, err)
	assert.Equal(t, state.StepFailed, step.Status)
	require.NotNil(t, step.Error)
	assert.Equal(t, enginerrors.CodeInputResolution, step.Error.Code)
}

func TestTriggerRun_UnknownWorkflow(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, []string{echoDescriptor}, []string{pipelineWorkflow},
		map[string]skill.Handler{"echo": echoHandler(nil)}, 5*time.Second)

	_, err := h.o.TriggerRun(ctx, "tenant-a", TriggerRequest{Workflow: "no_such_workflow"})
	require.Error(t, err)
	assert.Equal(t, enginerrors.CodeUnknownWorkflow, enginerrors.CodeOf(err))
}

func TestTriggerRun_PayloadRejected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, []string{echoDescriptor}, []string{pipelineWorkflow},
		map[string]skill.Handler{"echo": echoHandler(nil)}, 5*time.Second)

	_, err := h.o.TriggerRun(ctx, "tenant-a", TriggerRequest{
		Workflow: "pipeline",
		Payload:  map[string]any{"msg": 42},
	})
	require.Error(t, err)
	assert.Equal(t, enginerrors.CodeValidation, enginerrors.CodeOf(err))
	assert.Equal(t, 0, h.queue.Len(), "rejected triggers never enqueue")
}

func TestTriggerRun_Idempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, []string{echoDescriptor}, []string{pipelineWorkflow},
		map[string]skill.Handler{"echo": echoHandler(nil)}, 5*time.Second)

	req := TriggerRequest{
		RunID:    "run-fixed-id",
		Workflow: "pipeline",
		Payload:  map[string]any{"msg": "once"},
	}
	first, err := h.o.TriggerRun(ctx, "tenant-a", req)
	require.NoError(t, err)
	second, err := h.o.TriggerRun(ctx, "tenant-a", req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, h.queue.Len(), "duplicate triggers enqueue once")
}

func TestCancelRun_Queued(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, []string{echoDescriptor}, []string{pipelineWorkflow},
		map[string]skill.Handler{"echo": echoHandler(nil)}, 5*time.Second)

	run, err := h.o.TriggerRun(ctx, "tenant-a", TriggerRequest{
		Workflow: "pipeline",
		Payload:  map[string]any{"msg": "never runs"},
	})
	require.NoError(t, err)

	cancelled, err := h.o.CancelRun(ctx, "tenant-a", run.ID)
	require.NoError(t, err)
	assert.Equal(t, state.RunCancelled, cancelled.Status)

	steps, err := h.store.ListSteps(ctx, "tenant-a", run.ID, "")
	require.NoError(t, err)
	for _, s := range steps {
		assert.Equal(t, state.StepSkipped, s.Status, s.StepID)
		require.NotNil(t, s.Error, s.StepID)
		assert.Equal(t, enginerrors.CodeCancelled, s.Error.Code, s.StepID)
	}

	// The queued item is a no-op once dequeued.
	h.drain(t, ctx)
	got, err := h.store.GetRun(ctx, "tenant-a", run.ID)
	require.NoError(t, err)
	assert.Equal(t, state.RunCancelled, got.Status)
}

func TestCancelRun_Running(t *testing.T) {
	ctx := context.Background()
	entered := make(chan struct{})
	blocking := skill.HandlerFunc(func(ctx context.Context, _ map[string]any, _ *skill.ExecContext) (*skill.Result, error) {
		close(entered)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	h := newHarness(t, []string{slowDescriptor}, []string{slowWorkflow},
		map[string]skill.Handler{"slow": blocking}, 5*time.Second)

	run, err := h.o.TriggerRun(ctx, "tenant-a", TriggerRequest{Workflow: "slow"})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		item, err := h.queue.Dequeue(ctx)
		if err != nil {
			return
		}
		h.o.executeRun(ctx, item.TenantID, item.RunID)
	}()

	<-entered
	_, err = h.o.CancelRun(ctx, "tenant-a", run.ID)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not settle after cancellation")
	}

	got, err := h.store.GetRun(ctx, "tenant-a", run.ID)
	require.NoError(t, err)
	assert.Equal(t, state.RunCancelled, got.Status)

	step, err := h.store.GetStep(ctx, "tenant-a", run.ID, "sleepy")
	require.NoError(t, err)
	assert.Equal(t, state.StepFailed, step.Status)
	require.NotNil(t, step.Error)
	assert.Equal(t, enginerrors.CodeCancelled, step.Error.Code)
}

const fanoutWorkflow = `
name: fanout
version: 1
steps:
  - id: left
    skill: echo
    with:
      msg: left
  - id: right
    skill: echo
    with:
      msg: right
`

func TestRun_PerTenantHandlerGate(t *testing.T) {
	ctx := context.Background()
	var cur, peak atomic.Int64
	gauged := skill.HandlerFunc(func(_ context.Context, input map[string]any, _ *skill.ExecContext) (*skill.Result, error) {
		n := cur.Add(1)
		for {
			m := peak.Load()
			if n <= m || peak.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		cur.Add(-1)
		return skill.Success(map[string]any{"msg": input["msg"]}), nil
	})
	h := newHarness(t, []string{echoDescriptor}, []string{fanoutWorkflow},
		map[string]skill.Handler{"echo": gauged}, 5*time.Second)
	h.cfg.Orchestrator.PerRunParallelism = 4
	h.cfg.Orchestrator.PerTenantHandlers = 1

	run, err := h.o.TriggerRun(ctx, "tenant-a", TriggerRequest{Workflow: "fanout"})
	require.NoError(t, err)
	h.drain(t, ctx)

	got, err := h.store.GetRun(ctx, "tenant-a", run.ID)
	require.NoError(t, err)
	assert.Equal(t, state.RunSucceeded, got.Status)
	assert.Equal(t, int64(1), peak.Load(),
		"independent steps queue at the tenant handler gate")
}

func TestCancelRun_SettlesWithoutWaitingFullGrace(t *testing.T) {
	ctx := context.Background()
	entered := make(chan struct{})
	cooperative := skill.HandlerFunc(func(ctx context.Context, _ map[string]any, _ *skill.ExecContext) (*skill.Result, error) {
		close(entered)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	h := newHarness(t, []string{slowDescriptor}, []string{slowWorkflow},
		map[string]skill.Handler{"slow": cooperative}, 5*time.Second)
	h.cfg.Orchestrator.CancelGraceMS = 5000

	run, err := h.o.TriggerRun(ctx, "tenant-a", TriggerRequest{Workflow: "slow"})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		item, err := h.queue.Dequeue(ctx)
		if err != nil {
			return
		}
		h.o.executeRun(ctx, item.TenantID, item.RunID)
	}()

	<-entered
	started := time.Now()
	_, err = h.o.CancelRun(ctx, "tenant-a", run.ID)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not settle after cancellation")
	}
	assert.Less(t, time.Since(started), 2*time.Second,
		"a handler that returns on cancel settles the run well inside the grace period")

	got, err := h.store.GetRun(ctx, "tenant-a", run.ID)
	require.NoError(t, err)
	assert.Equal(t, state.RunCancelled, got.Status)
}

func TestRun_AbandonsStuckHandler(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	stuck := skill.HandlerFunc(func(_ context.Context, _ map[string]any, _ *skill.ExecContext) (*skill.Result, error) {
		<-release
		return nil, context.Canceled
	})
	h := newHarness(t, []string{slowDescriptor}, []string{slowWorkflow},
		map[string]skill.Handler{"slow": stuck}, 30*time.Millisecond)

	run, err := h.o.TriggerRun(ctx, "tenant-a", TriggerRequest{Workflow: "slow"})
	require.NoError(t, err)
	h.drain(t, ctx)

	got, err := h.store.GetRun(ctx, "tenant-a", run.ID)
	require.NoError(t, err)
	assert.Equal(t, state.RunFailed, got.Status)

	step, err := h.store.GetStep(ctx, "tenant-a", run.ID, "sleepy")
	require.NoError(t, err)
	assert.Equal(t, state.StepFailed, step.Status)
	require.NotNil(t, step.Error)
	assert.Equal(t, enginerrors.CodeTimeout, step.Error.Code,
		"a handler that ignores its deadline is abandoned after the grace period")
}

func TestTriggerRun_RequiresTenant(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, []string{echoDescriptor}, []string{pipelineWorkflow},
		map[string]skill.Handler{"echo": echoHandler(nil)}, 5*time.Second)

	_, err := h.o.TriggerRun(ctx, "", TriggerRequest{Workflow: "pipeline"})
	require.Error(t, err)
	assert.Equal(t, enginerrors.CodeValidation, enginerrors.CodeOf(err))
}
