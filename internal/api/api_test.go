package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skillweave/skillweave/internal/artifact"
	"github.com/skillweave/skillweave/internal/catalog"
	"github.com/skillweave/skillweave/internal/config"
	"github.com/skillweave/skillweave/internal/execctx"
	"github.com/skillweave/skillweave/internal/orchestrator"
	"github.com/skillweave/skillweave/internal/planner"
	"github.com/skillweave/skillweave/internal/queue"
	"github.com/skillweave/skillweave/internal/state"
	"github.com/skillweave/skillweave/internal/workspace"
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
implementation:
  type: function
  handler: echo
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
`

type fixture struct {
	srv   *httptest.Server
	store state.Store
	queue queue.Queue
	o     *orchestrator.Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	catDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(catDir, "echo.yaml"), []byte(echoDescriptor), 0o644))
	cat := catalog.New(nil)
	require.NoError(t, cat.LoadDir(catDir))
	cat.Bind("echo", skill.HandlerFunc(func(_ context.Context, input map[string]any, _ *skill.ExecContext) (*skill.Result, error) {
		return skill.Success(map[string]any{"msg": input["msg"]}), nil
	}))

	wfDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(wfDir, "pipeline.yaml"), []byte(pipelineWorkflow), 0o644))
	registry := planner.NewRegistry(nil)
	require.NoError(t, registry.LoadDir(wfDir))

	blobs, err := artifact.NewStore(t.TempDir(), nil)
	require.NoError(t, err)
	workspaces, err := workspace.NewManager(t.TempDir())
	require.NoError(t, err)

	store := state.NewMemory()
	t.Cleanup(func() { store.Close() })
	q := queue.NewMemory()
	t.Cleanup(q.Close)

	o := orchestrator.New(config.Default(), orchestrator.Deps{
		Store:    store,
		Queue:    q,
		Catalog:  cat,
		Registry: registry,
		Blobs:    blobs,
		Execs:    execctx.NewFactory(workspaces, noSecrets{}, 5*time.Second, nil),
	})

	s := New(Deps{
		Engine:   o,
		Store:    store,
		Catalog:  cat,
		Registry: registry,
		Blobs:    blobs,
	})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	return &fixture{srv: srv, store: store, queue: q, o: o}
}

func (f *fixture) request(t *testing.T, method, path, tenant string, body any) (*http.Response, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	require.NoError(t, err)
	if tenant != "" {
		req.Header.Set(TenantHeader, tenant)
	}

	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		decoded = nil
	}
	return resp, decoded
}

func TestTriggerRun_Accepted(t *testing.T) {
	f := newFixture(t)

	resp, body := f.request(t, http.MethodPost, "/v1/runs", "tenant-a", map[string]any{
		"workflow": "pipeline",
		"payload":  map[string]any{"msg": "hello"},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "queued", body["status"])
	assert.NotEmpty(t, body["id"])
	assert.Equal(t, 1, f.queue.Len())
}

func TestTriggerRun_InvalidPayloadRejected(t *testing.T) {
	f := newFixture(t)

	// msg must be a string; nothing may be enqueued or persisted.
	resp, body := f.request(t, http.MethodPost, "/v1/runs", "tenant-a", map[string]any{
		"workflow": "pipeline",
		"payload":  map[string]any{"msg": 42},
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	errObj := body["error"].(map[string]any)
	assert.Equal(t, "VALIDATION_ERROR", errObj["code"])
	assert.Equal(t, 0, f.queue.Len())

	runs, err := f.store.ListRuns(context.Background(), "tenant-a", 10)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestTriggerRun_UnknownWorkflow(t *testing.T) {
	f := newFixture(t)

	resp, body := f.request(t, http.MethodPost, "/v1/runs", "tenant-a", map[string]any{
		"workflow": "nope",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "UNKNOWN_WORKFLOW", errObj["code"])
}

func TestTriggerRun_MissingTenantHeader(t *testing.T) {
	f := newFixture(t)

	resp, body := f.request(t, http.MethodPost, "/v1/runs", "", map[string]any{
		"workflow": "pipeline",
		"payload":  map[string]any{"msg": "hello"},
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "VALIDATION_ERROR", errObj["code"])
}

func TestGetRun_WrongTenantIsNotFound(t *testing.T) {
	f := newFixture(t)

	_, created := f.request(t, http.MethodPost, "/v1/runs", "tenant-a", map[string]any{
		"workflow": "pipeline",
		"payload":  map[string]any{"msg": "hello"},
	})
	runID := created["id"].(string)

	resp, _ := f.request(t, http.MethodGet, "/v1/runs/"+runID, "tenant-b", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body := f.request(t, http.MethodGet, "/v1/runs/"+runID, "tenant-a", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	run := body["run"].(map[string]any)
	assert.Equal(t, runID, run["id"])
}

func TestRunEndpoints_AfterExecution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, created := f.request(t, http.MethodPost, "/v1/runs", "tenant-a", map[string]any{
		"workflow": "pipeline",
		"payload":  map[string]any{"msg": "hello"},
	})
	runID := created["id"].(string)

	// Execute via a single worker until the run settles.
	workerCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- f.o.Start(workerCtx) }()

	require.Eventually(t, func() bool {
		run, err := f.store.GetRun(ctx, "tenant-a", runID)
		return err == nil && run.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	stop()
	<-done

	resp, body := f.request(t, http.MethodGet, "/v1/runs/"+runID+"/steps", "tenant-a", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	steps := body["steps"].([]any)
	require.Len(t, steps, 2)
	for _, raw := range steps {
		step := raw.(map[string]any)
		assert.Equal(t, "completed", step["status"], step["step_id"])
	}

	resp, body = f.request(t, http.MethodGet, "/v1/runs/"+runID+"/cache-analysis", "tenant-a", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	summary := body["summary"].(map[string]any)
	assert.Equal(t, 2.0, summary["executed"])
	// Both steps carry identical inputs, so the second is a cache hit.
	assert.Equal(t, 1.0, summary["hits"])
}

func TestCancelRun_Endpoint(t *testing.T) {
	f := newFixture(t)

	_, created := f.request(t, http.MethodPost, "/v1/runs", "tenant-a", map[string]any{
		"workflow": "pipeline",
		"payload":  map[string]any{"msg": "hello"},
	})
	runID := created["id"].(string)

	resp, body := f.request(t, http.MethodDelete, "/v1/runs/"+runID, "tenant-a", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "cancelled", body["status"])
}

func TestListSkills(t *testing.T) {
	f := newFixture(t)

	resp, body := f.request(t, http.MethodGet, "/v1/skills", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	skills := body["skills"].([]any)
	require.Len(t, skills, 1)
	first := skills[0].(map[string]any)
	assert.Equal(t, "echo", first["skill_id"])
	assert.Equal(t, "1.0.0", first["version"])

	resp, body = f.request(t, http.MethodGet, "/v1/skills/echo", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "echo", body["skill_id"])
	assert.Equal(t, []any{"1.0.0"}, body["versions"])

	resp, _ = f.request(t, http.MethodGet, "/v1/skills/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListSkills_ReportsRejectedDescriptors(t *testing.T) {
	catDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(catDir, "echo.yaml"), []byte(echoDescriptor), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(catDir, "broken.yaml"), []byte(`
skill_id: Not-Snake-Case
version: 1.0.0
title: Broken
implementation: {type: function, handler: h}
policy: {network: none}
`), 0o644))

	cat := catalog.New(nil)
	require.NoError(t, cat.LoadDir(catDir))

	srv := httptest.NewServer(New(Deps{Catalog: cat}).Handler())
	t.Cleanup(srv.Close)

	resp, err := srv.Client().Get(srv.URL + "/v1/skills")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Len(t, body["skills"], 1)
	problems := body["validation_errors"].([]any)
	require.Len(t, problems, 1)
	assert.Contains(t, problems[0], "broken.yaml")
}

func TestHealthAndWorkflows(t *testing.T) {
	f := newFixture(t)

	resp, body := f.request(t, http.MethodGet, "/v1/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	resp, body = f.request(t, http.MethodGet, "/v1/workflows", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	workflows := body["workflows"].([]any)
	assert.Contains(t, workflows, "pipeline")
}

func TestListRuns_LimitValidation(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 3; i++ {
		f.request(t, http.MethodPost, "/v1/runs", "tenant-a", map[string]any{
			"workflow": "pipeline",
			"payload":  map[string]any{"msg": fmt.Sprintf("run %d", i)},
		})
	}

	resp, body := f.request(t, http.MethodGet, "/v1/runs?limit=2", "tenant-a", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["runs"].([]any), 2)

	resp, _ = f.request(t, http.MethodGet, "/v1/runs?limit=zero", "tenant-a", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
