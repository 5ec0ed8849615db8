package state

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	enginerrors "github.com/skillweave/skillweave/pkg/errors"
)

// backends returns both store implementations so every test exercises
// identical semantics against each.
func backends(t *testing.T) map[string]Store {
	t.Helper()

	sqlite, err := NewSQLite(SQLiteConfig{
		Path: filepath.Join(t.TempDir(), "state.db"),
		WAL:  true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	return map[string]Store{
		"sqlite": sqlite,
		"memory": NewMemory(),
	}
}

func testRun(tenantID string) *Run {
	return &Run{
		ID:              uuid.NewString(),
		TenantID:        tenantID,
		WorkflowName:    "campaign.build",
		WorkflowVersion: 1,
		TriggerType:     TriggerInitial,
		TriggerPayload:  map[string]any{"campaign_brief": "space pirates", "count": float64(3)},
		Status:          RunQueued,
	}
}

func testStep(run *Run, stepID string) *RunStep {
	return &RunStep{
		ID:           uuid.NewString(),
		RunID:        run.ID,
		TenantID:     run.TenantID,
		StepID:       stepID,
		SkillID:      "generate_intro_image",
		SkillVersion: "1.2.0",
		Attempt:      1,
		Status:       StepPending,
	}
}

func TestRunLifecycle(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			run := testRun("tenant-a")
			require.NoError(t, store.CreateRun(ctx, run))

			// Re-creating the same id is the idempotent-retry path.
			assert.ErrorIs(t, store.CreateRun(ctx, run), ErrConflict)

			got, err := store.GetRun(ctx, "tenant-a", run.ID)
			require.NoError(t, err)
			assert.Equal(t, RunQueued, got.Status)
			assert.Equal(t, "space pirates", got.TriggerPayload["campaign_brief"])
			assert.Nil(t, got.StartedAt)

			require.NoError(t, store.TransitionRun(ctx, "tenant-a", run.ID, RunQueued, RunRunning, nil))
			got, err = store.GetRun(ctx, "tenant-a", run.ID)
			require.NoError(t, err)
			assert.Equal(t, RunRunning, got.Status)
			require.NotNil(t, got.StartedAt)

			errRec := &ErrorRecord{
				Code:         enginerrors.CodeTimeout,
				Message:      "step deadline exceeded",
				FailedStepID: "intro",
				Timestamp:    time.Now().UTC(),
			}
			require.NoError(t, store.TransitionRun(ctx, "tenant-a", run.ID, RunRunning, RunFailed, errRec))

			got, err = store.GetRun(ctx, "tenant-a", run.ID)
			require.NoError(t, err)
			assert.Equal(t, RunFailed, got.Status)
			require.NotNil(t, got.Error)
			assert.Equal(t, enginerrors.CodeTimeout, got.Error.Code)
			assert.Equal(t, "intro", got.Error.FailedStepID)
			require.NotNil(t, got.CompletedAt)
		})
	}
}

func TestTransitionRun_CASAndLegality(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			run := testRun("tenant-a")
			require.NoError(t, store.CreateRun(ctx, run))

			// Stale expectation: the run is still queued.
			err := store.TransitionRun(ctx, "tenant-a", run.ID, RunRunning, RunFailed, nil)
			assert.ErrorIs(t, err, ErrConflict)

			// Illegal edge fails loudly, independent of the row state.
			err = store.TransitionRun(ctx, "tenant-a", run.ID, RunQueued, RunSucceeded, nil)
			var internal *enginerrors.InternalError
			assert.ErrorAs(t, err, &internal)

			// Terminal states never move again.
			require.NoError(t, store.TransitionRun(ctx, "tenant-a", run.ID, RunQueued, RunCancelled, nil))
			err = store.TransitionRun(ctx, "tenant-a", run.ID, RunCancelled, RunRunning, nil)
			assert.ErrorAs(t, err, &internal)
		})
	}
}

func TestGetRun_TenantIsolation(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			run := testRun("tenant-a")
			require.NoError(t, store.CreateRun(ctx, run))

			_, err := store.GetRun(ctx, "tenant-b", run.ID)
			var notFound *enginerrors.NotFoundError
			assert.ErrorAs(t, err, &notFound)

			runs, err := store.ListRuns(ctx, "tenant-b", 10)
			require.NoError(t, err)
			assert.Empty(t, runs)
		})
	}
}

func TestCreateSteps_ReplaySafe(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			run := testRun("tenant-a")
			require.NoError(t, store.CreateRun(ctx, run))

			first := testStep(run, "intro")
			require.NoError(t, store.CreateSteps(ctx, []*RunStep{first, testStep(run, "game")}))

			// Move intro forward, then replay planning. The existing rows
			// must keep their state.
			require.NoError(t, store.TransitionStep(ctx, "tenant-a", run.ID, "intro",
				StepPending, StepRunning, nil))
			require.NoError(t, store.CreateSteps(ctx, []*RunStep{
				testStep(run, "intro"), testStep(run, "game"), testStep(run, "outcome"),
			}))

			steps, err := store.ListSteps(ctx, "tenant-a", run.ID, "")
			require.NoError(t, err)
			require.Len(t, steps, 3)

			intro, err := store.GetStep(ctx, "tenant-a", run.ID, "intro")
			require.NoError(t, err)
			assert.Equal(t, StepRunning, intro.Status)
			assert.Equal(t, first.ID, intro.ID)
		})
	}
}

func TestTransitionStep_RetryReset(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			run := testRun("tenant-a")
			require.NoError(t, store.CreateRun(ctx, run))
			require.NoError(t, store.CreateSteps(ctx, []*RunStep{testStep(run, "intro")}))

			started := time.Now().UTC()
			fp := "a3f2" + "0000000000000000000000000000000000000000000000000000000000ab"
			require.NoError(t, store.TransitionStep(ctx, "tenant-a", run.ID, "intro",
				StepPending, StepRunning, &StepUpdate{
					InputFingerprint: &fp,
					StartedAt:        &started,
				}))

			// Transient failure resets to pending with a bumped attempt.
			attempt := 2
			require.NoError(t, store.TransitionStep(ctx, "tenant-a", run.ID, "intro",
				StepRunning, StepPending, &StepUpdate{Attempt: &attempt}))

			step, err := store.GetStep(ctx, "tenant-a", run.ID, "intro")
			require.NoError(t, err)
			assert.Equal(t, StepPending, step.Status)
			assert.Equal(t, 2, step.Attempt)
			assert.Equal(t, fp, step.InputFingerprint, "fingerprint survives the reset")
		})
	}
}

func TestCompleteStepWithArtifacts_Atomic(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			run := testRun("tenant-a")
			require.NoError(t, store.CreateRun(ctx, run))
			require.NoError(t, store.CreateSteps(ctx, []*RunStep{testStep(run, "intro")}))
			require.NoError(t, store.TransitionStep(ctx, "tenant-a", run.ID, "intro",
				StepPending, StepRunning, nil))

			art := &Artifact{
				ID:          uuid.NewString(),
				TenantID:    "tenant-a",
				RunID:       run.ID,
				StepID:      "intro",
				Type:        "image",
				URI:         "artifact://tenant-a/ab/abcd1234",
				ContentHash: "abcd1234",
				SizeBytes:   2048,
				Filename:    "intro.png",
			}
			cache := &CacheEntry{
				TenantID:         "tenant-a",
				SkillID:          "generate_intro_image",
				SkillVersion:     "1.2.0",
				InputFingerprint: "fp-1",
				ResultJSON:       []byte(`{"ok":true,"data":{"style":"pixel"}}`),
			}
			dur := int64(1500)
			require.NoError(t, store.CompleteStepWithArtifacts(ctx, "tenant-a", run.ID, "intro",
				&StepUpdate{DurationMS: &dur}, []*Artifact{art}, cache))

			step, err := store.GetStep(ctx, "tenant-a", run.ID, "intro")
			require.NoError(t, err)
			assert.Equal(t, StepCompleted, step.Status)
			assert.Equal(t, []string{art.ID}, step.OutputArtifactIDs)
			assert.Equal(t, int64(1500), step.DurationMS)

			got, err := store.GetArtifact(ctx, "tenant-a", art.ID)
			require.NoError(t, err)
			assert.Equal(t, "abcd1234", got.ContentHash)

			entry, err := store.GetCacheEntry(ctx, "tenant-a", "generate_intro_image", "1.2.0", "fp-1")
			require.NoError(t, err)
			require.NotNil(t, entry)
			assert.Equal(t, []string{art.ID}, entry.ArtifactIDs)

			// A second completion attempt by a racing worker loses.
			err = store.CompleteStepWithArtifacts(ctx, "tenant-a", run.ID, "intro", nil, nil, nil)
			assert.ErrorIs(t, err, ErrConflict)
		})
	}
}

func TestInsertArtifact_ContentHashDedup(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			run := testRun("tenant-a")
			require.NoError(t, store.CreateRun(ctx, run))

			first := &Artifact{
				ID: uuid.NewString(), TenantID: "tenant-a", RunID: run.ID, StepID: "intro",
				Type: "image", URI: "artifact://tenant-a/de/dead", ContentHash: "dead", SizeBytes: 10,
			}
			stored, err := store.InsertArtifact(ctx, first)
			require.NoError(t, err)
			assert.Equal(t, first.ID, stored.ID)

			dup := &Artifact{
				ID: uuid.NewString(), TenantID: "tenant-a", RunID: run.ID, StepID: "outcome",
				Type: "image", URI: "artifact://tenant-a/de/dead", ContentHash: "dead", SizeBytes: 10,
			}
			stored, err = store.InsertArtifact(ctx, dup)
			require.NoError(t, err)
			assert.Equal(t, first.ID, stored.ID, "same hash and type reuses the row")

			// Same hash, different type is a distinct artifact.
			other := &Artifact{
				ID: uuid.NewString(), TenantID: "tenant-a", RunID: run.ID, StepID: "outcome",
				Type: "audio", URI: "artifact://tenant-a/de/dead", ContentHash: "dead", SizeBytes: 10,
			}
			stored, err = store.InsertArtifact(ctx, other)
			require.NoError(t, err)
			assert.Equal(t, other.ID, stored.ID)

			// Different tenants never share rows.
			run2 := testRun("tenant-b")
			require.NoError(t, store.CreateRun(ctx, run2))
			foreign := &Artifact{
				ID: uuid.NewString(), TenantID: "tenant-b", RunID: run2.ID, StepID: "intro",
				Type: "image", URI: "artifact://tenant-b/de/dead", ContentHash: "dead", SizeBytes: 10,
			}
			stored, err = store.InsertArtifact(ctx, foreign)
			require.NoError(t, err)
			assert.Equal(t, foreign.ID, stored.ID)
		})
	}
}

func TestCacheEntry_ImmutableAndScoped(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			entry := &CacheEntry{
				TenantID: "tenant-a", SkillID: "plan_campaign", SkillVersion: "2.0.0",
				InputFingerprint: "fp-x", ResultJSON: []byte(`{"ok":true}`),
				ArtifactIDs: []string{"art-1"},
			}
			require.NoError(t, store.PutCacheEntry(ctx, entry))

			// Duplicate put is a no-op; the original body survives.
			require.NoError(t, store.PutCacheEntry(ctx, &CacheEntry{
				TenantID: "tenant-a", SkillID: "plan_campaign", SkillVersion: "2.0.0",
				InputFingerprint: "fp-x", ResultJSON: []byte(`{"ok":false}`),
			}))

			got, err := store.GetCacheEntry(ctx, "tenant-a", "plan_campaign", "2.0.0", "fp-x")
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.JSONEq(t, `{"ok":true}`, string(got.ResultJSON))

			// Other tenants and other versions miss.
			got, err = store.GetCacheEntry(ctx, "tenant-b", "plan_campaign", "2.0.0", "fp-x")
			require.NoError(t, err)
			assert.Nil(t, got)
			got, err = store.GetCacheEntry(ctx, "tenant-a", "plan_campaign", "2.0.1", "fp-x")
			require.NoError(t, err)
			assert.Nil(t, got)
		})
	}
}

func TestDeleteCacheEntriesForArtifact(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, store.PutCacheEntry(ctx, &CacheEntry{
				TenantID: "tenant-a", SkillID: "generate_audio_track", SkillVersion: "1.0.0",
				InputFingerprint: "fp-1", ResultJSON: []byte(`{}`),
				ArtifactIDs: []string{"art-purged", "art-kept"},
			}))
			require.NoError(t, store.PutCacheEntry(ctx, &CacheEntry{
				TenantID: "tenant-a", SkillID: "generate_audio_track", SkillVersion: "1.0.0",
				InputFingerprint: "fp-2", ResultJSON: []byte(`{}`),
				ArtifactIDs: []string{"art-kept"},
			}))

			require.NoError(t, store.DeleteCacheEntriesForArtifact(ctx, "tenant-a", "art-purged"))

			got, err := store.GetCacheEntry(ctx, "tenant-a", "generate_audio_track", "1.0.0", "fp-1")
			require.NoError(t, err)
			assert.Nil(t, got)
			got, err = store.GetCacheEntry(ctx, "tenant-a", "generate_audio_track", "1.0.0", "fp-2")
			require.NoError(t, err)
			assert.NotNil(t, got)
		})
	}
}

func TestRunAggregates(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			run := testRun("tenant-a")
			require.NoError(t, store.CreateRun(ctx, run))
			require.NoError(t, store.CreateSteps(ctx, []*RunStep{
				testStep(run, "plan"), testStep(run, "intro"),
				testStep(run, "game"), testStep(run, "outcome"),
			}))

			require.NoError(t, store.TransitionStep(ctx, "tenant-a", run.ID, "plan",
				StepPending, StepCompleted, nil))
			require.NoError(t, store.TransitionStep(ctx, "tenant-a", run.ID, "intro",
				StepPending, StepFailed, &StepUpdate{Error: &ErrorRecord{
					Code: enginerrors.CodeInputResolution, Message: "unresolved binding",
				}}))
			require.NoError(t, store.TransitionStep(ctx, "tenant-a", run.ID, "game",
				StepPending, StepSkipped, nil))

			summary, err := store.RunAggregates(ctx, "tenant-a", run.ID)
			require.NoError(t, err)
			assert.Equal(t, &StepsSummary{
				Total: 4, Pending: 1, Completed: 1, Skipped: 1, Failed: 1,
			}, summary)
		})
	}
}
