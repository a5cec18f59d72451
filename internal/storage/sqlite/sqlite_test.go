package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkessler/teamloop/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRetryContextRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.GetRetryContext(ctx, 42)
	assert.ErrorIs(t, err, ErrNotFound)

	rc := &types.RetryContext{
		TaskID:           42,
		PreviousAttempts: 1,
		LastError:        "tests failed",
		VerificationFailures: []types.VerificationFailure{
			{Stage: "test", Output: "FAIL auth_test.go"},
		},
		ErrorTraces: []types.ErrorTrace{
			{Iteration: 1, Timestamp: time.Now().UTC(), ErrorType: "test_failure", Message: "assertion failed"},
		},
	}
	require.NoError(t, store.SaveRetryContext(ctx, rc))

	got, err := store.GetRetryContext(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, 1, got.PreviousAttempts)
	assert.Equal(t, "tests failed", got.LastError)
	require.Len(t, got.ErrorTraces, 1)
	assert.Equal(t, "test_failure", got.ErrorTraces[0].ErrorType)

	// Upsert replaces
	rc.PreviousAttempts = 2
	rc.HumanResolution = "skip the flaky test"
	require.NoError(t, store.SaveRetryContext(ctx, rc))
	got, err = store.GetRetryContext(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, 2, got.PreviousAttempts)
	assert.Equal(t, "skip the flaky test", got.HumanResolution)

	require.NoError(t, store.DeleteRetryContext(ctx, 42))
	_, err = store.GetRetryContext(ctx, 42)
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting again is not an error
	assert.NoError(t, store.DeleteRetryContext(ctx, 42))
}

func TestHandoffsAppendOnlyNewestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		h := &types.AgentHandoff{
			ID:        string(rune('a' + i)),
			AgentID:   "dev-1",
			Role:      types.RoleDeveloper,
			TaskID:    i + 1,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Parsed: &types.ParsedHandoff{
				TaskID:    i + 1,
				Status:    types.HandoffInProgress,
				NextSteps: "keep going",
			},
		}
		require.NoError(t, store.RecordHandoff(ctx, h))
	}
	require.NoError(t, store.RecordHandoff(ctx, &types.AgentHandoff{
		ID: "qa-1", AgentID: "qa-1", Role: types.RoleQA, Timestamp: base,
	}))

	devs, err := store.ListHandoffsByRole(ctx, types.RoleDeveloper, 0)
	require.NoError(t, err)
	require.Len(t, devs, 3)
	assert.Equal(t, "c", devs[0].ID, "newest first")
	assert.Equal(t, "a", devs[2].ID)
	require.NotNil(t, devs[0].Parsed)
	assert.Equal(t, types.HandoffInProgress, devs[0].Parsed.Status)

	limited, err := store.ListHandoffsByRole(ctx, types.RoleDeveloper, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "c", limited[0].ID)

	got, err := store.GetHandoff(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, 2, got.TaskID)

	_, err = store.GetHandoff(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	// Inserting the same id again must fail: records are immutable
	err = store.RecordHandoff(ctx, &types.AgentHandoff{ID: "a", AgentID: "x", Role: types.RoleDeveloper, Timestamp: base})
	assert.Error(t, err)
}

func TestHumanMessagesFilterAndOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	msgs := []*types.HumanMessage{
		{ID: "m1", TaskID: 1, Type: types.HumanQuestion, Status: types.HumanMessageOpen, Priority: 1, Body: "which db?"},
		{ID: "m2", TaskID: 2, Type: types.HumanEscalation, Status: types.HumanMessageOpen, Blocking: true, Priority: 5, Body: "agent stuck"},
		{ID: "m3", TaskID: 1, Type: types.HumanQuestion, Status: types.HumanMessageAnswered, Priority: 3, Body: "auth scheme?", Response: "oauth"},
	}
	for _, m := range msgs {
		require.NoError(t, store.AddHumanMessage(ctx, m))
	}

	open, err := store.ListHumanMessages(ctx, types.HumanMessageFilter{Status: types.HumanMessageOpen})
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, "m2", open[0].ID, "highest priority first")

	blocking := true
	blocked, err := store.ListHumanMessages(ctx, types.HumanMessageFilter{Blocking: &blocking})
	require.NoError(t, err)
	require.Len(t, blocked, 1)
	assert.Equal(t, "m2", blocked[0].ID)

	byTask, err := store.ListHumanMessages(ctx, types.HumanMessageFilter{TaskID: 1})
	require.NoError(t, err)
	assert.Len(t, byTask, 2)

	require.NoError(t, store.UpdateHumanMessage(ctx, "m2", types.HumanMessageAnswered, "restarted it"))
	answered, err := store.ListHumanMessages(ctx, types.HumanMessageFilter{Status: types.HumanMessageAnswered})
	require.NoError(t, err)
	assert.Len(t, answered, 2)

	assert.ErrorIs(t, store.UpdateHumanMessage(ctx, "missing", types.HumanMessageDismissed, ""), ErrNotFound)
}

func TestInstances(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	inst := &types.OrchestratorInstance{
		InstanceID:    "inst-1",
		Hostname:      "build-box",
		PID:           1234,
		Status:        "running",
		StartedAt:     time.Now().UTC(),
		LastHeartbeat: time.Now().UTC(),
		Version:       "0.1.0",
	}
	require.NoError(t, store.RegisterInstance(ctx, inst))

	active, err := store.GetActiveInstances(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "inst-1", active[0].InstanceID)

	require.NoError(t, store.UpdateHeartbeat(ctx, "inst-1"))
	assert.ErrorIs(t, store.UpdateHeartbeat(ctx, "ghost"), ErrNotFound)

	require.NoError(t, store.MarkInstanceStopped(ctx, "inst-1"))
	active, err = store.GetActiveInstances(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestPruneStoppedInstances(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i, age := range []time.Duration{72 * time.Hour, 48 * time.Hour, time.Minute} {
		inst := &types.OrchestratorInstance{
			InstanceID:    []string{"old-1", "old-2", "fresh"}[i],
			Status:        "running",
			StartedAt:     time.Now().UTC().Add(-age),
			LastHeartbeat: time.Now().UTC().Add(-age),
		}
		require.NoError(t, store.RegisterInstance(ctx, inst))
		require.NoError(t, store.MarkInstanceStopped(ctx, inst.InstanceID))
	}

	// keep=2 protects the two most recent stopped rows even though
	// old-2 is past the cutoff
	n, err := store.PruneStoppedInstances(ctx, 24*time.Hour, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = store.PruneStoppedInstances(ctx, 24*time.Hour, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "old-2 goes once nothing protects it")

	// Disabled cleanup is a no-op
	n, err = store.PruneStoppedInstances(ctx, 0, 0)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestConfigKV(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.GetConfig(ctx, "phase")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.SetConfig(ctx, "phase", "development"))
	got, err := store.GetConfig(ctx, "phase")
	require.NoError(t, err)
	assert.Equal(t, "development", got)

	require.NoError(t, store.SetConfig(ctx, "phase", "testing"))
	got, err = store.GetConfig(ctx, "phase")
	require.NoError(t, err)
	assert.Equal(t, "testing", got)
}
