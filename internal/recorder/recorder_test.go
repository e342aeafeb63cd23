package recorder

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kylemclaren/browser-tasks/internal/db"
)

func setup(t *testing.T) (*db.DB, *Recorder, string) {
	t.Helper()
	store, err := db.New(db.Config{Driver: "sqlite3", DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	require.NoError(t, store.UpsertUser(ctx, &db.User{ID: "u1"}))
	task := &db.Task{UserID: "u1", Name: "t", Description: "d", IsActive: true}
	require.NoError(t, store.CreateTask(ctx, task))

	return store, New(store, zerolog.Nop()), task.ID
}

func TestOpenClose(t *testing.T) {
	ctx := context.Background()
	store, rec, taskID := setup(t)

	runID, err := rec.Open(ctx, taskID, db.TriggerScheduled)
	require.NoError(t, err)

	run, err := store.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, db.RunStatusRunning, run.Status)
	assert.Nil(t, run.FinishedAt)

	require.NoError(t, rec.Close(ctx, runID, Outcome{Success: true, Output: json.RawMessage(`{"result":["ok"]}`)}))

	run, err = store.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, db.RunStatusSuccess, run.Status)
	assert.Equal(t, db.TriggerScheduled, run.Trigger)
	assert.NotNil(t, run.FinishedAt)
}

func TestCloseTwiceIsRejected(t *testing.T) {
	ctx := context.Background()
	store, rec, taskID := setup(t)

	runID, err := rec.Open(ctx, taskID, db.TriggerManual)
	require.NoError(t, err)
	require.NoError(t, rec.Close(ctx, runID, Outcome{Error: "boom"}))

	err = rec.Close(ctx, runID, Outcome{Success: true})
	assert.ErrorIs(t, err, ErrRunFinalized)

	run, err := store.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, db.RunStatusFailed, run.Status)
	assert.Equal(t, "boom", run.ErrorMsg)
}

func TestCloseUnknownRun(t *testing.T) {
	_, rec, _ := setup(t)
	err := rec.Close(context.Background(), "missing", Outcome{})
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestCloseWithCancelledContext(t *testing.T) {
	store, rec, taskID := setup(t)
	runID, err := rec.Open(context.Background(), taskID, db.TriggerManual)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, rec.Close(ctx, runID, Outcome{Error: "cancelled"}))

	run, err := store.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, db.RunStatusFailed, run.Status)
}

func TestFailStale(t *testing.T) {
	ctx := context.Background()
	store, rec, taskID := setup(t)

	start := time.Now()
	rec.now = func() time.Time { return start.Add(-time.Hour) }
	staleID, err := rec.Open(ctx, taskID, db.TriggerScheduled)
	require.NoError(t, err)
	rec.now = time.Now

	n, err := rec.FailStale(ctx, 15*time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	run, err := store.GetRun(ctx, staleID)
	require.NoError(t, err)
	assert.Equal(t, db.RunStatusFailed, run.Status)
}

func TestFailStaleLeavesLiveRuns(t *testing.T) {
	ctx := context.Background()
	store, owner, taskID := setup(t)

	runID, err := owner.Open(ctx, taskID, db.TriggerScheduled)
	require.NoError(t, err)

	// a second process starting up on the same store
	other := New(store, zerolog.Nop())
	n, err := other.FailStale(ctx, 15*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, owner.Close(ctx, runID, Outcome{Success: true, Output: json.RawMessage(`{"result":["ok"]}`)}))
	run, err := store.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, db.RunStatusSuccess, run.Status)
	assert.Empty(t, run.ErrorMsg)
}
