// Package recorder tracks the lifecycle of task runs in the store.
package recorder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/kylemclaren/browser-tasks/internal/db"
)

// ErrRunFinalized is returned when closing a run that already finished.
// Closing twice is a programming error; the first outcome is kept.
var ErrRunFinalized = errors.New("run already finalized")

// Store is the subset of the database the recorder writes
type Store interface {
	CreateRun(ctx context.Context, run *db.Run) error
	FinishRun(ctx context.Context, id string, res db.RunResult) (bool, error)
	GetRun(ctx context.Context, id string) (*db.Run, error)
	MarkStaleRunsAsFailed(ctx context.Context, cutoff time.Time) (int64, error)
}

// Outcome is the terminal state of a run
type Outcome struct {
	Success            bool
	Output             json.RawMessage
	Error              string
	Logs               string
	ShouldNotify       *bool
	NotificationReason string
}

// Recorder opens and closes runs
type Recorder struct {
	store  Store
	logger zerolog.Logger
	now    func() time.Time
}

// New creates a recorder
func New(store Store, logger zerolog.Logger) *Recorder {
	return &Recorder{store: store, logger: logger, now: time.Now}
}

// Open creates a run in the running state and returns its ID
func (r *Recorder) Open(ctx context.Context, taskID string, trigger db.RunTrigger) (string, error) {
	run := &db.Run{
		TaskID:    taskID,
		Status:    db.RunStatusRunning,
		Trigger:   trigger,
		StartedAt: r.now(),
	}
	if err := r.store.CreateRun(ctx, run); err != nil {
		return "", fmt.Errorf("opening run: %w", err)
	}
	r.logger.Debug().Str("task_id", taskID).Str("run_id", run.ID).Str("trigger", string(trigger)).Msg("run opened")
	return run.ID, nil
}

// Close finalizes a run exactly once. It still writes when ctx is already
// cancelled so no run is left running.
func (r *Recorder) Close(ctx context.Context, runID string, out Outcome) error {
	ctx = context.WithoutCancel(ctx)

	status := db.RunStatusFailed
	if out.Success {
		status = db.RunStatusSuccess
	}
	ok, err := r.store.FinishRun(ctx, runID, db.RunResult{
		Status:             status,
		FinishedAt:         r.now(),
		Output:             out.Output,
		ErrorMsg:           out.Error,
		Logs:               out.Logs,
		ShouldNotify:       out.ShouldNotify,
		NotificationReason: out.NotificationReason,
	})
	if err != nil {
		return fmt.Errorf("closing run %s: %w", runID, err)
	}
	if !ok {
		if _, err := r.store.GetRun(ctx, runID); err != nil {
			return fmt.Errorf("closing run %s: %w", runID, err)
		}
		r.logger.Error().Str("run_id", runID).Msg("run closed twice")
		return fmt.Errorf("closing run %s: %w", runID, ErrRunFinalized)
	}

	r.logger.Debug().Str("run_id", runID).Str("status", string(status)).Msg("run closed")
	return nil
}

// FailStale marks runs left running by a previous process as failed. Only runs
// older than maxAge are touched; maxAge must exceed the longest a live run can
// take, so runs owned by another process are never finalized here.
func (r *Recorder) FailStale(ctx context.Context, maxAge time.Duration) (int64, error) {
	n, err := r.store.MarkStaleRunsAsFailed(ctx, r.now().Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("failing stale runs: %w", err)
	}
	if n > 0 {
		r.logger.Warn().Int64("count", n).Msg("marked stale runs as failed")
	}
	return n, nil
}
