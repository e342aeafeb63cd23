package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

const runColumns = `id, task_id, status, triggered_by, started_at, finished_at, output, error_msg, logs, should_notify, notification_reason`

func scanRun(s scanner) (*Run, error) {
	run := &Run{}
	var status, trigger string
	var output sql.NullString
	err := s.Scan(&run.ID, &run.TaskID, &status, &trigger, &run.StartedAt, &run.FinishedAt, &output, &run.ErrorMsg, &run.Logs, &run.ShouldNotify, &run.NotificationReason)
	if err != nil {
		return nil, err
	}
	run.Status = RunStatus(status)
	run.Trigger = RunTrigger(trigger)
	if output.Valid && output.String != "" {
		run.Output = json.RawMessage(output.String)
	}
	return run, nil
}

func (db *DB) queryRuns(ctx context.Context, query string, args ...any) ([]*Run, error) {
	rows, err := db.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func nullOutput(out json.RawMessage) sql.NullString {
	if len(out) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(out), Valid: true}
}

// CreateRun inserts a run record, assigning its ID when empty
func (db *DB) CreateRun(ctx context.Context, run *Run) error {
	if run.ID == "" {
		run.ID = NewID()
	}
	if run.Status == "" {
		run.Status = RunStatusRunning
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	run.StartedAt = utc(run.StartedAt)
	run.FinishedAt = utcPtr(run.FinishedAt)

	_, err := db.exec(ctx, `
		INSERT INTO task_runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.TaskID, string(run.Status), string(run.Trigger), run.StartedAt, run.FinishedAt, nullOutput(run.Output), run.ErrorMsg, run.Logs, run.ShouldNotify, run.NotificationReason)
	return err
}

// FinishRun writes the terminal fields of a run that is still running.
// It reports false when the run does not exist or was already finalized.
func (db *DB) FinishRun(ctx context.Context, id string, res RunResult) (bool, error) {
	result, err := db.exec(ctx, `
		UPDATE task_runs SET status = ?, finished_at = ?, output = ?, error_msg = ?, logs = ?, should_notify = ?, notification_reason = ?
		WHERE id = ? AND status = ?
	`, string(res.Status), utc(res.FinishedAt), nullOutput(res.Output), res.ErrorMsg, res.Logs, res.ShouldNotify, res.NotificationReason, id, string(RunStatusRunning))
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetRun retrieves a run by ID
func (db *DB) GetRun(ctx context.Context, id string) (*Run, error) {
	run, err := scanRun(db.queryRow(ctx, `SELECT `+runColumns+` FROM task_runs WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return run, nil
}

// ListRuns retrieves runs for a task, newest first
func (db *DB) ListRuns(ctx context.Context, taskID string, limit int) ([]*Run, error) {
	return db.queryRuns(ctx, `
		SELECT `+runColumns+` FROM task_runs
		WHERE task_id = ? ORDER BY started_at DESC, id DESC LIMIT ?
	`, taskID, limit)
}

// GetLatestRun retrieves the most recent run for a task
func (db *DB) GetLatestRun(ctx context.Context, taskID string) (*Run, error) {
	run, err := scanRun(db.queryRow(ctx, `
		SELECT `+runColumns+` FROM task_runs
		WHERE task_id = ? ORDER BY started_at DESC, id DESC LIMIT 1
	`, taskID))
	if err != nil {
		return nil, notFound(err)
	}
	return run, nil
}

// CountRunsByUserSince counts runs across all of a user's tasks started at or after since
func (db *DB) CountRunsByUserSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var n int
	err := db.queryRow(ctx, `
		SELECT COUNT(*) FROM task_runs r
		JOIN tasks t ON t.id = r.task_id
		WHERE t.user_id = ? AND r.started_at >= ?
	`, userID, utc(since)).Scan(&n)
	return n, err
}

// GetLastRunStatuses retrieves the last run status of each of a user's tasks
func (db *DB) GetLastRunStatuses(ctx context.Context, userID string) (map[string]RunStatus, error) {
	// run IDs sort by creation time
	rows, err := db.query(ctx, `
		SELECT r.task_id, r.status FROM task_runs r
		JOIN tasks t ON t.id = r.task_id
		WHERE t.user_id = ? AND r.id IN (
			SELECT MAX(id) FROM task_runs GROUP BY task_id
		)
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	statuses := make(map[string]RunStatus)
	for rows.Next() {
		var taskID, status string
		if err := rows.Scan(&taskID, &status); err != nil {
			return nil, err
		}
		statuses[taskID] = RunStatus(status)
	}
	return statuses, rows.Err()
}

// MarkStaleRunsAsFailed marks "running" task runs started before cutoff as failed.
// Called on startup to clean up runs interrupted by a restart. Runs started
// after cutoff may still be owned by a live process and are left alone.
func (db *DB) MarkStaleRunsAsFailed(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := db.exec(ctx, `
		UPDATE task_runs
		SET status = ?, error_msg = 'Server restarted during execution', finished_at = ?
		WHERE status = ? AND started_at < ?
	`, string(RunStatusFailed), utc(time.Now()), string(RunStatusRunning), utc(cutoff))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
