package db

import (
	"context"
	"time"
)

const taskColumns = `id, user_id, name, description, start_url, cron_schedule, is_active, created_at, updated_at, last_run_at, next_run_at`

func scanTask(s scanner) (*Task, error) {
	task := &Task{}
	err := s.Scan(&task.ID, &task.UserID, &task.Name, &task.Description, &task.StartURL, &task.CronSchedule, &task.IsActive, &task.CreatedAt, &task.UpdatedAt, &task.LastRunAt, &task.NextRunAt)
	if err != nil {
		return nil, err
	}
	return task, nil
}

func (db *DB) queryTasks(ctx context.Context, query string, args ...any) ([]*Task, error) {
	rows, err := db.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// CreateTask creates a new task, assigning its ID when empty
func (db *DB) CreateTask(ctx context.Context, task *Task) error {
	if task.ID == "" {
		task.ID = NewID()
	}
	now := utc(time.Now())
	task.CreatedAt = now
	task.UpdatedAt = now
	task.LastRunAt = utcPtr(task.LastRunAt)
	task.NextRunAt = utcPtr(task.NextRunAt)

	_, err := db.exec(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, task.ID, task.UserID, task.Name, task.Description, task.StartURL, task.CronSchedule, task.IsActive, task.CreatedAt, task.UpdatedAt, task.LastRunAt, task.NextRunAt)
	return err
}

// GetTask retrieves a task by ID
func (db *DB) GetTask(ctx context.Context, id string) (*Task, error) {
	task, err := scanTask(db.queryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return task, nil
}

// ListTasksByUser retrieves a user's tasks, newest first
func (db *DB) ListTasksByUser(ctx context.Context, userID string) ([]*Task, error) {
	return db.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE user_id = ? ORDER BY created_at DESC`, userID)
}

// CountTasksByUser returns how many tasks a user owns
func (db *DB) CountTasksByUser(ctx context.Context, userID string) (int, error) {
	var n int
	err := db.queryRow(ctx, "SELECT COUNT(*) FROM tasks WHERE user_id = ?", userID).Scan(&n)
	return n, err
}

// UpdateTask writes every mutable field of a task
func (db *DB) UpdateTask(ctx context.Context, task *Task) error {
	task.UpdatedAt = utc(time.Now())
	task.LastRunAt = utcPtr(task.LastRunAt)
	task.NextRunAt = utcPtr(task.NextRunAt)

	res, err := db.exec(ctx, `
		UPDATE tasks SET name = ?, description = ?, start_url = ?, cron_schedule = ?, is_active = ?, updated_at = ?, last_run_at = ?, next_run_at = ?
		WHERE id = ?
	`, task.Name, task.Description, task.StartURL, task.CronSchedule, task.IsActive, task.UpdatedAt, task.LastRunAt, task.NextRunAt, task.ID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// DeleteTask deletes a task along with its runs and settings
func (db *DB) DeleteTask(ctx context.Context, id string) error {
	res, err := db.exec(ctx, "DELETE FROM tasks WHERE id = ?", id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// FindDueTasks returns active scheduled tasks whose next run is at or before now
func (db *DB) FindDueTasks(ctx context.Context, now time.Time) ([]*Task, error) {
	return db.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE is_active = ? AND cron_schedule <> '' AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC
	`, true, utc(now))
}

// ListScheduledTasks returns every active task with a cron schedule
func (db *DB) ListScheduledTasks(ctx context.Context) ([]*Task, error) {
	return db.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE is_active = ? AND cron_schedule <> ''
		ORDER BY created_at ASC
	`, true)
}

// SetNextRunAt records the next scheduled fire time; nil clears it
func (db *DB) SetNextRunAt(ctx context.Context, id string, next *time.Time) error {
	res, err := db.exec(ctx, "UPDATE tasks SET next_run_at = ?, updated_at = ? WHERE id = ?", utcPtr(next), utc(time.Now()), id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// SetLastRunAt records when the task last started a run
func (db *DB) SetLastRunAt(ctx context.Context, id string, at time.Time) error {
	res, err := db.exec(ctx, "UPDATE tasks SET last_run_at = ? WHERE id = ?", utc(at), id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}
