package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/kylemclaren/browser-tasks/internal/db"
	"github.com/kylemclaren/browser-tasks/internal/executor"
	"github.com/kylemclaren/browser-tasks/internal/notify"
	"github.com/kylemclaren/browser-tasks/internal/recorder"
)

// Store is the subset of the database used to run tasks
type Store interface {
	GetUser(ctx context.Context, id string) (*db.User, error)
	GetRun(ctx context.Context, id string) (*db.Run, error)
	GetNotificationSettings(ctx context.Context, taskID string) (*db.NotificationSettings, error)
	SetLastRunAt(ctx context.Context, id string, at time.Time) error
	SetNextRunAt(ctx context.Context, id string, next *time.Time) error
	FindDueTasks(ctx context.Context, now time.Time) ([]*db.Task, error)
	ListScheduledTasks(ctx context.Context) ([]*db.Task, error)
}

// Executor runs a task against the provider
type Executor interface {
	Execute(ctx context.Context, req executor.Request) *executor.Result
	ExecuteStreaming(ctx context.Context, req executor.Request, onStep func(executor.StepEvent)) *executor.Result
}

// Notifier delivers notification decisions without blocking
type Notifier interface {
	Dispatch(d notify.Decision)
}

// Outcome is a finished run
type Outcome struct {
	RunID    string
	Result   *executor.Result
	Run      *db.Run
	Decision notify.Decision
}

// Succeeded reports whether the run completed
func (o *Outcome) Succeeded() bool {
	return o.Result != nil && o.Result.Succeeded()
}

// Runner executes one task and records it as a run
type Runner struct {
	store      Store
	recorder   *recorder.Recorder
	executor   Executor
	notifier   Notifier
	streamLogs bool
	logger     zerolog.Logger
	now        func() time.Time
}

// NewRunner creates a runner. With streamLogs set, runs without a step
// callback still use the provider's step feed to capture logs.
func NewRunner(store Store, rec *recorder.Recorder, exec Executor, notifier Notifier, streamLogs bool, logger zerolog.Logger) *Runner {
	return &Runner{
		store:      store,
		recorder:   rec,
		executor:   exec,
		notifier:   notifier,
		streamLogs: streamLogs,
		logger:     logger,
		now:        time.Now,
	}
}

// Execution is an opened run waiting to be executed
type Execution struct {
	RunID   string
	Task    *db.Task
	Started time.Time
	runner  *Runner
}

// Open creates the run record for task
func (r *Runner) Open(ctx context.Context, task *db.Task, trigger db.RunTrigger) (*Execution, error) {
	started := r.now()
	runID, err := r.recorder.Open(ctx, task.ID, trigger)
	if err != nil {
		return nil, err
	}
	if err := r.store.SetLastRunAt(ctx, task.ID, started); err != nil {
		r.logger.Warn().Err(err).Str("task_id", task.ID).Msg("failed to update last run time")
	}
	return &Execution{RunID: runID, Task: task, Started: started, runner: r}, nil
}

// RunTask opens a run, executes it and closes it. onStep may be nil.
// The returned outcome has not been notified yet; call Notify. When an error
// occurs after the run was opened, the outcome still carries RunID and Result.
func (r *Runner) RunTask(ctx context.Context, task *db.Task, trigger db.RunTrigger, onStep func(executor.StepEvent)) (*Outcome, error) {
	exec, err := r.Open(ctx, task, trigger)
	if err != nil {
		return nil, err
	}
	return exec.Run(ctx, onStep)
}

// Run executes the task and finalizes the run. The run is closed even if the
// executor panics or ctx is cancelled.
func (e *Execution) Run(ctx context.Context, onStep func(executor.StepEvent)) (*Outcome, error) {
	r := e.runner
	log := r.logger.With().Str("task_id", e.Task.ID).Str("run_id", e.RunID).Logger()

	settings := r.settings(ctx, e.Task.ID)
	req := executor.Request{Description: e.Task.Description, StartURL: e.Task.StartURL}
	if settings != nil {
		req.Criterion = settings.Criteria
	}

	result := r.execute(ctx, req, onStep)
	if result.ID == "" {
		result.ID = e.RunID
	}

	out := recorder.Outcome{
		Success: result.Succeeded(),
		Output:  result.OutputJSON(),
		Error:   result.Error,
		Logs:    result.LogText(),
	}
	if result.Output != nil {
		out.ShouldNotify = result.Output.ShouldNotify
		out.NotificationReason = result.Output.NotificationReason
	}
	if err := r.recorder.Close(ctx, e.RunID, out); err != nil {
		return &Outcome{RunID: e.RunID, Result: result}, err
	}

	if result.Succeeded() {
		log.Info().Dur("duration", result.Duration).Msg("run completed")
	} else {
		log.Warn().Str("error", result.Error).Dur("duration", result.Duration).Msg("run failed")
	}

	ctx = context.WithoutCancel(ctx)
	run, err := r.store.GetRun(ctx, e.RunID)
	if err != nil {
		return &Outcome{RunID: e.RunID, Result: result}, fmt.Errorf("loading run %s: %w", e.RunID, err)
	}

	outcome := &Outcome{RunID: e.RunID, Result: result, Run: run}
	outcome.Decision = r.evaluate(ctx, e.Task, run, result, settings)
	return outcome, nil
}

// Notify hands the outcome's decision to the notifier
func (r *Runner) Notify(o *Outcome) {
	if o == nil || r.notifier == nil {
		return
	}
	r.notifier.Dispatch(o.Decision)
}

func (r *Runner) execute(ctx context.Context, req executor.Request, onStep func(executor.StepEvent)) (result *executor.Result) {
	start := r.now()
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error().Interface("panic", p).Msg("task execution panicked")
			msg := fmt.Sprintf("execution panic: %v", p)
			result = &executor.Result{
				Status:   executor.StatusFailed,
				Error:    msg,
				Err:      errors.New(msg),
				Logs:     []string{"❌ Error: " + msg},
				Duration: r.now().Sub(start),
			}
		}
	}()

	if onStep == nil && r.streamLogs {
		onStep = func(executor.StepEvent) {}
	}
	if onStep != nil {
		return r.executor.ExecuteStreaming(ctx, req, onStep)
	}
	return r.executor.Execute(ctx, req)
}

func (r *Runner) settings(ctx context.Context, taskID string) *db.NotificationSettings {
	s, err := r.store.GetNotificationSettings(ctx, taskID)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			r.logger.Warn().Err(err).Str("task_id", taskID).Msg("failed to load notification settings")
		}
		return nil
	}
	return s
}

func (r *Runner) evaluate(ctx context.Context, task *db.Task, run *db.Run, result *executor.Result, settings *db.NotificationSettings) notify.Decision {
	if settings == nil {
		return notify.Decision{}
	}
	user, err := r.store.GetUser(ctx, task.UserID)
	if err != nil {
		r.logger.Warn().Err(err).Str("user_id", task.UserID).Msg("failed to load user for notification")
		return notify.Decision{}
	}
	return notify.Evaluate(notify.Input{
		Success:    result.Succeeded(),
		Settings:   settings,
		EmailOptIn: user.EmailNotifications,
		UserEmail:  user.Email,
		Task:       task,
		Run:        run,
		Output:     result.Output,
	})
}
