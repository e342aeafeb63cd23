package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/kylemclaren/browser-tasks/internal/config"
	"github.com/kylemclaren/browser-tasks/internal/db"
	"github.com/kylemclaren/browser-tasks/internal/schedule"
	"github.com/kylemclaren/browser-tasks/internal/tracing"
	"github.com/kylemclaren/browser-tasks/internal/usage"
)

// RunLimiter checks a user's monthly run quota
type RunLimiter interface {
	CheckRunLimit(ctx context.Context, userID string) (usage.Check, error)
}

// Report summarizes one dispatch cycle
type Report struct {
	Processed int     `json:"processed"`
	Results   []Entry `json:"results"`
}

// Entry is the outcome of one due task
type Entry struct {
	TaskID    string `json:"taskId"`
	TaskRunID string `json:"taskRunId"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// DispatcherConfig tunes due-task selection
type DispatcherConfig struct {
	Strategy       string
	DueWindow      time.Duration
	MaxConcurrency int
}

// Dispatcher runs every due task concurrently
type Dispatcher struct {
	store     Store
	runner    *Runner
	limiter   RunLimiter
	evaluator *schedule.Evaluator
	cfg       DispatcherConfig
	logger    zerolog.Logger
	now       func() time.Time
}

// NewDispatcher creates a dispatcher
func NewDispatcher(store Store, runner *Runner, limiter RunLimiter, evaluator *schedule.Evaluator, cfg DispatcherConfig, logger zerolog.Logger) *Dispatcher {
	if cfg.Strategy == "" {
		cfg.Strategy = config.StrategyNextRunAt
	}
	if cfg.DueWindow <= 0 {
		cfg.DueWindow = schedule.DefaultWindow
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 8
	}
	return &Dispatcher{
		store:     store,
		runner:    runner,
		limiter:   limiter,
		evaluator: evaluator,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// RunDueTasks executes every task due at now. Task failures are reported per
// entry; only a failure to select due tasks is returned as an error.
// ctx bounds task selection only: once selected, every branch runs to
// completion under the executor's own ceiling, even if ctx is cancelled.
// Invoking it twice within one due window can run a task twice.
func (d *Dispatcher) RunDueTasks(ctx context.Context, now time.Time) (*Report, error) {
	ctx, span := tracing.StartSpan(ctx, "scheduler.RunDueTasks", attribute.String("strategy", d.cfg.Strategy))
	defer span.End()

	tasks, err := d.dueTasks(ctx, now)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, fmt.Errorf("finding due tasks: %w", err)
	}
	span.SetAttributes(attribute.Int("tasks", len(tasks)))

	report := &Report{Processed: len(tasks), Results: make([]Entry, len(tasks))}
	if len(tasks) == 0 {
		return report, nil
	}
	d.logger.Info().Int("count", len(tasks)).Msg("dispatching due tasks")

	ctx = context.WithoutCancel(ctx)
	var g errgroup.Group
	g.SetLimit(d.cfg.MaxConcurrency)
	for i, task := range tasks {
		g.Go(func() error {
			report.Results[i] = d.runOne(ctx, task, now)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, e := range report.Results {
		if !e.Success {
			failed++
		}
	}
	d.logger.Info().Int("processed", report.Processed).Int("failed", failed).Msg("dispatch finished")
	return report, nil
}

func (d *Dispatcher) dueTasks(ctx context.Context, now time.Time) ([]*db.Task, error) {
	if d.cfg.Strategy != config.StrategyCronScan {
		return d.store.FindDueTasks(ctx, now)
	}

	scheduled, err := d.store.ListScheduledTasks(ctx)
	if err != nil {
		return nil, err
	}
	due := make([]*db.Task, 0, len(scheduled))
	for _, t := range scheduled {
		if d.evaluator.IsDue(t.CronSchedule, now, d.cfg.DueWindow) {
			due = append(due, t)
		}
	}
	return due, nil
}

// runOne is isolated: it never panics and always yields an entry
func (d *Dispatcher) runOne(ctx context.Context, task *db.Task, now time.Time) Entry {
	entry, outcome := d.execute(ctx, task)
	d.advance(ctx, task, now)
	d.runner.Notify(outcome)
	return entry
}

func (d *Dispatcher) execute(ctx context.Context, task *db.Task) (entry Entry, outcome *Outcome) {
	entry.TaskID = task.ID
	log := d.logger.With().Str("task_id", task.ID).Logger()

	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic", p).Msg("dispatch branch panicked")
			entry.Success = false
			entry.Error = fmt.Sprintf("panic: %v", p)
			outcome = nil
		}
	}()

	check, err := d.limiter.CheckRunLimit(ctx, task.UserID)
	if err != nil {
		log.Error().Err(err).Msg("run limit check failed")
		entry.Error = err.Error()
		return entry, nil
	}
	if !check.Allowed {
		err := check.Err(usage.KindRuns)
		log.Warn().Err(err).Msg("skipping task")
		entry.Error = err.Error()
		return entry, nil
	}

	outcome, err = d.runner.RunTask(ctx, task, db.TriggerScheduled, nil)
	if err != nil {
		if outcome != nil {
			entry.TaskRunID = outcome.RunID
		}
		log.Error().Err(err).Str("run_id", entry.TaskRunID).Msg("run failed to record")
		entry.Error = err.Error()
		return entry, nil
	}
	entry.TaskRunID = outcome.RunID
	entry.Success = outcome.Succeeded()
	entry.Error = outcome.Result.Error
	return entry, outcome
}

// advance recomputes and stores the task's next run time
func (d *Dispatcher) advance(ctx context.Context, task *db.Task, now time.Time) {
	if !task.IsScheduled() {
		return
	}
	after := d.now()
	if after.Before(now) {
		after = now
	}
	next, err := d.evaluator.NextRunFor(task.CronSchedule, task.IsActive, after)
	if err != nil {
		d.logger.Error().Err(err).Str("task_id", task.ID).Msg("failed to compute next run")
		return
	}
	if err := d.store.SetNextRunAt(context.WithoutCancel(ctx), task.ID, next); err != nil {
		d.logger.Error().Err(err).Str("task_id", task.ID).Msg("failed to update next run time")
	}
}
