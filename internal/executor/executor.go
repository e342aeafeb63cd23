// Package executor drives one browser automation task through a remote provider.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/kylemclaren/browser-tasks/internal/tracing"
)

// Status is the normalized outcome of an execution
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Request describes one execution
type Request struct {
	Description string
	StartURL    string
	Criterion   string // optional notification condition evaluated by the provider
}

// Result is the normalized outcome. Failures never escape as errors; Err keeps the typed cause.
type Result struct {
	ID        string        `json:"id"`
	Status    Status        `json:"status"`
	Output    *Output       `json:"result,omitempty"`
	RawOutput string        `json:"-"`
	Error     string        `json:"error,omitempty"`
	Err       error         `json:"-"`
	Logs      []string      `json:"logs,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Succeeded reports whether the task completed
func (r *Result) Succeeded() bool {
	return r.Status == StatusCompleted
}

// OutputJSON returns the structured output for storage, or nil
func (r *Result) OutputJSON() json.RawMessage {
	if r.Output == nil {
		return nil
	}
	data, err := json.Marshal(r.Output)
	if err != nil {
		return nil
	}
	return data
}

// LogText joins the transcript
func (r *Result) LogText() string {
	return strings.Join(r.Logs, "\n")
}

// Options bounds polling
type Options struct {
	PollInterval      time.Duration
	MaxPollAttempts   int
	MaxStreamAttempts int
	// MaxStatusErrors is how many consecutive failed status calls are tolerated
	MaxStatusErrors int
}

// DefaultOptions polls every 5s, up to 5 minutes or 10 minutes when streaming
func DefaultOptions() Options {
	return Options{
		PollInterval:      5 * time.Second,
		MaxPollAttempts:   60,
		MaxStreamAttempts: 120,
		MaxStatusErrors:   3,
	}
}

// Executor submits tasks and waits for their outcome
type Executor struct {
	provider Provider
	opts     Options
	logger   zerolog.Logger
}

// New creates an executor. Zero option fields take defaults.
func New(provider Provider, opts Options, logger zerolog.Logger) *Executor {
	def := DefaultOptions()
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	if opts.MaxPollAttempts <= 0 {
		opts.MaxPollAttempts = def.MaxPollAttempts
	}
	if opts.MaxStreamAttempts <= 0 {
		opts.MaxStreamAttempts = def.MaxStreamAttempts
	}
	if opts.MaxStatusErrors <= 0 {
		opts.MaxStatusErrors = def.MaxStatusErrors
	}
	return &Executor{provider: provider, opts: opts, logger: logger}
}

// Ceiling is the polling time budget of the longest run mode. Time spent inside
// provider calls comes on top of it.
func (e *Executor) Ceiling() time.Duration {
	return time.Duration(max(e.opts.MaxPollAttempts, e.opts.MaxStreamAttempts)) * e.opts.PollInterval
}

// Execute runs the task and polls until it finishes
func (e *Executor) Execute(ctx context.Context, req Request) *Result {
	return e.run(ctx, req, e.opts.MaxPollAttempts, nil)
}

// ExecuteStreaming runs the task while forwarding its step feed to onStep.
// onStep is called from a separate goroutine. Completion is decided by polling only.
func (e *Executor) ExecuteStreaming(ctx context.Context, req Request, onStep func(StepEvent)) *Result {
	return e.run(ctx, req, e.opts.MaxStreamAttempts, onStep)
}

func (e *Executor) run(ctx context.Context, req Request, maxAttempts int, onStep func(StepEvent)) (res *Result) {
	ctx, span := tracing.StartSpan(ctx, "executor.run",
		attribute.Bool("streaming", onStep != nil),
		attribute.Bool("criterion", req.Criterion != ""),
	)
	defer span.End()

	start := time.Now()
	logs := &transcript{}
	logs.add("🚀 Starting task...")

	var handle string
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Interface("panic", r).Str("handle", handle).Msg("provider call panicked")
			res = e.failure(handle, fmt.Errorf("provider panic: %v", r), logs, start)
		}
		tracing.RecordError(span, res.Err)
	}()

	task, schema := BuildTask(req.Description, req.Criterion)
	handle, err := e.provider.Submit(ctx, SubmitRequest{Task: task, StartURL: req.StartURL, OutputSchema: schema})
	if err != nil {
		return e.failure("", fmt.Errorf("submitting task: %w", err), logs, start)
	}
	span.SetAttributes(attribute.String("provider.handle", handle))
	e.logger.Debug().Str("handle", handle).Int("max_attempts", maxAttempts).Msg("task submitted")

	// the feed runs beside the poll and is stopped as soon as polling ends
	stopFeed := func() {}
	if onStep != nil {
		feedCtx, cancelFeed := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			e.consumeSteps(feedCtx, handle, onStep, logs)
		}()
		stopFeed = sync.OnceFunc(func() {
			cancelFeed()
			<-done
		})
		defer stopFeed()
	}

	status, err := e.poll(ctx, handle, maxAttempts)
	stopFeed()
	if err != nil {
		return e.failure(handle, err, logs, start)
	}

	out, perr := ParseOutput(status.Output, strings.TrimSpace(req.Criterion) != "")
	if perr != nil {
		e.logger.Warn().Err(perr).Str("handle", handle).Msg("unstructured task output")
	}

	duration := time.Since(start)
	logs.add(fmt.Sprintf("✅ Task completed in %.1fs", duration.Seconds()))
	return &Result{
		ID:        handle,
		Status:    StatusCompleted,
		Output:    out,
		RawOutput: status.Output,
		Logs:      logs.snapshot(),
		Duration:  duration,
	}
}

// poll checks status until a terminal state or the attempt ceiling. It sleeps
// between attempts, never after the last one.
func (e *Executor) poll(ctx context.Context, handle string, maxAttempts int) (*TaskStatus, error) {
	timer := time.NewTimer(e.opts.PollInterval)
	defer timer.Stop()

	statusErrors := 0
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		status, err := e.provider.Status(ctx, handle)
		if err == nil && status == nil {
			err = errors.New("empty status response")
		}
		switch {
		case err != nil:
			statusErrors++
			e.logger.Warn().Err(err).Str("handle", handle).Int("attempt", attempt).Msg("status check failed")
			if statusErrors >= e.opts.MaxStatusErrors {
				return nil, fmt.Errorf("checking task status: %w", err)
			}
		case status.Status == ProviderFinished:
			return status, nil
		case status.Status.terminalFailure():
			return nil, &ProviderExecutionError{Status: status.Status, Message: status.Error}
		default:
			statusErrors = 0
		}

		if attempt == maxAttempts {
			break
		}
		timer.Reset(e.opts.PollInterval)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for task: %w", ctx.Err())
		case <-timer.C:
		}
	}
	return nil, &ProviderTimeoutError{Attempts: maxAttempts, Interval: e.opts.PollInterval}
}

// consumeSteps forwards the step feed until it closes or ctx ends. Feed failures are logged only.
func (e *Executor) consumeSteps(ctx context.Context, handle string, onStep func(StepEvent), logs *transcript) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Interface("panic", r).Str("handle", handle).Msg("step feed panicked")
		}
	}()

	steps, err := e.provider.StreamSteps(ctx, handle)
	if err != nil {
		e.logger.Warn().Err(err).Str("handle", handle).Msg("step feed unavailable")
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case step, ok := <-steps:
			if !ok {
				return
			}
			for _, ev := range Normalize(step, time.Now()) {
				logs.add(ev.LogLine())
				onStep(ev)
			}
		}
	}
}

func (e *Executor) failure(handle string, err error, logs *transcript, start time.Time) *Result {
	msg := err.Error()
	logs.add("❌ Error: " + msg)
	e.logger.Warn().Err(err).Str("handle", handle).Msg("task failed")
	return &Result{
		ID:       handle,
		Status:   StatusFailed,
		Error:    msg,
		Err:      err,
		Logs:     logs.snapshot(),
		Duration: time.Since(start),
	}
}
