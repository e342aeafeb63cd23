// Package scheduler runs due tasks: one task at a time through Runner, all due
// tasks through Dispatcher, and periodically in-process through Ticker.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Ticker invokes the dispatcher on a cron spec
type Ticker struct {
	cron       *cron.Cron
	dispatcher *Dispatcher
	spec       string
	timeout    time.Duration
	logger     zerolog.Logger
	mu         sync.Mutex
	running    bool
}

// NewTicker creates a ticker. spec accepts standard cron and descriptors such as "@every 1m".
// timeout bounds due-task selection in one cycle; zero means no bound. Started
// runs are not affected by it.
func NewTicker(dispatcher *Dispatcher, spec string, loc *time.Location, timeout time.Duration, logger zerolog.Logger) *Ticker {
	if loc == nil {
		loc = time.UTC
	}
	cl := cronLogger{logger: logger}
	return &Ticker{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		dispatcher: dispatcher,
		spec:       spec,
		timeout:    timeout,
		logger:     logger,
	}
}

// Start registers the dispatch job and starts the cron loop
func (t *Ticker) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return nil
	}
	if _, err := t.cron.AddFunc(t.spec, t.tick); err != nil {
		return fmt.Errorf("invalid trigger spec %q: %w", t.spec, err)
	}
	t.cron.Start()
	t.running = true
	t.logger.Info().Str("spec", t.spec).Msg("dispatch ticker started")
	return nil
}

// Stop stops the ticker and waits for a running dispatch to finish
func (t *Ticker) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	t.mu.Unlock()

	ctx := t.cron.Stop()
	<-ctx.Done()
}

func (t *Ticker) tick() {
	ctx := context.Background()
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}
	if _, err := t.dispatcher.RunDueTasks(ctx, time.Now()); err != nil {
		t.logger.Error().Err(err).Msg("dispatch cycle failed")
	}
}

// cronLogger adapts zerolog to cron.Logger
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
