package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/kylemclaren/browser-tasks/internal/api"
	"github.com/kylemclaren/browser-tasks/internal/browseruse"
	"github.com/kylemclaren/browser-tasks/internal/config"
	"github.com/kylemclaren/browser-tasks/internal/db"
	"github.com/kylemclaren/browser-tasks/internal/executor"
	"github.com/kylemclaren/browser-tasks/internal/logging"
	"github.com/kylemclaren/browser-tasks/internal/notify"
	"github.com/kylemclaren/browser-tasks/internal/recorder"
	"github.com/kylemclaren/browser-tasks/internal/schedule"
	"github.com/kylemclaren/browser-tasks/internal/scheduler"
	"github.com/kylemclaren/browser-tasks/internal/stream"
	"github.com/kylemclaren/browser-tasks/internal/tracing"
	"github.com/kylemclaren/browser-tasks/internal/tui"
	"github.com/kylemclaren/browser-tasks/internal/usage"
	"github.com/kylemclaren/browser-tasks/internal/version"
	"github.com/kylemclaren/browser-tasks/internal/webhook"
)

func main() {
	cmd := "serve"
	args := []string{}
	if len(os.Args) > 1 {
		cmd, args = os.Args[1], os.Args[2:]
	}

	var err error
	switch cmd {
	case "version", "--version", "-v":
		fmt.Println(version.Info())
		return
	case "help", "--help", "-h":
		printHelp()
		return
	case "serve":
		err = runServer(args)
	case "dispatch":
		err = runDispatch(args)
	case "runs":
		err = runRuns(args)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printHelp()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app holds the services shared by every command
type app struct {
	cfg        *config.Config
	logger     zerolog.Logger
	db         *db.DB
	evaluator  *schedule.Evaluator
	limiter    *usage.Limiter
	notifier   *notify.Dispatcher
	recorder   *recorder.Recorder
	exec       *executor.Executor
	runner     *scheduler.Runner
	dispatcher *scheduler.Dispatcher
	closers    []func() error
}

// staleMargin pads the stale-run cutoff past the longest possible live run
const staleMargin = 5 * time.Minute

func setup() (*app, error) {
	cfg, err := config.Load(os.Getenv("BROWSER_TASKS_CONFIG"))
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, closers: []func() error{closeLog}}

	shutdownTracing, err := tracing.Setup(cfg.Tracing)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("setting up tracing: %w", err)
	}
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdownTracing(ctx)
	})

	if cfg.Database.Driver != "postgres" {
		if err := os.MkdirAll(cfg.Database.DataDir, 0o755); err != nil {
			a.close()
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}
	database, err := db.New(db.Config{Driver: cfg.Database.Driver, DSN: cfg.DatabaseDSN()})
	if err != nil {
		a.close()
		return nil, fmt.Errorf("initializing database: %w", err)
	}
	a.db = database
	a.closers = append(a.closers, database.Close)

	a.recorder = recorder.New(database, logger)
	provider := browseruse.New(cfg.Provider, logger)
	a.exec = executor.New(provider, executor.Options{
		PollInterval:      cfg.Provider.PollInterval,
		MaxPollAttempts:   cfg.Provider.MaxPollAttempts,
		MaxStreamAttempts: cfg.Provider.MaxStreamAttempts,
	}, logger)

	a.evaluator = schedule.New(cfg.Location())
	a.limiter = usage.New(database, cfg.Plans)
	a.notifier = notify.NewDispatcher(webhook.NewEmail(cfg.Notify), cfg.Notify.SendTimeout, logger)
	a.runner = scheduler.NewRunner(database, a.recorder, a.exec, a.notifier, cfg.Scheduler.StreamLogs, logger)
	a.dispatcher = scheduler.NewDispatcher(database, a.runner, a.limiter, a.evaluator, scheduler.DispatcherConfig{
		Strategy:       cfg.Scheduler.Strategy,
		DueWindow:      cfg.Scheduler.DueWindow,
		MaxConcurrency: cfg.Scheduler.MaxConcurrency,
	}, logger)
	return a, nil
}

// staleRunAge is how old a running run must be before no live process can own
// it: the executor's polling ceiling, every status call timing out, and a margin.
func (a *app) staleRunAge() time.Duration {
	p := a.cfg.Provider
	attempts := max(p.MaxPollAttempts, p.MaxStreamAttempts)
	return a.exec.Ceiling() + time.Duration(attempts)*p.RequestTimeout + staleMargin
}

// close releases resources in reverse order of acquisition
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn().Err(err).Msg("shutdown")
		}
	}
}

func runServer(args []string) error {
	serveCmd := flag.NewFlagSet("serve", flag.ExitOnError)
	port := serveCmd.Int("port", 0, "HTTP server port (overrides config)")
	_ = serveCmd.Parse(args)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := setup()
	if err != nil {
		return err
	}
	defer a.close()

	// Only the server sweeps: dispatch and runs may share the store with it
	if _, err := a.recorder.FailStale(ctx, a.staleRunAge()); err != nil {
		a.logger.Warn().Err(err).Msg("failed to mark stale runs")
	}

	if *port > 0 {
		a.cfg.Server.Port = *port
	}

	// Create stream manager for real-time step streaming
	streamMgr := stream.NewManager()
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				streamMgr.CleanupOldStreams(10 * time.Minute)
			}
		}
	}()

	var ticker *scheduler.Ticker
	if spec := a.cfg.Scheduler.Trigger; spec != "" {
		ticker = scheduler.NewTicker(a.dispatcher, spec, a.cfg.Location(), time.Minute, a.logger)
		if err := ticker.Start(); err != nil {
			return fmt.Errorf("starting scheduler: %w", err)
		}
	}

	server := api.NewServer(api.Deps{
		DB:         a.db,
		Runner:     a.runner,
		Dispatcher: a.dispatcher,
		Limiter:    a.limiter,
		Evaluator:  a.evaluator,
		Streams:    streamMgr,
		Config:     a.cfg.Server,
		Logger:     a.logger,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info().
			Str("addr", srv.Addr).
			Str("driver", a.cfg.Database.Driver).
			Str("version", version.Short()).
			Msg("browser-tasks API server starting")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		a.logger.Info().Msg("shutting down server")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)

	if ticker != nil {
		ticker.Stop()
	}
	a.notifier.Wait()
	return err
}

// runDispatch runs one due-task pass and prints the report, for external cron.
// Started runs are bounded by the executor's ceiling and finish even if the
// pass is interrupted.
func runDispatch(args []string) error {
	dispatchCmd := flag.NewFlagSet("dispatch", flag.ExitOnError)
	_ = dispatchCmd.Parse(args)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := setup()
	if err != nil {
		return err
	}
	defer a.close()

	report, err := a.dispatcher.RunDueTasks(ctx, time.Now())
	a.notifier.Wait()
	if err != nil {
		return fmt.Errorf("dispatching due tasks: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

// runRuns prints a task's recent runs
func runRuns(args []string) error {
	runsCmd := flag.NewFlagSet("runs", flag.ExitOnError)
	limit := runsCmd.Int("limit", 10, "number of runs to show")
	logs := runsCmd.Bool("logs", false, "include run transcripts")
	style := runsCmd.String("style", "", "markdown style (dark, light, notty); default detects the terminal")
	_ = runsCmd.Parse(args)
	if runsCmd.NArg() != 1 {
		return errors.New("usage: browser-tasks runs [--limit N] [--logs] <task-id>")
	}

	ctx := context.Background()
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.close()

	task, err := a.db.GetTask(ctx, runsCmd.Arg(0))
	if err != nil {
		return fmt.Errorf("loading task: %w", err)
	}
	runs, err := a.db.ListRuns(ctx, task.ID, *limit)
	if err != nil {
		return fmt.Errorf("loading runs: %w", err)
	}
	return tui.RenderRuns(os.Stdout, task, runs, tui.Options{Style: *style, Logs: *logs})
}

func printHelp() {
	fmt.Println(`browser-tasks - Schedule and run browser automation tasks via cron

Usage:
  browser-tasks                 Run the HTTP API server
  browser-tasks serve           Run the HTTP API server
  browser-tasks dispatch        Run due tasks once and print the report
  browser-tasks runs <task-id>  Show recent runs of a task
  browser-tasks version         Show version information
  browser-tasks help            Show this help message

Serve Options:
  --port                        HTTP server port (default: 8080)

Runs Options:
  --limit                       Number of runs to show (default: 10)
  --logs                        Include run transcripts
  --style                       Markdown style (dark, light, notty)

Environment Variables:
  BROWSER_TASKS_CONFIG          Path to a YAML config file
  BROWSER_TASKS_DATA            Override data directory (default: ~/.browser-tasks)
  DATABASE_URL                  Postgres DSN, switches the driver to postgres
  PORT                          HTTP server port
  JWT_SECRET                    HS256 secret for API tokens
  CRON_SECRET                   Bearer secret for /api/v1/run-due-tasks
  BROWSER_USE_API_KEY           Browser automation provider key
  EMAIL_API_KEY                 Email delivery API key
  LOG_LEVEL                     debug, info, warn or error`)
}
