package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	stdsql "database/sql"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	_ "modernc.org/sqlite"

	"github.com/vkryukov/jobq"
	"github.com/vkryukov/jobq/config"
	jobqsql "github.com/vkryukov/jobq/drivers/sql"
)

// buildDriver opens the backing store named by cfg's
// selected driver, returning the jobq.Driver the worker will run
// against. "db" additionally owns opening the *sql.DB and running the
// schema migration, since jobq.NewDriver("sql", ...) expects an
// already-initialized connection, not a DSN.
func buildDriver(ctx context.Context, cfg *config.Config) (jobq.Driver, error) {
	switch cfg.Driver {
	case "db":
		conn, err := stdsql.Open("sqlite", cfg.QueueURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		db := bun.NewDB(conn, sqlitedialect.New())
		if err := jobqsql.InitDB(ctx, db); err != nil {
			return nil, fmt.Errorf("init database schema: %w", err)
		}
		return jobqsql.New(jobqsql.Options{DB: db}), nil
	case "file":
		return jobq.NewDriver("file", map[string]any{"dir": cfg.QueueURL})
	case "memory":
		return jobq.NewDriver("memory", map[string]any{"capacity": 0})
	case "broker":
		return jobq.NewDriver("broker", map[string]any{"addr": cfg.QueueURL})
	default:
		return nil, fmt.Errorf("unknown driver %q", cfg.Driver)
	}
}

// runWorker builds the driver named by cfg and runs a worker against
// it. With --no-repeat it performs a single synchronous
// reserve-and-dispatch attempt via Queue.Run and returns; otherwise it
// starts a Runner and blocks until ctx is canceled (SIGINT/SIGTERM) or,
// with --max-jobs, until that many jobs have been dispatched.
//
// This binary registers no in-process Handlers of its own, so a
// non-isolated run only ever produces ErrUnhandledJobType; --isolate is
// the mode this binary is meant to be driven in, dispatching each job
// to the configured subprocess instead.
func runWorker(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	driver, err := buildDriver(ctx, cfg)
	if err != nil {
		return &configError{err}
	}
	defer driver.Close()

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	queue := jobq.New(driver, jobq.WithLogger(log))

	if cfg.NoRepeat {
		return queue.Run(ctx, false, timeout)
	}

	runnerCfg := &jobq.RunnerConfig{
		Concurrency:  4,
		Queue:        16,
		PollInterval: timeout,
		PollTimeout:  timeout,
		Isolate:      cfg.Isolate,
	}
	if cfg.Isolate {
		runnerCfg.Command = []string{"jobq-handler"}
	}

	var plugin jobq.Plugin
	if cfg.MaxJobs > 0 {
		plugin = jobq.NewJobCountPlugin(cfg.MaxJobs)
	}

	runner := jobq.NewRunner(queue, runnerCfg, plugin, log)
	if err := runner.Start(ctx); err != nil {
		return fmt.Errorf("start runner: %w", err)
	}

	if plugin == nil {
		<-ctx.Done()
	} else {
		tick := time.NewTicker(100 * time.Millisecond)
		defer tick.Stop()
		for plugin.ShouldKeepRunning() && ctx.Err() == nil {
			select {
			case <-ctx.Done():
			case <-tick.C:
			}
		}
	}
	log.Info("shutting down")
	if err := runner.Stop(30 * time.Second); err != nil {
		return fmt.Errorf("stop runner: %w", err)
	}
	return nil
}
