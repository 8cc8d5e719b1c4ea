package jobq

import (
	"context"
	"log/slog"
	"time"

	"github.com/vkryukov/jobq/internal"
	"github.com/vkryukov/jobq/job"
)

// CleanConfig defines the scheduling and filtering parameters for a
// CleanWorker.
//
// Status restricts deletion to jobs in that status; job.Unknown means
// any terminal job. job.Done is the only terminal status a Driver
// produces.
//
// Interval defines how often the cleaner runs.
//
// If Before is true, deletion is restricted to jobs whose terminal
// transition happened at or before now - Delta.
type CleanConfig struct {
	Status   job.Status
	Interval time.Duration
	Before   bool
	Delta    time.Duration
}

// CleanWorker periodically invokes a Cleaner to purge terminal jobs, a
// retention-management concern that sits alongside normal processing
// and does not affect leases.
//
// CleanWorker has the same strict start/stop lifecycle as Runner.
type CleanWorker struct {
	lcBase
	cleaner  Cleaner
	task     internal.TimerTask
	log      *slog.Logger
	status   job.Status
	interval time.Duration
	before   bool
	delta    time.Duration
}

// NewCleanWorker creates a CleanWorker using the given Cleaner and
// configuration. The worker is not started automatically.
func NewCleanWorker(cleaner Cleaner, config *CleanConfig, log *slog.Logger) *CleanWorker {
	return &CleanWorker{
		cleaner:  cleaner,
		log:      log,
		status:   config.Status,
		interval: config.Interval,
		before:   config.Before,
		delta:    config.Delta,
	}
}

func (cw *CleanWorker) beforeStamp() *time.Time {
	if !cw.before {
		return nil
	}
	ret := time.Now()
	if cw.delta != 0 {
		ret = ret.Add(-cw.delta)
	}
	return &ret
}

func (cw *CleanWorker) clean(ctx context.Context) {
	before := cw.beforeStamp()
	count, err := cw.cleaner.Clean(ctx, cw.status, before)
	if err != nil {
		cw.log.Error("error while cleaning", "err", err)
		return
	}
	cw.log.Info("cleaned jobs", "count", count)
}

// Start begins periodic execution of the cleaning task. Start returns
// ErrDoubleStarted if the worker has already been started.
func (cw *CleanWorker) Start(ctx context.Context) error {
	if err := cw.tryStart(); err != nil {
		return err
	}
	cw.task.Start(ctx, cw.clean, cw.interval)
	return nil
}

// Stop terminates the background cleaning task, waiting up to timeout.
// Stop returns ErrDoubleStopped if the worker is not running.
func (cw *CleanWorker) Stop(timeout time.Duration) error {
	return cw.tryStop(timeout, cw.task.Stop)
}
