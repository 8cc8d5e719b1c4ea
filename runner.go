package jobq

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"time"

	"github.com/vkryukov/jobq/internal"
	"github.com/vkryukov/jobq/job"
)

// RunnerConfig defines runtime behavior of a Runner.
//
// Concurrency is the number of jobs dispatched at once. Queue is the
// internal buffering capacity between reserving jobs and dispatching
// them. PollInterval is how often the Runner reserves when the driver
// does not itself block. PollTimeout is the value passed to
// Driver.Reserve on each attempt.
//
// Isolate, when true, switches dispatch to the isolated subprocess
// mode: each reserved job is handed to a freshly spawned child process
// instead of an in-process Handler. Command must be set in that case.
type RunnerConfig struct {
	Concurrency  int
	Queue        int
	PollInterval time.Duration
	PollTimeout  time.Duration

	Isolate bool
	Command []string
}

// Runner is a pool-backed alternative to Queue.Run: it reserves through
// the Queue's driver and dispatches concurrently, with an optional
// isolated subprocess execution mode and Plugin hooks around its poll
// loop.
//
// Runner has a strict start/stop lifecycle: Start may only be called
// once, and Stop waits for in-flight dispatches to finish or returns
// ErrStopTimeout.
type Runner struct {
	lcBase
	queue    *Queue
	pullTask internal.TimerTask
	pool     *internal.WorkerPool[*job.Job]
	log      *slog.Logger
	interval time.Duration
	timeout  time.Duration
	plugin   Plugin
	isolate  bool
	command  []string
}

// NewRunner creates a Runner dispatching through queue according to
// config. A nil plugin disables the cooperative-shutdown hooks.
func NewRunner(queue *Queue, config *RunnerConfig, plugin Plugin, log *slog.Logger) *Runner {
	return &Runner{
		queue:    queue,
		pool:     internal.NewWorkerPool[*job.Job](config.Concurrency, config.Queue, log),
		log:      log,
		interval: config.PollInterval,
		timeout:  config.PollTimeout,
		plugin:   plugin,
		isolate:  config.Isolate,
		command:  config.Command,
	}
}

func (r *Runner) keepRunning() bool {
	return r.plugin == nil || r.plugin.ShouldKeepRunning()
}

func (r *Runner) poll(ctx context.Context) {
	if !r.keepRunning() {
		return
	}
	if r.plugin != nil {
		r.plugin.OnBeforeReserve(ctx)
	}
	j, err := r.queue.driver.Reserve(ctx, r.timeout)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			r.log.Error("reserve failed", "err", err)
		}
		return
	}
	if j == nil {
		return
	}
	if !r.pool.Push(j) {
		r.log.Debug("job push interrupted via shutdown", "id", j.ID)
	}
}

func (r *Runner) dispatch(ctx context.Context, j *job.Job) {
	if r.isolate {
		r.dispatchIsolated(ctx, j)
	} else {
		r.queue.dispatch(ctx, j)
	}
	if r.plugin != nil {
		r.plugin.OnAfterComplete(ctx, j)
	}
}

// dispatchIsolated runs the configured command as a subordinate process
// per job, piping the job's codec-encoded payload to its stdin and
// enforcing a wall-clock limit equal to the job's TTR. Exit code 0 is
// success; a non-zero exit or a deadline overrun is treated as a
// handler error and fed through the same retry policy as an in-process
// Handler failure. The subprocess receives only the payload bytes, not
// the queue or its lifecycle.
func (r *Runner) dispatchIsolated(ctx context.Context, j *job.Job) {
	r.queue.fireBeforeExec(BeforeExecEvent{ID: j.ID, Name: j.Name, Payload: j.Payload})

	deadline := time.Now().Add(j.TTR)
	if j.LeaseExpiresAt != nil && j.LeaseExpiresAt.Before(deadline) {
		deadline = *j.LeaseExpiresAt
	}
	cctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	err := r.runCommand(cctx, j)
	if err == nil {
		r.queue.fireAfterExec(AfterExecEvent{ID: j.ID, Name: j.Name})
		if cErr := r.queue.driver.Complete(ctx, j); cErr != nil && !errors.Is(cErr, ErrLeaseLost) {
			r.log.Error("complete failed", "id", j.ID, "err", cErr)
		}
		return
	}
	r.queue.applyRetryPolicy(ctx, j, err)
}

func (r *Runner) runCommand(ctx context.Context, j *job.Job) error {
	if len(r.command) == 0 {
		return backendErrorf(errors.New("isolated mode requires a command"))
	}
	cmd := exec.CommandContext(ctx, r.command[0], r.command[1:]...)
	cmd.Stdin = bytes.NewReader(j.Payload)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ErrJobTimeout
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return errors.New(stderr.String())
		}
		return err
	}
	return nil
}

// Start begins background reserving and dispatching of jobs.
//
// Start returns ErrDoubleStarted if the Runner has already been
// started. When ctx is canceled, reserving stops and in-flight
// dispatches receive a canceled context.
func (r *Runner) Start(ctx context.Context) error {
	if err := r.tryStart(); err != nil {
		return err
	}
	r.pool.Start(ctx, r.dispatch)
	r.pullTask.Start(ctx, r.poll, r.interval)
	return nil
}

func (r *Runner) doStop() internal.DoneChan {
	first := r.pullTask.Stop()
	second := r.pool.Stop()
	return internal.Combine(first, second)
}

// Stop initiates graceful shutdown: stops reserving new jobs, cancels
// the dispatch pool, and waits for in-flight dispatches to finish or
// timeout to elapse, returning ErrStopTimeout in the latter case.
//
// Stop returns ErrDoubleStopped if the Runner is not running.
func (r *Runner) Stop(timeout time.Duration) error {
	return r.tryStop(timeout, r.doStop)
}
