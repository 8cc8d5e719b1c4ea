package jobq

import (
	"context"
	"sync/atomic"

	"github.com/vkryukov/jobq/job"
)

// Plugin observes the Runner's poll loop and may request a clean exit.
// Plugins are cooperative: they must not mutate job records. The
// canonical use is integrating a host-lifecycle termination signal (for
// example a container orchestrator's shutdown notice) so in-flight work
// finishes before the process exits.
type Plugin interface {
	// OnBeforeReserve is called at the start of every poll iteration,
	// before Reserve is attempted.
	OnBeforeReserve(ctx context.Context)

	// OnAfterComplete is called after a reserved job's dispatch has been
	// resolved one way or another (completed, retried, or failed). j is
	// the job record as it stood after that resolution.
	OnAfterComplete(ctx context.Context, j *job.Job)

	// ShouldKeepRunning is checked before reserving the next job. When it
	// returns false, the Runner stops reserving new work; it does not
	// abort work already in progress. The Runner does not stop itself:
	// it stays started, with its poll loop idle, until Stop is called.
	ShouldKeepRunning() bool
}

// JobCountPlugin stops a Runner once it has completed a fixed number of
// jobs, regardless of outcome (completed, retried or failed all count).
// Useful for a worker process meant to drain a fixed batch and exit,
// such as a one-shot job invoked by an external scheduler.
type JobCountPlugin struct {
	limit int64
	done  atomic.Int64
}

// NewJobCountPlugin returns a JobCountPlugin that keeps a Runner running
// for at most limit completed jobs. A non-positive limit keeps the
// Runner running indefinitely.
func NewJobCountPlugin(limit int) *JobCountPlugin {
	return &JobCountPlugin{limit: int64(limit)}
}

// OnBeforeReserve implements Plugin. It does nothing.
func (p *JobCountPlugin) OnBeforeReserve(ctx context.Context) {}

// OnAfterComplete implements Plugin, counting j toward the limit.
func (p *JobCountPlugin) OnAfterComplete(ctx context.Context, j *job.Job) {
	p.done.Add(1)
}

// ShouldKeepRunning implements Plugin, reporting false once Done has
// reached the configured limit.
func (p *JobCountPlugin) ShouldKeepRunning() bool {
	if p.limit <= 0 {
		return true
	}
	return p.done.Load() < p.limit
}

// Done reports how many jobs OnAfterComplete has observed so far.
func (p *JobCountPlugin) Done() int64 {
	return p.done.Load()
}
