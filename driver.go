package jobq

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/vkryukov/jobq/job"
)

// Capabilities describes what a Driver backend can and cannot do. The
// queue core reads it to decide whether it must sleep between poll
// iterations and whether priority ordering applies.
type Capabilities struct {
	// SupportsPriority is true when Reserve honors priority DESC before
	// pushedAt ASC. A driver without it still provides FIFO ordering.
	SupportsPriority bool

	// SupportsDelayedJobs is true when DelayUntil is honored. A driver
	// without it treats every job as immediately eligible.
	SupportsDelayedJobs bool

	// SupportsBlockingReserve is true when Reserve may itself block up to
	// pollTimeout waiting for an eligible job (e.g. a broker's receive
	// call), so the caller need not sleep between empty polls.
	SupportsBlockingReserve bool
}

// Driver is the single source of truth for job persistence, ordering,
// leases and crash recovery. Implementations must make Reserve
// linearizable against concurrent Reserve, Complete, Fail, Retry and
// RecoverExpiredLeases calls against the same backing store.
type Driver interface {
	// Push persists a new Waiting record under the id already set in
	// j.ID (Queue.AddJob assigns it). Push must not mutate j after
	// returning nil.
	Push(ctx context.Context, j *job.Job) error

	// Reserve atomically selects the next eligible job and leases it.
	// Eligibility: Status == Waiting and (DelayUntil absent or <= now).
	// Ordering: Priority DESC, PushedAt ASC, ties broken by ID.
	//
	// Reserve may block up to pollTimeout if the driver supports blocking
	// receives; otherwise it returns (nil, nil) immediately when nothing
	// is eligible.
	Reserve(ctx context.Context, pollTimeout time.Duration) (*job.Job, error)

	// Complete transitions a Reserved job to Done, only if its lease is
	// still current: the stored record must still be Reserved under
	// j.LeaseToken. If the lease was recovered or rotated, Complete
	// returns ErrLeaseLost and leaves storage untouched. The bundled
	// drivers do not compare LeaseExpiresAt with the clock here: a lease
	// whose time has passed but that no RecoverExpiredLeases sweep has
	// reclaimed yet is still accepted.
	Complete(ctx context.Context, j *job.Job) error

	// Fail marks a job as terminally failed (Done with FailureReason
	// set), subject to the same lease check as Complete.
	Fail(ctx context.Context, j *job.Job, cause error) error

	// Retry releases a Reserved job back to Waiting with attempt bumped
	// to nextAttempt and DelayUntil set to now+backoff, invalidating the
	// current lease token. Subject to the same lease check as Complete.
	Retry(ctx context.Context, j *job.Job, nextAttempt uint32, backoff time.Duration) error

	// RecoverExpiredLeases finds every Reserved record whose lease has
	// elapsed as of now, returns it to Waiting with Attempt incremented
	// (or to Done with a synthetic failure if that exhausts
	// MaxAttempts), and clears its lease fields. It returns the number of
	// records recovered.
	//
	// Drivers that cannot observe expiry implicitly (anything without a
	// background sweep or expiring index) must call this at the top of
	// Reserve.
	RecoverExpiredLeases(ctx context.Context, now time.Time) (int64, error)

	// Get returns the job identified by id, or (nil, nil) if unknown.
	Get(ctx context.Context, id uuid.UUID) (*job.Job, error)

	// Capabilities reports what this backend supports.
	Capabilities() Capabilities

	// Close releases any resources (connections, file handles) held by
	// the driver.
	Close() error
}

// Cleaner is an optional driver extension for retention management: the
// permanent deletion of terminal jobs. Not all drivers implement it.
type Cleaner interface {
	// Clean deletes Done jobs, optionally restricted to those whose last
	// update is at or before `before`, and returns the count removed.
	// status must be job.Unknown (any terminal job) or job.Done;
	// anything else is ErrBadStatus.
	Clean(ctx context.Context, status job.Status, before *time.Time) (int64, error)
}

// Lister is an optional driver extension for administrative inspection.
type Lister interface {
	// List returns up to limit jobs matching status (job.Unknown means
	// no filter). limit <= 0 means no limit.
	List(ctx context.Context, status job.Status, limit int) ([]*job.Job, error)
}

// DriverFactory builds a Driver from decoded configuration. Drivers
// register themselves under a name via RegisterDriver so the CLI can
// select one with --driver.
type DriverFactory func(opts map[string]any) (Driver, error)
