// Package job defines the durable record managed by a queue driver.
package job

import (
	"time"

	"github.com/google/uuid"
)

// Job represents one unit of work tracked by a driver.
//
// Name is the job-type discriminator used by the queue core to look up
// a handler after a successful reserve. Payload is opaque, codec-encoded
// bytes; the driver never inspects it.
//
// Priority and DelayUntil control reservation order and eligibility.
// TTR is the lease duration a reserve grants; LeaseExpiresAt and
// LeaseToken are only meaningful while Status is Reserved.
//
// Job instances are snapshots of storage state. Mutating fields directly
// does not change the underlying queue state; transitions must be
// performed through a Driver.
type Job struct {
	ID      uuid.UUID
	Name    string
	Payload []byte

	Priority   int32
	DelayUntil *time.Time

	TTR         time.Duration
	Attempt     uint32
	MaxAttempts uint32

	PushedAt       time.Time
	ReservedAt     *time.Time
	LeaseExpiresAt *time.Time

	Status        Status
	LeaseToken    int64
	FailureReason string
}

// IsAvailable reports whether the job is eligible for reservation at the
// given instant: DelayUntil absent or already reached.
func (j *Job) IsAvailable(now time.Time) bool {
	return j.DelayUntil == nil || !j.DelayUntil.After(now)
}

// LeaseExpired reports whether a Reserved job's lease has elapsed at the
// given instant. It is false for jobs that are not currently Reserved.
func (j *Job) LeaseExpired(now time.Time) bool {
	return j.Status == Reserved && j.LeaseExpiresAt != nil && j.LeaseExpiresAt.Before(now)
}

// CanRetry reports whether the job has attempts remaining after the next
// dispatch.
func (j *Job) CanRetry(nextAttempt uint32) bool {
	return nextAttempt < j.MaxAttempts
}
