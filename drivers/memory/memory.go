// Package memory provides a process-local, non-blocking jobq.Driver
// backed by a single mutex-guarded map, suitable for testing and
// single-process deployments.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vkryukov/jobq"
	"github.com/vkryukov/jobq/job"
)

// Driver is an in-memory jobq.Driver. A single sync.Mutex serializes
// every operation against the same map, so Reserve, Complete, Fail,
// Retry and RecoverExpiredLeases never observe or produce a torn
// update of a job record.
type Driver struct {
	mu       sync.Mutex
	jobs     map[uuid.UUID]*job.Job
	capacity int // 0 means unbounded
}

// NewDriver creates an empty Driver. capacity bounds the number of
// non-terminal jobs Push will accept; 0 means unbounded.
func NewDriver(capacity int) *Driver {
	return &Driver{
		jobs:     make(map[uuid.UUID]*job.Job),
		capacity: capacity,
	}
}

func init() {
	jobq.RegisterDriver("memory", func(opts map[string]any) (jobq.Driver, error) {
		capacity, _ := opts["capacity"].(int)
		return NewDriver(capacity), nil
	})
}

func clone(j *job.Job) *job.Job {
	cp := *j
	return &cp
}

// Push persists a new Waiting record, rejecting it with
// jobq.ErrQueueFull if capacity is set and already reached by
// non-terminal jobs.
func (d *Driver) Push(ctx context.Context, j *job.Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.capacity > 0 {
		var pending int
		for _, existing := range d.jobs {
			if existing.Status != job.Done {
				pending++
			}
		}
		if pending >= d.capacity {
			return jobq.ErrQueueFull
		}
	}

	d.jobs[j.ID] = clone(j)
	return nil
}

// Reserve is non-blocking: it returns (nil, nil) immediately if nothing
// is eligible, ignoring pollTimeout, since SupportsBlockingReserve is
// false for this driver. It first recovers any lease that expired
// since the last Reserve, so a crashed worker's job becomes reservable
// again without requiring a separate sweep.
func (d *Driver) Reserve(ctx context.Context, pollTimeout time.Duration) (*job.Job, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	d.recoverExpiredLeasesLocked(now)

	var candidates []*job.Job
	for _, j := range d.jobs {
		if j.Status == job.Waiting && j.IsAvailable(now) {
			candidates = append(candidates, j)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sort.Slice(candidates, func(i, k int) bool {
		if candidates[i].Priority != candidates[k].Priority {
			return candidates[i].Priority > candidates[k].Priority
		}
		if !candidates[i].PushedAt.Equal(candidates[k].PushedAt) {
			return candidates[i].PushedAt.Before(candidates[k].PushedAt)
		}
		return candidates[i].ID.String() < candidates[k].ID.String()
	})

	chosen := candidates[0]
	chosen.Status = job.Reserved
	chosen.ReservedAt = &now
	expires := now.Add(chosen.TTR)
	chosen.LeaseExpiresAt = &expires
	chosen.LeaseToken++

	return clone(chosen), nil
}

func (d *Driver) find(id uuid.UUID, leaseToken int64) (*job.Job, error) {
	stored, ok := d.jobs[id]
	if !ok || stored.Status != job.Reserved || stored.LeaseToken != leaseToken {
		return nil, jobq.ErrLeaseLost
	}
	return stored, nil
}

// Complete transitions a Reserved job to Done if its lease is current.
func (d *Driver) Complete(ctx context.Context, j *job.Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	stored, err := d.find(j.ID, j.LeaseToken)
	if err != nil {
		return err
	}
	stored.Status = job.Done
	return nil
}

// Fail marks a Reserved job Done with FailureReason set, if its lease
// is current.
func (d *Driver) Fail(ctx context.Context, j *job.Job, cause error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	stored, err := d.find(j.ID, j.LeaseToken)
	if err != nil {
		return err
	}
	stored.Status = job.Done
	stored.FailureReason = cause.Error()
	return nil
}

// Retry releases a Reserved job back to Waiting with attempt bumped and
// a fresh DelayUntil, invalidating its lease.
func (d *Driver) Retry(ctx context.Context, j *job.Job, nextAttempt uint32, backoff time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	stored, err := d.find(j.ID, j.LeaseToken)
	if err != nil {
		return err
	}
	stored.Status = job.Waiting
	stored.Attempt = nextAttempt
	stored.ReservedAt = nil
	stored.LeaseExpiresAt = nil
	delayUntil := time.Now().Add(backoff)
	stored.DelayUntil = &delayUntil
	return nil
}

// RecoverExpiredLeases returns every Reserved job whose lease has
// elapsed to Waiting with Attempt incremented, or to Done with a
// synthetic failure if that exhausts MaxAttempts.
func (d *Driver) RecoverExpiredLeases(ctx context.Context, now time.Time) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.recoverExpiredLeasesLocked(now), nil
}

// recoverExpiredLeasesLocked implements RecoverExpiredLeases for a
// caller that already holds d.mu (Reserve calls this directly to avoid
// relocking).
func (d *Driver) recoverExpiredLeasesLocked(now time.Time) int64 {
	var recovered int64
	for _, j := range d.jobs {
		if !j.LeaseExpired(now) {
			continue
		}
		nextAttempt := j.Attempt + 1
		if nextAttempt >= j.MaxAttempts {
			j.Status = job.Done
			j.FailureReason = "lease lost"
		} else {
			j.Status = job.Waiting
			j.Attempt = nextAttempt
		}
		j.ReservedAt = nil
		j.LeaseExpiresAt = nil
		recovered++
	}
	return recovered
}

// Get returns the job identified by id, or (nil, nil) if unknown.
func (d *Driver) Get(ctx context.Context, id uuid.UUID) (*job.Job, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	stored, ok := d.jobs[id]
	if !ok {
		return nil, nil
	}
	return clone(stored), nil
}

// Capabilities reports priority and delayed-job support; reserve never
// blocks.
func (d *Driver) Capabilities() jobq.Capabilities {
	return jobq.Capabilities{
		SupportsPriority:    true,
		SupportsDelayedJobs: true,
	}
}

// Close discards all jobs held by the driver.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jobs = make(map[uuid.UUID]*job.Job)
	return nil
}

// Clean deletes Done jobs and returns the count removed. This driver
// does not track a terminal timestamp, so before is accepted for
// interface compatibility but has no filtering effect.
func (d *Driver) Clean(ctx context.Context, status job.Status, before *time.Time) (int64, error) {
	if status != job.Unknown && status != job.Done {
		return 0, jobq.ErrBadStatus
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	var removed int64
	for id, j := range d.jobs {
		if j.Status != job.Done {
			continue
		}
		removed++
		delete(d.jobs, id)
	}
	return removed, nil
}

// List returns up to limit jobs matching status (job.Unknown means no
// filter).
func (d *Driver) List(ctx context.Context, status job.Status, limit int) ([]*job.Job, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var ret []*job.Job
	for _, j := range d.jobs {
		if status != job.Unknown && j.Status != status {
			continue
		}
		ret = append(ret, clone(j))
		if limit > 0 && len(ret) >= limit {
			break
		}
	}
	return ret, nil
}
