// Package file provides a directory-backed jobq.Driver: one file per
// job, one directory per queue, with the filename encoding the
// reservation sort key so a lexicographic directory listing gives
// priority-then-FIFO order. Mutual exclusion is an advisory lock file
// held via github.com/gofrs/flock.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gofrs/flock"

	"github.com/vkryukov/jobq"
	"github.com/vkryukov/jobq/job"
)

const lockFileName = ".jobq.lock"
const jobExt = ".job"

// priorityOffset shifts job.Job.Priority (an int32, possibly negative)
// into a non-negative range so its zero-padded decimal string sorts
// correctly; 1<<31 safely covers the full int32 range.
const priorityOffset = int64(1) << 31

// Driver is a file-backed jobq.Driver rooted at one directory.
// Reserve, Push, Complete, Fail, Retry and RecoverExpiredLeases all
// take the directory's advisory lock for their duration, which is
// what makes Reserve linearizable against them.
type Driver struct {
	dir  string
	mu   sync.Mutex // excludes goroutines of this process; flock does not
	lock *flock.Flock
}

// NewDriver creates a Driver rooted at dir, creating it if necessary.
// It performs a recovery scan, returning expired leases from a prior
// crash to Waiting, before returning.
func NewDriver(dir string) (*Driver, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, backendErr(err)
	}
	d := &Driver{
		dir:  dir,
		lock: flock.New(filepath.Join(dir, lockFileName)),
	}
	if _, err := d.RecoverExpiredLeases(context.Background(), time.Now()); err != nil {
		return nil, err
	}
	return d, nil
}

func init() {
	jobq.RegisterDriver("file", func(opts map[string]any) (jobq.Driver, error) {
		dir, _ := opts["dir"].(string)
		if dir == "" {
			return nil, jobq.ErrConfiguration
		}
		return NewDriver(dir)
	})
}

func backendErr(err error) error {
	return fmt.Errorf("%w: %v", jobq.ErrBackend, err)
}

type record struct {
	Job job.Job `json:"job"`
}

func fileName(j *job.Job) string {
	inv := priorityOffset - int64(j.Priority)
	return fmt.Sprintf("%020d-%020d-%s%s", inv, j.PushedAt.UnixNano(), j.ID, jobExt)
}

func (d *Driver) path(name string) string {
	return filepath.Join(d.dir, name)
}

func (d *Driver) withLock(fn func() error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.lock.Lock(); err != nil {
		return backendErr(err)
	}
	defer d.lock.Unlock()
	return fn()
}

func (d *Driver) readAll() ([]string, []*job.Job, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, nil, backendErr(err)
	}
	var names []string
	var jobs []*job.Job
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), jobExt) {
			continue
		}
		data, err := os.ReadFile(d.path(e.Name()))
		if err != nil {
			continue // racing deletion elsewhere; skip
		}
		var rec record
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		j := rec.Job
		names = append(names, e.Name())
		jobs = append(jobs, &j)
	}
	return names, jobs, nil
}

func (d *Driver) write(name string, j *job.Job) error {
	data, err := json.Marshal(record{Job: *j})
	if err != nil {
		return backendErr(err)
	}
	tmp := d.path(name) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return backendErr(err)
	}
	return os.Rename(tmp, d.path(name))
}

func (d *Driver) findByID(id uuid.UUID) (string, *job.Job, error) {
	names, jobs, err := d.readAll()
	if err != nil {
		return "", nil, err
	}
	suffix := id.String() + jobExt
	for i, name := range names {
		if strings.HasSuffix(name, suffix) {
			return name, jobs[i], nil
		}
	}
	return "", nil, nil
}

// Push persists a new Waiting record as one file in the driver's
// directory.
func (d *Driver) Push(ctx context.Context, j *job.Job) error {
	return d.withLock(func() error {
		return d.write(fileName(j), j)
	})
}

// Reserve scans the directory for the first eligible Waiting job
// (priority DESC, pushedAt ASC — the order the filenames already sort
// in) and leases it. It is non-blocking; pollTimeout is unused, since
// SupportsBlockingReserve is false for this driver. It first recovers
// any lease that expired since the last Reserve, so a crashed worker's
// job becomes reservable again without a separate process restart.
func (d *Driver) Reserve(ctx context.Context, pollTimeout time.Duration) (*job.Job, error) {
	var result *job.Job
	err := d.withLock(func() error {
		if _, err := d.recoverExpiredLeasesLocked(time.Now()); err != nil {
			return err
		}

		names, jobs, err := d.readAll()
		if err != nil {
			return err
		}
		order := make([]int, len(names))
		for i := range order {
			order[i] = i
		}
		sort.Slice(order, func(a, b int) bool { return names[order[a]] < names[order[b]] })

		now := time.Now()
		for _, idx := range order {
			j := jobs[idx]
			if j.Status != job.Waiting || !j.IsAvailable(now) {
				continue
			}
			j.Status = job.Reserved
			j.ReservedAt = &now
			expires := now.Add(j.TTR)
			j.LeaseExpiresAt = &expires
			j.LeaseToken++
			if err := d.write(names[idx], j); err != nil {
				return err
			}
			result = j
			return nil
		}
		return nil
	})
	return result, err
}

func (d *Driver) transition(id uuid.UUID, leaseToken int64, mutate func(*job.Job)) error {
	return d.withLock(func() error {
		name, j, err := d.findByID(id)
		if err != nil {
			return err
		}
		if j == nil || j.Status != job.Reserved || j.LeaseToken != leaseToken {
			return jobq.ErrLeaseLost
		}
		mutate(j)
		return d.write(name, j)
	})
}

// Complete transitions a Reserved job to Done if its lease is current.
func (d *Driver) Complete(ctx context.Context, j *job.Job) error {
	return d.transition(j.ID, j.LeaseToken, func(stored *job.Job) {
		stored.Status = job.Done
	})
}

// Fail marks a Reserved job Done with FailureReason set, if its lease
// is current.
func (d *Driver) Fail(ctx context.Context, j *job.Job, cause error) error {
	return d.transition(j.ID, j.LeaseToken, func(stored *job.Job) {
		stored.Status = job.Done
		stored.FailureReason = cause.Error()
	})
}

// Retry releases a Reserved job back to Waiting with attempt bumped
// and a fresh DelayUntil, invalidating its lease.
func (d *Driver) Retry(ctx context.Context, j *job.Job, nextAttempt uint32, backoff time.Duration) error {
	return d.transition(j.ID, j.LeaseToken, func(stored *job.Job) {
		stored.Status = job.Waiting
		stored.Attempt = nextAttempt
		stored.ReservedAt = nil
		stored.LeaseExpiresAt = nil
		delayUntil := time.Now().Add(backoff)
		stored.DelayUntil = &delayUntil
	})
}

// RecoverExpiredLeases scans every file for a Reserved job whose lease
// has elapsed, returning it to Waiting with Attempt incremented, or to
// Done with a synthetic failure if that exhausts MaxAttempts. Also run
// at startup by NewDriver, mirroring a crash-recovery scan, and at the
// top of every Reserve.
func (d *Driver) RecoverExpiredLeases(ctx context.Context, now time.Time) (int64, error) {
	var recovered int64
	err := d.withLock(func() error {
		var err error
		recovered, err = d.recoverExpiredLeasesLocked(now)
		return err
	})
	return recovered, err
}

// recoverExpiredLeasesLocked implements RecoverExpiredLeases for a
// caller that already holds the driver's advisory lock (Reserve calls
// this directly, since flock.Flock.Lock is not reentrant).
func (d *Driver) recoverExpiredLeasesLocked(now time.Time) (int64, error) {
	var recovered int64
	names, jobs, err := d.readAll()
	if err != nil {
		return 0, err
	}
	for i, j := range jobs {
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
		if err := d.write(names[i], j); err != nil {
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}

// Get returns the job identified by id, or (nil, nil) if unknown.
func (d *Driver) Get(ctx context.Context, id uuid.UUID) (*job.Job, error) {
	var result *job.Job
	err := d.withLock(func() error {
		_, j, err := d.findByID(id)
		result = j
		return err
	})
	return result, err
}

// Capabilities reports priority and delayed-job support; reserve never
// blocks.
func (d *Driver) Capabilities() jobq.Capabilities {
	return jobq.Capabilities{
		SupportsPriority:    true,
		SupportsDelayedJobs: true,
	}
}

// Close releases the driver's lock file handle.
func (d *Driver) Close() error {
	return d.lock.Close()
}

// Clean deletes Done job files, optionally restricted to ones pushed at
// or before before, and returns the count removed. This driver records
// no completion time, so the filter uses PushedAt.
func (d *Driver) Clean(ctx context.Context, status job.Status, before *time.Time) (int64, error) {
	if status != job.Unknown && status != job.Done {
		return 0, jobq.ErrBadStatus
	}
	var removed int64
	err := d.withLock(func() error {
		names, jobs, err := d.readAll()
		if err != nil {
			return err
		}
		for i, j := range jobs {
			if j.Status != job.Done {
				continue
			}
			if before != nil && j.PushedAt.After(*before) {
				continue
			}
			if err := os.Remove(d.path(names[i])); err != nil {
				return backendErr(err)
			}
			removed++
		}
		return nil
	})
	return removed, err
}

// List returns up to limit jobs matching status (job.Unknown means no
// filter).
func (d *Driver) List(ctx context.Context, status job.Status, limit int) ([]*job.Job, error) {
	var ret []*job.Job
	err := d.withLock(func() error {
		_, jobs, err := d.readAll()
		if err != nil {
			return err
		}
		for _, j := range jobs {
			if status != job.Unknown && j.Status != status {
				continue
			}
			ret = append(ret, j)
			if limit > 0 && len(ret) >= limit {
				break
			}
		}
		return nil
	})
	return ret, err
}
