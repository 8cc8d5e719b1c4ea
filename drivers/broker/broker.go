// Package broker provides a Redis Streams-backed jobq.Driver. A
// consumer group gives each reservation a visibility timeout: Reserve
// claims a stream entry via XReadGroup, and RecoverExpiredLeases walks
// the group's pending entry list (XPendingExt) reclaiming anything idle
// longer than its own job's TTR. Delayed jobs sit in a sorted set,
// scored by their ready time, and are promoted into the stream at the
// top of Reserve — the same pattern dg-queue's Redis driver uses for
// its delayed queue.
package broker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/vkryukov/jobq"
	"github.com/vkryukov/jobq/job"
)

const (
	defaultGroup  = "jobq"
	streamIDField = "id"
)

// Driver is a Redis Streams jobq.Driver. Ordering has no priority
// concept — XReadGroup delivers entries in the order they were added.
type Driver struct {
	client   *redis.Client
	consumer string

	stream  string
	delayed string
	jobs    string // hash: job id -> JSON job record
	entries string // hash: job id -> stream entry id holding its current lease
	group   string
}

// Options configures a Driver.
type Options struct {
	Client   *redis.Client
	Prefix   string // default "jobq"
	Group    string // consumer group name, default "jobq"
	Consumer string // consumer name within the group, default a random id
}

// NewDriver creates a Driver and ensures its consumer group exists.
func NewDriver(ctx context.Context, opts Options) (*Driver, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("%w: broker driver requires a redis client", jobq.ErrConfiguration)
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "jobq"
	}
	group := opts.Group
	if group == "" {
		group = defaultGroup
	}
	consumer := opts.Consumer
	if consumer == "" {
		consumer = uuid.New().String()
	}

	d := &Driver{
		client:   opts.Client,
		consumer: consumer,
		stream:   prefix + ":stream",
		delayed:  prefix + ":delayed",
		jobs:     prefix + ":jobs",
		entries:  prefix + ":entries",
		group:    group,
	}

	err := d.client.XGroupCreateMkStream(ctx, d.stream, d.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, backendErr(err)
	}
	return d, nil
}

func init() {
	jobq.RegisterDriver("broker", func(opts map[string]any) (jobq.Driver, error) {
		addr, _ := opts["addr"].(string)
		if addr == "" {
			return nil, jobq.ErrConfiguration
		}
		client := redis.NewClient(&redis.Options{Addr: addr})
		return NewDriver(context.Background(), Options{Client: client})
	})
}

func backendErr(err error) error {
	return fmt.Errorf("%w: %v", jobq.ErrBackend, err)
}

func (d *Driver) saveJob(ctx context.Context, j *job.Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return backendErr(err)
	}
	return d.client.HSet(ctx, d.jobs, j.ID.String(), data).Err()
}

// streamValues carries j's scheduling attributes alongside its
// base64'd codec payload as stream field/value pairs, the wire shape a
// consumer inspecting the raw stream (e.g. via redis-cli XRANGE) would
// see; d.jobs remains the authoritative, mutable record, since a
// stream entry's fields cannot be updated after XAdd.
func streamValues(j *job.Job) map[string]any {
	return map[string]any{
		streamIDField: j.ID.String(),
		"name":        j.Name,
		"payload":     base64.StdEncoding.EncodeToString(j.Payload),
		"ttr":         strconv.FormatInt(int64(j.TTR), 10),
		"priority":    strconv.FormatInt(int64(j.Priority), 10),
		"attempt":     strconv.FormatUint(uint64(j.Attempt), 10),
		"max_attempts": strconv.FormatUint(uint64(j.MaxAttempts), 10),
	}
}

func (d *Driver) loadJob(ctx context.Context, id uuid.UUID) (*job.Job, error) {
	data, err := d.client.HGet(ctx, d.jobs, id.String()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, backendErr(err)
	}
	var j job.Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, backendErr(err)
	}
	return &j, nil
}

// Push persists the job record and either enqueues it immediately (a
// new stream entry) or schedules it in the delayed sorted set.
func (d *Driver) Push(ctx context.Context, j *job.Job) error {
	if err := d.saveJob(ctx, j); err != nil {
		return err
	}
	if j.DelayUntil != nil && j.DelayUntil.After(time.Now()) {
		return d.client.ZAdd(ctx, d.delayed, redis.Z{
			Score:  float64(j.DelayUntil.UnixNano()),
			Member: j.ID.String(),
		}).Err()
	}
	return d.client.XAdd(ctx, &redis.XAddArgs{
		Stream: d.stream,
		Values: streamValues(j),
	}).Err()
}

// promoteDelayed moves every delayed job whose ready time has elapsed
// into the stream.
func (d *Driver) promoteDelayed(ctx context.Context, now time.Time) error {
	ids, err := d.client.ZRangeByScore(ctx, d.delayed, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.UnixNano()),
	}).Result()
	if err != nil || len(ids) == 0 {
		return err
	}
	for _, idStr := range ids {
		id, err := uuid.Parse(idStr)
		if err != nil {
			continue
		}
		j, err := d.loadJob(ctx, id)
		if err != nil {
			return err
		}
		if j == nil {
			d.client.ZRem(ctx, d.delayed, idStr)
			continue
		}
		pipe := d.client.Pipeline()
		pipe.XAdd(ctx, &redis.XAddArgs{Stream: d.stream, Values: streamValues(j)})
		pipe.ZRem(ctx, d.delayed, idStr)
		if _, err := pipe.Exec(ctx); err != nil {
			return backendErr(err)
		}
	}
	return nil
}

// Reserve promotes any now-eligible delayed jobs, then reads one fresh
// entry from the consumer group, blocking up to pollTimeout if nothing
// is immediately available.
func (d *Driver) Reserve(ctx context.Context, pollTimeout time.Duration) (*job.Job, error) {
	now := time.Now()
	if _, err := d.RecoverExpiredLeases(ctx, now); err != nil {
		return nil, err
	}
	if err := d.promoteDelayed(ctx, now); err != nil {
		return nil, backendErr(err)
	}

	// go-redis sends BLOCK 0 (wait forever) for a zero Block; -1 omits
	// BLOCK so a non-positive pollTimeout returns immediately.
	block := pollTimeout
	if block <= 0 {
		block = -1
	}
	res, err := d.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    d.group,
		Consumer: d.consumer,
		Streams:  []string{d.stream, ">"},
		Count:    1,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, backendErr(err)
	}
	if len(res) == 0 || len(res[0].Messages) == 0 {
		return nil, nil
	}

	msg := res[0].Messages[0]
	idStr, _ := msg.Values[streamIDField].(string)
	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, backendErr(err)
	}

	j, err := d.loadJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if j == nil {
		// Job record vanished (cleaned concurrently); ack so it never
		// resurfaces as a stuck pending entry.
		d.client.XAck(ctx, d.stream, d.group, msg.ID)
		return nil, nil
	}

	j.Status = job.Reserved
	j.ReservedAt = &now
	expires := now.Add(j.TTR)
	j.LeaseExpiresAt = &expires
	j.LeaseToken++
	if err := d.saveJob(ctx, j); err != nil {
		return nil, err
	}
	if err := d.client.HSet(ctx, d.entries, id.String(), msg.ID).Err(); err != nil {
		return nil, backendErr(err)
	}
	return j, nil
}

// acked removes the lease's stream entry from the pending list and its
// bookkeeping, after verifying the caller's lease token is current.
func (d *Driver) acked(ctx context.Context, j *job.Job) (*job.Job, string, error) {
	stored, err := d.loadJob(ctx, j.ID)
	if err != nil {
		return nil, "", err
	}
	if stored == nil || stored.Status != job.Reserved || stored.LeaseToken != j.LeaseToken {
		return nil, "", jobq.ErrLeaseLost
	}
	entryID, err := d.client.HGet(ctx, d.entries, j.ID.String()).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, "", backendErr(err)
	}
	return stored, entryID, nil
}

func (d *Driver) finishEntry(ctx context.Context, id uuid.UUID, entryID string) error {
	if entryID != "" {
		if err := d.client.XAck(ctx, d.stream, d.group, entryID).Err(); err != nil {
			return backendErr(err)
		}
	}
	return d.client.HDel(ctx, d.entries, id.String()).Err()
}

// Complete transitions a Reserved job to Done if its lease is current.
func (d *Driver) Complete(ctx context.Context, j *job.Job) error {
	stored, entryID, err := d.acked(ctx, j)
	if err != nil {
		return err
	}
	stored.Status = job.Done
	if err := d.saveJob(ctx, stored); err != nil {
		return err
	}
	return d.finishEntry(ctx, j.ID, entryID)
}

// Fail marks a Reserved job Done with FailureReason set, if its lease
// is current.
func (d *Driver) Fail(ctx context.Context, j *job.Job, cause error) error {
	stored, entryID, err := d.acked(ctx, j)
	if err != nil {
		return err
	}
	stored.Status = job.Done
	stored.FailureReason = cause.Error()
	if err := d.saveJob(ctx, stored); err != nil {
		return err
	}
	return d.finishEntry(ctx, j.ID, entryID)
}

// Retry releases a Reserved job back to Waiting with attempt bumped and
// a fresh DelayUntil, invalidating its lease and re-enqueuing it (via
// the stream directly, or the delayed set if backoff > 0).
func (d *Driver) Retry(ctx context.Context, j *job.Job, nextAttempt uint32, backoff time.Duration) error {
	stored, entryID, err := d.acked(ctx, j)
	if err != nil {
		return err
	}
	stored.Status = job.Waiting
	stored.Attempt = nextAttempt
	stored.ReservedAt = nil
	stored.LeaseExpiresAt = nil
	delayUntil := time.Now().Add(backoff)
	stored.DelayUntil = &delayUntil
	if err := d.saveJob(ctx, stored); err != nil {
		return err
	}
	if err := d.finishEntry(ctx, j.ID, entryID); err != nil {
		return err
	}
	if backoff <= 0 {
		return d.client.XAdd(ctx, &redis.XAddArgs{
			Stream: d.stream,
			Values: streamValues(stored),
		}).Err()
	}
	return d.client.ZAdd(ctx, d.delayed, redis.Z{
		Score:  float64(delayUntil.UnixNano()),
		Member: j.ID.String(),
	}).Err()
}

// RecoverExpiredLeases walks the consumer group's pending entry list
// and reclaims any entry idle longer than its own job's TTR, returning
// it to Waiting (or to Done with a synthetic failure if that exhausts
// MaxAttempts).
func (d *Driver) RecoverExpiredLeases(ctx context.Context, now time.Time) (int64, error) {
	pending, err := d.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: d.stream,
		Group:  d.group,
		Start:  "-",
		End:    "+",
		Count:  1000,
	}).Result()
	if err != nil {
		return 0, backendErr(err)
	}

	var recovered int64
	for _, p := range pending {
		msgs, err := d.client.XRange(ctx, d.stream, p.ID, p.ID).Result()
		if err != nil || len(msgs) == 0 {
			continue
		}
		idStr, _ := msgs[0].Values[streamIDField].(string)
		id, err := uuid.Parse(idStr)
		if err != nil {
			continue
		}

		j, err := d.loadJob(ctx, id)
		if err != nil || j == nil || j.Status != job.Reserved {
			continue
		}
		if p.Idle < j.TTR {
			continue
		}

		// Claim the entry for this consumer before acting on it, so a
		// concurrent RecoverExpiredLeases sweep on another instance
		// cannot also reclaim it; MinIdle of p.Idle matches the idle
		// time we already observed.
		if _, err := d.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   d.stream,
			Group:    d.group,
			Consumer: d.consumer,
			MinIdle:  p.Idle,
			Messages: []string{p.ID},
		}).Result(); err != nil {
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
		if err := d.saveJob(ctx, j); err != nil {
			return recovered, err
		}
		if err := d.finishEntry(ctx, id, p.ID); err != nil {
			return recovered, err
		}
		if j.Status == job.Waiting {
			if err := d.client.XAdd(ctx, &redis.XAddArgs{
				Stream: d.stream,
				Values: streamValues(j),
			}).Err(); err != nil {
				return recovered, backendErr(err)
			}
		}
		recovered++
	}
	return recovered, nil
}

// Get returns the job identified by id, or (nil, nil) if unknown.
func (d *Driver) Get(ctx context.Context, id uuid.UUID) (*job.Job, error) {
	return d.loadJob(ctx, id)
}

// Capabilities reports no priority support (streams have no priority
// channel) but delayed jobs and blocking reserve are both supported.
func (d *Driver) Capabilities() jobq.Capabilities {
	return jobq.Capabilities{
		SupportsPriority:        false,
		SupportsDelayedJobs:     true,
		SupportsBlockingReserve: true,
	}
}

// Close releases the underlying Redis client.
func (d *Driver) Close() error {
	return d.client.Close()
}

// Clean deletes Done job records and returns the count removed. Stream
// entries for terminal jobs are already acked and gone from the
// pending list by the time a job reaches Done, so only the job hash
// needs pruning. This driver records no completion time, so before is
// compared with each job's PushedAt.
func (d *Driver) Clean(ctx context.Context, status job.Status, before *time.Time) (int64, error) {
	if status != job.Unknown && status != job.Done {
		return 0, jobq.ErrBadStatus
	}
	all, err := d.client.HGetAll(ctx, d.jobs).Result()
	if err != nil {
		return 0, backendErr(err)
	}
	var removed int64
	for idStr, data := range all {
		var j job.Job
		if err := json.Unmarshal([]byte(data), &j); err != nil {
			continue
		}
		if j.Status != job.Done {
			continue
		}
		if before != nil && j.PushedAt.After(*before) {
			continue
		}
		if err := d.client.HDel(ctx, d.jobs, idStr).Err(); err != nil {
			return removed, backendErr(err)
		}
		removed++
	}
	return removed, nil
}

// List returns up to limit jobs matching status (job.Unknown means no
// filter).
func (d *Driver) List(ctx context.Context, status job.Status, limit int) ([]*job.Job, error) {
	all, err := d.client.HGetAll(ctx, d.jobs).Result()
	if err != nil {
		return nil, backendErr(err)
	}
	var ret []*job.Job
	for _, data := range all {
		var j job.Job
		if err := json.Unmarshal([]byte(data), &j); err != nil {
			continue
		}
		if status != job.Unknown && j.Status != status {
			continue
		}
		jCopy := j
		ret = append(ret, &jCopy)
		if limit > 0 && len(ret) >= limit {
			break
		}
	}
	return ret, nil
}
