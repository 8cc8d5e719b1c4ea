package sql

import (
	"context"
	stdsql "database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/vkryukov/jobq"
	"github.com/vkryukov/jobq/job"
)

// Driver implements jobq.Driver, jobq.Cleaner and jobq.Lister over a
// relational database via github.com/uptrace/bun.
//
// Reserve is made atomic with a single UPDATE ... WHERE id IN (subquery)
// ... RETURNING statement, selecting the row to update and transitioning
// it in the same statement so no other Reserve can pick it up in
// between. Correct behavior under high concurrency depends on proper
// indexing (see InitDB) and the database's isolation guarantees;
// SQLite users should enable WAL mode and a busy_timeout.
//
// This backend does not use lease tokens as its sole concurrency guard
// the way the rest of the Driver contract assumes elsewhere is
// sufficient on its own: every transition is additionally gated on
// status and, for Complete/Fail/Retry, on lease_token, so a
// stale caller's write affects zero rows and is reported as
// jobq.ErrLeaseLost.
type Driver struct {
	db        *bun.DB
	queueName string
}

// Options configures a SQL Driver. QueueName scopes rows to a single
// logical queue within a shared jobs table; it defaults to "default".
type Options struct {
	DB        *bun.DB
	QueueName string
}

// New creates a SQL-backed Driver. The caller must have already run
// InitDB against db.
func New(opts Options) *Driver {
	name := opts.QueueName
	if name == "" {
		name = "default"
	}
	return &Driver{db: opts.DB, queueName: name}
}

func init() {
	jobq.RegisterDriver("sql", func(opts map[string]any) (jobq.Driver, error) {
		db, _ := opts["db"].(*bun.DB)
		if db == nil {
			return nil, errors.New("sql driver requires a \"db\" option of type *bun.DB")
		}
		name, _ := opts["queueName"].(string)
		return New(Options{DB: db, QueueName: name}), nil
	})
}

// Push inserts a new Waiting record.
func (d *Driver) Push(ctx context.Context, j *job.Job) error {
	model := fromJob(d.queueName, j)
	_, err := d.db.NewInsert().Model(model).Exec(ctx)
	return err
}

// Reserve selects the next eligible job (priority DESC, push_time ASC,
// among rows whose delay_time has passed or is unset) and leases it.
// The selection and the Waiting->Reserved transition happen in one
// UPDATE ... WHERE id IN (subquery) ... RETURNING statement so no other
// Reserve can pick up the same row in between; expire_time, which
// depends on the row's own TTR, is then set in a second statement
// gated on the lease_token the first statement just assigned, so a
// concurrent Reserve of a different row can never interfere with it.
//
// It first sweeps expired leases so a crashed worker's job becomes
// reservable again within the same call.
func (d *Driver) Reserve(ctx context.Context, pollTimeout time.Duration) (*job.Job, error) {
	if _, err := d.RecoverExpiredLeases(ctx, time.Now()); err != nil {
		return nil, err
	}

	now := time.Now()
	sub := d.db.NewSelect().
		Model((*jobModel)(nil)).
		Column("id").
		Where("queue_name = ?", d.queueName).
		Where("status = ?", job.Waiting).
		WhereGroup("AND", func(sq *bun.SelectQuery) *bun.SelectQuery {
			return sq.WhereOr("delay_time IS NULL").WhereOr("delay_time <= ?", now)
		}).
		Order("priority DESC", "push_time ASC", "id ASC").
		Limit(1)

	var rows []jobModel
	err := d.db.NewUpdate().
		Model((*jobModel)(nil)).
		Set("status = ?", job.Reserved).
		Set("reserve_time = ?", now).
		Set("lease_token = lease_token + 1").
		Where("id IN (?)", sub).
		Returning("*").
		Scan(ctx, &rows)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	reserved := &rows[0]
	expireAt := now.Add(time.Duration(reserved.TTR))
	_, err = d.db.NewUpdate().
		Model((*jobModel)(nil)).
		Set("expire_time = ?", expireAt).
		Where("id = ?", reserved.ID).
		Where("lease_token = ?", reserved.LeaseToken).
		Exec(ctx)
	if err != nil {
		return nil, err
	}
	reserved.ExpireTime = &expireAt
	return reserved.toJob(), nil
}

// Complete transitions a Reserved job to Done, gated on lease_token.
func (d *Driver) Complete(ctx context.Context, j *job.Job) error {
	now := time.Now()
	res, err := d.db.NewUpdate().
		Model((*jobModel)(nil)).
		Set("status = ?", job.Done).
		Set("done_time = ?", now).
		Where("id = ?", j.ID).
		Where("status = ?", job.Reserved).
		Where("lease_token = ?", j.LeaseToken).
		Exec(ctx)
	if err != nil {
		return jobq.ErrBackend
	}
	if !isAffected(res) {
		return jobq.ErrLeaseLost
	}
	return nil
}

// Fail transitions a Reserved job to Done with FailureReason set,
// gated on lease_token like Complete.
func (d *Driver) Fail(ctx context.Context, j *job.Job, cause error) error {
	now := time.Now()
	res, err := d.db.NewUpdate().
		Model((*jobModel)(nil)).
		Set("status = ?", job.Done).
		Set("done_time = ?", now).
		Set("error_message = ?", cause.Error()).
		Where("id = ?", j.ID).
		Where("status = ?", job.Reserved).
		Where("lease_token = ?", j.LeaseToken).
		Exec(ctx)
	if err != nil {
		return jobq.ErrBackend
	}
	if !isAffected(res) {
		return jobq.ErrLeaseLost
	}
	return nil
}

// Retry releases a Reserved job back to Waiting with attempt bumped and
// DelayUntil set to now+backoff, gated on lease_token.
func (d *Driver) Retry(ctx context.Context, j *job.Job, nextAttempt uint32, backoff time.Duration) error {
	now := time.Now()
	delayTime := now.Add(backoff)
	res, err := d.db.NewUpdate().
		Model((*jobModel)(nil)).
		Set("status = ?", job.Waiting).
		Set("attempt = ?", nextAttempt).
		Set("delay_time = ?", delayTime).
		Set("reserve_time = NULL").
		Set("expire_time = NULL").
		Where("id = ?", j.ID).
		Where("status = ?", job.Reserved).
		Where("lease_token = ?", j.LeaseToken).
		Exec(ctx)
	if err != nil {
		return jobq.ErrBackend
	}
	if !isAffected(res) {
		return jobq.ErrLeaseLost
	}
	return nil
}

// RecoverExpiredLeases returns every Reserved row whose expire_time has
// elapsed to Waiting with attempt incremented, or to Done with a
// synthetic failure if that exhausts max_attempts.
func (d *Driver) RecoverExpiredLeases(ctx context.Context, now time.Time) (int64, error) {
	var expired []jobModel
	err := d.db.NewSelect().
		Model(&expired).
		Where("queue_name = ?", d.queueName).
		Where("status = ?", job.Reserved).
		Where("expire_time IS NOT NULL AND expire_time <= ?", now).
		Scan(ctx)
	if err != nil {
		return 0, err
	}

	var recovered int64
	for _, m := range expired {
		nextAttempt := m.Attempt + 1
		var res stdsql.Result
		if nextAttempt >= m.MaxAttempts {
			res, err = d.db.NewUpdate().
				Model((*jobModel)(nil)).
				Set("status = ?", job.Done).
				Set("attempt = ?", nextAttempt).
				Set("done_time = ?", now).
				Set("error_message = ?", "lease lost").
				Where("id = ?", m.ID).
				Where("status = ?", job.Reserved).
				Where("lease_token = ?", m.LeaseToken).
				Exec(ctx)
		} else {
			res, err = d.db.NewUpdate().
				Model((*jobModel)(nil)).
				Set("status = ?", job.Waiting).
				Set("attempt = ?", nextAttempt).
				Set("reserve_time = NULL").
				Set("expire_time = NULL").
				Where("id = ?", m.ID).
				Where("status = ?", job.Reserved).
				Where("lease_token = ?", m.LeaseToken).
				Exec(ctx)
		}
		if err != nil {
			return recovered, err
		}
		if isAffected(res) {
			recovered++
		}
	}
	return recovered, nil
}

// Get returns the job identified by id, or (nil, nil) if unknown.
func (d *Driver) Get(ctx context.Context, id uuid.UUID) (*job.Job, error) {
	var m jobModel
	err := d.db.NewSelect().Model(&m).Where("id = ?", id).Scan(ctx)
	if err != nil {
		if errors.Is(err, stdsql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return m.toJob(), nil
}

// Capabilities reports full support: priority, delayed jobs, and a
// non-blocking reserve.
func (d *Driver) Capabilities() jobq.Capabilities {
	return jobq.Capabilities{
		SupportsPriority:    true,
		SupportsDelayedJobs: true,
	}
}

// Close is a no-op; the caller owns the *bun.DB's lifecycle.
func (d *Driver) Close() error {
	return nil
}

// Clean deletes Done jobs, optionally restricted by before, and returns
// the count removed. Only job.Unknown (any terminal job) or job.Done
// are valid; anything else is jobq.ErrBadStatus.
func (d *Driver) Clean(ctx context.Context, status job.Status, before *time.Time) (int64, error) {
	if status != job.Unknown && status != job.Done {
		return 0, jobq.ErrBadStatus
	}
	query := d.db.NewDelete().Model((*jobModel)(nil)).Where("queue_name = ?", d.queueName)
	query = query.Where("status = ?", job.Done)
	if before != nil {
		query = query.Where("done_time <= ?", before)
	}
	res, err := query.Exec(ctx)
	if err != nil {
		return 0, err
	}
	return getAffected(res), nil
}

// List returns up to limit jobs matching status (job.Unknown means no
// filter).
func (d *Driver) List(ctx context.Context, status job.Status, limit int) ([]*job.Job, error) {
	var rows []jobModel
	query := d.db.NewSelect().Model(&rows).Where("queue_name = ?", d.queueName)
	if status != job.Unknown {
		query = query.Where("status = ?", status)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Scan(ctx); err != nil {
		return nil, err
	}
	ret := make([]*job.Job, len(rows))
	for i := range rows {
		ret[i] = rows[i].toJob()
	}
	return ret, nil
}
