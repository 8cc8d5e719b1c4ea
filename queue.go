package jobq

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vkryukov/jobq/codec"
	"github.com/vkryukov/jobq/job"
)

// Handler processes one reserved job. The context is canceled once the
// job's lease expires or Run's own context is canceled; handlers should
// be idempotent, since at-least-once delivery means a job may be
// dispatched more than once.
//
// A nil return completes the job. A non-nil return invokes the retry
// policy: the job is retried if attempts remain, otherwise failed.
type Handler func(ctx context.Context, j *job.Job) error

// Queue is the core of a jobq deployment: it validates and pushes new
// jobs, dispatches reserved jobs to name-registered handlers, and
// applies the retry policy on handler failure.
//
// A Queue holds no state beyond its handler map, codec, backoff policy
// and observer list; all job state lives in the Driver. Register every
// handler before calling Run; mutating the handler map after Run has
// started is undefined.
type Queue struct {
	driver  Driver
	codec   codec.Codec
	backoff BackoffPolicy
	log     *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler

	obsMu     sync.RWMutex
	observers []EventObserver

	metrics *queueMetrics
}

// New creates a Queue backed by driver. Options configure the codec,
// backoff policy and logger; the zero values (codec.JSON{}, ZeroBackoff,
// slog.Default()) are used when omitted. Metrics are registered against
// whatever otel.GetMeterProvider() returns at construction time; install
// a real MeterProvider via otel.SetMeterProvider before calling New if
// metrics should be exported anywhere.
func New(driver Driver, opts ...QueueOption) *Queue {
	q := &Queue{
		driver:   driver,
		codec:    codec.JSON{},
		backoff:  ZeroBackoff,
		log:      slog.Default(),
		handlers: make(map[string]Handler),
		metrics:  newQueueMetrics(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// QueueOption configures a Queue at construction time.
type QueueOption func(*Queue)

// WithCodec overrides the default JSON codec.
func WithCodec(c codec.Codec) QueueOption {
	return func(q *Queue) { q.codec = c }
}

// WithBackoff overrides the default zero-delay retry backoff.
func WithBackoff(b BackoffPolicy) QueueOption {
	return func(q *Queue) { q.backoff = b }
}

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) QueueOption {
	return func(q *Queue) { q.log = l }
}

// Use registers an EventObserver. Observers are notified synchronously,
// in registration order, on the goroutine performing the operation.
func (q *Queue) Use(o EventObserver) {
	q.obsMu.Lock()
	defer q.obsMu.Unlock()
	q.observers = append(q.observers, o)
}

// SetHandler registers fn as the handler for jobs pushed under name,
// replacing any existing registration.
func (q *Queue) SetHandler(name string, fn Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[name] = fn
}

// SetHandlers registers every entry of m as if by repeated SetHandler.
func (q *Queue) SetHandlers(m map[string]Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for name, fn := range m {
		q.handlers[name] = fn
	}
}

func (q *Queue) handler(name string) (Handler, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	fn, ok := q.handlers[name]
	return fn, ok
}

// AddJob encodes payload with the Queue's codec, validates opts and
// pushes a new Waiting record, returning its id.
//
// Validation: ttr must be positive, delay must be non-negative and
// maxAttempts must be at least 1; a violation returns ErrValidation and
// no record is created.
func (q *Queue) AddJob(ctx context.Context, name string, payload any, opts ...Option) (uuid.UUID, error) {
	o := newAddOptions(opts...)
	if o.ttr <= 0 {
		return uuid.Nil, validationErrorf("ttr must be positive, got %s", o.ttr)
	}
	if o.delay < 0 {
		return uuid.Nil, validationErrorf("delay must be non-negative, got %s", o.delay)
	}
	if o.maxAttempts < 1 {
		return uuid.Nil, validationErrorf("maxAttempts must be at least 1, got %d", o.maxAttempts)
	}

	encoded, err := q.codec.Encode(payload)
	if err != nil {
		return uuid.Nil, validationErrorf("encode payload: %v", err)
	}

	q.fireBeforePush(BeforePushEvent{Name: name, Payload: encoded})

	j := &job.Job{
		ID:          uuid.New(),
		Name:        name,
		Payload:     encoded,
		Priority:    o.priority,
		TTR:         o.ttr,
		MaxAttempts: o.maxAttempts,
		PushedAt:    time.Now(),
		Status:      job.Waiting,
	}
	if o.delay > 0 {
		delayUntil := j.PushedAt.Add(o.delay)
		j.DelayUntil = &delayUntil
	}

	if err := q.driver.Push(ctx, j); err != nil {
		return uuid.Nil, err
	}
	q.metrics.recordPush(ctx, j.Name)
	q.fireAfterPush(AfterPushEvent{ID: j.ID, Name: j.Name})
	return j.ID, nil
}

// Status returns the current status of the job identified by id, or
// ErrJobNotFound if no record exists.
func (q *Queue) Status(ctx context.Context, id uuid.UUID) (job.Status, error) {
	j, err := q.driver.Get(ctx, id)
	if err != nil {
		return job.Unknown, err
	}
	if j == nil {
		return job.Unknown, ErrJobNotFound
	}
	return j.Status, nil
}

// Run executes the main dispatch loop. In each iteration it reserves
// the next eligible job, dispatches it to the registered handler, and
// applies the retry policy on error.
//
// If repeat is false, Run makes a single reserve attempt, dispatches the
// job it got (if any), and returns. If repeat is true, Run sleeps pollTimeout
// between empty polls on drivers without a blocking reserve, and loops
// until ctx is canceled.
func (q *Queue) Run(ctx context.Context, repeat bool, pollTimeout time.Duration) error {
	caps := q.driver.Capabilities()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		j, err := q.driver.Reserve(ctx, pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			q.log.Error("reserve failed", "err", err)
			if !repeat {
				return err
			}
			continue
		}

		if j == nil {
			if !repeat {
				return nil
			}
			if !caps.SupportsBlockingReserve {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(pollTimeout):
				}
			}
			continue
		}

		q.dispatch(ctx, j)

		if !repeat {
			return nil
		}
	}
}

func (q *Queue) dispatch(ctx context.Context, j *job.Job) {
	q.fireBeforeExec(BeforeExecEvent{ID: j.ID, Name: j.Name, Payload: j.Payload})

	fn, ok := q.handler(j.Name)
	var err error
	if !ok {
		err = ErrUnhandledJobType
	} else {
		handlerCtx := ctx
		var cancel context.CancelFunc
		if j.LeaseExpiresAt != nil {
			handlerCtx, cancel = context.WithDeadline(ctx, *j.LeaseExpiresAt)
			defer cancel()
		}
		err = fn(handlerCtx, j)
	}

	if err == nil {
		q.fireAfterExec(AfterExecEvent{ID: j.ID, Name: j.Name})
		if cErr := q.driver.Complete(ctx, j); cErr != nil && !errors.Is(cErr, ErrLeaseLost) {
			q.log.Error("complete failed", "id", j.ID, "err", cErr)
		}
		q.metrics.recordResolution(ctx, j, "completed")
		return
	}

	q.applyRetryPolicy(ctx, j, err)
}

// applyRetryPolicy implements the retry rule: an UnhandledJobType is
// terminal regardless of remaining attempts; otherwise the job is
// retried if CanRetry(nextAttempt), else failed.
func (q *Queue) applyRetryPolicy(ctx context.Context, j *job.Job, cause error) {
	final := errors.Is(cause, ErrUnhandledJobType)
	nextAttempt := j.Attempt + 1

	if !final && j.CanRetry(nextAttempt) {
		q.fireAfterError(AfterErrorEvent{ID: j.ID, Name: j.Name, Err: cause, Final: false})
		delay := q.backoff(nextAttempt)
		if err := q.driver.Retry(ctx, j, nextAttempt, delay); err != nil && !errors.Is(err, ErrLeaseLost) {
			q.log.Error("retry failed", "id", j.ID, "err", err)
		}
		q.metrics.recordResolution(ctx, j, "retried")
		return
	}

	q.fireAfterError(AfterErrorEvent{ID: j.ID, Name: j.Name, Err: cause, Final: true})
	if err := q.driver.Fail(ctx, j, cause); err != nil && !errors.Is(err, ErrLeaseLost) {
		q.log.Error("fail failed", "id", j.ID, "err", err)
	}
	q.metrics.recordResolution(ctx, j, "failed")
}

func (q *Queue) fireBeforePush(e BeforePushEvent) {
	for _, o := range q.snapshotObservers() {
		o.BeforePush(e)
	}
}

func (q *Queue) fireAfterPush(e AfterPushEvent) {
	for _, o := range q.snapshotObservers() {
		o.AfterPush(e)
	}
}

func (q *Queue) fireBeforeExec(e BeforeExecEvent) {
	for _, o := range q.snapshotObservers() {
		o.BeforeExec(e)
	}
}

func (q *Queue) fireAfterExec(e AfterExecEvent) {
	for _, o := range q.snapshotObservers() {
		o.AfterExec(e)
	}
}

func (q *Queue) fireAfterError(e AfterErrorEvent) {
	for _, o := range q.snapshotObservers() {
		o.AfterError(e)
	}
}

func (q *Queue) snapshotObservers() []EventObserver {
	q.obsMu.RLock()
	defer q.obsMu.RUnlock()
	return append([]EventObserver(nil), q.observers...)
}
