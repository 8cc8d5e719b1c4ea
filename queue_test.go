package jobq

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vkryukov/jobq/drivers/memory"
	"github.com/vkryukov/jobq/job"
)

type email struct {
	To string `json:"to"`
}

func TestAddJobRejectsInvalidOptions(t *testing.T) {
	q := New(memory.NewDriver(0))
	ctx := context.Background()

	if _, err := q.AddJob(ctx, "x", email{}, WithTTR(0)); !errors.Is(err, ErrValidation) {
		t.Errorf("zero TTR: err = %v, want ErrValidation", err)
	}
	if _, err := q.AddJob(ctx, "x", email{}, WithDelay(-time.Second)); !errors.Is(err, ErrValidation) {
		t.Errorf("negative delay: err = %v, want ErrValidation", err)
	}
	if _, err := q.AddJob(ctx, "x", email{}, WithMaxAttempts(0)); !errors.Is(err, ErrValidation) {
		t.Errorf("zero maxAttempts: err = %v, want ErrValidation", err)
	}
}

func TestRunDispatchesToRegisteredHandler(t *testing.T) {
	q := New(memory.NewDriver(0))
	ctx := context.Background()

	var got email
	var called int32
	q.SetHandler("welcome", func(_ context.Context, j *job.Job) error {
		atomic.AddInt32(&called, 1)
		return q.codec.Decode(j.Payload, &got)
	})

	id, err := q.AddJob(ctx, "welcome", email{To: "a@example.com"}, WithMaxAttempts(1))
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}

	if err := q.Run(ctx, false, time.Millisecond); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if atomic.LoadInt32(&called) != 1 {
		t.Fatalf("handler called %d times, want 1", called)
	}
	if got.To != "a@example.com" {
		t.Errorf("decoded payload = %+v", got)
	}

	status, err := q.Status(ctx, id)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status != job.Done {
		t.Errorf("status = %v, want Done", status)
	}
}

func TestUnhandledJobTypeIsTerminal(t *testing.T) {
	q := New(memory.NewDriver(0))
	ctx := context.Background()

	id, err := q.AddJob(ctx, "no-handler", email{}, WithMaxAttempts(5))
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}

	if err := q.Run(ctx, false, time.Millisecond); err != nil {
		t.Fatalf("Run: %v", err)
	}

	status, err := q.Status(ctx, id)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status != job.Done {
		t.Errorf("status = %v, want Done (terminal despite attempts remaining)", status)
	}
}

func TestRunRetriesOnHandlerError(t *testing.T) {
	q := New(memory.NewDriver(0), WithBackoff(ZeroBackoff))
	ctx := context.Background()

	var attempts int32
	q.SetHandler("flaky", func(_ context.Context, j *job.Job) error {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			return errors.New("boom")
		}
		return nil
	})

	id, err := q.AddJob(ctx, "flaky", email{}, WithMaxAttempts(3))
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := q.Run(ctx, false, time.Millisecond); err != nil {
			t.Fatalf("Run iteration %d: %v", i, err)
		}
	}

	if atomic.LoadInt32(&attempts) != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}

	status, err := q.Status(ctx, id)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status != job.Done {
		t.Errorf("status = %v, want Done after exhausting handler errors successfully", status)
	}
}

func TestRunFailsAfterMaxAttemptsExhausted(t *testing.T) {
	q := New(memory.NewDriver(0))
	ctx := context.Background()

	q.SetHandler("always-fails", func(context.Context, *job.Job) error {
		return errors.New("permanent")
	})

	id, err := q.AddJob(ctx, "always-fails", email{}, WithMaxAttempts(2))
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := q.Run(ctx, false, time.Millisecond); err != nil {
			t.Fatalf("Run iteration %d: %v", i, err)
		}
	}

	status, err := q.Status(ctx, id)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status != job.Done {
		t.Errorf("status = %v, want Done once attempts are exhausted", status)
	}
}

func TestObserversFireInOrder(t *testing.T) {
	q := New(memory.NewDriver(0))
	ctx := context.Background()

	var mu sync.Mutex
	var events []string
	q.Use(loggingObserver{func(s string) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, s)
	}})

	q.SetHandler("noop", func(context.Context, *job.Job) error { return nil })

	if _, err := q.AddJob(ctx, "noop", email{}, WithMaxAttempts(1)); err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if err := q.Run(ctx, false, time.Millisecond); err != nil {
		t.Fatalf("Run: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"before-push", "after-push", "before-exec", "after-exec"}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("events[%d] = %q, want %q", i, events[i], want[i])
		}
	}
}

// loggingObserver implements EventObserver by calling record with a
// short tag for every lifecycle hook, used to assert firing order.
type loggingObserver struct {
	record func(string)
}

func (o loggingObserver) BeforePush(BeforePushEvent) { o.record("before-push") }
func (o loggingObserver) AfterPush(AfterPushEvent)   { o.record("after-push") }
func (o loggingObserver) BeforeExec(BeforeExecEvent) { o.record("before-exec") }
func (o loggingObserver) AfterExec(AfterExecEvent)   { o.record("after-exec") }
func (o loggingObserver) AfterError(AfterErrorEvent) { o.record("after-error") }
