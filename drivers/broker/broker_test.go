package broker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/vkryukov/jobq"
	"github.com/vkryukov/jobq/job"
)

func newTestDriver(t *testing.T) *Driver {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	d, err := NewDriver(context.Background(), Options{Client: client, Prefix: "test"})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func newTestJob(ttr time.Duration, maxAttempts uint32) *job.Job {
	return &job.Job{
		ID:          uuid.New(),
		Name:        "test",
		Payload:     []byte("payload"),
		TTR:         ttr,
		MaxAttempts: maxAttempts,
		PushedAt:    time.Now(),
		Status:      job.Waiting,
	}
}

func TestPushAndReserve(t *testing.T) {
	d := newTestDriver(t)
	ctx := context.Background()

	j := newTestJob(time.Second, 1)
	if err := d.Push(ctx, j); err != nil {
		t.Fatal(err)
	}

	reserved, err := d.Reserve(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if reserved == nil || reserved.ID != j.ID {
		t.Fatalf("expected to reserve %v, got %v", j.ID, reserved)
	}
	if reserved.Status != job.Reserved {
		t.Fatalf("expected Reserved, got %v", reserved.Status)
	}

	if again, err := d.Reserve(ctx, 0); err != nil || again != nil {
		t.Fatalf("expected no further job, got %v, %v", again, err)
	}
}

func TestCompleteAcksEntry(t *testing.T) {
	d := newTestDriver(t)
	ctx := context.Background()

	j := newTestJob(time.Second, 1)
	if err := d.Push(ctx, j); err != nil {
		t.Fatal(err)
	}
	reserved, err := d.Reserve(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Complete(ctx, reserved); err != nil {
		t.Fatal(err)
	}

	got, err := d.Get(ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != job.Done {
		t.Fatalf("expected Done, got %v", got.Status)
	}

	recovered, err := d.RecoverExpiredLeases(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if recovered != 0 {
		t.Fatalf("expected no pending entries after Complete, got %d", recovered)
	}
}

func TestDelayedJobNotEligibleUntilElapsed(t *testing.T) {
	d := newTestDriver(t)
	ctx := context.Background()

	j := newTestJob(time.Second, 1)
	delayUntil := time.Now().Add(50 * time.Millisecond)
	j.DelayUntil = &delayUntil
	if err := d.Push(ctx, j); err != nil {
		t.Fatal(err)
	}

	if reserved, err := d.Reserve(ctx, 0); err != nil || reserved != nil {
		t.Fatalf("expected no eligible job yet, got %v, %v", reserved, err)
	}

	time.Sleep(60 * time.Millisecond)

	reserved, err := d.Reserve(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if reserved == nil || reserved.ID != j.ID {
		t.Fatalf("expected job to become eligible, got %v", reserved)
	}
}

func TestRetryRequeuesAfterBackoff(t *testing.T) {
	d := newTestDriver(t)
	ctx := context.Background()

	j := newTestJob(time.Second, 3)
	if err := d.Push(ctx, j); err != nil {
		t.Fatal(err)
	}
	reserved, err := d.Reserve(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}

	if err := d.Retry(ctx, reserved, 1, 50*time.Millisecond); err != nil {
		t.Fatal(err)
	}

	if again, err := d.Reserve(ctx, 0); err != nil {
		t.Fatal(err)
	} else if again != nil {
		t.Fatal("expected job to still be delayed")
	}

	time.Sleep(60 * time.Millisecond)

	again, err := d.Reserve(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if again == nil {
		t.Fatal("expected job to be reservable again after delay elapsed")
	}
	if again.Attempt != 1 {
		t.Fatalf("expected attempt 1, got %d", again.Attempt)
	}
}

// TestReserveRecoversExpiredLeaseWithoutExplicitSweep exercises the
// literal crashed-worker scenario: a job is reserved, its lease elapses,
// and a later plain Reserve call (no manual RecoverExpiredLeases) picks
// it back up under a fresh lease token.
func TestReserveRecoversExpiredLeaseWithoutExplicitSweep(t *testing.T) {
	d := newTestDriver(t)
	ctx := context.Background()

	j := newTestJob(10*time.Millisecond, 2)
	if err := d.Push(ctx, j); err != nil {
		t.Fatal(err)
	}

	stale, err := d.Reserve(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if stale == nil {
		t.Fatal("expected to reserve the pushed job")
	}

	time.Sleep(30 * time.Millisecond)

	again, err := d.Reserve(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if again == nil || again.ID != j.ID {
		t.Fatalf("expected Reserve to recover the expired lease and re-reserve %v, got %v", j.ID, again)
	}
	if again.Attempt != 1 {
		t.Fatalf("expected Attempt incremented to 1, got %d", again.Attempt)
	}
	if again.LeaseToken == stale.LeaseToken {
		t.Fatalf("expected a fresh lease token, still got %d", again.LeaseToken)
	}
}

func TestRecoverExpiredLeasesReclaimsIdleEntry(t *testing.T) {
	d := newTestDriver(t)
	ctx := context.Background()

	j := newTestJob(10*time.Millisecond, 2)
	if err := d.Push(ctx, j); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Reserve(ctx, 0); err != nil {
		t.Fatal(err)
	}

	time.Sleep(30 * time.Millisecond)

	recovered, err := d.RecoverExpiredLeases(ctx, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if recovered != 1 {
		t.Fatalf("expected 1 recovered lease, got %d", recovered)
	}

	again, err := d.Reserve(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if again == nil {
		t.Fatal("expected the job to be reservable again")
	}
	if again.Attempt != 1 {
		t.Fatalf("expected attempt 1, got %d", again.Attempt)
	}
}

func TestRecoverExpiredLeasesExhaustsAttempts(t *testing.T) {
	d := newTestDriver(t)
	ctx := context.Background()

	j := newTestJob(10*time.Millisecond, 1)
	if err := d.Push(ctx, j); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Reserve(ctx, 0); err != nil {
		t.Fatal(err)
	}

	time.Sleep(30 * time.Millisecond)
	if _, err := d.RecoverExpiredLeases(ctx, time.Now()); err != nil {
		t.Fatal(err)
	}

	got, err := d.Get(ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != job.Done || got.FailureReason == "" {
		t.Fatalf("expected job to be terminally failed, got %+v", got)
	}
}

func TestCompleteAfterLeaseLostIsError(t *testing.T) {
	d := newTestDriver(t)
	ctx := context.Background()

	j := newTestJob(10*time.Millisecond, 2)
	if err := d.Push(ctx, j); err != nil {
		t.Fatal(err)
	}

	stale, err := d.Reserve(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}

	time.Sleep(30 * time.Millisecond)
	if _, err := d.RecoverExpiredLeases(ctx, time.Now()); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Reserve(ctx, 0); err != nil {
		t.Fatal(err)
	}

	if err := d.Complete(ctx, stale); err != jobq.ErrLeaseLost {
		t.Fatalf("expected ErrLeaseLost, got %v", err)
	}
}

func TestClean(t *testing.T) {
	d := newTestDriver(t)
	ctx := context.Background()

	j := newTestJob(time.Second, 1)
	if err := d.Push(ctx, j); err != nil {
		t.Fatal(err)
	}
	reserved, err := d.Reserve(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Complete(ctx, reserved); err != nil {
		t.Fatal(err)
	}

	count, err := d.Clean(ctx, job.Done, nil)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("expected 1 cleaned, got %d", count)
	}

	got, err := d.Get(ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatal("expected job record to be gone")
	}
}
