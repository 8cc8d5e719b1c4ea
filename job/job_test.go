package job

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestIsAvailable(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	cases := []struct {
		name string
		j    *Job
		want bool
	}{
		{"no delay", &Job{}, true},
		{"delay elapsed", &Job{DelayUntil: &past}, true},
		{"delay exactly now", &Job{DelayUntil: &now}, true},
		{"delay in future", &Job{DelayUntil: &future}, false},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := c.j.IsAvailable(now); got != c.want {
				t.Errorf("IsAvailable() = %v, want %v", got, c.want)
			}
		})
	}
}

func TestLeaseExpired(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	cases := []struct {
		name string
		j    *Job
		want bool
	}{
		{"not reserved", &Job{Status: Waiting, LeaseExpiresAt: &past}, false},
		{"reserved, no lease", &Job{Status: Reserved}, false},
		{"reserved, lease expired", &Job{Status: Reserved, LeaseExpiresAt: &past}, true},
		{"reserved, lease live", &Job{Status: Reserved, LeaseExpiresAt: &future}, false},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := c.j.LeaseExpired(now); got != c.want {
				t.Errorf("LeaseExpired() = %v, want %v", got, c.want)
			}
		})
	}
}

func TestCanRetry(t *testing.T) {
	j := &Job{MaxAttempts: 3}
	if !j.CanRetry(1) {
		t.Error("expected attempt 1 of 3 to be retryable")
	}
	if !j.CanRetry(2) {
		t.Error("expected attempt 2 of 3 to be retryable")
	}
	if j.CanRetry(3) {
		t.Error("expected attempt 3 of 3 to be terminal")
	}
	if j.CanRetry(4) {
		t.Error("expected attempt beyond MaxAttempts to be terminal")
	}
}

func TestJobFieldsRoundTrip(t *testing.T) {
	id := uuid.New()
	j := &Job{
		ID:          id,
		Name:        "send-email",
		Payload:     []byte(`{"to":"a@example.com"}`),
		Priority:    5,
		TTR:         30 * time.Second,
		Attempt:     1,
		MaxAttempts: 3,
		PushedAt:    time.Now(),
		Status:      Waiting,
	}
	if j.ID != id {
		t.Errorf("ID = %v, want %v", j.ID, id)
	}
	if j.Status != Waiting {
		t.Errorf("Status = %v, want Waiting", j.Status)
	}
}
