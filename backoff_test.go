package jobq

import (
	"testing"
	"time"
)

func TestZeroBackoff(t *testing.T) {
	for attempt := uint32(0); attempt < 5; attempt++ {
		if got := ZeroBackoff(attempt); got != 0 {
			t.Errorf("ZeroBackoff(%d) = %v, want 0", attempt, got)
		}
	}
}

func TestExponentialBackoffGrowth(t *testing.T) {
	bc := ExponentialBackoff{
		InitialInterval: time.Second,
		MaxInterval:     time.Minute,
		Multiplier:      2,
	}
	policy := bc.Policy()

	if got := policy(0); got != 0 {
		t.Errorf("policy(0) = %v, want 0", got)
	}

	prev := time.Duration(0)
	for attempt := uint32(1); attempt <= 4; attempt++ {
		got := policy(attempt)
		if got <= prev {
			t.Errorf("policy(%d) = %v, want > %v", attempt, got, prev)
		}
		prev = got
	}
}

func TestExponentialBackoffCapsAtMaxInterval(t *testing.T) {
	bc := ExponentialBackoff{
		InitialInterval: time.Second,
		MaxInterval:     5 * time.Second,
		Multiplier:      10,
	}
	policy := bc.Policy()

	if got := policy(10); got != 5*time.Second {
		t.Errorf("policy(10) = %v, want capped at %v", got, 5*time.Second)
	}
}

func TestExponentialBackoffJitterStaysInRange(t *testing.T) {
	bc := ExponentialBackoff{
		InitialInterval:     time.Second,
		MaxInterval:         time.Minute,
		Multiplier:          1,
		RandomizationFactor: 0.5,
	}
	policy := bc.Policy()

	for i := 0; i < 20; i++ {
		got := policy(1)
		if got < 500*time.Millisecond || got > 1500*time.Millisecond {
			t.Errorf("policy(1) = %v, want within [500ms, 1500ms]", got)
		}
	}
}
