package jobq

import (
	"math"
	"math/rand/v2"
	"time"
)

// BackoffPolicy computes the delay before a retried job becomes eligible
// again, given the attempt number it is about to be retried as. Whether
// a retry happens at all is governed by the job's MaxAttempts, not by
// this policy; a BackoffPolicy only ever contributes a delay.
type BackoffPolicy func(attempt uint32) time.Duration

// ZeroBackoff is the default retry policy: retried jobs become eligible
// again immediately, deterministically.
func ZeroBackoff(uint32) time.Duration { return 0 }

// ExponentialBackoff configures an exponentially growing delay with
// optional jitter; its Policy method returns the BackoffPolicy. Use it
// when a zero backoff would hammer a failing downstream too hard.
type ExponentialBackoff struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

// Policy returns the BackoffPolicy function for this configuration.
func (bc ExponentialBackoff) Policy() BackoffPolicy {
	return func(attempt uint32) time.Duration {
		if attempt == 0 {
			return 0
		}
		exp := float64(bc.InitialInterval) * math.Pow(bc.Multiplier, float64(attempt-1))
		if bc.MaxInterval > 0 && exp > float64(bc.MaxInterval) {
			exp = float64(bc.MaxInterval)
		}
		if bc.RandomizationFactor > 0 {
			delta := bc.RandomizationFactor * exp
			minExp := exp - delta
			maxExp := exp + delta
			exp = minExp + rand.Float64()*(maxExp-minExp)
		}
		return time.Duration(exp)
	}
}
