package jobq

import "time"

// defaultTTR is applied when AddJob is called without WithTTR.
const defaultTTR = 30 * time.Second

// defaultMaxAttempts is applied when AddJob is called without
// WithMaxAttempts.
const defaultMaxAttempts = 1

// AddOptions carries the per-job settings accepted by Queue.AddJob. Build
// one with the With* functions; each call returns a fresh value so
// options built for one job never leak into another.
type AddOptions struct {
	priority    int32
	delay       time.Duration
	ttr         time.Duration
	maxAttempts uint32
}

// Option mutates an AddOptions under construction.
type Option func(*AddOptions)

func newAddOptions(opts ...Option) AddOptions {
	o := AddOptions{
		ttr:         defaultTTR,
		maxAttempts: defaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithPriority sets the job's priority. Higher values are reserved
// first; the default is 0.
func WithPriority(priority int32) Option {
	return func(o *AddOptions) {
		o.priority = priority
	}
}

// WithDelay makes the job ineligible for reservation until d has
// elapsed from the moment it is pushed.
func WithDelay(d time.Duration) Option {
	return func(o *AddOptions) {
		o.delay = d
	}
}

// WithTTR sets the lease duration granted on reservation. The default is
// 30 seconds.
func WithTTR(ttr time.Duration) Option {
	return func(o *AddOptions) {
		o.ttr = ttr
	}
}

// WithMaxAttempts sets the maximum number of dispatch attempts before a
// job is failed permanently. The default is 1 (no retries).
func WithMaxAttempts(n uint32) Option {
	return func(o *AddOptions) {
		o.maxAttempts = n
	}
}
