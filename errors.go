package jobq

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the queue core and driver contract. Callers
// should use errors.Is against these, since most are wrapped with
// contextual detail before being returned.
var (
	// ErrValidation indicates AddJob was called with invalid options
	// (non-positive TTR, negative delay, zero MaxAttempts). No record is
	// created.
	ErrValidation = errors.New("jobq: validation error")

	// ErrBackend indicates a transient storage/transport failure inside
	// Push, Reserve, Complete, Fail or Retry.
	ErrBackend = errors.New("jobq: backend error")

	// ErrUnhandledJobType indicates no handler is registered for a
	// reserved job's name. Terminal: the job is failed without retry.
	ErrUnhandledJobType = errors.New("jobq: unhandled job type")

	// ErrLeaseLost indicates Complete, Fail or Retry was issued against a
	// lease that is no longer current: the job was already recovered or
	// re-reserved by someone else. Callers should treat this as a no-op.
	ErrLeaseLost = errors.New("jobq: lease lost")

	// ErrConfiguration indicates invalid driver setup. Fatal at startup.
	ErrConfiguration = errors.New("jobq: configuration error")

	// ErrJobTimeout indicates a handler did not return before its job's
	// TTR elapsed.
	ErrJobTimeout = errors.New("jobq: job timeout")

	// ErrQueueFull is returned by capacity-bounded drivers (memory) when
	// Push is attempted over the configured limit.
	ErrQueueFull = errors.New("jobq: queue full")

	// ErrJobNotFound is returned by Queue.Status when no record with the
	// given id exists. Driver.Get reports an unknown id as (nil, nil).
	ErrJobNotFound = errors.New("jobq: job not found")

	// ErrBadStatus is returned by a Cleaner when asked to delete jobs in
	// a non-terminal status.
	ErrBadStatus = errors.New("jobq: bad job status")

	// ErrDoubleStarted is returned when Start is called on a Runner that
	// has already been started.
	ErrDoubleStarted = errors.New("jobq: runner double start")

	// ErrDoubleStopped is returned when Stop is called on a Runner that
	// is not currently running.
	ErrDoubleStopped = errors.New("jobq: runner double stop")

	// ErrStopTimeout is returned when a Runner fails to shut down within
	// the timeout passed to Stop.
	ErrStopTimeout = errors.New("jobq: runner stop timeout")
)

func validationErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func backendErrorf(err error) error {
	return fmt.Errorf("%w: %v", ErrBackend, err)
}
