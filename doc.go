// Package jobq provides a storage-agnostic durable job queue with
// at-least-once delivery semantics and lease-based crash recovery.
//
// # Overview
//
// jobq separates job data (job.Job) from the storage contract
// (Driver) that persists it, orders it, and leases it out. Drivers are
// pluggable: the package ships memory, file, SQL and Redis-broker
// variants under drivers/, each implementing the same Driver interface.
//
// # Delivery Semantics
//
// jobq provides at-least-once processing guarantees. A job may be
// delivered more than once if a worker crashes before completing it,
// its lease expires, or the lease is lost to a concurrent reservation.
// Handlers must therefore be idempotent.
//
// # Lease Model
//
// When a job is reserved, it transitions from Waiting to Reserved and
// receives a lease (LeaseExpiresAt) good for its TTR. While the lease
// is current, the job is not eligible for reservation by anyone else.
// If the lease expires before completion, RecoverExpiredLeases returns
// the job to Waiting (or to Done with a synthetic failure, if that
// exhausts its attempts).
//
// # State Machine
//
// Jobs follow this lifecycle:
//
//	Waiting  -> Reserved
//	Reserved -> Done        (Complete or Fail)
//	Reserved -> Waiting     (Retry, or an expired lease recovered)
//
// Done is the only terminal status; FailureReason is set when it was
// reached by exhausting attempts rather than by success.
//
// # Retry Policy
//
// The Queue Core, not the driver, decides whether a failed job is
// retried: it compares the next attempt number against the job's
// MaxAttempts and calls Driver.Retry or Driver.Fail accordingly. The
// delay before a retried job becomes eligible again is computed by a
// BackoffPolicy; the default, ZeroBackoff, is immediate and
// deterministic.
//
// # Queue
//
//	coordinates pushing, dispatching, retrying and completing jobs.
//
// It:
//
//   - validates and pushes new jobs through a Driver
//   - dispatches reserved jobs to name-registered Handlers
//   - applies the retry policy on handler failure
//   - notifies EventObservers at each lifecycle point
//
// Queue does not guarantee exactly-once delivery.
//
// # Driver
//
// A Driver is the single source of truth for ordering, leases and
// recovery; Cleaner and Lister are optional extensions a driver may
// additionally implement for retention management and inspection.
// Drivers register themselves by name via RegisterDriver so a caller
// can select one at runtime with NewDriver.
//
// # Concurrency Model
//
// Multiple Queue.Run calls may run concurrently against the same
// Driver; horizontal scaling is "start more runners". Within one Run,
// dispatch is serial. The Runner type adds a concurrent, pool-backed
// alternative with optional subprocess isolation per job.
//
// # Storage Expectations
//
// Driver implementations must make Reserve linearizable against
// concurrent Reserve, Complete, Fail, Retry and RecoverExpiredLeases
// calls on the same backing store. Behavior under concurrent writers
// otherwise depends on the chosen backend.
package jobq
