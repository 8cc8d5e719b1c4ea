// Package job defines Job, the durable record a Driver persists,
// orders, and leases out.
//
// A Job carries its own payload (opaque, codec-encoded bytes), its
// scheduling attributes (Priority, DelayUntil, TTR, MaxAttempts), and
// the state a Driver mutates across its lifecycle: Status, Attempt,
// ReservedAt, LeaseExpiresAt, LeaseToken and FailureReason.
//
// Job values are returned by Reserve and passed back to a Driver's
// Complete, Fail or Retry to transition that state. Job is not intended
// to be constructed manually by user code outside a Driver
// implementation; its fields reflect the authoritative state held by
// the storage backend.
package job
