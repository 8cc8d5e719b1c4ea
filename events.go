package jobq

import "github.com/google/uuid"

// EventObserver receives lifecycle notifications from a Queue,
// dispatched synchronously on the goroutine performing the operation.
// Observers must not block for long or mutate job records.
//
// Each method has a no-op default via EventObserverBase, so an observer
// can embed it and override only the events it cares about.
type EventObserver interface {
	BeforePush(e BeforePushEvent)
	AfterPush(e AfterPushEvent)
	BeforeExec(e BeforeExecEvent)
	AfterExec(e AfterExecEvent)
	AfterError(e AfterErrorEvent)
}

// BeforePushEvent fires before a driver Push call.
type BeforePushEvent struct {
	Name    string
	Payload []byte
}

// AfterPushEvent fires after a successful Push.
type AfterPushEvent struct {
	ID   uuid.UUID
	Name string
}

// BeforeExecEvent fires before a reserved job is dispatched to a handler.
type BeforeExecEvent struct {
	ID      uuid.UUID
	Name    string
	Payload []byte
}

// AfterExecEvent fires after a handler returns nil, just before the
// job is passed to Driver.Complete.
type AfterExecEvent struct {
	ID   uuid.UUID
	Name string
}

// AfterErrorEvent fires whenever a handler (or dispatch itself, for an
// unhandled job name) returns a non-nil error.
type AfterErrorEvent struct {
	ID    uuid.UUID
	Name  string
	Err   error
	Final bool // true if this error ends the job (no further retry)
}

// EventObserverBase implements EventObserver with no-op methods. Embed it
// in a concrete observer to override only the events of interest.
type EventObserverBase struct{}

func (EventObserverBase) BeforePush(BeforePushEvent) {}
func (EventObserverBase) AfterPush(AfterPushEvent)   {}
func (EventObserverBase) BeforeExec(BeforeExecEvent) {}
func (EventObserverBase) AfterExec(AfterExecEvent)   {}
func (EventObserverBase) AfterError(AfterErrorEvent) {}
