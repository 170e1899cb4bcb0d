// Package events provides an event system for worker pool lifecycle notifications.
package events

import "time"

// EventType represents the type of event
type EventType string

const (
	// EventThreadReady is emitted when a thread finished Initialize and waits for work
	EventThreadReady EventType = "thread_ready"
	// EventThreadInitFailed is emitted when a thread's Initialize failed
	EventThreadInitFailed EventType = "thread_init_failed"
	// EventThreadExited is emitted after a thread ran Terminate and exited
	EventThreadExited EventType = "thread_exited"
	// EventWaitFailed is emitted when a thread's queue wait failed
	EventWaitFailed EventType = "wait_failed"
	// EventShutdownRequested is emitted when the pool posts a shutdown sentinel
	EventShutdownRequested EventType = "shutdown_requested"
	// EventShutdownCancelled is emitted when a thread discards a sentinel whose request was withdrawn
	EventShutdownCancelled EventType = "shutdown_cancelled"
	// EventExecutePanic is emitted when Execute panicked
	EventExecutePanic EventType = "execute_panic"
	// EventChaosAttack is emitted when the fault injector strikes the pool
	EventChaosAttack EventType = "chaos_attack"
)

// Event represents a pool lifecycle event
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Pool      string    `json:"pool"`
	ThreadID  string    `json:"thread_id,omitempty"`
	Data      EventData `json:"data,omitempty"`
}

// EventData contains event-specific data
type EventData struct {
	Status     string `json:"status,omitempty"`
	OSThreadID int    `json:"os_thread_id,omitempty"`
	Remaining  int    `json:"remaining,omitempty"`
	Error      string `json:"error,omitempty"`
	Attack     string `json:"attack,omitempty"`
}

func newEvent(t EventType, pool, threadID string) Event {
	return Event{
		Type:      t,
		Timestamp: time.Now(),
		Pool:      pool,
		ThreadID:  threadID,
	}
}

// NewThreadReadyEvent creates a thread ready event
func NewThreadReadyEvent(pool, threadID string) Event {
	return newEvent(EventThreadReady, pool, threadID)
}

// NewThreadInitFailedEvent creates an init failure event
func NewThreadInitFailedEvent(pool, threadID string, err error) Event {
	e := newEvent(EventThreadInitFailed, pool, threadID)
	e.Data.Error = errString(err)
	return e
}

// NewThreadExitedEvent creates a thread exit event
func NewThreadExitedEvent(pool, threadID, status string, osThreadID int) Event {
	e := newEvent(EventThreadExited, pool, threadID)
	e.Data.Status = status
	e.Data.OSThreadID = osThreadID
	return e
}

// NewWaitFailedEvent creates a wait failure event
func NewWaitFailedEvent(pool, threadID string, err error) Event {
	e := newEvent(EventWaitFailed, pool, threadID)
	e.Data.Error = errString(err)
	return e
}

// NewShutdownRequestedEvent creates a shutdown request event.
// remaining is the number of sentinels still to be posted by this Shutdown call.
func NewShutdownRequestedEvent(pool string, remaining int) Event {
	e := newEvent(EventShutdownRequested, pool, "")
	e.Data.Remaining = remaining
	return e
}

// NewShutdownCancelledEvent creates a shutdown cancellation event
func NewShutdownCancelledEvent(pool, threadID string) Event {
	return newEvent(EventShutdownCancelled, pool, threadID)
}

// NewExecutePanicEvent creates an execute panic event
func NewExecutePanicEvent(pool, threadID string, err error) Event {
	e := newEvent(EventExecutePanic, pool, threadID)
	e.Data.Error = errString(err)
	return e
}

// NewChaosAttackEvent creates a fault injection event
func NewChaosAttackEvent(pool, attack string) Event {
	e := newEvent(EventChaosAttack, pool, "")
	e.Data.Attack = attack
	return e
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
