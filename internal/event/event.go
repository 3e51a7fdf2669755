// Package event provides a minimal synchronous observer registry. Handlers
// fire in registration order, which is part of the public contract: tests and
// embedders may rely on deterministic delivery.
package event

import (
	"sync"
	"time"
)

// Event names emitted by the orchestration core.
const (
	TaskStarted        = "task-started"
	TaskCompleted      = "task-completed"
	TaskFailed         = "task-failed"
	TaskRetry          = "task-retry"
	TaskCancelled      = "task-cancelled"
	ExecutionCancelled = "execution-cancelled"
	AgentRegistered    = "agent:registered"
	AgentUnregistered  = "agent:unregistered"
	AgentUpdated       = "agent:updated"
	AgentOffline       = "agent:offline"
	LockAcquired       = "lock:acquired"
	LockReleased       = "lock:released"
	MessageSent        = "message:sent"
	MessageDelivered   = "message:delivered"
	MessageBroadcast   = "message:broadcast"
	DeadlockDetected   = "deadlock:detected"
)

// Event is a single emitted occurrence.
type Event struct {
	Name    string
	Payload any
	At      time.Time
}

// Handler receives emitted events. Handlers run synchronously on the
// emitting goroutine and must not block.
type Handler func(Event)

type subscription struct {
	id      int
	handler Handler
}

// Emitter is a concurrency-safe observer list keyed by event name.
// The zero value is not usable; construct with New.
type Emitter struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string][]subscription
}

// New returns an empty Emitter.
func New() *Emitter {
	return &Emitter{subs: make(map[string][]subscription)}
}

// On registers a handler for the named event and returns a function that
// removes the registration.
func (e *Emitter) On(name string, h Handler) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextID++
	id := e.nextID
	e.subs[name] = append(e.subs[name], subscription{id: id, handler: h})

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		subs := e.subs[name]
		for i, s := range subs {
			if s.id == id {
				e.subs[name] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Emit delivers the event to all handlers registered for its name, in
// registration order.
func (e *Emitter) Emit(name string, payload any) {
	e.mu.RLock()
	subs := e.subs[name]
	e.mu.RUnlock()

	ev := Event{Name: name, Payload: payload, At: time.Now()}
	for _, s := range subs {
		s.handler(ev)
	}
}
