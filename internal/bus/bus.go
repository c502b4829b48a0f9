// Package bus is the typed publish/subscribe fan-out the core emits its
// lifecycle events on. The UI layer subscribes here instead of reaching
// into queues or circuits directly.
package bus

import (
	"sync"
	"time"
)

// EventType identifies one kind of core event.
type EventType string

const (
	EventOperationEnqueued  EventType = "operation.enqueued"
	EventOperationDeduped   EventType = "operation.deduped"
	EventOperationStarted   EventType = "operation.started"
	EventOperationSucceeded EventType = "operation.succeeded"
	EventOperationFailed    EventType = "operation.failed"
	EventOperationCancelled EventType = "operation.cancelled"

	EventCircuitOpened   EventType = "circuit.opened"
	EventCircuitHalfOpen EventType = "circuit.half_open"
	EventCircuitClosed   EventType = "circuit.closed"

	EventPeerRegistered   EventType = "peer.registered"
	EventPeerUnregistered EventType = "peer.unregistered"
	EventLeaderChanged    EventType = "peer.leader_changed"

	EventConflictDetected EventType = "conflict.detected"
	EventConflictResolved EventType = "conflict.resolved"

	EventStateSaved     EventType = "state.saved"
	EventStateCorrupted EventType = "state.corrupted"
	EventStateRecovered EventType = "state.recovered"
)

// Event is one published occurrence.
type Event struct {
	Type    EventType
	At      time.Time
	Payload any
}

// Handler consumes events. Handlers must not block.
type Handler func(Event)

type subscription struct {
	id      int
	handler Handler
}

// Bus fans events out to subscribers.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	byType map[EventType][]subscription
	all    []subscription
}

func New() *Bus {
	return &Bus{byType: map[EventType][]subscription{}}
}

// Subscribe registers a handler for one event type and returns a cancel
// function.
func (b *Bus) Subscribe(t EventType, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.byType[t] = append(b.byType[t], subscription{id: id, handler: h})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.byType[t]
		for i, s := range subs {
			if s.id == id {
				b.byType[t] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.all = append(b.all, subscription{id: id, handler: h})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.all {
			if s.id == id {
				b.all = append(b.all[:i], b.all[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers the event synchronously to all matching subscribers.
func (b *Bus) Publish(t EventType, payload any) {
	evt := Event{Type: t, At: time.Now().UTC(), Payload: payload}
	b.mu.RLock()
	subs := append([]subscription(nil), b.byType[t]...)
	subs = append(subs, b.all...)
	b.mu.RUnlock()
	for _, s := range subs {
		s.handler(evt)
	}
}
