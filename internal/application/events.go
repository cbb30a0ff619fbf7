// Package application contains the cooperating managers of the sync engine.
package application

import (
	"log/slog"
	"sync"
)

// EventType names a state transition broadcast on a manager's bus.
type EventType string

const (
	EventSyncStarted          EventType = "syncStarted"
	EventSyncItemCompleted    EventType = "syncItemCompleted"
	EventSyncItemRetry        EventType = "syncItemRetry"
	EventSyncItemFailed       EventType = "syncItemFailed"
	EventSyncCompleted        EventType = "syncCompleted"
	EventNetworkStatusChanged EventType = "networkStatusChanged"
	EventBookingStatusUpdate  EventType = "bookingStatusUpdate"
	EventBookingConflict      EventType = "bookingConflictDetected"
	EventBookingSubmitted     EventType = "bookingSubmitted"
	EventBookingSynced        EventType = "bookingSynced"
	EventBookingSyncFailed    EventType = "bookingSyncFailed"
	EventTokenUpdated         EventType = "tokenUpdated"
	EventTokenCleared         EventType = "tokenCleared"
)

// Event is a broadcast state transition.
type Event struct {
	Type    EventType
	Payload any
}

// Subscriber receives events synchronously in subscription order.
type Subscriber func(Event)

// Bus is a small publish/subscribe mechanism each manager exposes so the UI
// or other managers can react to transitions without polling. Subscribe
// returns an explicit unsubscribe handle so subscriber lifetime stays bound
// to the owning component.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]Subscriber
	order  []int
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]Subscriber)}
}

// Subscribe registers fn and returns its unsubscribe handle. Calling the
// handle more than once is harmless.
func (b *Bus) Subscribe(fn Subscriber) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	b.order = append(b.order, id)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

// Publish delivers evt to every live subscriber. A panicking subscriber is
// recovered and logged so one bad callback cannot wedge a flush cycle.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	handlers := make([]Subscriber, 0, len(b.subs))
	for _, id := range b.order {
		if fn, ok := b.subs[id]; ok {
			handlers = append(handlers, fn)
		}
	}
	b.mu.RUnlock()

	for _, fn := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("event subscriber panicked", "event", string(evt.Type), "panic", r)
				}
			}()
			fn(evt)
		}()
	}
}
