// Package bus fans bridge events out to in-process subscribers such as
// WebSocket clients.
package bus

import (
	"sync"
	"time"
)

// EventType classifies a bridge event for subscribers.
type EventType string

const (
	EventContactMessage EventType = "contact_message"
	EventChannelMessage EventType = "channel_message"
	EventContactUpdate  EventType = "contact_update"
	EventAdvert         EventType = "advert"
	EventNodeUpdate     EventType = "node_update"
	EventBattery        EventType = "battery"
	EventRepeaterStats  EventType = "repeater_stats"
	EventDelivery       EventType = "delivery"
	EventConnection     EventType = "connection"
	EventRaw            EventType = "raw"
)

// Event is the JSON-serialisable envelope broadcast to subscribers.
type Event struct {
	Type      EventType   `json:"type"`
	EntityID  string      `json:"entity_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

type subscriber struct {
	ch chan Event
}

// Bus fans events out to all registered subscribers. We use channel-based
// subscribers instead of raw connections to keep the bus
// transport-agnostic and fully testable without a real WebSocket.
type Bus struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

// New constructs a ready Bus.
func New() *Bus {
	return &Bus{subs: make(map[*subscriber]struct{})}
}

// Subscribe registers a new client. Returns a receive channel and an
// unsubscribe function that must be called when the client disconnects
// (it closes the channel).
func (b *Bus) Subscribe() (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, 64)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		delete(b.subs, s)
		b.mu.Unlock()
		close(s.ch)
	}
	return s.ch, unsub
}

// Publish sends an Event to all current subscribers. Slow consumers are
// skipped (their buffer is full) to avoid stalling the ingest loop. They
// can catch up via the REST history endpoints.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- e:
		default:
		}
	}
}

// Len returns the current subscriber count.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
