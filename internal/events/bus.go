// Package events is a small in-process pub/sub bus. It replaces ambient
// global listeners with an explicit typed stream: subscribers receive engine
// lifecycle and connectivity signals over channels they can drain and cancel.
package events

import (
	"sync"
)

// Type identifies an engine signal.
type Type string

const (
	SyncStart       Type = "sync:start"
	SyncComplete    Type = "sync:complete"
	SyncError       Type = "sync:error"
	NetworkStatus   Type = "network:status"
	NotificationDue Type = "notification:due"
)

// Event is a single published signal with an optional payload.
type Event struct {
	Type    Type
	Payload any
}

// Bus fans events out to subscribers. Publishing never blocks: a subscriber
// that has fallen behind misses events rather than stalling the engine.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
	closed bool
}

// subscriberBuffer is the per-subscriber channel depth.
const subscriberBuffer = 16

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a new subscriber. The returned cancel func releases the
// subscription; the channel is closed afterwards.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber with room in its buffer.
func (b *Bus) Publish(evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			// Slow subscriber; drop rather than block the engine.
		}
	}
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
