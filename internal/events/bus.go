// Package events is the in-process pub/sub bus for workflow triggers.
package events

import (
	"sync"

	"github.com/lanternlabs/lantern/internal/logger"
)

// Event is one published occurrence, keyed by source and type.
type Event struct {
	Source  string
	Type    string
	Payload map[string]any
}

// Key returns the subscription key for the event.
func (e Event) Key() string { return e.Source + ":" + e.Type }

// HandlerFunc consumes one event. Handlers run sequentially on the
// publisher's goroutine, in registration order.
type HandlerFunc func(Event)

type subscription struct {
	id int
	fn HandlerFunc
}

// Bus routes events to subscribers by "source:type" key.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[string][]subscription
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string][]subscription)}
}

// Subscribe registers a handler for events from source with the given type
// and returns a stable id for Unsubscribe.
func (b *Bus) Subscribe(source, eventType string, fn HandlerFunc) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	key := source + ":" + eventType
	b.subs[key] = append(b.subs[key], subscription{id: b.nextID, fn: fn})
	return b.nextID
}

// Unsubscribe removes a subscription by id. Unknown ids are a no-op.
func (b *Bus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for key, subs := range b.subs {
		for i, sub := range subs {
			if sub.id == id {
				b.subs[key] = append(subs[:i:i], subs[i+1:]...)
				if len(b.subs[key]) == 0 {
					delete(b.subs, key)
				}
				return
			}
		}
	}
}

// Publish delivers the event to every matching subscriber, sequentially,
// in registration order. There is no delivery to later-registered handlers
// removed mid-dispatch; the subscriber list is snapshotted up front.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	subs := make([]subscription, len(b.subs[ev.Key()]))
	copy(subs, b.subs[ev.Key()])
	b.mu.Unlock()

	if len(subs) == 0 {
		return
	}
	logger.Debug("publishing event", "key", ev.Key(), "subscribers", len(subs))
	for _, sub := range subs {
		sub.fn(ev)
	}
}

// SubscriberCount reports how many handlers match the key.
func (b *Bus) SubscriberCount(source, eventType string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[source+":"+eventType])
}
