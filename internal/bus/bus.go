package bus

import (
	"sync"
)

// Bus is an in-process publish/subscribe event bus with namespace filtering.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*subscription
	taps map[int]*tapEntry
	next int
}

type subscription struct {
	namespace string
	ch        chan Event
}

type tapEntry struct {
	namespace string
	tap       Tap
}

// Tap observes events matching a namespace before channel delivery.
// Taps run synchronously inside Publish and must not block.
type Tap func(Event)

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*subscription),
		taps: make(map[int]*tapEntry),
	}
}

// Publish sends an event to all subscribers whose namespace is a prefix of event.Kind.
// Registered taps see the event first.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, t := range b.taps {
		if evt.In(t.namespace) {
			t.tap(evt)
		}
	}
	for _, sub := range b.subs {
		if evt.In(sub.namespace) {
			select {
			case sub.ch <- evt:
			default:
				// Drop event if subscriber is full (non-blocking).
			}
		}
	}
}

// Subscribe returns a channel that receives events matching the given namespace prefix.
// bufSize controls the channel buffer. Returns the channel and an unsubscribe function.
func (b *Bus) Subscribe(namespace string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &subscription{namespace: namespace, ch: ch}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// AddTap registers a synchronous observer for events matching the namespace
// prefix. Returns a remove function.
func (b *Bus) AddTap(namespace string, tap Tap) func() {
	b.mu.Lock()
	id := b.next
	b.next++
	b.taps[id] = &tapEntry{namespace: namespace, tap: tap}
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.taps, id)
		b.mu.Unlock()
	}
}
