// Package events carries scheduling progress to whoever is listening:
// loggers, notification forwarders, metrics bridges.
package events

import (
	"sync"
	"sync/atomic"
)

const defaultBufSize = 256

// Bus is a channel-based pub/sub bus with per-topic and all-topic
// subscriptions. A nil *Bus accepts and drops every event.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string][]chan Event
	allSubs []chan Event
	dropped atomic.Uint64
	closed  bool
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[string][]chan Event),
	}
}

// Subscribe returns a channel receiving events published on topic.
// bufSize defaults to 256 when <= 0.
func (b *Bus) Subscribe(topic string, bufSize int) <-chan Event {
	ch := make(chan Event, bufferSize(bufSize))

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch
	}
	b.subs[topic] = append(b.subs[topic], ch)
	return ch
}

// SubscribeAll returns a channel receiving every published event.
func (b *Bus) SubscribeAll(bufSize int) <-chan Event {
	ch := make(chan Event, bufferSize(bufSize))

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch
	}
	b.allSubs = append(b.allSubs, ch)
	return ch
}

func bufferSize(n int) int {
	if n <= 0 {
		return defaultBufSize
	}
	return n
}

// Publish delivers e to subscribers of its topic and to all-topic
// subscribers. Delivery never blocks: a full subscriber misses the event.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, ch := range b.subs[e.Topic()] {
		b.send(ch, e)
	}
	for _, ch := range b.allSubs {
		b.send(ch, e)
	}
}

func (b *Bus) send(ch chan Event, e Event) {
	select {
	case ch <- e:
	default:
		b.dropped.Add(1)
	}
}

// Dropped returns how many deliveries were skipped because a subscriber
// was full.
func (b *Bus) Dropped() uint64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}

// Close closes every subscriber channel. Safe to call more than once.
func (b *Bus) Close() {
	if b == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, channels := range b.subs {
		for _, ch := range channels {
			close(ch)
		}
	}
	for _, ch := range b.allSubs {
		close(ch)
	}
}
