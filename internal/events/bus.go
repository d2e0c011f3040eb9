package events

import (
	"sync"
	"sync/atomic"
)

// Publisher is the sending side of the bus.
type Publisher interface {
	Publish(topic string, event Event)
}

// EventBus is a channel-based pub-sub event bus.
// Supports topic-based subscriptions and SubscribeAll for cross-topic consumption.
// Publishing never blocks: events for a subscriber whose buffer is full are
// dropped and counted.
type EventBus struct {
	mu      sync.RWMutex
	subs    map[string][]chan Event // topic -> subscriber channels
	allSubs []chan Event            // channels subscribed to all topics
	closed  bool
	dropped atomic.Int64
}

// DefaultBufferSize is used when a subscriber asks for a buffer <= 0.
const DefaultBufferSize = 256

// NewEventBus creates a new event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		subs: make(map[string][]chan Event),
	}
}

// Subscribe creates a subscription to a specific topic.
// The returned channel is closed when the bus is closed.
func (b *EventBus) Subscribe(topic string, bufSize int) <-chan Event {
	ch := newSubscriber(bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()
	// Late subscribers get an already-closed channel, so range loops end
	if b.closed {
		close(ch)
		return ch
	}
	b.subs[topic] = append(b.subs[topic], ch)
	return ch
}

// SubscribeAll creates a subscription to every topic.
// Events arrive in publish order across topics, which the run command's
// progress view relies on.
func (b *EventBus) SubscribeAll(bufSize int) <-chan Event {
	ch := newSubscriber(bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.allSubs = append(b.allSubs, ch)
	return ch
}

func newSubscriber(bufSize int) chan Event {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	return make(chan Event, bufSize)
}

// Publish sends an event to the subscribers of topic and to every
// SubscribeAll channel. Publishing on a closed bus is a no-op.
func (b *EventBus) Publish(topic string, event Event) {
	// Read lock: publishers run concurrently, Close waits for them
	b.mu.RLock()
	defer b.mu.RUnlock()

	// Sending on a closed subscriber channel would panic
	if b.closed {
		return
	}

	// Topic subscribers first, then the all-topic subscribers
	for _, ch := range b.subs[topic] {
		b.send(ch, event)
	}
	for _, ch := range b.allSubs {
		b.send(ch, event)
	}
}

// send delivers without blocking. A slow subscriber loses events rather than
// stalling the consumer loops that publish them.
func (b *EventBus) send(ch chan Event, event Event) {
	select {
	case ch <- event:
	default:
		// Buffer full
		b.dropped.Add(1)
	}
}

// Dropped returns the number of deliveries skipped because a subscriber was full.
func (b *EventBus) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes the event bus and all subscriber channels.
// Safe to call multiple times.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	// Topic subscribers
	for _, channels := range b.subs {
		for _, ch := range channels {
			close(ch)
		}
	}
	// All-topic subscribers
	for _, ch := range b.allSubs {
		close(ch)
	}
}
