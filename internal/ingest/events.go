package ingest

import "sync"

// EventBus fans gateway events out to subscribers. Publishing never blocks:
// a subscriber whose buffer is full misses the event.
type EventBus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	buffer int
	closed bool
}

// NewEventBus returns a bus whose subscriptions buffer the given number of events.
func NewEventBus(buffer int) *EventBus {
	if buffer <= 0 {
		buffer = 32
	}
	return &EventBus{subs: make(map[*Subscription]struct{}), buffer: buffer}
}

// Publish delivers event to every subscriber with room for it.
func (b *EventBus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		select {
		case sub.ch <- event:
		default:
		}
	}
}

// Subscribe registers a new subscriber. Subscribing to a closed bus returns
// a subscription whose channel is already closed.
func (b *EventBus) Subscribe() *Subscription {
	sub := &Subscription{bus: b, ch: make(chan Event, b.buffer)}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.once.Do(func() { close(sub.ch) })
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Close ends every subscription.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		delete(b.subs, sub)
		sub.once.Do(func() { close(sub.ch) })
	}
}

// Subscription is one consumer of the bus.
type Subscription struct {
	once sync.Once
	bus  *EventBus
	ch   chan Event
}

// Events returns the channel of delivered events. It is closed by Close or
// when the bus shuts down.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

func (s *Subscription) Close() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	s.once.Do(func() { close(s.ch) })
}
