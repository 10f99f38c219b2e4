package chat

import (
	"context"
	"errors"
	"sync"
)

// Queue carries accepted chat messages to the live SSE feeds. RedisQueue
// spans processes; NewMemoryQueue serves a single server.
type Queue interface {
	Publish(ctx context.Context, event Event) error
	Subscribe() Subscription
}

// Subscription is one live feed. Close releases it and closes Events.
type Subscription interface {
	Events() <-chan Event
	Close()
}

const defaultFeedBuffer = 32

// NewMemoryQueue returns an in-process queue. Each feed buffers up to buffer
// events; a feed that falls behind loses its oldest buffered messages so a
// reconnecting chat panel always shows the latest conversation.
func NewMemoryQueue(buffer int) Queue {
	return newMemoryQueue(buffer)
}

func newMemoryQueue(buffer int) *memoryQueue {
	if buffer <= 0 {
		buffer = defaultFeedBuffer
	}
	return &memoryQueue{
		feeds:  make(map[*memoryFeed]struct{}),
		buffer: buffer,
	}
}

type memoryQueue struct {
	mu     sync.RWMutex
	feeds  map[*memoryFeed]struct{}
	buffer int
}

func (q *memoryQueue) Publish(ctx context.Context, event Event) error {
	if event.Type == "" {
		return errors.New("event type is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	for feed := range q.feeds {
		feed.offer(event)
	}
	return nil
}

func (q *memoryQueue) Subscribe() Subscription {
	feed := &memoryFeed{
		queue: q,
		ch:    make(chan Event, q.buffer),
	}
	q.mu.Lock()
	q.feeds[feed] = struct{}{}
	q.mu.Unlock()
	return feed
}

func (q *memoryQueue) feedCount() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.feeds)
}

type memoryFeed struct {
	once  sync.Once
	queue *memoryQueue
	// send serializes evict-then-retry among concurrent publishers.
	send    sync.Mutex
	ch      chan Event
	dropped int
}

// offer never blocks the publisher. Callers hold queue.mu, so ch is open.
func (f *memoryFeed) offer(event Event) {
	f.send.Lock()
	defer f.send.Unlock()
	for {
		select {
		case f.ch <- event:
			return
		default:
		}
		select {
		case <-f.ch:
			f.dropped++
		default:
		}
	}
}

func (f *memoryFeed) droppedCount() int {
	f.send.Lock()
	defer f.send.Unlock()
	return f.dropped
}

func (f *memoryFeed) Events() <-chan Event {
	return f.ch
}

func (f *memoryFeed) Close() {
	f.once.Do(func() {
		f.queue.mu.Lock()
		delete(f.queue.feeds, f)
		f.queue.mu.Unlock()
		close(f.ch)
	})
}
