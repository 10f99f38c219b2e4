package viewer

import (
	"sort"
	"sync"
	"time"

	"relaycast/internal/metadata"
)

// ChatFeed deduplicates chat messages arriving from history polls and the
// live event stream, so each message is surfaced exactly once.
type ChatFeed struct {
	mu     sync.Mutex
	seen   map[string]struct{}
	cursor time.Time
}

func NewChatFeed() *ChatFeed {
	return &ChatFeed{seen: make(map[string]struct{})}
}

// Add returns the messages not seen before, ordered by sentAt then id.
// Messages without an id are dropped.
func (f *ChatFeed) Add(messages []metadata.ChatMessage) []metadata.ChatMessage {
	f.mu.Lock()
	defer f.mu.Unlock()

	fresh := make([]metadata.ChatMessage, 0, len(messages))
	for _, msg := range messages {
		if msg.ID == "" {
			continue
		}
		if _, ok := f.seen[msg.ID]; ok {
			continue
		}
		f.seen[msg.ID] = struct{}{}
		fresh = append(fresh, msg)
		if msg.SentAt.After(f.cursor) {
			f.cursor = msg.SentAt
		}
	}
	sort.SliceStable(fresh, func(i, j int) bool {
		if !fresh[i].SentAt.Equal(fresh[j].SentAt) {
			return fresh[i].SentAt.Before(fresh[j].SentAt)
		}
		return fresh[i].ID < fresh[j].ID
	})
	return fresh
}

// Cursor returns the since value for the next history poll. It trails the
// newest sentAt by a millisecond since the server filter is exclusive and
// works at millisecond precision; Add absorbs the overlap.
func (f *ChatFeed) Cursor() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cursor.IsZero() {
		return time.Time{}
	}
	return f.cursor.Add(-time.Millisecond)
}

// Reset forgets every message, for example when switching streams.
func (f *ChatFeed) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = make(map[string]struct{})
	f.cursor = time.Time{}
}
