package metadata

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Bridge for single-node deployments and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	channels map[string]ChannelMetadata // by stream key
	live     map[string]StreamRecord    // by stream key
	chat     []ChatMessage
	seen     map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		channels: make(map[string]ChannelMetadata),
		live:     make(map[string]StreamRecord),
		seen:     make(map[string]struct{}),
	}
}

// RegisterChannel associates channel metadata with a stream key so later
// StartStream calls for that key inherit it.
func (m *MemoryStore) RegisterChannel(streamKey string, channel ChannelMetadata) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[streamKey] = channel
	if record, ok := m.live[streamKey]; ok {
		m.live[streamKey] = withChannel(record, channel)
	}
}

func (m *MemoryStore) LiveStreams(ctx context.Context) ([]StreamRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	out := make([]StreamRecord, 0, len(m.live))
	for _, record := range m.live {
		out = append(out, record)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) ChatHistory(ctx context.Context, streamID string, since time.Time) ([]ChatMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	snapshot := append([]ChatMessage(nil), m.chat...)
	m.mu.RUnlock()
	return filterHistory(snapshot, streamID, since), nil
}

// SendChat appends msg. Re-sending a known id is a no-op.
func (m *MemoryStore) SendChat(ctx context.Context, msg ChatMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(msg.ID) == "" || strings.TrimSpace(msg.StreamID) == "" {
		return fmt.Errorf("%w: chat message requires id and stream id", ErrRejected)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.seen[msg.ID]; ok {
		return nil
	}
	m.seen[msg.ID] = struct{}{}
	m.chat = append(m.chat, msg)
	return nil
}

func (m *MemoryStore) StartStream(ctx context.Context, ctl StreamControl) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(ctl.StreamKey) == "" {
		return fmt.Errorf("%w: stream key is required", ErrRejected)
	}
	at := ctl.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	record := StreamRecord{
		ID:          uuid.NewString(),
		ChannelID:   ctl.ChannelID,
		ChannelName: ctl.ChannelName,
		StreamKey:   ctl.StreamKey,
		Title:       ctl.Title,
		Category:    ctl.Category,
		StartedAt:   at,
	}
	if channel, ok := m.channels[ctl.StreamKey]; ok {
		record = withChannel(record, channel)
	}
	m.live[ctl.StreamKey] = record
	return nil
}

func (m *MemoryStore) StopStream(ctx context.Context, ctl StreamControl) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.live, ctl.StreamKey)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// withChannel fills blank record fields from the registered channel.
func withChannel(record StreamRecord, channel ChannelMetadata) StreamRecord {
	if record.ChannelID == "" {
		record.ChannelID = channel.ChannelID
	}
	if record.ChannelName == "" {
		record.ChannelName = channel.Name
	}
	if record.Category == "" {
		record.Category = channel.Category
	}
	record.SubscriberCount = channel.SubscriberCount
	return record
}
