package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"relaycast/internal/observability/logging"
	"relaycast/internal/registry"
)

// RedisMirrorConfig configures RedisMirror.
type RedisMirrorConfig struct {
	Client redis.UniversalClient
	// Key defaults to registry.DefaultMirrorKey.
	Key    string
	Source registry.SessionSource
	Logger *slog.Logger
	Now    func() time.Time
}

// RedisMirror copies the gateway session table into a Redis hash so API
// processes without an embedded gateway can serve the registry through
// registry.RedisSource. Each record carries a heartbeat; Sync refreshes it.
// Only fields written by this mirror are ever removed, so several gateways
// may share one hash.
type RedisMirror struct {
	client redis.UniversalClient
	key    string
	source registry.SessionSource
	logger *slog.Logger
	now    func() time.Time

	// mu serializes Put, Remove and Sync from table read to write so a
	// heartbeat never resurrects an ended session or drops a new one.
	mu    sync.Mutex
	owned map[string]struct{}
}

func NewRedisMirror(cfg RedisMirrorConfig) (*RedisMirror, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if cfg.Source == nil {
		return nil, fmt.Errorf("session source is required")
	}
	key := cfg.Key
	if key == "" {
		key = registry.DefaultMirrorKey
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &RedisMirror{
		client: cfg.Client,
		key:    key,
		source: cfg.Source,
		logger: logger,
		now:    now,
		owned:  make(map[string]struct{}),
	}, nil
}

type mirrorRecord struct {
	ID          string `json:"id"`
	StreamPath  string `json:"streamPath"`
	Role        string `json:"role"`
	IP          string `json:"ip,omitempty"`
	ConnectTime string `json:"connectTime,omitempty"`
	StartTime   string `json:"startTime,omitempty"`
	Heartbeat   string `json:"heartbeat"`
}

func (m *RedisMirror) encode(session registry.Session) (string, error) {
	record := mirrorRecord{
		ID:         session.ID,
		StreamPath: session.StreamPath,
		Role:       string(session.Role),
		IP:         session.IP,
		Heartbeat:  m.now().UTC().Format(time.RFC3339Nano),
	}
	if !session.ConnectTime.IsZero() {
		record.ConnectTime = session.ConnectTime.UTC().Format(time.RFC3339Nano)
	}
	if !session.StartTime.IsZero() {
		record.StartTime = session.StartTime.UTC().Format(time.RFC3339Nano)
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("encode session %s: %w", session.ID, err)
	}
	return string(payload), nil
}

// Put writes one session record.
func (m *RedisMirror) Put(ctx context.Context, session registry.Session) error {
	payload, err := m.encode(session)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.client.HSet(ctx, m.key, session.ID, payload).Err(); err != nil {
		return fmt.Errorf("mirror session %s: %w", session.ID, err)
	}
	m.owned[session.ID] = struct{}{}
	return nil
}

// Remove deletes one session record.
func (m *RedisMirror) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.client.HDel(ctx, m.key, id).Err(); err != nil {
		return fmt.Errorf("unmirror session %s: %w", id, err)
	}
	delete(m.owned, id)
	return nil
}

// Sync rewrites every current session with a fresh heartbeat and removes
// records this mirror wrote for sessions that no longer exist.
func (m *RedisMirror) Sync(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sessions, err := m.source.Sessions(ctx)
	if err != nil {
		return fmt.Errorf("read session table: %w", err)
	}
	current := make(map[string]struct{}, len(sessions))
	values := make([]any, 0, len(sessions)*2)
	for _, session := range sessions {
		payload, err := m.encode(session)
		if err != nil {
			return err
		}
		current[session.ID] = struct{}{}
		values = append(values, session.ID, payload)
	}

	var stale []string
	for id := range m.owned {
		if _, ok := current[id]; !ok {
			stale = append(stale, id)
		}
	}

	pipe := m.client.Pipeline()
	if len(values) > 0 {
		pipe.HSet(ctx, m.key, values...)
	}
	if len(stale) > 0 {
		pipe.HDel(ctx, m.key, stale...)
	}
	if len(values) == 0 && len(stale) == 0 {
		return nil
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("sync session mirror: %w", err)
	}

	for _, id := range stale {
		delete(m.owned, id)
	}
	for id := range current {
		m.owned[id] = struct{}{}
	}
	return nil
}

// Run applies lifecycle events from sub until ctx ends or the subscription
// closes. Failed writes are logged; the next Sync repairs them.
func (m *RedisMirror) Run(ctx context.Context, sub *Subscription) {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			var err error
			switch event.Type {
			case EventPostPublish, EventPostPlay:
				err = m.Put(ctx, event.Session)
			case EventDonePublish, EventDonePlay:
				err = m.Remove(ctx, event.Session.ID)
			default:
				continue
			}
			if err != nil {
				m.logger.Warn("session mirror update failed", "event", event.Type, "stream_key", event.StreamKey, "error", err)
			}
		}
	}
}
