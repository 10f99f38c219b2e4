package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"relaycast/internal/observability/logging"
)

// DefaultMirrorKey is the Redis hash holding mirrored gateway sessions, one
// JSON record per session ID.
const DefaultMirrorKey = "relaycast:sessions"

// RedisSourceConfig configures RedisSource.
type RedisSourceConfig struct {
	Client redis.UniversalClient
	Key    string
	// StaleAfter drops records whose heartbeat is older than this window, so
	// a crashed gateway's sessions stop reporting as live. Zero disables it.
	StaleAfter time.Duration
	Logger     *slog.Logger
	Now        func() time.Time
}

// RedisSource reads the session table mirrored into Redis by a gateway
// running in another process.
type RedisSource struct {
	client     redis.UniversalClient
	key        string
	staleAfter time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// NewRedisSource validates cfg and returns a RedisSource.
func NewRedisSource(cfg RedisSourceConfig) (*RedisSource, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	key := cfg.Key
	if key == "" {
		key = DefaultMirrorKey
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &RedisSource{client: cfg.Client, key: key, staleAfter: cfg.StaleAfter, logger: logger, now: now}, nil
}

// Sessions returns mirrored sessions ordered by connect time, then ID. Redis
// hashes are unordered, so this is the table order the registry sees.
func (s *RedisSource) Sessions(ctx context.Context) ([]Session, error) {
	records, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("read session mirror: %w", err)
	}

	now := s.now()
	sessions := make([]Session, 0, len(records))
	for field, payload := range records {
		decoder := json.NewDecoder(bytes.NewReader([]byte(payload)))
		decoder.UseNumber()
		var raw map[string]any
		if err := decoder.Decode(&raw); err != nil {
			s.logger.Warn("skipping malformed mirrored session", "field", field, "error", err)
			continue
		}
		if s.staleAfter > 0 {
			beat := timeField(raw, "heartbeat")
			if !beat.IsZero() && now.Sub(beat) > s.staleAfter {
				continue
			}
		}
		session, ok := DecodeSession(raw)
		if !ok {
			continue
		}
		if session.ID == "" {
			session.ID = field
		}
		sessions = append(sessions, session)
	}

	sort.SliceStable(sessions, func(i, j int) bool {
		a, b := sessions[i], sessions[j]
		if !a.ConnectTime.Equal(b.ConnectTime) {
			return a.ConnectTime.Before(b.ConnectTime)
		}
		return a.ID < b.ID
	})
	return sessions, nil
}
