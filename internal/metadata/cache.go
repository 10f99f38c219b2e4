package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"relaycast/internal/observability/logging"
)

// DefaultLiveCacheKey holds the cached live stream list.
const DefaultLiveCacheKey = "relaycast:metadata:live"

// CacheConfig configures CachedBridge.
type CacheConfig struct {
	// Client may be nil, in which case only concurrent fetches are collapsed.
	Client redis.UniversalClient
	Key    string
	TTL    time.Duration
	Logger *slog.Logger
}

// CachedBridge serves LiveStreams from a short-lived Redis entry and collapses
// concurrent misses into one upstream call. Writes go straight through and
// invalidate the entry when they change the live set.
type CachedBridge struct {
	Bridge
	client redis.UniversalClient
	key    string
	ttl    time.Duration
	logger *slog.Logger
	group  singleflight.Group
}

func NewCachedBridge(next Bridge, cfg CacheConfig) *CachedBridge {
	key := cfg.Key
	if key == "" {
		key = DefaultLiveCacheKey
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 2 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &CachedBridge{Bridge: next, client: cfg.Client, key: key, ttl: ttl, logger: logger}
}

func (c *CachedBridge) LiveStreams(ctx context.Context) ([]StreamRecord, error) {
	if records, ok := c.cached(ctx); ok {
		return records, nil
	}
	result, err, _ := c.group.Do(c.key, func() (any, error) {
		records, err := c.Bridge.LiveStreams(ctx)
		if err != nil {
			return nil, err
		}
		c.store(ctx, records)
		return records, nil
	})
	if err != nil {
		return nil, err
	}
	records := result.([]StreamRecord)
	return append([]StreamRecord(nil), records...), nil
}

func (c *CachedBridge) StartStream(ctx context.Context, ctl StreamControl) error {
	err := c.Bridge.StartStream(ctx, ctl)
	c.invalidate(ctx)
	return err
}

func (c *CachedBridge) StopStream(ctx context.Context, ctl StreamControl) error {
	err := c.Bridge.StopStream(ctx, ctl)
	c.invalidate(ctx)
	return err
}

func (c *CachedBridge) cached(ctx context.Context) ([]StreamRecord, bool) {
	if c.client == nil {
		return nil, false
	}
	payload, err := c.client.Get(ctx, c.key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("metadata cache read failed", "error", err)
		}
		return nil, false
	}
	var records []StreamRecord
	if err := json.Unmarshal(payload, &records); err != nil {
		c.logger.Warn("discarding corrupt metadata cache entry", "error", err)
		return nil, false
	}
	return records, true
}

func (c *CachedBridge) store(ctx context.Context, records []StreamRecord) {
	if c.client == nil {
		return
	}
	payload, err := json.Marshal(records)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, c.key, payload, c.ttl).Err(); err != nil {
		c.logger.Warn("metadata cache write failed", "error", err)
	}
}

func (c *CachedBridge) invalidate(ctx context.Context) {
	if c.client == nil {
		return
	}
	if err := c.client.Del(ctx, c.key).Err(); err != nil {
		c.logger.Warn("metadata cache invalidation failed", "error", err)
	}
}
