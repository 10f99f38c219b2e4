package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"relaycast/internal/observability/logging"
)

// RedisQueueConfig configures the Redis Streams queue.
type RedisQueueConfig struct {
	Client redis.UniversalClient
	Stream string
	// Group names this process's consumer group. Every process needs its own
	// group so each one sees every message; it defaults to one derived from
	// the hostname.
	Group        string
	Consumer     string
	BlockTimeout time.Duration
	Buffer       int
	// MaxLen trims the stream approximately to this many entries.
	MaxLen int64
	Logger *slog.Logger
}

// RedisQueue publishes events to a Redis stream and delivers everything
// appended to it, including events from other processes, to local
// subscribers.
type RedisQueue struct {
	client       redis.UniversalClient
	stream       string
	group        string
	consumer     string
	blockTimeout time.Duration
	maxLen       int64
	logger       *slog.Logger
	local        *memoryQueue

	groupMu    sync.Mutex
	groupReady atomic.Bool

	startOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewRedisQueue creates the consumer group if needed. The caller owns the
// client.
func NewRedisQueue(ctx context.Context, cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = "relaycast:chat"
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "local"
		}
		group = "relaycast-" + host
	}
	consumer := strings.TrimSpace(cfg.Consumer)
	if consumer == "" {
		consumer = "consumer-" + uuid.NewString()
	}
	q := &RedisQueue{
		client:       cfg.Client,
		stream:       stream,
		group:        group,
		consumer:     consumer,
		blockTimeout: cfg.BlockTimeout,
		maxLen:       cfg.MaxLen,
		logger:       cfg.Logger,
		local:        newMemoryQueue(cfg.Buffer),
		done:         make(chan struct{}),
	}
	if q.logger == nil {
		q.logger = logging.Discard()
	}
	if q.blockTimeout <= 0 {
		q.blockTimeout = 2 * time.Second
	}
	if err := q.ensureGroup(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *RedisQueue) Publish(ctx context.Context, event Event) error {
	if event.Type == "" {
		return errors.New("event type is required")
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{"payload": string(payload)},
	}
	if q.maxLen > 0 {
		args.MaxLen = q.maxLen
		args.Approx = true
	}
	if err := q.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("publish chat event: %w", err)
	}
	return nil
}

// Subscribe starts the stream reader on first use.
func (q *RedisQueue) Subscribe() Subscription {
	q.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		q.cancel = cancel
		go q.run(ctx)
	})
	return q.local.Subscribe()
}

// Close stops the reader. Existing subscriptions stay open until closed.
func (q *RedisQueue) Close() {
	started := false
	q.startOnce.Do(func() { close(q.done) })
	if q.cancel != nil {
		q.cancel()
		started = true
	}
	if started {
		<-q.done
	}
}

func (q *RedisQueue) ensureGroup(ctx context.Context) error {
	if q.groupReady.Load() {
		return nil
	}
	q.groupMu.Lock()
	defer q.groupMu.Unlock()
	if q.groupReady.Load() {
		return nil
	}
	if err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "$").Err(); err != nil && !isBusyGroup(err) {
		return fmt.Errorf("create chat consumer group: %w", err)
	}
	q.groupReady.Store(true)
	return nil
}

func (q *RedisQueue) run(ctx context.Context) {
	defer close(q.done)
	for {
		if ctx.Err() != nil {
			return
		}
		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: q.consumer,
			Streams:  []string{q.stream, ">"},
			Count:    32,
			Block:    q.blockTimeout,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			q.logger.Warn("chat stream read failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(200 * time.Millisecond):
			}
			continue
		}
		for _, stream := range streams {
			for _, message := range stream.Messages {
				q.deliver(ctx, message)
			}
		}
	}
}

func (q *RedisQueue) deliver(ctx context.Context, message redis.XMessage) {
	defer func() {
		if err := q.client.XAck(ctx, q.stream, q.group, message.ID).Err(); err != nil && ctx.Err() == nil {
			q.logger.Warn("chat stream ack failed", "id", message.ID, "error", err)
		}
	}()
	raw, _ := message.Values["payload"].(string)
	if raw == "" {
		return
	}
	var event Event
	if err := json.Unmarshal([]byte(raw), &event); err != nil {
		q.logger.Error("chat stream decode failed", "id", message.ID, "error", err)
		return
	}
	if err := q.local.Publish(ctx, event); err != nil && ctx.Err() == nil {
		q.logger.Warn("chat local fan-out failed", "error", err)
	}
}

func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "busygroup")
}
