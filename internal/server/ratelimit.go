package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimitConfig bounds request throughput. GlobalRPS caps the whole API;
// ChatLimit caps chat posts per client IP within ChatWindow. When Redis is
// set the chat counters are shared across instances.
type RateLimitConfig struct {
	GlobalRPS    float64
	GlobalBurst  int
	ChatLimit    int
	ChatWindow   time.Duration
	Redis        redis.UniversalClient
	RedisTimeout time.Duration
	KeyPrefix    string
}

type rateLimiter struct {
	global      *tokenBucket
	chatLimit   int
	chatWindow  time.Duration
	chatMu      sync.Mutex
	chatBuckets map[string]*ipLimiter
	store       tokenStore
	prefix      string
	now         func() time.Time
}

type ipLimiter struct {
	bucket   *tokenBucket
	lastSeen time.Time
}

type tokenStore interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error)
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	rl := &rateLimiter{
		chatLimit:   cfg.ChatLimit,
		chatWindow:  cfg.ChatWindow,
		chatBuckets: make(map[string]*ipLimiter),
		prefix:      strings.TrimSpace(cfg.KeyPrefix),
		now:         time.Now,
	}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = int(cfg.GlobalRPS)
			if burst < 1 {
				burst = 1
			}
		}
		rl.global = newTokenBucket(cfg.GlobalRPS, burst)
	}
	if rl.chatLimit < 0 {
		rl.chatLimit = 0
	}
	if rl.chatWindow <= 0 {
		rl.chatWindow = time.Minute
	}
	if rl.prefix == "" {
		rl.prefix = "relaycast"
	}
	if cfg.Redis != nil && rl.chatLimit > 0 {
		timeout := cfg.RedisTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		rl.store = newRedisStore(cfg.Redis, timeout)
	}
	return rl
}

func (r *rateLimiter) AllowRequest() bool {
	if r == nil || r.global == nil {
		return true
	}
	return r.global.Allow()
}

// AllowChat reports whether the client keyed by key may post another chat
// message, and how long to wait when it may not.
func (r *rateLimiter) AllowChat(ctx context.Context, key string) (bool, time.Duration, error) {
	if r == nil || r.chatLimit <= 0 {
		return true, 0, nil
	}
	if key == "" {
		key = "unknown"
	}
	if r.store != nil {
		return r.store.Allow(ctx, fmt.Sprintf("%s:chat:%s", r.prefix, key), r.chatLimit, r.chatWindow)
	}
	r.chatMu.Lock()
	bucket, exists := r.chatBuckets[key]
	if !exists {
		rate := float64(r.chatLimit) / r.chatWindow.Seconds()
		bucket = &ipLimiter{bucket: newTokenBucket(rate, r.chatLimit)}
		r.chatBuckets[key] = bucket
	}
	bucket.lastSeen = r.now()
	r.cleanupLocked()
	r.chatMu.Unlock()

	if bucket.bucket.Allow() {
		return true, 0, nil
	}
	return false, time.Second, nil
}

func (r *rateLimiter) cleanupLocked() {
	if len(r.chatBuckets) == 0 {
		return
	}
	cutoff := r.now().Add(-2 * r.chatWindow)
	for key, bucket := range r.chatBuckets {
		if bucket.lastSeen.Before(cutoff) {
			delete(r.chatBuckets, key)
		}
	}
}

// isChatPost matches POST /api/streams/{key}/chat.
func isChatPost(r *http.Request) bool {
	if r.Method != http.MethodPost {
		return false
	}
	rest, ok := strings.CutPrefix(r.URL.Path, "/api/streams/")
	if !ok {
		return false
	}
	key, tail, found := strings.Cut(strings.Trim(rest, "/"), "/")
	return found && key != "" && tail == "chat"
}

type tokenBucket struct {
	mu        sync.Mutex
	rate      float64
	capacity  float64
	tokens    float64
	lastCheck time.Time
}

func newTokenBucket(rate float64, burst int) *tokenBucket {
	if rate <= 0 {
		rate = 1
	}
	if burst <= 0 {
		burst = 1
	}
	now := time.Now()
	return &tokenBucket{
		rate:      rate,
		capacity:  float64(burst),
		tokens:    float64(burst),
		lastCheck: now,
	}
}

func (tb *tokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	now := time.Now()
	elapsed := now.Sub(tb.lastCheck).Seconds()
	tb.lastCheck = now
	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	if tb.tokens < 1 {
		return false
	}
	tb.tokens -= 1
	return true
}
