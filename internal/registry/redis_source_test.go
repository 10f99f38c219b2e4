package registry_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"relaycast/internal/registry"
	"relaycast/internal/testsupport/redisstub"
)

func startRedis(t *testing.T) (*redisstub.Server, redis.UniversalClient) {
	t.Helper()
	stub, err := redisstub.Start(redisstub.Options{})
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	t.Cleanup(func() { _ = stub.Close() })
	client := redis.NewClient(&redis.Options{Addr: stub.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	return stub, client
}

func mirrorRecord(t *testing.T, fields map[string]any) string {
	t.Helper()
	payload, err := json.Marshal(fields)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(payload)
}

func TestRedisSourceOrdersAndFiltersStale(t *testing.T) {
	stub, client := startRedis(t)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	stub.SetHashField(registry.DefaultMirrorKey, "b", mirrorRecord(t, map[string]any{
		"id": "b", "streamPath": "/live/later", "role": "publish",
		"connectTime": now.Add(-time.Minute).Format(time.RFC3339), "heartbeat": now.Format(time.RFC3339),
	}))
	stub.SetHashField(registry.DefaultMirrorKey, "a", mirrorRecord(t, map[string]any{
		"id": "a", "streamPath": "/live/earlier", "role": "publish",
		"connectTime": now.Add(-time.Hour).Format(time.RFC3339), "heartbeat": now.Format(time.RFC3339),
	}))
	stub.SetHashField(registry.DefaultMirrorKey, "c", mirrorRecord(t, map[string]any{
		"id": "c", "streamPath": "/live/stale", "role": "publish",
		"heartbeat": now.Add(-10 * time.Minute).Format(time.RFC3339),
	}))
	stub.SetHashField(registry.DefaultMirrorKey, "d", "{not json")

	source, err := registry.NewRedisSource(registry.RedisSourceConfig{
		Client:     client,
		StaleAfter: time.Minute,
		Now:        func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("NewRedisSource: %v", err)
	}

	listing, err := registry.New(source).ListLive(context.Background())
	if err != nil {
		t.Fatalf("ListLive: %v", err)
	}
	if len(listing.Streams) != 2 {
		t.Fatalf("expected 2 fresh streams, got %+v", listing.Streams)
	}
	if listing.Streams[0].StreamKey != "earlier" || listing.Streams[1].StreamKey != "later" {
		t.Fatalf("expected connect-time order, got %+v", listing.Streams)
	}
}

func TestRedisSourceFailureIsUnavailable(t *testing.T) {
	stub, client := startRedis(t)
	stub.SetFailing(true)

	source, err := registry.NewRedisSource(registry.RedisSourceConfig{Client: client})
	if err != nil {
		t.Fatalf("NewRedisSource: %v", err)
	}
	_, err = registry.New(source).GetLive(context.Background(), "k")
	if !errors.Is(err, registry.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestNewRedisSourceRequiresClient(t *testing.T) {
	if _, err := registry.NewRedisSource(registry.RedisSourceConfig{}); err == nil {
		t.Fatal("expected error without client")
	}
}
