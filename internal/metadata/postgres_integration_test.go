//go:build postgres

package metadata

import (
	"context"
	"os"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("RELAYCAST_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("RELAYCAST_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	store, err := NewPostgresStore(ctx, PostgresConfig{DSN: dsn, ApplicationName: "relaycast-test"})
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}
	t.Cleanup(store.Close)
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
	for _, table := range []string{"chat_messages", "streams", "channels"} {
		if _, err := store.pool.Exec(ctx, "TRUNCATE "+table); err != nil {
			t.Fatalf("truncate %s: %v", table, err)
		}
	}
	return store
}

func TestPostgresStoreStreamRuns(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	if err := store.UpsertChannel(ctx, "k1", ChannelMetadata{ChannelID: "c1", Name: "One", Category: "Games", SubscriberCount: 9}); err != nil {
		t.Fatalf("UpsertChannel: %v", err)
	}
	if err := store.StartStream(ctx, StreamControl{StreamKey: "k1", Title: "first", At: base}); err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	if err := store.StartStream(ctx, StreamControl{StreamKey: "k1", Title: "restart", At: base.Add(time.Minute)}); err != nil {
		t.Fatalf("StartStream restart: %v", err)
	}

	records, err := store.LiveStreams(ctx)
	if err != nil {
		t.Fatalf("LiveStreams: %v", err)
	}
	if len(records) != 1 || records[0].Title != "restart" || records[0].ChannelID != "c1" || records[0].SubscriberCount != 9 {
		t.Fatalf("unexpected live streams %+v", records)
	}

	if err := store.StopStream(ctx, StreamControl{StreamKey: "k1", At: base.Add(time.Hour)}); err != nil {
		t.Fatalf("StopStream: %v", err)
	}
	if records, _ := store.LiveStreams(ctx); len(records) != 0 {
		t.Fatalf("expected no live streams, got %+v", records)
	}
}

func TestPostgresStoreChat(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"b", "a"} {
		msg := ChatMessage{ID: id, StreamID: "s1", Sender: "ann", Message: "hi", SentAt: base.Add(time.Duration(i) * time.Second)}
		if err := store.SendChat(ctx, msg); err != nil {
			t.Fatalf("SendChat: %v", err)
		}
		if err := store.SendChat(ctx, msg); err != nil {
			t.Fatalf("SendChat duplicate: %v", err)
		}
	}
	history, err := store.ChatHistory(ctx, "s1", base.Add(-time.Second))
	if err != nil {
		t.Fatalf("ChatHistory: %v", err)
	}
	if len(history) != 2 || history[0].ID != "b" || history[1].ID != "a" {
		t.Fatalf("unexpected history %+v", history)
	}
}
