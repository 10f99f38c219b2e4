package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"relaycast/internal/metadata"
)

type recordingStore struct {
	migrated   bool
	upserts    []string
	migrateErr error
}

func (s *recordingStore) Migrate(context.Context) error {
	s.migrated = true
	return s.migrateErr
}

func (s *recordingStore) UpsertChannel(_ context.Context, streamKey string, channel metadata.ChannelMetadata) error {
	s.upserts = append(s.upserts, streamKey+"="+channel.ChannelID)
	return nil
}

func writeSeeds(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "channels.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write seeds: %v", err)
	}
	return path
}

func TestLoadSeedsAndRun(t *testing.T) {
	path := writeSeeds(t, `[
		{"streamKey": " abc ", "channelId": "c1", "name": "Alpha", "category": "games", "subscriberCount": 12},
		{"streamKey": "def", "channelId": "c2"}
	]`)
	seeds, err := loadSeeds(path)
	if err != nil {
		t.Fatalf("loadSeeds: %v", err)
	}
	if len(seeds) != 2 || seeds[0].StreamKey != "abc" || seeds[0].Name != "Alpha" || seeds[0].SubscriberCount != 12 {
		t.Fatalf("unexpected seeds %+v", seeds)
	}

	store := &recordingStore{}
	if err := run(context.Background(), store, seeds); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !store.migrated || strings.Join(store.upserts, ",") != "abc=c1,def=c2" {
		t.Fatalf("unexpected store calls %+v", store)
	}
}

func TestLoadSeedsRejectsInvalidFiles(t *testing.T) {
	cases := map[string]string{
		"malformed":   `{`,
		"empty":       `[]`,
		"missing key": `[{"channelId": "c1"}]`,
		"duplicate":   `[{"streamKey": "a", "channelId": "c1"}, {"streamKey": "a", "channelId": "c2"}]`,
	}
	for name, body := range cases {
		if _, err := loadSeeds(writeSeeds(t, body)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestRunStopsOnMigrationFailure(t *testing.T) {
	store := &recordingStore{migrateErr: errors.New("permission denied")}
	if err := run(context.Background(), store, []channelSeed{{StreamKey: "a"}}); err == nil {
		t.Fatal("expected migration error")
	}
	if len(store.upserts) != 0 {
		t.Fatalf("expected no upserts after a failed migration")
	}
}
