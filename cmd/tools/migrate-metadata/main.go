// Command migrate-metadata applies the metadata schema to Postgres and
// optionally seeds channel records from a JSON file.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"relaycast/internal/metadata"
)

// channelSeed is one entry of the seed file.
type channelSeed struct {
	StreamKey string `json:"streamKey"`
	metadata.ChannelMetadata
}

type channelStore interface {
	Migrate(ctx context.Context) error
	UpsertChannel(ctx context.Context, streamKey string, channel metadata.ChannelMetadata) error
}

func main() {
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	channelsPath := flag.String("channels", "", "optional JSON file of channels to upsert")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	dsn := strings.TrimSpace(*postgresDSN)
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("RELAYCAST_POSTGRES_DSN"))
	}
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	}
	if dsn == "" {
		logger.Error("postgres DSN required", "hint", "set --postgres-dsn, RELAYCAST_POSTGRES_DSN, or DATABASE_URL")
		os.Exit(1)
	}

	var seeds []channelSeed
	if path := strings.TrimSpace(*channelsPath); path != "" {
		loaded, err := loadSeeds(path)
		if err != nil {
			logger.Error("failed to load channel seeds", "error", err)
			os.Exit(1)
		}
		seeds = loaded
		logger.Info("loaded channel seeds", "path", path, "channels", len(seeds))
	}

	ctx := context.Background()
	store, err := metadata.NewPostgresStore(ctx, metadata.PostgresConfig{DSN: dsn, ApplicationName: "relaycast-migrate"})
	if err != nil {
		logger.Error("failed to open postgres store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	if err := run(ctx, store, seeds); err != nil {
		logger.Error("migration failed", "error", err)
		os.Exit(1)
	}
	logger.Info("migration completed", "channels", len(seeds))
}

func run(ctx context.Context, store channelStore, seeds []channelSeed) error {
	if err := store.Migrate(ctx); err != nil {
		return err
	}
	for _, seed := range seeds {
		if err := store.UpsertChannel(ctx, seed.StreamKey, seed.ChannelMetadata); err != nil {
			return err
		}
	}
	return nil
}

func loadSeeds(path string) ([]channelSeed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var seeds []channelSeed
	if err := json.Unmarshal(data, &seeds); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	seen := make(map[string]struct{}, len(seeds))
	for i, seed := range seeds {
		seeds[i].StreamKey = strings.TrimSpace(seed.StreamKey)
		seeds[i].ChannelID = strings.TrimSpace(seed.ChannelID)
		if seeds[i].StreamKey == "" || seeds[i].ChannelID == "" {
			return nil, fmt.Errorf("channel %d: streamKey and channelId are required", i)
		}
		if _, dup := seen[seeds[i].StreamKey]; dup {
			return nil, fmt.Errorf("channel %d: duplicate stream key %q", i, seeds[i].StreamKey)
		}
		seen[seeds[i].StreamKey] = struct{}{}
	}
	if len(seeds) == 0 {
		return nil, errors.New("seed file lists no channels")
	}
	return seeds, nil
}
