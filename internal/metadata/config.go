package metadata

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"relaycast/internal/observability/metrics"
)

// Driver names a Bridge implementation.
type Driver string

const (
	DriverAO       Driver = "ao"
	DriverPostgres Driver = "postgres"
	DriverMemory   Driver = "memory"
)

// Config selects and configures the metadata backend.
type Config struct {
	Driver Driver
	AO     AOConfig
	// Postgres is used by DriverPostgres.
	Postgres PostgresConfig
	// CacheTTL enables CachedBridge when positive.
	CacheTTL time.Duration
}

// LoadConfigFromEnv reads RELAYCAST_METADATA_* variables. The driver defaults
// to ao when a process id is configured and memory otherwise.
func LoadConfigFromEnv() (Config, error) {
	cfg := Config{
		AO: AOConfig{
			ComputeURL:    envOr("RELAYCAST_AO_CU_URL", "https://cu.ao-testnet.xyz"),
			MessageURL:    env("RELAYCAST_AO_MESSAGE_URL"),
			ProcessID:     env("RELAYCAST_AO_PROCESS_ID"),
			Token:         env("RELAYCAST_AO_TOKEN"),
			MaxAttempts:   3,
			RetryInterval: 500 * time.Millisecond,
			Timeout:       10 * time.Second,
		},
		Postgres: PostgresConfig{
			DSN:             env("RELAYCAST_POSTGRES_DSN"),
			ApplicationName: "relaycast",
		},
		CacheTTL: 2 * time.Second,
	}

	driver := strings.ToLower(env("RELAYCAST_METADATA_DRIVER"))
	switch {
	case driver != "":
		cfg.Driver = Driver(driver)
	case cfg.AO.ProcessID != "":
		cfg.Driver = DriverAO
	default:
		cfg.Driver = DriverMemory
	}

	var err error
	if cfg.AO.MaxAttempts, err = envInt("RELAYCAST_AO_MAX_ATTEMPTS", cfg.AO.MaxAttempts); err != nil {
		return Config{}, err
	}
	if cfg.AO.RetryInterval, err = envDuration("RELAYCAST_AO_RETRY_INTERVAL", cfg.AO.RetryInterval); err != nil {
		return Config{}, err
	}
	if cfg.AO.Timeout, err = envDuration("RELAYCAST_AO_TIMEOUT", cfg.AO.Timeout); err != nil {
		return Config{}, err
	}
	if cfg.CacheTTL, err = envDuration("RELAYCAST_METADATA_CACHE_TTL", cfg.CacheTTL); err != nil {
		return Config{}, err
	}
	maxConns, err := envInt("RELAYCAST_POSTGRES_MAX_CONNS", 0)
	if err != nil {
		return Config{}, err
	}
	cfg.Postgres.MaxConnections = int32(maxConns)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the selected driver has what it needs.
func (c Config) Validate() error {
	switch c.Driver {
	case DriverAO:
		if strings.TrimSpace(c.AO.ProcessID) == "" {
			return fmt.Errorf("RELAYCAST_AO_PROCESS_ID is required for the ao driver")
		}
		if strings.TrimSpace(c.AO.ComputeURL) == "" {
			return fmt.Errorf("RELAYCAST_AO_CU_URL is required for the ao driver")
		}
	case DriverPostgres:
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			return fmt.Errorf("RELAYCAST_POSTGRES_DSN is required for the postgres driver")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown metadata driver %q", c.Driver)
	}
	return nil
}

// Dependencies are shared clients handed to Open.
type Dependencies struct {
	Redis   redis.UniversalClient
	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

// Open builds the configured Bridge. The returned close function releases
// backend resources and is never nil.
func Open(ctx context.Context, cfg Config, deps Dependencies) (Bridge, func(), error) {
	var (
		bridge  Bridge
		closeFn = func() {}
	)
	switch cfg.Driver {
	case DriverAO:
		aoCfg := cfg.AO
		aoCfg.Logger = deps.Logger
		aoCfg.Metrics = deps.Metrics
		client, err := NewAOClient(aoCfg)
		if err != nil {
			return nil, nil, err
		}
		bridge = client
	case DriverPostgres:
		store, err := NewPostgresStore(ctx, cfg.Postgres)
		if err != nil {
			return nil, nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, nil, err
		}
		bridge = store
		closeFn = store.Close
	case DriverMemory:
		bridge = NewMemoryStore()
	default:
		return nil, nil, fmt.Errorf("unknown metadata driver %q", cfg.Driver)
	}
	if cfg.CacheTTL > 0 {
		bridge = NewCachedBridge(bridge, CacheConfig{Client: deps.Redis, TTL: cfg.CacheTTL, Logger: deps.Logger})
	}
	return bridge, closeFn, nil
}

func env(name string) string {
	return strings.TrimSpace(os.Getenv(name))
}

func envOr(name, fallback string) string {
	if value := env(name); value != "" {
		return value
	}
	return fallback
}

func envInt(name string, fallback int) (int, error) {
	raw := env(name)
	if raw == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", name, err)
	}
	return parsed, nil
}

func envDuration(name string, fallback time.Duration) (time.Duration, error) {
	raw := env(name)
	if raw == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", name, err)
	}
	return parsed, nil
}
