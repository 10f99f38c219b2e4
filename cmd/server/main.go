// Command server runs the relaycast status service: the embedded RTMP ingest
// gateway (or a Redis-mirrored session table), the status API, the metadata
// bridge and chat relay.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"relaycast/internal/api"
	"relaycast/internal/chat"
	"relaycast/internal/ingest"
	"relaycast/internal/metadata"
	"relaycast/internal/observability/logging"
	"relaycast/internal/observability/metrics"
	"relaycast/internal/observability/tracing"
	"relaycast/internal/registry"
	"relaycast/internal/server"
	"relaycast/internal/serverutil"
)

const (
	sourceGateway = "gateway"
	sourceRedis   = "redis"
)

func main() {
	envFile := flag.String("env-file", ".env", "dotenv file loaded before configuration is resolved")
	addr := flag.String("addr", "", "HTTP listen address for the status API")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	sessionSource := flag.String("session-source", "", "where live sessions come from (gateway or redis)")
	staleAfter := flag.Duration("session-stale-after", 0, "ignore mirrored sessions whose heartbeat is older than this")
	mirrorInterval := flag.Duration("mirror-interval", 0, "how often the gateway refreshes its Redis session mirror")
	controlToken := flag.String("control-token", "", "bearer token for the stream start/stop routes")
	corsOrigins := flag.String("cors-origins", "", "comma separated allowed browser origins, * for any")
	trustProxy := flag.Bool("trust-proxy-headers", false, "trust X-Forwarded-For and X-Real-IP for client addresses")
	globalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := flag.Int("rate-global-burst", 0, "global rate limit burst allowance")
	chatLimit := flag.Int("rate-chat-limit", 0, "maximum chat messages per window for a single IP")
	chatWindow := flag.Duration("rate-chat-window", 0, "window for counting chat messages")
	redisAddrs := flag.String("redis-addrs", "", "comma separated Redis addresses")
	redisUsername := flag.String("redis-username", "", "Redis username")
	redisPassword := flag.String("redis-password", "", "Redis password")
	redisMasterName := flag.String("redis-sentinel-master", "", "Redis sentinel master name")
	redisPoolSize := flag.Int("redis-pool-size", 0, "maximum Redis connections")
	redisTimeout := flag.Duration("redis-timeout", 0, "timeout for rate limiter Redis operations")
	redisTLSCA := flag.String("redis-tls-ca", "", "path to Redis TLS CA certificate")
	redisTLSServerName := flag.String("redis-tls-server-name", "", "override Redis TLS server name")
	redisTLSSkipVerify := flag.Bool("redis-tls-skip-verify", false, "skip Redis TLS verification")
	chatQueueDriver := flag.String("chat-queue-driver", "", "chat queue driver (memory or redis)")
	chatStream := flag.String("chat-queue-stream", "", "Redis stream key for chat events")
	chatGroup := flag.String("chat-queue-group", "", "Redis consumer group for this process")
	otelEndpoint := flag.String("otel-endpoint", "", "OTLP/gRPC collector address")
	otelInsecure := flag.Bool("otel-insecure", false, "disable TLS to the OTLP collector")
	flag.Parse()

	if err := loadEnvFile(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "load env file: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("RELAYCAST_LOG_LEVEL"), "info"),
		Format: firstNonEmpty(*logFormat, os.Getenv("RELAYCAST_LOG_FORMAT")),
	})
	recorder := metrics.Default()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		ServiceName: "relaycast-server",
		Endpoint:    firstNonEmpty(*otelEndpoint, os.Getenv("RELAYCAST_OTEL_ENDPOINT")),
		Insecure:    resolveBool(*otelInsecure, "RELAYCAST_OTEL_INSECURE"),
	}, logger)
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("failed to flush traces", "error", err)
		}
	}()

	ingestCfg, err := ingest.LoadConfigFromEnv()
	if err != nil {
		logger.Error("failed to load ingest configuration", "error", err)
		os.Exit(1)
	}

	redisCfg := redisSettings{
		Addrs:         splitAndTrim(firstNonEmpty(*redisAddrs, os.Getenv("RELAYCAST_REDIS_ADDRS"), os.Getenv("RELAYCAST_REDIS_ADDR"))),
		Username:      firstNonEmpty(*redisUsername, os.Getenv("RELAYCAST_REDIS_USERNAME")),
		Password:      firstNonEmpty(*redisPassword, os.Getenv("RELAYCAST_REDIS_PASSWORD")),
		MasterName:    firstNonEmpty(*redisMasterName, os.Getenv("RELAYCAST_REDIS_SENTINEL_MASTER")),
		PoolSize:      resolveInt(*redisPoolSize, "RELAYCAST_REDIS_POOL_SIZE"),
		TLSCAFile:     firstNonEmpty(*redisTLSCA, os.Getenv("RELAYCAST_REDIS_TLS_CA")),
		TLSServerName: firstNonEmpty(*redisTLSServerName, os.Getenv("RELAYCAST_REDIS_TLS_SERVER_NAME")),
		TLSSkipVerify: resolveBool(*redisTLSSkipVerify, "RELAYCAST_REDIS_TLS_SKIP_VERIFY"),
	}
	redisClient, err := newRedisClient(redisCfg)
	if err != nil {
		logger.Error("failed to configure redis", "error", err)
		os.Exit(1)
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	mode, err := resolveSessionSource(*sessionSource, os.Getenv("RELAYCAST_SESSION_SOURCE"), redisClient != nil)
	if err != nil {
		logger.Error("invalid session source", "error", err)
		os.Exit(1)
	}

	var (
		gateway *ingest.Gateway
		source  registry.SessionSource
	)
	switch mode {
	case sourceGateway:
		gateway = ingest.New(ingestCfg,
			ingest.WithLogger(logging.WithComponent(logger, "ingest")),
			ingest.WithMetrics(recorder),
			ingest.WithEventBus(ingest.NewEventBus(0)),
		)
		source = gateway
	case sourceRedis:
		redisSource, err := registry.NewRedisSource(registry.RedisSourceConfig{
			Client:     redisClient,
			StaleAfter: resolveDuration(*staleAfter, "RELAYCAST_SESSION_STALE_AFTER", 90*time.Second),
			Logger:     logging.WithComponent(logger, "sessions"),
		})
		if err != nil {
			logger.Error("failed to configure redis session source", "error", err)
			os.Exit(1)
		}
		source = redisSource
	}
	reg := registry.New(source,
		registry.WithLogger(logging.WithComponent(logger, "registry")),
		registry.WithMetrics(recorder),
	)

	metadataCfg, err := metadata.LoadConfigFromEnv()
	if err != nil {
		logger.Error("failed to load metadata configuration", "error", err)
		os.Exit(1)
	}
	bridge, closeBridge, err := metadata.Open(ctx, metadataCfg, metadata.Dependencies{
		Redis:   redisClient,
		Logger:  logging.WithComponent(logger, "metadata"),
		Metrics: recorder,
	})
	if err != nil {
		logger.Error("failed to open metadata bridge", "error", err)
		os.Exit(1)
	}
	defer closeBridge()

	chatDriver := firstNonEmpty(*chatQueueDriver, os.Getenv("RELAYCAST_CHAT_QUEUE_DRIVER"))
	if chatDriver == "" && redisClient != nil {
		chatDriver = "redis"
	}
	chatQueueCfg := chat.RedisQueueConfig{
		Client: redisClient,
		Stream: firstNonEmpty(*chatStream, os.Getenv("RELAYCAST_CHAT_QUEUE_STREAM")),
		Group:  firstNonEmpty(*chatGroup, os.Getenv("RELAYCAST_CHAT_QUEUE_GROUP")),
	}
	queue, err := configureChatQueue(ctx, chatDriver, chatQueueCfg, logger)
	if err != nil {
		logger.Error("failed to configure chat queue", "error", err)
		os.Exit(1)
	}
	if closer, ok := queue.(interface{ Close() }); ok {
		defer closer.Close()
	}

	relay, err := chat.NewRelay(chat.RelayConfig{
		Bridge:  bridge,
		Queue:   queue,
		Logger:  logging.WithComponent(logger, "chat"),
		Metrics: recorder,
	})
	if err != nil {
		logger.Error("failed to configure chat relay", "error", err)
		os.Exit(1)
	}

	handler := api.NewHandler(reg)
	handler.Ingest = ingestCfg
	handler.Bridge = bridge
	handler.Chat = relay
	handler.ControlToken = firstNonEmpty(*controlToken, os.Getenv("RELAYCAST_CONTROL_TOKEN"))
	handler.Logger = logging.WithComponent(logger, "api")
	handler.Metrics = recorder
	if gateway != nil {
		handler.IngestHealth = gateway.Health
		handler.Events = gateway.Events()
	}

	listenAddr := firstNonEmpty(*addr, os.Getenv("RELAYCAST_ADDR"), ":8080")
	tlsCfg := server.TLSConfig{
		CertFile: firstNonEmpty(*tlsCert, os.Getenv("RELAYCAST_TLS_CERT")),
		KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("RELAYCAST_TLS_KEY")),
	}
	srv, err := server.New(handler, server.Config{
		Addr: listenAddr,
		TLS:  tlsCfg,
		CORS: server.CORSConfig{Origins: splitAndTrim(firstNonEmpty(*corsOrigins, os.Getenv("RELAYCAST_CORS_ORIGINS")))},
		Security: server.SecurityConfig{
			MediaSources: []string{ingestCfg.MediaBaseURL()},
		},
		RateLimit: server.RateLimitConfig{
			GlobalRPS:    resolveFloat(*globalRPS, "RELAYCAST_RATE_GLOBAL_RPS"),
			GlobalBurst:  resolveInt(*globalBurst, "RELAYCAST_RATE_GLOBAL_BURST"),
			ChatLimit:    resolveInt(*chatLimit, "RELAYCAST_RATE_CHAT_LIMIT"),
			ChatWindow:   resolveDuration(*chatWindow, "RELAYCAST_RATE_CHAT_WINDOW", time.Minute),
			RedisTimeout: resolveDuration(*redisTimeout, "RELAYCAST_REDIS_TIMEOUT", 2*time.Second),
		},
		TrustProxyHeaders: resolveBool(*trustProxy, "RELAYCAST_TRUST_PROXY_HEADERS"),
		Logger:            logging.WithComponent(logger, "http"),
		Metrics:           recorder,
		Redis:             redisClient,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	servers := []serverutil.Config{{
		Server: srv.HTTPServer(),
		TLS:    serverutil.TLSConfig{CertFile: tlsCfg.CertFile, KeyFile: tlsCfg.KeyFile},
	}}
	if gateway != nil {
		if ingestCfg.HTTPAddr != "" {
			servers = append(servers, serverutil.Config{Server: &http.Server{
				Addr:              ingestCfg.HTTPAddr,
				Handler:           gateway.MediaHandler(),
				ReadHeaderTimeout: 5 * time.Second,
			}})
		}
		group.Go(func() error { return gateway.Run(groupCtx) })

		if redisClient != nil {
			mirror, err := ingest.NewRedisMirror(ingest.RedisMirrorConfig{
				Client: redisClient,
				Source: gateway,
				Logger: logging.WithComponent(logger, "mirror"),
			})
			if err != nil {
				logger.Error("failed to configure session mirror", "error", err)
				os.Exit(1)
			}
			sub := gateway.Events().Subscribe()
			group.Go(func() error {
				mirror.Run(groupCtx, sub)
				return nil
			})
			interval := resolveDuration(*mirrorInterval, "RELAYCAST_MIRROR_INTERVAL", 30*time.Second)
			stopHeartbeat := startMirrorHeartbeat(groupCtx, logging.WithComponent(logger, "mirror-heartbeat"), mirror, interval)
			defer stopHeartbeat()
		}
	}
	group.Go(func() error { return serverutil.RunGroup(groupCtx, servers...) })

	logger.Info("relaycast listening", startupSummary(startupSummaryInput{
		Addr:          listenAddr,
		SessionSource: mode,
		Ingest:        ingestCfg,
		Metadata:      metadataCfg,
		ChatDriver:    chatDriver,
		ChatStream:    chatQueueCfg.Stream,
		RedisAddrs:    redisCfg.Addrs,
	})...)

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server error", "error", err)
		stop()
		os.Exit(1)
	}
	logger.Info("server stopped")
}

// loadEnvFile applies a dotenv file without overriding variables that are
// already set. A missing file is not an error.
func loadEnvFile(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

type startupSummaryInput struct {
	Addr          string
	SessionSource string
	Ingest        ingest.Config
	Metadata      metadata.Config
	ChatDriver    string
	ChatStream    string
	RedisAddrs    []string
}

// startupSummary returns slog key/value pairs describing the resolved
// configuration with credentials redacted.
func startupSummary(in startupSummaryInput) []any {
	redisSummary := map[string]any{"enabled": len(in.RedisAddrs) > 0}
	if len(in.RedisAddrs) > 0 {
		redisSummary["addrs"] = strings.Join(in.RedisAddrs, ",")
	}

	metadataSummary := map[string]any{"driver": string(in.Metadata.Driver)}
	switch in.Metadata.Driver {
	case metadata.DriverPostgres:
		metadataSummary["dsn"] = redactDSN(in.Metadata.Postgres.DSN)
	case metadata.DriverAO:
		metadataSummary["process_id"] = in.Metadata.AO.ProcessID
		metadataSummary["compute_url"] = in.Metadata.AO.ComputeURL
	}
	if in.Metadata.CacheTTL > 0 {
		metadataSummary["cache_ttl"] = in.Metadata.CacheTTL.String()
	}

	chatSummary := map[string]any{"driver": firstNonEmpty(in.ChatDriver, "memory")}
	if in.ChatStream != "" {
		chatSummary["stream"] = in.ChatStream
	}

	ingestSummary := map[string]any{"enabled": in.SessionSource == sourceGateway}
	if in.SessionSource == sourceGateway {
		ingestSummary["rtmp_addr"] = in.Ingest.RTMPAddr
		ingestSummary["media_addr"] = in.Ingest.HTTPAddr
		ingestSummary["publish_url"] = in.Ingest.PublishURL()
		ingestSummary["duplicate_policy"] = string(in.Ingest.DuplicatePolicy)
		ingestSummary["publish_secret"] = in.Ingest.PublishSecretHash != ""
	}

	return []any{
		"addr", in.Addr,
		"session_source", in.SessionSource,
		"ingest", ingestSummary,
		"metadata", metadataSummary,
		"chat_queue", chatSummary,
		"redis", redisSummary,
	}
}

func redactDSN(raw string) string {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || parsed.User == nil {
		return raw
	}
	if _, ok := parsed.User.Password(); ok {
		parsed.User = url.UserPassword(parsed.User.Username(), "*****")
	}
	return parsed.String()
}

func resolveSessionSource(flagValue, envValue string, redisConfigured bool) (string, error) {
	mode := strings.ToLower(firstNonEmpty(flagValue, envValue))
	switch mode {
	case "", sourceGateway:
		return sourceGateway, nil
	case sourceRedis:
		if !redisConfigured {
			return "", fmt.Errorf("session source %q requires RELAYCAST_REDIS_ADDRS", mode)
		}
		return sourceRedis, nil
	default:
		return "", fmt.Errorf("unsupported session source %q", mode)
	}
}

type redisSettings struct {
	Addrs         []string
	Username      string
	Password      string
	MasterName    string
	PoolSize      int
	TLSCAFile     string
	TLSServerName string
	TLSSkipVerify bool
}

// newRedisClient returns nil when no address is configured.
func newRedisClient(cfg redisSettings) (redis.UniversalClient, error) {
	if len(cfg.Addrs) == 0 {
		return nil, nil
	}
	opts := &redis.UniversalOptions{
		Addrs:      cfg.Addrs,
		Username:   cfg.Username,
		Password:   cfg.Password,
		MasterName: cfg.MasterName,
		PoolSize:   cfg.PoolSize,
	}
	if cfg.TLSCAFile != "" || cfg.TLSServerName != "" || cfg.TLSSkipVerify {
		tlsCfg := &tls.Config{
			MinVersion:         tls.VersionTLS12,
			ServerName:         cfg.TLSServerName,
			InsecureSkipVerify: cfg.TLSSkipVerify,
		}
		if cfg.TLSCAFile != "" {
			pem, err := os.ReadFile(cfg.TLSCAFile)
			if err != nil {
				return nil, fmt.Errorf("read redis CA: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(pem) {
				return nil, fmt.Errorf("redis CA %s contains no certificates", cfg.TLSCAFile)
			}
			tlsCfg.RootCAs = pool
		}
		opts.TLSConfig = tlsCfg
	}
	return redis.NewUniversalClient(opts), nil
}

func configureChatQueue(ctx context.Context, driver string, cfg chat.RedisQueueConfig, logger *slog.Logger) (chat.Queue, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	if driver == "" && cfg.Client != nil {
		driver = "redis"
	}
	switch driver {
	case "redis":
		if cfg.Client == nil {
			return nil, fmt.Errorf("redis addr is required for chat queue")
		}
		cfg.Logger = logging.WithComponent(logger, "chat-queue")
		return chat.NewRedisQueue(ctx, cfg)
	case "", "memory":
		return chat.NewMemoryQueue(128), nil
	default:
		return nil, fmt.Errorf("unsupported chat queue driver %q", driver)
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveFloat(flagValue float64, envKey string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return fallback
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}
