// Command viewer is a headless relaycast client. It keeps the live channel
// list in sync with the status service, optionally plays one stream through
// the recovery loop and follows its chat.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"relaycast/internal/metadata"
	"relaycast/internal/observability/logging"
	"relaycast/internal/observability/metrics"
	"relaycast/internal/observability/tracing"
	"relaycast/internal/viewer"
)

const (
	protocolHLS = "hls"
	protocolFLV = "flv"
)

func main() {
	envFile := flag.String("env-file", ".env", "optional dotenv file applied before reading RELAYCAST_* variables")
	serverURL := flag.String("server", "", "status service base URL (default RELAYCAST_VIEWER_SERVER or http://localhost:8080)")
	token := flag.String("control-token", "", "bearer token for start/stop requests")
	interval := flag.Duration("interval", 0, "stream list sync interval")
	fetchTimeout := flag.Duration("fetch-timeout", 0, "per-tick fetch timeout")
	stream := flag.String("stream", "", "stream key to play")
	protocol := flag.String("protocol", "", "playback protocol (hls or flv)")
	mediaBase := flag.String("media-base", "", "media server base URL (default from /api/rtmp-config)")
	output := flag.String("output", "", "file receiving played media (default discard)")
	reloadDelay := flag.Duration("reload-delay", 0, "delay before reloading a failed stream")
	maxAttempts := flag.Int("max-attempts", 0, "consecutive failed loads before giving up (0 retries forever)")
	chatStream := flag.String("chat", "", "stream id whose chat to follow (defaults to the played stream)")
	noChat := flag.Bool("no-chat", false, "do not follow chat")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	otelEndpoint := flag.String("otel-endpoint", "", "OTLP/gRPC collector endpoint")
	flag.Parse()

	if err := loadEnvFile(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "load env file: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("RELAYCAST_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("RELAYCAST_LOG_FORMAT"), string(logging.FormatText)),
	})
	logger = logging.WithComponent(logger, "viewer")
	recorder := metrics.Default()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{ServiceName: "relaycast-viewer", Endpoint: *otelEndpoint}, logger)
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(shutdownCtx)
	}()

	client, err := viewer.NewAPIClient(viewer.ClientConfig{
		BaseURL:      firstNonEmpty(*serverURL, os.Getenv("RELAYCAST_VIEWER_SERVER"), "http://localhost:8080"),
		ControlToken: firstNonEmpty(*token, os.Getenv("RELAYCAST_CONTROL_TOKEN")),
		Logger:       logger,
	})
	if err != nil {
		logger.Error("invalid server url", "error", err)
		os.Exit(1)
	}

	out := os.Stdout
	var previous []viewer.Channel
	syncer, err := viewer.NewSyncer(viewer.SyncerConfig{
		Source:       client,
		Interval:     *interval,
		FetchTimeout: *fetchTimeout,
		Logger:       logger,
		Metrics:      recorder,
		OnCommit: func(snapshot viewer.Snapshot) {
			if snapshot.LastError != nil {
				if snapshot.Degraded {
					fmt.Fprintf(out, "status service unreachable (%d failures), showing last known list\n", snapshot.Failures)
				}
				return
			}
			for _, line := range describeChanges(previous, snapshot.Channels) {
				fmt.Fprintln(out, line)
			}
			previous = snapshot.Channels
		},
	})
	if err != nil {
		logger.Error("create syncer", "error", err)
		os.Exit(1)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	if err := syncer.Start(groupCtx); err != nil {
		logger.Error("start syncer", "error", err)
		os.Exit(1)
	}
	defer syncer.Stop()
	group.Go(func() error {
		viewer.FollowPush(groupCtx, client, syncer, 0, logger)
		return nil
	})

	key := strings.TrimSpace(*stream)
	if key != "" {
		sink, err := openSink(*output)
		if err != nil {
			logger.Error("open output", "error", err)
			os.Exit(1)
		}
		defer sink.Close()

		base := strings.TrimSpace(*mediaBase)
		if base == "" {
			base, err = client.MediaBase(ctx)
			if err != nil {
				logger.Error("resolve media server", "error", err)
				os.Exit(1)
			}
		}
		factory, urlFor, err := pipelineFor(firstNonEmpty(*protocol, os.Getenv("RELAYCAST_VIEWER_PROTOCOL"), protocolHLS), base, sink, logger)
		if err != nil {
			logger.Error("configure playback", "error", err)
			os.Exit(1)
		}
		player, err := viewer.NewPlayer(viewer.PlayerConfig{
			NewPipeline: factory,
			URL:         urlFor,
			ReloadDelay: *reloadDelay,
			MaxAttempts: *maxAttempts,
			Logger:      logger,
			Metrics:     recorder,
			OnChange: func(status viewer.PlayerStatus) {
				fmt.Fprintln(out, describePlayer(status))
			},
		})
		if err != nil {
			logger.Error("create player", "error", err)
			os.Exit(1)
		}
		if err := player.Play(groupCtx, key); err != nil {
			logger.Error("play", "error", err)
			os.Exit(1)
		}
		defer player.Stop()
	}

	if chatID := firstNonEmpty(*chatStream, key); chatID != "" && !*noChat {
		group.Go(func() error {
			followChat(groupCtx, client, chatID, viewer.NewChatFeed(), viewer.DefaultSyncInterval, out, logger)
			return nil
		})
	}

	logger.Info("viewer started", "server", client.BaseURL(), "stream", key)
	<-groupCtx.Done()
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("viewer stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("viewer stopped")
}

// chatSource is the part of APIClient the chat follower needs.
type chatSource interface {
	ChatHistory(ctx context.Context, streamID string, since time.Time) ([]metadata.ChatMessage, error)
	WatchChat(ctx context.Context, streamID string, fn func(metadata.ChatMessage)) error
}

// followChat prints chat for streamID. Each (re)connect first catches up from
// history, then follows the live stream; the feed drops duplicates between
// the two.
func followChat(ctx context.Context, source chatSource, streamID string, feed *viewer.ChatFeed, retry time.Duration, out io.Writer, logger *slog.Logger) {
	emit := func(messages []metadata.ChatMessage) {
		for _, msg := range feed.Add(messages) {
			fmt.Fprintf(out, "[%s] %s: %s\n", msg.SentAt.Local().Format("15:04:05"), msg.Sender, msg.Message)
		}
	}
	for {
		history, err := source.ChatHistory(ctx, streamID, feed.Cursor())
		switch {
		case errors.Is(err, viewer.ErrNotConfigured):
			logger.Info("chat unavailable: metadata store not configured")
			return
		case err != nil && ctx.Err() == nil:
			logger.Debug("chat history failed", "error", err)
		default:
			emit(history)
		}

		err = source.WatchChat(ctx, streamID, func(msg metadata.ChatMessage) {
			emit([]metadata.ChatMessage{msg})
		})
		if ctx.Err() != nil {
			return
		}
		logger.Debug("chat stream ended, reconnecting", "error", err, "retry", retry)
		timer := time.NewTimer(retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func pipelineFor(protocol, mediaBase string, sink io.Writer, logger *slog.Logger) (viewer.PipelineFactory, func(string) string, error) {
	switch strings.ToLower(strings.TrimSpace(protocol)) {
	case protocolHLS:
		factory := func() viewer.Pipeline {
			return viewer.NewHLSPipeline(viewer.HLSConfig{Sink: sink, Logger: logger})
		}
		return factory, func(key string) string { return viewer.HLSURL(mediaBase, key) }, nil
	case protocolFLV:
		factory := func() viewer.Pipeline {
			return viewer.NewFLVPipeline(viewer.FLVConfig{Sink: sink, Logger: logger})
		}
		return factory, func(key string) string { return viewer.FLVURL(mediaBase, key) }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported protocol %q", protocol)
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func openSink(path string) (io.WriteCloser, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nopWriteCloser{io.Discard}, nil
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
}

// describeChanges lists channels that went live or offline between two
// committed lists, ordered by stream key.
func describeChanges(prev, next []viewer.Channel) []string {
	before := make(map[string]viewer.Channel, len(prev))
	for _, ch := range prev {
		before[ch.StreamKey] = ch
	}
	after := make(map[string]viewer.Channel, len(next))
	for _, ch := range next {
		after[ch.StreamKey] = ch
	}

	var lines []string
	for key, ch := range after {
		if _, ok := before[key]; !ok {
			lines = append(lines, fmt.Sprintf("live: %s (%s)", key, channelLabel(ch)))
		}
	}
	for key := range before {
		if _, ok := after[key]; !ok {
			lines = append(lines, "offline: "+key)
		}
	}
	sort.Slice(lines, func(i, j int) bool {
		return lineKey(lines[i]) < lineKey(lines[j])
	})
	return lines
}

func lineKey(line string) string {
	_, rest, _ := strings.Cut(line, ": ")
	key, _, _ := strings.Cut(rest, " ")
	return key
}

func channelLabel(ch viewer.Channel) string {
	name := firstNonEmpty(ch.Name, ch.StreamKey)
	if ch.Title != "" {
		name += " - " + ch.Title
	}
	return name
}

func describePlayer(status viewer.PlayerStatus) string {
	switch {
	case status.State == viewer.StateError && status.Failed:
		return fmt.Sprintf("playback of %s failed after %d attempts: %v", status.Key, status.Attempts, status.Err)
	case status.State == viewer.StateError:
		return fmt.Sprintf("playback of %s interrupted, retrying: %v", status.Key, status.Err)
	case status.Key == "":
		return "player " + string(status.State)
	default:
		return fmt.Sprintf("player %s %s", status.State, status.Key)
	}
}

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

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
