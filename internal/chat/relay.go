package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"relaycast/internal/metadata"
	"relaycast/internal/observability/logging"
	"relaycast/internal/observability/metrics"
)

const (
	DefaultMaxMessageLength = 500
	maxSenderLength         = 64
	anonymousSender         = "anonymous"
)

var (
	ErrInvalidMessage = errors.New("invalid chat message")
	ErrMessageTooLong = errors.New("chat message too long")
)

// Draft is a chat message as submitted by a viewer.
type Draft struct {
	StreamID string `json:"streamId"`
	Sender   string `json:"sender"`
	Message  string `json:"message"`
}

// RelayConfig configures a Relay.
type RelayConfig struct {
	Bridge    metadata.Bridge
	Queue     Queue
	MaxLength int
	Logger    *slog.Logger
	Metrics   *metrics.Recorder
	Now       func() time.Time
}

// Relay accepts chat drafts and forwards them to the metadata store and the
// live subscribers.
type Relay struct {
	bridge    metadata.Bridge
	queue     Queue
	maxLength int
	logger    *slog.Logger
	metrics   *metrics.Recorder
	now       func() time.Time
}

func NewRelay(cfg RelayConfig) (*Relay, error) {
	if cfg.Bridge == nil {
		return nil, errors.New("metadata bridge is required")
	}
	queue := cfg.Queue
	if queue == nil {
		queue = NewMemoryQueue(0)
	}
	maxLength := cfg.MaxLength
	if maxLength <= 0 {
		maxLength = DefaultMaxMessageLength
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Relay{
		bridge:    cfg.Bridge,
		queue:     queue,
		maxLength: maxLength,
		logger:    logger,
		metrics:   cfg.Metrics,
		now:       now,
	}, nil
}

// Send validates and forwards a draft. A message is only published to
// subscribers once the store has acknowledged it.
func (r *Relay) Send(ctx context.Context, draft Draft) (metadata.ChatMessage, error) {
	streamID := strings.TrimSpace(draft.StreamID)
	if streamID == "" {
		return metadata.ChatMessage{}, fmt.Errorf("%w: stream id is required", ErrInvalidMessage)
	}
	body := Sanitize(draft.Message)
	if body == "" {
		return metadata.ChatMessage{}, fmt.Errorf("%w: message is empty", ErrInvalidMessage)
	}
	if utf8.RuneCountInString(body) > r.maxLength {
		return metadata.ChatMessage{}, fmt.Errorf("%w: limit is %d characters", ErrMessageTooLong, r.maxLength)
	}
	sender := Sanitize(draft.Sender)
	if sender == "" {
		sender = anonymousSender
	}
	if utf8.RuneCountInString(sender) > maxSenderLength {
		sender = string([]rune(sender)[:maxSenderLength])
	}

	msg := metadata.ChatMessage{
		ID:       uuid.NewString(),
		StreamID: streamID,
		Sender:   sender,
		Message:  body,
		SentAt:   r.now().UTC().Truncate(time.Millisecond),
	}
	if err := r.bridge.SendChat(ctx, msg); err != nil {
		return metadata.ChatMessage{}, fmt.Errorf("forward chat message: %w", err)
	}
	r.metrics.ObserveChatMessage("sent")

	event := Event{Type: EventTypeMessage, Message: &msg, OccurredAt: msg.SentAt}
	if err := r.queue.Publish(ctx, event); err != nil {
		logging.WithContext(ctx, r.logger).Warn("chat fan-out failed", "stream_id", streamID, "error", err)
	}
	return msg, nil
}

// History returns messages for streamID sent after since.
func (r *Relay) History(ctx context.Context, streamID string, since time.Time) ([]metadata.ChatMessage, error) {
	streamID = strings.TrimSpace(streamID)
	if streamID == "" {
		return nil, fmt.Errorf("%w: stream id is required", ErrInvalidMessage)
	}
	return r.bridge.ChatHistory(ctx, streamID, since)
}

// Subscribe returns a live feed of every message the relay sees.
func (r *Relay) Subscribe() Subscription {
	return r.queue.Subscribe()
}

// Sanitize normalizes text to NFC, drops control and format characters, and
// collapses runs of whitespace to a single space.
func Sanitize(text string) string {
	normalized := norm.NFC.String(text)
	var b strings.Builder
	b.Grow(len(normalized))
	space := false
	for _, r := range normalized {
		switch {
		case unicode.IsSpace(r):
			space = b.Len() > 0
			continue
		case unicode.IsControl(r), unicode.Is(unicode.Cf, r), r == utf8.RuneError:
			continue
		}
		if space {
			b.WriteByte(' ')
			space = false
		}
		b.WriteRune(r)
	}
	return b.String()
}
