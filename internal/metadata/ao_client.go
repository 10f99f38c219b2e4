package metadata

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"relaycast/internal/observability/logging"
	"relaycast/internal/observability/metrics"
	"relaycast/internal/observability/tracing"
)

// AOConfig configures AOClient.
type AOConfig struct {
	// ComputeURL is the compute unit base URL serving dry-run evaluations.
	ComputeURL string
	// MessageURL receives signed-message submissions for write actions.
	MessageURL string
	ProcessID  string
	// Token authenticates against the message relay.
	Token         string
	HTTPClient    *http.Client
	Timeout       time.Duration
	MaxAttempts   int
	RetryInterval time.Duration
	Logger        *slog.Logger
	Metrics       *metrics.Recorder
}

// AOClient speaks to an AO process. Reads use dry-run so they are free and
// side-effect free; writes are fire-and-forget messages.
type AOClient struct {
	cfg    AOConfig
	client *http.Client
	logger *slog.Logger
}

type aoTag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type dryRunRequest struct {
	ID     string  `json:"Id"`
	Target string  `json:"Target"`
	Owner  string  `json:"Owner"`
	Anchor string  `json:"Anchor"`
	Data   string  `json:"Data"`
	Tags   []aoTag `json:"Tags"`
}

type dryRunResponse struct {
	Messages []struct {
		Data json.RawMessage `json:"Data"`
	} `json:"Messages"`
	Error json.RawMessage `json:"Error"`
}

type messageRequest struct {
	Process string  `json:"process"`
	Tags    []aoTag `json:"tags"`
	Data    string  `json:"data"`
}

func NewAOClient(cfg AOConfig) (*AOClient, error) {
	cfg.ComputeURL = strings.TrimRight(strings.TrimSpace(cfg.ComputeURL), "/")
	cfg.MessageURL = strings.TrimSpace(cfg.MessageURL)
	cfg.ProcessID = strings.TrimSpace(cfg.ProcessID)
	if cfg.ComputeURL == "" {
		return nil, errors.New("ao compute url is required")
	}
	if cfg.ProcessID == "" {
		return nil, errors.New("ao process id is required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.RetryInterval < 0 {
		cfg.RetryInterval = 0
	}
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &AOClient{cfg: cfg, client: client, logger: logger}, nil
}

func (c *AOClient) LiveStreams(ctx context.Context) ([]StreamRecord, error) {
	data, err := c.dryRun(ctx, ActionGetLiveStreams, nil)
	if err != nil {
		return nil, err
	}
	records, err := decodeStreamRecords(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return records, nil
}

func (c *AOClient) ChatHistory(ctx context.Context, streamID string, since time.Time) ([]ChatMessage, error) {
	tags := []aoTag{{Name: "Stream-Id", Value: streamID}}
	if !since.IsZero() {
		tags = append(tags, aoTag{Name: "Since", Value: strconv.FormatInt(since.UnixMilli(), 10)})
	}
	data, err := c.dryRun(ctx, ActionGetChatMessages, tags)
	if err != nil {
		return nil, err
	}
	messages, err := decodeChatMessages(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return filterHistory(messages, streamID, since), nil
}

func (c *AOClient) SendChat(ctx context.Context, msg ChatMessage) error {
	return c.send(ctx, ActionChatMessage, map[string]any{
		"id":        msg.ID,
		"stream_id": msg.StreamID,
		"sender":    msg.Sender,
		"message":   msg.Message,
		"sent_at":   msg.SentAt.UnixMilli(),
	})
}

func (c *AOClient) StartStream(ctx context.Context, ctl StreamControl) error {
	return c.send(ctx, ActionStartStream, map[string]any{
		"stream_key":   ctl.StreamKey,
		"channel_id":   ctl.ChannelID,
		"channel_name": ctl.ChannelName,
		"title":        ctl.Title,
		"category":     ctl.Category,
		"started_at":   ctl.At.UnixMilli(),
	})
}

func (c *AOClient) StopStream(ctx context.Context, ctl StreamControl) error {
	return c.send(ctx, ActionStopStream, map[string]any{
		"stream_key": ctl.StreamKey,
		"ended_at":   ctl.At.UnixMilli(),
	})
}

// Ping checks the compute unit is reachable.
func (c *AOClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.ComputeURL+"/", nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: compute unit returned %s", ErrUnavailable, resp.Status)
	}
	return nil
}

func (c *AOClient) dryRun(ctx context.Context, action Action, extra []aoTag) (json.RawMessage, error) {
	body := dryRunRequest{
		ID:     "1234",
		Target: c.cfg.ProcessID,
		Owner:  "1234",
		Anchor: "0",
		Data:   "1234",
		Tags:   append(baseTags(action), extra...),
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	endpoint := c.cfg.ComputeURL + "/dry-run?process-id=" + url.QueryEscape(c.cfg.ProcessID)

	var result dryRunResponse
	if err := c.do(ctx, action, endpoint, payload, nil, &result); err != nil {
		return nil, err
	}
	if len(result.Error) > 0 && string(result.Error) != "null" && string(result.Error) != `""` {
		return nil, fmt.Errorf("%w: %s: %s", ErrRejected, action, strings.Trim(string(result.Error), `"`))
	}
	if len(result.Messages) == 0 {
		return nil, nil
	}
	return result.Messages[0].Data, nil
}

func (c *AOClient) send(ctx context.Context, action Action, data any) error {
	if c.cfg.MessageURL == "" {
		return fmt.Errorf("%w: no message relay configured for %s", ErrRejected, action)
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(messageRequest{
		Process: c.cfg.ProcessID,
		Tags:    baseTags(action),
		Data:    string(encoded),
	})
	if err != nil {
		return err
	}
	authorize := func(req *http.Request) {
		if c.cfg.Token != "" {
			req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
		}
	}
	return c.do(ctx, action, c.cfg.MessageURL, payload, authorize, nil)
}

func baseTags(action Action) []aoTag {
	return []aoTag{
		{Name: "Action", Value: string(action)},
		{Name: "Data-Protocol", Value: "ao"},
		{Name: "Type", Value: "Message"},
		{Name: "Variant", Value: "ao.TN.1"},
	}
}

// do posts payload, retrying transport errors, 429 and 5xx responses up to
// MaxAttempts. Other 4xx responses fail immediately with ErrRejected.
func (c *AOClient) do(ctx context.Context, action Action, endpoint string, payload []byte, mutate func(*http.Request), dest any) (err error) {
	ctx, span := tracing.StartSpan(ctx, "metadata."+string(action), attribute.String("metadata.action", string(action)))
	start := time.Now()
	defer func() {
		tracing.RecordError(span, err)
		span.End()
		c.cfg.Metrics.ObserveBridgeRequest(string(action), err, time.Since(start))
	}()

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		retry, err := c.attempt(ctx, endpoint, payload, mutate, dest)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry || attempt == c.cfg.MaxAttempts {
			break
		}
		logging.WithContext(ctx, c.logger).Warn("metadata request failed", "action", action, "attempt", attempt, "error", err)
		if c.cfg.RetryInterval > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
			case <-time.After(c.cfg.RetryInterval):
			}
		}
	}
	return lastErr
}

func (c *AOClient) attempt(ctx context.Context, endpoint string, payload []byte, mutate func(*http.Request), dest any) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if mutate != nil {
		mutate(req)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return ctx.Err() == nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if dest == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return false, nil
		}
		if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
			return false, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
		}
		return false, nil
	}

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	status := fmt.Sprintf("%s: %s", resp.Status, strings.TrimSpace(string(detail)))
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
		return true, fmt.Errorf("%w: %s", ErrUnavailable, status)
	}
	return false, fmt.Errorf("%w: %s", ErrRejected, status)
}

// filterHistory keeps messages for streamID sent after since, ordered by
// sentAt then id.
func filterHistory(messages []ChatMessage, streamID string, since time.Time) []ChatMessage {
	out := make([]ChatMessage, 0, len(messages))
	for _, msg := range messages {
		if streamID != "" && msg.StreamID != "" && msg.StreamID != streamID {
			continue
		}
		if !since.IsZero() && !msg.SentAt.After(since) {
			continue
		}
		out = append(out, msg)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].SentAt.Equal(out[j].SentAt) {
			return out[i].SentAt.Before(out[j].SentAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
