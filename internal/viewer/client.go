package viewer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"relaycast/internal/api"
	"relaycast/internal/metadata"
	"relaycast/internal/observability/logging"
	"relaycast/internal/observability/tracing"
	"relaycast/internal/registry"
)

var (
	// ErrNotConfigured is matched by API errors for features the server has
	// not enabled, such as the metadata proxy or chat.
	ErrNotConfigured = errors.New("feature not configured on server")
	// ErrStopped is returned by loops used after Stop.
	ErrStopped = errors.New("viewer: stopped")
)

// APIError is a non-2xx answer from the status service.
type APIError struct {
	StatusCode int
	Kind       string
	Details    string
	Timestamp  time.Time
}

func (e *APIError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("api %d %s: %s", e.StatusCode, e.Kind, e.Details)
	}
	return fmt.Sprintf("api %d %s", e.StatusCode, e.Kind)
}

func (e *APIError) Is(target error) bool {
	return target == ErrNotConfigured && e.Kind == api.KindNotConfigured
}

// ClientConfig configures an APIClient.
type ClientConfig struct {
	BaseURL string
	// ControlToken authorizes start/stop requests.
	ControlToken string
	HTTPClient   *http.Client
	UserAgent    string
	Logger       *slog.Logger
}

// APIClient talks to the relaycast status service.
type APIClient struct {
	base      *url.URL
	token     string
	http      *http.Client
	userAgent string
	logger    *slog.Logger
}

func NewAPIClient(cfg ClientConfig) (*APIClient, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, errors.New("base url is required")
	}
	base, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url %q must be http or https", raw)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = "relaycast-viewer"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &APIClient{base: base, token: cfg.ControlToken, http: httpClient, userAgent: userAgent, logger: logger}, nil
}

// BaseURL returns the service root the client was built with.
func (c *APIClient) BaseURL() string {
	return c.base.String()
}

type listingResponse struct {
	Streams []registry.LiveStatus `json:"streams"`
	Total   int                   `json:"total"`
	Message string                `json:"message"`
}

// ListLive fetches GET /api/streams.
func (c *APIClient) ListLive(ctx context.Context) ([]registry.LiveStatus, error) {
	var resp listingResponse
	if err := c.do(ctx, http.MethodGet, "/api/streams", nil, "", &resp); err != nil {
		return nil, err
	}
	if resp.Streams == nil {
		resp.Streams = []registry.LiveStatus{}
	}
	return resp.Streams, nil
}

// Status fetches GET /api/streams/{key}.
func (c *APIClient) Status(ctx context.Context, key string) (registry.LiveStatus, error) {
	var status registry.LiveStatus
	err := c.do(ctx, http.MethodGet, "/api/streams/"+url.PathEscape(key), nil, "", &status)
	return status, err
}

// MetadataStreams fetches the metadata store's live stream records through
// the server proxy.
func (c *APIClient) MetadataStreams(ctx context.Context) ([]metadata.StreamRecord, error) {
	var resp struct {
		Streams []metadata.StreamRecord `json:"streams"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/metadata/streams", nil, "", &resp); err != nil {
		return nil, err
	}
	return resp.Streams, nil
}

// ChatHistory fetches messages for a stream sent after since. A zero since
// returns the full history.
func (c *APIClient) ChatHistory(ctx context.Context, streamID string, since time.Time) ([]metadata.ChatMessage, error) {
	path := "/api/streams/" + url.PathEscape(streamID) + "/chat"
	if !since.IsZero() {
		path += "?since=" + strconv.FormatInt(since.UnixMilli(), 10)
	}
	var resp struct {
		Messages []metadata.ChatMessage `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, "", &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// SendChat posts a chat message and returns the stored copy.
func (c *APIClient) SendChat(ctx context.Context, streamID, sender, message string) (metadata.ChatMessage, error) {
	body := map[string]string{"sender": sender, "message": message}
	var resp struct {
		Message metadata.ChatMessage `json:"message"`
	}
	err := c.do(ctx, http.MethodPost, "/api/streams/"+url.PathEscape(streamID)+"/chat", body, "", &resp)
	return resp.Message, err
}

// MediaBase reads /api/rtmp-config and returns the media server root that
// HLSURL and FLVURL expect.
func (c *APIClient) MediaBase(ctx context.Context) (string, error) {
	var resp struct {
		HTTP struct {
			URL    string `json:"url"`
			Status string `json:"status"`
		} `json:"http"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/rtmp-config", nil, "", &resp); err != nil {
		return "", err
	}
	if resp.HTTP.Status == "disabled" || resp.HTTP.URL == "" {
		return "", errors.New("media server is disabled")
	}
	return strings.TrimSuffix(strings.TrimRight(resp.HTTP.URL, "/"), strings.TrimRight(registry.LivePathPrefix, "/")), nil
}

// StreamDetails describes a stream when announcing it to the metadata store.
type StreamDetails struct {
	ChannelID   string `json:"channelId,omitempty"`
	ChannelName string `json:"channelName,omitempty"`
	Title       string `json:"title,omitempty"`
	Category    string `json:"category,omitempty"`
}

// StartStream announces key as live to the metadata store.
func (c *APIClient) StartStream(ctx context.Context, key string, details StreamDetails) error {
	return c.do(ctx, http.MethodPost, "/api/streams/"+url.PathEscape(key)+"/start", details, c.token, nil)
}

// StopStream announces that key went offline.
func (c *APIClient) StopStream(ctx context.Context, key string) error {
	return c.do(ctx, http.MethodPost, "/api/streams/"+url.PathEscape(key)+"/stop", StreamDetails{}, c.token, nil)
}

func (c *APIClient) newRequest(ctx context.Context, method, path string, body any, token string) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if id, ok := logging.RequestIDFromContext(ctx); ok {
		req.Header.Set("X-Request-Id", id)
	}
	return req, nil
}

func (c *APIClient) do(ctx context.Context, method, path string, body any, token string, dest any) (err error) {
	ctx, span := tracing.StartSpan(ctx, "viewer.api",
		attribute.String("http.request.method", method),
		attribute.String("url.path", path),
	)
	defer func() {
		tracing.RecordError(span, err)
		span.End()
	}()

	req, err := c.newRequest(ctx, method, path, body, token)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}
	if dest == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode, Kind: http.StatusText(resp.StatusCode)}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body api.ErrorResponse
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		apiErr.Kind = body.Error
		apiErr.Details = body.Details
		apiErr.Timestamp = body.Timestamp
	} else if text := strings.TrimSpace(string(data)); text != "" {
		apiErr.Details = text
	}
	return apiErr
}

// ServerEvent is one server-sent event.
type ServerEvent struct {
	Name string
	Data []byte
}

// WatchEvents follows GET /api/streams/events and calls fn for each event
// until ctx is cancelled or the stream ends. Reconnecting is the caller's job.
func (c *APIClient) WatchEvents(ctx context.Context, fn func(ServerEvent)) error {
	return c.stream(ctx, "/api/streams/events", fn)
}

// WatchChat follows new chat messages for a stream.
func (c *APIClient) WatchChat(ctx context.Context, streamID string, fn func(metadata.ChatMessage)) error {
	return c.stream(ctx, "/api/streams/"+url.PathEscape(streamID)+"/chat/events", func(ev ServerEvent) {
		if ev.Name != "message" {
			return
		}
		var msg metadata.ChatMessage
		if err := json.Unmarshal(ev.Data, &msg); err != nil {
			c.logger.Warn("dropping malformed chat event", "error", err)
			return
		}
		fn(msg)
	})
}

func (c *APIClient) stream(ctx context.Context, path string, fn func(ServerEvent)) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}
	err = readEvents(resp.Body, fn)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// readEvents parses the text/event-stream framing: "event:" and "data:"
// fields accumulate until a blank line dispatches them; ":" lines are comments.
func readEvents(r io.Reader, fn func(ServerEvent)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	var (
		name string
		data [][]byte
	)
	for scanner.Scan() {
		line := scanner.Bytes()
		switch {
		case len(line) == 0:
			if len(data) > 0 {
				if name == "" {
					name = "message"
				}
				fn(ServerEvent{Name: name, Data: bytes.Join(data, []byte("\n"))})
			}
			name, data = "", nil
		case line[0] == ':':
		default:
			field, value, _ := bytes.Cut(line, []byte(":"))
			value = bytes.TrimPrefix(value, []byte(" "))
			switch string(field) {
			case "event":
				name = string(value)
			case "data":
				data = append(data, append([]byte(nil), value...))
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return io.EOF
}
