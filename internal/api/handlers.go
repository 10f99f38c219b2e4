package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"relaycast/internal/chat"
	"relaycast/internal/clock"
	"relaycast/internal/ingest"
	"relaycast/internal/metadata"
	"relaycast/internal/observability/logging"
	"relaycast/internal/observability/metrics"
	"relaycast/internal/registry"
)

// Handler serves the status API. Registry is required; the other
// dependencies are optional.
type Handler struct {
	Registry *registry.Registry
	// Ingest describes the media endpoints reported by /api/rtmp-config.
	Ingest ingest.Config
	// IngestHealth reports the embedded gateway; nil means the gateway runs
	// in another process.
	IngestHealth func() ingest.HealthStatus
	// Events pushes gateway lifecycle events to /api/streams/events.
	Events *ingest.EventBus
	Bridge metadata.Bridge
	Chat   *chat.Relay
	// ControlToken guards the start/stop routes.
	ControlToken string
	Probes       []Probe

	// PollInterval is how often the session event stream re-reads the
	// registry to catch changes the bus does not carry. Defaults to 2s.
	PollInterval time.Duration
	// Heartbeat is the SSE keep-alive interval. Defaults to 15s.
	Heartbeat time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Recorder
	Clock   clock.Clock
}

// NewHandler returns a Handler answering from reg.
func NewHandler(reg *registry.Registry) *Handler {
	return &Handler{Registry: reg}
}

func (h *Handler) now() time.Time {
	if h.Clock == nil {
		return time.Now()
	}
	return h.Clock.Now()
}

func (h *Handler) clock() clock.Clock {
	if h.Clock == nil {
		return clock.Real()
	}
	return h.Clock
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger == nil {
		return logging.Discard()
	}
	return h.Logger
}

// Health is the liveness probe. It never touches dependencies.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		h.methodNotAllowed(w, r, http.MethodGet, http.MethodHead)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready reports per-component health and answers 503 when any is degraded.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		h.methodNotAllowed(w, r, http.MethodGet, http.MethodHead)
		return
	}
	components, status, code := h.componentHealth(r.Context())
	writeJSON(w, code, map[string]interface{}{
		"status":     status,
		"components": components,
		"timestamp":  h.now().UTC(),
	})
}

type streamsResponse struct {
	Streams []registry.LiveStatus `json:"streams"`
	Total   int                   `json:"total"`
	Message string                `json:"message"`
	Status  string                `json:"status"`
}

func newStreamsResponse(listing registry.Listing) streamsResponse {
	streams := listing.Streams
	if streams == nil {
		streams = []registry.LiveStatus{}
	}
	message := listing.Message
	switch {
	case message != "":
	case len(streams) == 1:
		message = "1 active stream"
	default:
		message = fmt.Sprintf("%d active streams", len(streams))
	}
	return streamsResponse{Streams: streams, Total: len(streams), Message: message, Status: "ok"}
}

// Streams lists every live stream in session table order.
func (h *Handler) Streams(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.methodNotAllowed(w, r, http.MethodGet)
		return
	}
	listing, err := h.Registry.ListLive(r.Context())
	if err != nil {
		h.writeRegistryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newStreamsResponse(listing))
}

// StreamByKey dispatches /api/streams/{key} and its sub-resources.
func (h *Handler) StreamByKey(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/streams/")
	parts := strings.Split(path, "/")
	for len(parts) > 1 && parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}
	if len(parts) == 0 || parts[0] == "" {
		h.Streams(w, r)
		return
	}
	key := parts[0]
	if len(parts) == 1 && key == "events" {
		h.StreamEvents(w, r)
		return
	}
	ctx := logging.ContextWithStreamKey(r.Context(), key)
	r = r.WithContext(ctx)

	switch {
	case len(parts) == 1:
		h.streamStatus(w, r, key)
	case len(parts) == 2 && parts[1] == "chat":
		h.streamChat(w, r, key)
	case len(parts) == 3 && parts[1] == "chat" && parts[2] == "events":
		h.streamChatEvents(w, r, key)
	case len(parts) == 2 && parts[1] == "start":
		h.streamControl(w, r, key, metadata.ActionStartStream)
	case len(parts) == 2 && parts[1] == "stop":
		h.streamControl(w, r, key, metadata.ActionStopStream)
	default:
		h.writeError(w, http.StatusNotFound, KindNotFound, fmt.Errorf("no route for %s", r.URL.Path))
	}
}

func (h *Handler) streamStatus(w http.ResponseWriter, r *http.Request, key string) {
	if r.Method != http.MethodGet {
		h.methodNotAllowed(w, r, http.MethodGet)
		return
	}
	status, err := h.Registry.GetLive(r.Context(), key)
	if err != nil {
		h.writeRegistryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) writeRegistryError(w http.ResponseWriter, r *http.Request, err error) {
	at := h.now()
	var unavailable *registry.UnavailableError
	if errors.As(err, &unavailable) && !unavailable.At.IsZero() {
		at = unavailable.At
	}
	kind := KindInternal
	if errors.Is(err, registry.ErrUnavailable) {
		kind = KindRegistryUnavailable
	}
	logging.WithContext(r.Context(), h.logger()).Error("session lookup failed", "path", r.URL.Path, "error", err)
	writeErrorAt(w, http.StatusInternalServerError, kind, err, at)
}

type rtmpEndpoint struct {
	Port   int    `json:"port"`
	Status string `json:"status"`
	URL    string `json:"url"`
}

type httpEndpoint struct {
	Port   int    `json:"port"`
	Status string `json:"status"`
	URL    string `json:"url"`
}

type transcodingInfo struct {
	HLS    bool   `json:"hls"`
	DASH   bool   `json:"dash"`
	Status string `json:"status"`
}

type rtmpConfigResponse struct {
	RTMP        rtmpEndpoint    `json:"rtmp"`
	HTTP        httpEndpoint    `json:"http"`
	Transcoding transcodingInfo `json:"transcoding"`
	ChunkSize   int             `json:"chunkSize"`
	GOPCache    bool            `json:"gopCache"`
	Status      string          `json:"status"`
}

// RTMPConfig reports where encoders publish and where players fetch media.
func (h *Handler) RTMPConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.methodNotAllowed(w, r, http.MethodGet)
		return
	}
	cfg := h.Ingest
	ingestStatus := "external"
	if h.IngestHealth != nil {
		switch health := h.IngestHealth(); health.Status {
		case "ok":
			ingestStatus = "running"
		case "disabled":
			ingestStatus = "disabled"
		default:
			ingestStatus = "stopped"
		}
	}
	httpStatus := ingestStatus
	if cfg.HTTPAddr == "" {
		httpStatus = "disabled"
	}
	transcoding := "disabled"
	if cfg.TranscodeHLS || cfg.TranscodeDASH {
		transcoding = "enabled"
	}
	writeJSON(w, http.StatusOK, rtmpConfigResponse{
		RTMP:        rtmpEndpoint{Port: cfg.RTMPPort(), Status: ingestStatus, URL: cfg.PublishURL()},
		HTTP:        httpEndpoint{Port: cfg.HTTPPort(), Status: httpStatus, URL: cfg.MediaBaseURL() + registry.LivePathPrefix},
		Transcoding: transcodingInfo{HLS: cfg.TranscodeHLS, DASH: cfg.TranscodeDASH, Status: transcoding},
		ChunkSize:   cfg.ChunkSize,
		GOPCache:    cfg.GOPCache,
		Status:      "ok",
	})
}
