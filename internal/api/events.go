package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"relaycast/internal/ingest"
	"relaycast/internal/registry"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultHeartbeat    = 15 * time.Second
)

// sseWriter frames Server-Sent Events onto a streaming response.
type sseWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	rc := http.NewResponseController(w)
	// Event streams outlive the server's write timeout.
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return nil, err
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	// Flushing commits the 200 and the headers above.
	if err := rc.Flush(); err != nil {
		w.Header().Del("Content-Type")
		return nil, fmt.Errorf("streaming unsupported: %w", err)
	}
	return &sseWriter{w: w, rc: rc}, nil
}

func (s *sseWriter) event(name string, data []byte) error {
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, bytes.TrimSpace(data)); err != nil {
		return err
	}
	return s.rc.Flush()
}

func (s *sseWriter) comment(text string) error {
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	return s.rc.Flush()
}

func (h *Handler) pollInterval() time.Duration {
	if h.PollInterval > 0 {
		return h.PollInterval
	}
	return defaultPollInterval
}

func (h *Handler) heartbeat() time.Duration {
	if h.Heartbeat > 0 {
		return h.Heartbeat
	}
	return defaultHeartbeat
}

// StreamEvents pushes a "sessions" event carrying the full live listing
// whenever it changes. Changes are picked up from the gateway event bus when
// one is wired and by polling the registry otherwise. Registry failures are
// sent as "error" events and the stream stays open.
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.methodNotAllowed(w, r, http.MethodGet)
		return
	}
	ctx := r.Context()
	logger := h.logger()

	var busEvents <-chan ingest.Event
	if h.Events != nil {
		sub := h.Events.Subscribe()
		defer sub.Close()
		busEvents = sub.Events()
	}

	stream, err := newSSEWriter(w)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, KindInternal, err)
		return
	}

	clk := h.clock()
	poll := clk.NewTicker(h.pollInterval())
	defer poll.Stop()
	heartbeat := clk.NewTicker(h.heartbeat())
	defer heartbeat.Stop()

	var last []byte
	failing := false
	push := func() error {
		listing, err := h.Registry.ListLive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if failing {
				return nil
			}
			failing = true
			last = nil
			at := h.now()
			var unavailable *registry.UnavailableError
			if errors.As(err, &unavailable) && !unavailable.At.IsZero() {
				at = unavailable.At
			}
			payload, _ := json.Marshal(NewErrorResponse(KindRegistryUnavailable, err.Error(), at))
			return stream.event("error", payload)
		}
		failing = false
		payload, err := json.Marshal(newStreamsResponse(listing))
		if err != nil {
			return err
		}
		if bytes.Equal(payload, last) {
			return nil
		}
		last = payload
		return stream.event("sessions", payload)
	}

	if err := push(); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-busEvents:
			if !ok {
				busEvents = nil
				continue
			}
			if !event.Changes() {
				continue
			}
			err = push()
		case <-poll.C():
			err = push()
		case <-heartbeat.C():
			err = stream.comment("keep-alive")
		}
		if err != nil {
			if ctx.Err() == nil {
				logger.Debug("session event stream closed", "error", err)
			}
			return
		}
	}
}

// streamChatEvents relays chat messages for one stream as "message" events.
func (h *Handler) streamChatEvents(w http.ResponseWriter, r *http.Request, streamID string) {
	if r.Method != http.MethodGet {
		h.methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if h.Chat == nil {
		h.writeError(w, http.StatusNotFound, KindNotConfigured, errors.New("chat is not configured"))
		return
	}
	ctx := r.Context()
	sub := h.Chat.Subscribe()
	defer sub.Close()

	stream, err := newSSEWriter(w)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, KindInternal, err)
		return
	}
	heartbeat := h.clock().NewTicker(h.heartbeat())
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			if event.Message == nil || event.StreamID() != streamID {
				continue
			}
			payload, err := json.Marshal(event.Message)
			if err != nil {
				continue
			}
			if err := stream.event("message", payload); err != nil {
				return
			}
		case <-heartbeat.C():
			if err := stream.comment("keep-alive"); err != nil {
				return
			}
		}
	}
}
