package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"relaycast/internal/chat"
	"relaycast/internal/metadata"
	"relaycast/internal/observability/logging"
)

type metadataStreamsResponse struct {
	Streams []metadata.StreamRecord `json:"streams"`
	Total   int                     `json:"total"`
	Status  string                  `json:"status"`
}

// MetadataStreams proxies the bridge's GetLiveStreams for clients that cannot
// reach the metadata store themselves.
func (h *Handler) MetadataStreams(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if h.Bridge == nil {
		h.writeError(w, http.StatusNotFound, KindNotConfigured, errors.New("metadata bridge is not configured"))
		return
	}
	records, err := h.Bridge.LiveStreams(r.Context())
	if err != nil {
		h.writeBridgeError(w, r, err)
		return
	}
	if records == nil {
		records = []metadata.StreamRecord{}
	}
	writeJSON(w, http.StatusOK, metadataStreamsResponse{Streams: records, Total: len(records), Status: "ok"})
}

type chatHistoryResponse struct {
	Messages []metadata.ChatMessage `json:"messages"`
	Total    int                    `json:"total"`
	Status   string                 `json:"status"`
}

type chatSendRequest struct {
	Sender  string `json:"sender"`
	Message string `json:"message"`
}

type chatSendResponse struct {
	Message metadata.ChatMessage `json:"message"`
	Status  string               `json:"status"`
}

func (h *Handler) streamChat(w http.ResponseWriter, r *http.Request, streamID string) {
	if h.Chat == nil {
		h.writeError(w, http.StatusNotFound, KindNotConfigured, errors.New("chat is not configured"))
		return
	}
	switch r.Method {
	case http.MethodGet:
		since, err := parseSince(r.URL.Query().Get("since"))
		if err != nil {
			h.writeError(w, http.StatusBadRequest, KindBadRequest, err)
			return
		}
		messages, err := h.Chat.History(r.Context(), streamID, since)
		if err != nil {
			h.writeBridgeError(w, r, err)
			return
		}
		if messages == nil {
			messages = []metadata.ChatMessage{}
		}
		writeJSON(w, http.StatusOK, chatHistoryResponse{Messages: messages, Total: len(messages), Status: "ok"})
	case http.MethodPost:
		var req chatSendRequest
		if err := decodeJSON(w, r, &req); err != nil {
			h.writeError(w, http.StatusBadRequest, KindBadRequest, err)
			return
		}
		msg, err := h.Chat.Send(r.Context(), chat.Draft{StreamID: streamID, Sender: req.Sender, Message: req.Message})
		if err != nil {
			h.writeBridgeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, chatSendResponse{Message: msg, Status: "ok"})
	default:
		h.methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

// parseSince accepts RFC 3339 timestamps or unix milliseconds.
func parseSince(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("since must be RFC 3339 or unix milliseconds: %q", raw)
	}
	return ts.UTC(), nil
}

type streamControlRequest struct {
	ChannelID   string `json:"channelId"`
	ChannelName string `json:"channelName"`
	Title       string `json:"title"`
	Category    string `json:"category"`
}

type streamControlResponse struct {
	Action    metadata.Action `json:"action"`
	StreamKey string          `json:"streamKey"`
	At        time.Time       `json:"at"`
	Status    string          `json:"status"`
}

func (h *Handler) streamControl(w http.ResponseWriter, r *http.Request, key string, action metadata.Action) {
	if r.Method != http.MethodPost {
		h.methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !h.controlAuthorized(r) {
		logging.WithContext(r.Context(), h.logger()).Warn("stream control rejected token", "action", action, "remote", r.RemoteAddr)
		h.writeError(w, http.StatusUnauthorized, KindUnauthorized, errors.New("unauthorized"))
		return
	}
	if h.Bridge == nil {
		h.writeError(w, http.StatusNotFound, KindNotConfigured, errors.New("metadata bridge is not configured"))
		return
	}

	var req streamControlRequest
	if r.Body != nil && r.Body != http.NoBody && r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			h.writeError(w, http.StatusBadRequest, KindBadRequest, err)
			return
		}
	}
	ctl := metadata.StreamControl{
		StreamKey:   key,
		ChannelID:   strings.TrimSpace(req.ChannelID),
		ChannelName: chat.Sanitize(req.ChannelName),
		Title:       chat.Sanitize(req.Title),
		Category:    chat.Sanitize(req.Category),
		At:          h.now().UTC(),
	}

	var err error
	if action == metadata.ActionStartStream {
		err = h.Bridge.StartStream(r.Context(), ctl)
	} else {
		err = h.Bridge.StopStream(r.Context(), ctl)
	}
	if err != nil {
		h.writeBridgeError(w, r, err)
		return
	}
	logging.WithContext(r.Context(), h.logger()).Info("stream control forwarded", "action", action)
	writeJSON(w, http.StatusAccepted, streamControlResponse{Action: action, StreamKey: key, At: ctl.At, Status: "ok"})
}

func (h *Handler) writeBridgeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, chat.ErrInvalidMessage), errors.Is(err, chat.ErrMessageTooLong):
		h.writeError(w, http.StatusBadRequest, KindBadRequest, err)
	case errors.Is(err, metadata.ErrRejected):
		h.writeError(w, http.StatusUnprocessableEntity, KindMetadataRejected, err)
	default:
		logging.WithContext(r.Context(), h.logger()).Error("metadata bridge request failed", "path", r.URL.Path, "error", err)
		h.writeError(w, http.StatusBadGateway, KindMetadataUnavailable, err)
	}
}
