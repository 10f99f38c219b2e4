package ingest

import (
	"errors"
	"time"

	"relaycast/internal/registry"
)

// EventType names a gateway lifecycle transition.
type EventType string

const (
	EventPrePublish      EventType = "pre-publish"
	EventPostPublish     EventType = "post-publish"
	EventDonePublish     EventType = "done-publish"
	EventPublishRejected EventType = "publish-rejected"
	EventPrePlay         EventType = "pre-play"
	EventPostPlay        EventType = "post-play"
	EventDonePlay        EventType = "done-play"
)

// Event is broadcast on the EventBus for every session transition.
type Event struct {
	Type      EventType        `json:"type"`
	StreamKey string           `json:"streamKey"`
	Session   registry.Session `json:"-"`
	// Reason explains rejections.
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// Changes reports whether the event alters the set of live streams.
func (e Event) Changes() bool {
	return e.Type == EventPostPublish || e.Type == EventDonePublish
}

var (
	ErrInvalidStreamKey   = errors.New("invalid stream key")
	ErrUnauthorized       = errors.New("publish secret rejected")
	ErrDuplicateStreamKey = errors.New("stream key already live")
	ErrStreamNotLive      = errors.New("stream is not live")
	ErrGatewayClosed      = errors.New("gateway closed")
)

// rejectionReason maps admission errors to the label used in events and metrics.
func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidStreamKey):
		return "invalid-key"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrDuplicateStreamKey):
		return "duplicate"
	case errors.Is(err, ErrGatewayClosed):
		return "closed"
	default:
		return "error"
	}
}

// HealthStatus captures the availability of a component the API depends on.
type HealthStatus struct {
	Component string `json:"component"`
	// Status is one of "ok", "error" or "disabled".
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}
