package chat

import (
	"time"

	"relaycast/internal/metadata"
)

// EventType enumerates the events flowing through a Queue.
type EventType string

const (
	// EventTypeMessage carries a chat message accepted by the relay.
	EventTypeMessage EventType = "message"
)

// Event is the wire representation carried by the queue.
type Event struct {
	Type       EventType             `json:"type"`
	Message    *metadata.ChatMessage `json:"message,omitempty"`
	OccurredAt time.Time             `json:"occurredAt"`
}

// StreamID returns the stream the event belongs to.
func (e Event) StreamID() string {
	if e.Message == nil {
		return ""
	}
	return e.Message.StreamID
}
