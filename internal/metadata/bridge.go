package metadata

import (
	"context"
	"time"
)

// Bridge is the request/response channel to the metadata store.
type Bridge interface {
	// LiveStreams returns the streams the store believes are live.
	LiveStreams(ctx context.Context) ([]StreamRecord, error)
	// ChatHistory returns messages for streamID sent after since, oldest first.
	ChatHistory(ctx context.Context, streamID string, since time.Time) ([]ChatMessage, error)
	// SendChat appends a chat message. It is acknowledged without a payload.
	SendChat(ctx context.Context, msg ChatMessage) error
	StartStream(ctx context.Context, ctl StreamControl) error
	StopStream(ctx context.Context, ctl StreamControl) error
	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error
}
