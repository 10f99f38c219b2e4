package metadata

import (
	"errors"
	"time"
)

// Action discriminates bridge requests.
type Action string

const (
	ActionGetLiveStreams  Action = "GetLiveStreams"
	ActionGetChatMessages Action = "GetChatMessages"
	ActionChatMessage     Action = "ChatMessage"
	ActionStartStream     Action = "StartStream"
	ActionStopStream      Action = "StopStream"
)

var (
	// ErrUnavailable wraps transport failures and server-side errors.
	ErrUnavailable = errors.New("metadata store unavailable")
	// ErrRejected marks requests the store refused as invalid.
	ErrRejected = errors.New("metadata request rejected")
)

// ChannelMetadata is the store's description of a channel.
type ChannelMetadata struct {
	ChannelID       string `json:"channelId"`
	Name            string `json:"name"`
	Category        string `json:"category"`
	SubscriberCount int64  `json:"subscriberCount"`
}

// StreamRecord is one live stream as reported by the store.
type StreamRecord struct {
	ID              string    `json:"id"`
	ChannelID       string    `json:"channel_id"`
	ChannelName     string    `json:"channel_name"`
	StreamKey       string    `json:"stream_key,omitempty"`
	Title           string    `json:"title"`
	Category        string    `json:"category"`
	ViewerCount     int64     `json:"viewer_count"`
	SubscriberCount int64     `json:"subscriber_count"`
	StartedAt       time.Time `json:"started_at"`
}

// Channel projects the record onto its channel metadata.
func (r StreamRecord) Channel() ChannelMetadata {
	return ChannelMetadata{
		ChannelID:       r.ChannelID,
		Name:            r.ChannelName,
		Category:        r.Category,
		SubscriberCount: r.SubscriberCount,
	}
}

// ChatMessage is an append-only chat entry.
type ChatMessage struct {
	ID       string    `json:"id"`
	StreamID string    `json:"streamId"`
	Sender   string    `json:"sender"`
	Message  string    `json:"message"`
	SentAt   time.Time `json:"sentAt"`
}

// StreamControl announces a stream starting or stopping.
type StreamControl struct {
	StreamKey   string    `json:"stream_key"`
	ChannelID   string    `json:"channel_id,omitempty"`
	ChannelName string    `json:"channel_name,omitempty"`
	Title       string    `json:"title,omitempty"`
	Category    string    `json:"category,omitempty"`
	At          time.Time `json:"at"`
}
