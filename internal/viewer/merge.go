package viewer

import (
	"time"

	"relaycast/internal/metadata"
	"relaycast/internal/registry"
)

// Channel is one entry of the viewer's channel list: a live stream from the
// status service, enriched with whatever the metadata store knows about it.
type Channel struct {
	ID              string
	Name            string
	Category        string
	SubscriberCount int64
	StreamKey       string
	Title           string
	ViewerCount     int64
	StartedAt       time.Time
	// Placeholder is set when the metadata store had no record for the key.
	Placeholder bool
	Live        registry.LiveStatus
}

// Merge builds the channel list. The status service is authoritative for what
// is live: entries follow statuses in order, records are matched by stream
// key, then record id, then channel id, and records with no live key are
// dropped. Offline statuses are skipped.
func Merge(statuses []registry.LiveStatus, records []metadata.StreamRecord) []Channel {
	byKey := make(map[string]int, len(records))
	byID := make(map[string]int, len(records))
	byChannel := make(map[string]int, len(records))
	for i, record := range records {
		if record.StreamKey != "" {
			if _, ok := byKey[record.StreamKey]; !ok {
				byKey[record.StreamKey] = i
			}
		}
		if record.ID != "" {
			if _, ok := byID[record.ID]; !ok {
				byID[record.ID] = i
			}
		}
		if record.ChannelID != "" {
			if _, ok := byChannel[record.ChannelID]; !ok {
				byChannel[record.ChannelID] = i
			}
		}
	}

	used := make(map[int]bool, len(records))
	match := func(key string) (metadata.StreamRecord, bool) {
		for _, index := range []map[string]int{byKey, byID, byChannel} {
			if i, ok := index[key]; ok && !used[i] {
				used[i] = true
				return records[i], true
			}
		}
		return metadata.StreamRecord{}, false
	}

	channels := make([]Channel, 0, len(statuses))
	seen := make(map[string]bool, len(statuses))
	for _, status := range statuses {
		if !status.IsLive || status.StreamKey == "" || seen[status.StreamKey] {
			continue
		}
		seen[status.StreamKey] = true

		channel := Channel{StreamKey: status.StreamKey, Live: status}
		if status.StartTime != nil {
			channel.StartedAt = *status.StartTime
		}
		record, ok := match(status.StreamKey)
		if !ok {
			channel.ID = status.StreamKey
			channel.Name = status.StreamKey
			channel.Placeholder = true
			channels = append(channels, channel)
			continue
		}
		channel.ID = record.ChannelID
		if channel.ID == "" {
			channel.ID = status.StreamKey
		}
		channel.Name = record.ChannelName
		if channel.Name == "" {
			channel.Name = status.StreamKey
		}
		channel.Category = record.Category
		channel.SubscriberCount = record.SubscriberCount
		channel.Title = record.Title
		channel.ViewerCount = record.ViewerCount
		if channel.StartedAt.IsZero() {
			channel.StartedAt = record.StartedAt
		}
		channels = append(channels, channel)
	}
	return channels
}
