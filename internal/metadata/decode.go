package metadata

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// decodeStreamRecords parses the stream list returned by the store. Records
// are loosely typed: numbers may arrive as strings, times as unix seconds,
// unix milliseconds or RFC 3339, and any optional field may be missing.
// Entries without an id, channel id or stream key are skipped.
func decodeStreamRecords(data []byte) ([]StreamRecord, error) {
	raw, err := decodeList(data)
	if err != nil {
		return nil, err
	}
	records := make([]StreamRecord, 0, len(raw))
	for _, item := range raw {
		record := StreamRecord{
			ID:              looseString(item, "id", "stream_id", "streamId"),
			ChannelID:       looseString(item, "channel_id", "channelId"),
			ChannelName:     looseString(item, "channel_name", "channelName", "name"),
			StreamKey:       looseString(item, "stream_key", "streamKey"),
			Title:           looseString(item, "title"),
			Category:        looseString(item, "category"),
			ViewerCount:     looseInt(item, "viewer_count", "viewerCount"),
			SubscriberCount: looseInt(item, "subscriber_count", "subscriberCount"),
			StartedAt:       looseTime(item, "started_at", "startedAt"),
		}
		if record.ID == "" && record.ChannelID == "" && record.StreamKey == "" {
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

// decodeChatMessages parses a chat history list. Messages without an id or
// body are skipped.
func decodeChatMessages(data []byte) ([]ChatMessage, error) {
	raw, err := decodeList(data)
	if err != nil {
		return nil, err
	}
	messages := make([]ChatMessage, 0, len(raw))
	for _, item := range raw {
		msg := ChatMessage{
			ID:       looseString(item, "id"),
			StreamID: looseString(item, "stream_id", "streamId"),
			Sender:   looseString(item, "sender", "from"),
			Message:  looseString(item, "message", "content"),
			SentAt:   looseTime(item, "sent_at", "sentAt", "timestamp"),
		}
		if msg.ID == "" || msg.Message == "" {
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// decodeList accepts a JSON array, a JSON string holding an array, or null.
func decodeList(data []byte) ([]map[string]any, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if trimmed[0] == '"' {
		var inner string
		if err := json.Unmarshal(trimmed, &inner); err != nil {
			return nil, fmt.Errorf("decode payload string: %w", err)
		}
		return decodeList([]byte(inner))
	}
	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()
	var items []any
	if err := decoder.Decode(&items); err != nil {
		return nil, fmt.Errorf("decode payload list: %w", err)
	}
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if record, ok := item.(map[string]any); ok {
			out = append(out, record)
		}
	}
	return out, nil
}

func looseString(raw map[string]any, names ...string) string {
	for _, name := range names {
		switch v := raw[name].(type) {
		case string:
			if trimmed := strings.TrimSpace(v); trimmed != "" {
				return trimmed
			}
		case json.Number:
			return v.String()
		}
	}
	return ""
}

func looseInt(raw map[string]any, names ...string) int64 {
	for _, name := range names {
		var text string
		switch v := raw[name].(type) {
		case json.Number:
			text = v.String()
		case string:
			text = strings.TrimSpace(v)
		default:
			continue
		}
		if n, err := strconv.ParseInt(text, 10, 64); err == nil {
			return n
		}
		if f, err := strconv.ParseFloat(text, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
			return int64(f)
		}
	}
	return 0
}

func looseTime(raw map[string]any, names ...string) time.Time {
	for _, name := range names {
		var text string
		switch v := raw[name].(type) {
		case json.Number:
			text = v.String()
		case string:
			text = strings.TrimSpace(v)
		default:
			continue
		}
		if text == "" {
			continue
		}
		if parsed, err := time.Parse(time.RFC3339, text); err == nil {
			return parsed.UTC()
		}
		if f, err := strconv.ParseFloat(text, 64); err == nil && f > 0 && !math.IsInf(f, 0) {
			return unixTime(f)
		}
	}
	return time.Time{}
}

// unixTime treats values past 1e11 as milliseconds.
func unixTime(n float64) time.Time {
	if n > 1e11 {
		return time.UnixMilli(int64(n)).UTC()
	}
	sec, frac := math.Modf(n)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}
