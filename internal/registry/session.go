package registry

import (
	"context"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// LivePathPrefix is the publish path prefix. A stream published to
// rtmp://host/live/K has the stream path /live/K.
const LivePathPrefix = "/live/"

// Role distinguishes publishing sessions from playback sessions.
type Role string

const (
	RolePublish Role = "publish"
	RolePlay    Role = "play"
)

// Session is one gateway connection as seen by the registry. Optional fields
// are left zero when the gateway did not report them.
type Session struct {
	ID          string
	StreamPath  string
	Role        Role
	IP          string
	ConnectTime time.Time
	StartTime   time.Time
}

// IsPublisher reports whether the session is publishing. Sessions without a
// reported role are treated as publishers.
func (s Session) IsPublisher() bool {
	return s.Role == RolePublish || s.Role == ""
}

// StreamKey returns the trailing segment of the stream path.
func (s Session) StreamKey() string {
	return StreamKeyFromPath(s.StreamPath)
}

// SessionSource exposes the gateway's session table. Implementations return
// sessions in the table's own order.
type SessionSource interface {
	Sessions(ctx context.Context) ([]Session, error)
}

// SessionSourceFunc adapts a function to SessionSource.
type SessionSourceFunc func(ctx context.Context) ([]Session, error)

func (f SessionSourceFunc) Sessions(ctx context.Context) ([]Session, error) {
	return f(ctx)
}

// StreamKeyFromPath extracts the final path segment. A path ending in a slash
// has no key.
func StreamKeyFromPath(path string) string {
	trimmed := strings.TrimSpace(path)
	if idx := strings.LastIndex(trimmed, "/"); idx >= 0 {
		return trimmed[idx+1:]
	}
	return trimmed
}

// StreamPath builds the publish path for key.
func StreamPath(key string) string {
	return LivePathPrefix + key
}

// DecodeSession converts a loosely typed record, as stored by another process,
// into a Session. Unknown or mistyped optional fields are dropped. The record
// is rejected only when it carries no usable stream path.
func DecodeSession(raw map[string]any) (Session, bool) {
	path := stringField(raw, "streamPath", "stream_path", "path")
	if path == "" {
		return Session{}, false
	}
	session := Session{
		ID:          stringField(raw, "id", "clientId", "sessionId"),
		StreamPath:  path,
		IP:          stringField(raw, "ip", "remoteAddr"),
		ConnectTime: timeField(raw, "connectTime", "connectedAt"),
		StartTime:   timeField(raw, "startTime", "publishStartTime"),
	}
	switch strings.ToLower(stringField(raw, "role")) {
	case string(RolePublish):
		session.Role = RolePublish
	case string(RolePlay):
		session.Role = RolePlay
	default:
		if publishing, ok := raw["isPublishing"].(bool); ok && !publishing {
			session.Role = RolePlay
		}
	}
	return session, true
}

func stringField(raw map[string]any, names ...string) string {
	for _, name := range names {
		switch v := raw[name].(type) {
		case string:
			if trimmed := strings.TrimSpace(v); trimmed != "" {
				return trimmed
			}
		case json.Number:
			return v.String()
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

// timeField accepts RFC 3339 strings and unix timestamps in seconds or
// milliseconds, either as numbers or numeric strings.
func timeField(raw map[string]any, names ...string) time.Time {
	for _, name := range names {
		switch v := raw[name].(type) {
		case string:
			if ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(v)); err == nil {
				return ts.UTC()
			}
			if n, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
				return unixTime(n)
			}
		case json.Number:
			if n, err := v.Float64(); err == nil {
				return unixTime(n)
			}
		case float64:
			return unixTime(v)
		case int64:
			return unixTime(float64(v))
		}
	}
	return time.Time{}
}

func unixTime(n float64) time.Time {
	if n <= 0 || math.IsNaN(n) || math.IsInf(n, 0) {
		return time.Time{}
	}
	// Values past 1e11 cannot be seconds for any plausible date.
	if n > 1e11 {
		return time.UnixMilli(int64(n)).UTC()
	}
	return time.Unix(int64(n), 0).UTC()
}
