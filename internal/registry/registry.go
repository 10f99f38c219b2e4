package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"relaycast/internal/observability/logging"
	"relaycast/internal/observability/metrics"
)

// Status is the discriminator carried by every status payload.
type Status string

const (
	StatusActive  Status = "active"
	StatusOffline Status = "offline"
)

// NoActiveStreamsMessage accompanies an empty listing.
const NoActiveStreamsMessage = "no active streams"

// LiveStatus is the derived, per-query view of one stream key.
type LiveStatus struct {
	StreamKey  string     `json:"streamKey"`
	IsLive     bool       `json:"isLive"`
	StreamPath string     `json:"streamPath,omitempty"`
	StartTime  *time.Time `json:"startTime,omitempty"`
	ClientID   string     `json:"clientId,omitempty"`
	IP         string     `json:"ip,omitempty"`
	Status     Status     `json:"status"`
}

// Offline returns the status reported for a key with no publishing session.
func Offline(key string) LiveStatus {
	return LiveStatus{StreamKey: key, IsLive: false, Status: StatusOffline}
}

// Listing is the result of ListLive.
type Listing struct {
	Streams []LiveStatus
	// Message is NoActiveStreamsMessage when Streams is empty.
	Message string
}

// Empty reports whether nothing is live.
func (l Listing) Empty() bool {
	return len(l.Streams) == 0
}

// ErrUnavailable matches every *UnavailableError via errors.Is.
var ErrUnavailable = errors.New("session registry unavailable")

// UnavailableError reports that the session table could not be read.
type UnavailableError struct {
	At  time.Time
	Err error
}

func (e *UnavailableError) Error() string {
	if e.Err == nil {
		return ErrUnavailable.Error()
	}
	return fmt.Sprintf("%s: %v", ErrUnavailable.Error(), e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

func (e *UnavailableError) Is(target error) bool { return target == ErrUnavailable }

// Option customises a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics sets the recorder used for query outcomes.
func WithMetrics(recorder *metrics.Recorder) Option {
	return func(r *Registry) { r.metrics = recorder }
}

// WithClock overrides the clock used to stamp UnavailableError.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// Registry answers live-status queries from a SessionSource.
type Registry struct {
	source  SessionSource
	logger  *slog.Logger
	metrics *metrics.Recorder
	now     func() time.Time
}

// New builds a Registry reading from source.
func New(source SessionSource, opts ...Option) *Registry {
	r := &Registry{
		source: source,
		logger: logging.Discard(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ListLive returns every publishing session in table order.
func (r *Registry) ListLive(ctx context.Context) (Listing, error) {
	sessions, err := r.read(ctx)
	if err != nil {
		r.metrics.ObserveRegistryQuery("list", "error")
		return Listing{}, err
	}

	streams := make([]LiveStatus, 0, len(sessions))
	for _, session := range sessions {
		if !session.IsPublisher() {
			continue
		}
		key := session.StreamKey()
		if key == "" {
			continue
		}
		streams = append(streams, liveStatus(key, session))
	}

	listing := Listing{Streams: streams}
	if listing.Empty() {
		listing.Message = NoActiveStreamsMessage
		r.metrics.ObserveRegistryQuery("list", "offline")
	} else {
		r.metrics.ObserveRegistryQuery("list", "ok")
	}
	return listing, nil
}

// GetLive reports the status of key. The first publishing session whose path
// equals /live/<key> wins; a key with no such session is offline, not an error.
func (r *Registry) GetLive(ctx context.Context, key string) (LiveStatus, error) {
	sessions, err := r.read(ctx)
	if err != nil {
		r.metrics.ObserveRegistryQuery("get", "error")
		return LiveStatus{}, err
	}

	want := StreamPath(key)
	for _, session := range sessions {
		if session.IsPublisher() && session.StreamPath == want {
			r.metrics.ObserveRegistryQuery("get", "ok")
			return liveStatus(key, session), nil
		}
	}
	r.metrics.ObserveRegistryQuery("get", "offline")
	return Offline(key), nil
}

// Ping performs a read without deriving anything, for readiness probes.
func (r *Registry) Ping(ctx context.Context) error {
	_, err := r.read(ctx)
	return err
}

func (r *Registry) read(ctx context.Context) (sessions []Session, err error) {
	if r.source == nil {
		return nil, &UnavailableError{At: r.now().UTC(), Err: errors.New("no session source configured")}
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			sessions = nil
			err = &UnavailableError{At: r.now().UTC(), Err: fmt.Errorf("session source panic: %v", recovered)}
			logging.WithContext(ctx, r.logger).Error("session source panicked", "panic", recovered)
		}
	}()

	sessions, err = r.source.Sessions(ctx)
	if err != nil {
		var unavailable *UnavailableError
		if errors.As(err, &unavailable) {
			return nil, err
		}
		logging.WithContext(ctx, r.logger).Warn("session source read failed", "error", err)
		return nil, &UnavailableError{At: r.now().UTC(), Err: err}
	}
	return sessions, nil
}

func liveStatus(key string, session Session) LiveStatus {
	status := LiveStatus{
		StreamKey:  key,
		IsLive:     true,
		StreamPath: session.StreamPath,
		ClientID:   session.ID,
		IP:         session.IP,
		Status:     StatusActive,
	}
	start := session.StartTime
	if start.IsZero() {
		start = session.ConnectTime
	}
	if !start.IsZero() {
		ts := start.UTC()
		status.StartTime = &ts
	}
	return status
}
