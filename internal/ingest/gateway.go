package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nareix/joy4/av"
	"github.com/nareix/joy4/av/avutil"
	"github.com/nareix/joy4/av/pubsub"
	"github.com/nareix/joy4/format/rtmp"

	"relaycast/internal/observability/logging"
	"relaycast/internal/observability/metrics"
	"relaycast/internal/registry"
)

// Option customises a Gateway.
type Option func(*Gateway)

func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

func WithMetrics(recorder *metrics.Recorder) Option {
	return func(g *Gateway) { g.metrics = recorder }
}

// WithClock overrides the time source used for session timestamps.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		if now != nil {
			g.now = now
		}
	}
}

// WithEventBus shares an existing bus instead of creating one.
func WithEventBus(bus *EventBus) Option {
	return func(g *Gateway) {
		if bus != nil {
			g.bus = bus
		}
	}
}

// Gateway owns the session table and the per-key relay queues.
type Gateway struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Recorder
	now     func() time.Time
	bus     *EventBus
	auth    *PublishAuthorizer

	mu       sync.Mutex
	sessions []*sessionEntry
	streams  map[string]*Publication
	closed   bool
}

type sessionEntry struct {
	session registry.Session
	closer  io.Closer
}

// New builds a Gateway. It does not listen until Run is called.
func New(cfg Config, opts ...Option) *Gateway {
	g := &Gateway{
		cfg:     cfg,
		logger:  logging.Discard(),
		now:     time.Now,
		auth:    NewPublishAuthorizer(cfg.PublishSecretHash),
		streams: make(map[string]*Publication),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.bus == nil {
		g.bus = NewEventBus(64)
	}
	if g.cfg.MaxStreamKeyLength <= 0 {
		g.cfg.MaxStreamKeyLength = DefaultConfig().MaxStreamKeyLength
	}
	if g.cfg.DuplicatePolicy == "" {
		g.cfg.DuplicatePolicy = DuplicateReject
	}
	return g
}

// Config returns the gateway configuration.
func (g *Gateway) Config() Config {
	return g.cfg
}

// Events returns the lifecycle event bus.
func (g *Gateway) Events() *EventBus {
	return g.bus
}

// Sessions returns a snapshot of the session table in insertion order. It
// implements registry.SessionSource.
func (g *Gateway) Sessions(ctx context.Context) ([]registry.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]registry.Session, len(g.sessions))
	for i, entry := range g.sessions {
		out[i] = entry.session
	}
	return out, nil
}

// Health reports whether the gateway is accepting connections.
func (g *Gateway) Health() HealthStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return HealthStatus{Component: "ingest", Status: "error", Detail: "gateway closed"}
	}
	return HealthStatus{Component: "ingest", Status: "ok", Detail: fmt.Sprintf("%d live streams", len(g.streams))}
}

// PublishRequest describes a publisher asking for a stream path.
type PublishRequest struct {
	StreamPath string
	IP         string
	Query      url.Values
	// Closer disconnects the publisher when it is evicted or the gateway closes.
	Closer io.Closer
}

// Publication is an admitted publisher. Packets written to it are relayed to
// every player of the same key.
type Publication struct {
	gateway *Gateway
	entry   *sessionEntry
	queue   *pubsub.Queue
	once    sync.Once
}

// Session returns the table record of the publisher.
func (p *Publication) Session() registry.Session {
	return p.entry.session
}

// WriteHeader announces the codecs of the published stream.
func (p *Publication) WriteHeader(streams []av.CodecData) error {
	return p.queue.WriteHeader(streams)
}

// WritePacket relays one media packet.
func (p *Publication) WritePacket(pkt av.Packet) error {
	return p.queue.WritePacket(pkt)
}

// End removes the publisher from the table and releases its players. It is
// safe to call more than once.
func (p *Publication) End() {
	p.once.Do(func() {
		p.gateway.endPublication(p)
	})
}

// BeginPublish runs the pre-publish checks and, when they pass, records the
// session and emits post-publish.
func (g *Gateway) BeginPublish(ctx context.Context, req PublishRequest) (*Publication, error) {
	key := registry.StreamKeyFromPath(req.StreamPath)
	g.bus.Publish(Event{Type: EventPrePublish, StreamKey: key, At: g.now()})

	pub, evicted, err := g.admitPublisher(req, key)
	if err != nil {
		g.reject(ctx, key, req.IP, err)
		return nil, err
	}
	if evicted != nil {
		g.logger.Info("replacing existing publisher", "stream_key", key, "session_id", evicted.entry.session.ID)
		if evicted.entry.closer != nil {
			_ = evicted.entry.closer.Close()
		}
		evicted.End()
	}

	g.metrics.PublishStarted()
	logging.WithContext(ctx, g.logger).Info("stream published",
		"stream_key", key, "session_id", pub.entry.session.ID, "ip", req.IP)
	g.bus.Publish(Event{Type: EventPostPublish, StreamKey: key, Session: pub.entry.session, At: pub.entry.session.StartTime})
	return pub, nil
}

func (g *Gateway) admitPublisher(req PublishRequest, key string) (*Publication, *Publication, error) {
	if err := g.validatePath(req.StreamPath, key); err != nil {
		return nil, nil, err
	}
	if err := g.auth.Authorize(req.Query); err != nil {
		return nil, nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, nil, ErrGatewayClosed
	}
	existing := g.streams[key]
	if existing != nil && g.cfg.DuplicatePolicy != DuplicateReplace {
		return nil, nil, fmt.Errorf("%w: %s", ErrDuplicateStreamKey, key)
	}

	now := g.now()
	entry := &sessionEntry{
		session: registry.Session{
			ID:          uuid.NewString(),
			StreamPath:  req.StreamPath,
			Role:        registry.RolePublish,
			IP:          req.IP,
			ConnectTime: now,
			StartTime:   now,
		},
		closer: req.Closer,
	}
	queue := pubsub.NewQueue()
	if !g.cfg.GOPCache {
		queue.SetMaxGopCount(1)
	}
	pub := &Publication{gateway: g, entry: entry, queue: queue}
	g.sessions = append(g.sessions, entry)
	g.streams[key] = pub
	return pub, existing, nil
}

// reservedKeys collide with status API routes under /api/streams/.
var reservedKeys = map[string]bool{"events": true, ".": true, "..": true}

func (g *Gateway) validatePath(path, key string) error {
	if !strings.HasPrefix(path, registry.LivePathPrefix) || path != registry.StreamPath(key) {
		return fmt.Errorf("%w: path %q", ErrInvalidStreamKey, path)
	}
	if key == "" || len(key) > g.cfg.MaxStreamKeyLength || reservedKeys[key] {
		return fmt.Errorf("%w: %q", ErrInvalidStreamKey, key)
	}
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
		default:
			return fmt.Errorf("%w: %q", ErrInvalidStreamKey, key)
		}
	}
	return nil
}

func (g *Gateway) reject(ctx context.Context, key, ip string, err error) {
	reason := rejectionReason(err)
	g.metrics.PublishRejected(reason)
	logging.WithContext(ctx, g.logger).Warn("publish rejected", "stream_key", key, "ip", ip, "reason", reason, "error", err)
	g.bus.Publish(Event{Type: EventPublishRejected, StreamKey: key, Reason: reason, At: g.now()})
}

func (g *Gateway) endPublication(p *Publication) {
	key := p.entry.session.StreamKey()
	g.mu.Lock()
	g.removeLocked(p.entry)
	if g.streams[key] == p {
		delete(g.streams, key)
	}
	g.mu.Unlock()

	_ = p.queue.Close()
	g.metrics.PublishStopped()
	g.logger.Info("stream ended", "stream_key", key, "session_id", p.entry.session.ID)
	g.bus.Publish(Event{Type: EventDonePublish, StreamKey: key, Session: p.entry.session, At: g.now()})
}

func (g *Gateway) removeLocked(target *sessionEntry) {
	for i, entry := range g.sessions {
		if entry == target {
			g.sessions = append(g.sessions[:i], g.sessions[i+1:]...)
			return
		}
	}
}

// Playback is a player attached to a live key.
type Playback struct {
	gateway *Gateway
	entry   *sessionEntry
	cursor  *pubsub.QueueCursor
	once    sync.Once
}

// Session returns the table record of the player.
func (p *Playback) Session() registry.Session {
	return p.entry.session
}

// Demuxer yields the relayed stream. It reports io.EOF once the publisher ends.
func (p *Playback) Demuxer() av.Demuxer {
	return p.cursor
}

// End removes the player from the table.
func (p *Playback) End() {
	p.once.Do(func() {
		g := p.gateway
		g.mu.Lock()
		g.removeLocked(p.entry)
		g.mu.Unlock()
		g.metrics.PlayerLeft()
		key := p.entry.session.StreamKey()
		g.bus.Publish(Event{Type: EventDonePlay, StreamKey: key, Session: p.entry.session, At: g.now()})
	})
}

// BeginPlay attaches a player to the publisher of key.
func (g *Gateway) BeginPlay(ctx context.Context, key, ip string, closer io.Closer) (*Playback, error) {
	g.bus.Publish(Event{Type: EventPrePlay, StreamKey: key, At: g.now()})

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil, ErrGatewayClosed
	}
	pub := g.streams[key]
	if pub == nil {
		g.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrStreamNotLive, key)
	}
	cursor := pub.queue.Latest()
	if g.cfg.GOPCache {
		cursor = pub.queue.Oldest()
	}
	now := g.now()
	entry := &sessionEntry{
		session: registry.Session{
			ID:          uuid.NewString(),
			StreamPath:  registry.StreamPath(key),
			Role:        registry.RolePlay,
			IP:          ip,
			ConnectTime: now,
			StartTime:   now,
		},
		closer: closer,
	}
	g.sessions = append(g.sessions, entry)
	g.mu.Unlock()

	g.metrics.PlayerJoined()
	logging.WithContext(ctx, g.logger).Debug("player attached", "stream_key", key, "session_id", entry.session.ID, "ip", ip)
	g.bus.Publish(Event{Type: EventPostPlay, StreamKey: key, Session: entry.session, At: now})
	return &Playback{gateway: g, entry: entry, cursor: cursor}, nil
}

// Run serves RTMP on cfg.RTMPAddr until ctx is cancelled, then disconnects
// every session. joy4's server cannot be stopped, so after cancellation the
// listener stays bound and new connections are refused by the handlers.
func (g *Gateway) Run(ctx context.Context) error {
	server := &rtmp.Server{
		Addr:          g.cfg.RTMPAddr,
		HandlePublish: func(conn *rtmp.Conn) { g.handlePublish(ctx, conn) },
		HandlePlay:    func(conn *rtmp.Conn) { g.handlePlay(ctx, conn) },
	}
	errs := make(chan error, 1)
	go func() {
		errs <- server.ListenAndServe()
	}()
	g.logger.Info("rtmp ingest listening", "addr", g.cfg.RTMPAddr, "chunk_size", g.cfg.ChunkSize, "gop_cache", g.cfg.GOPCache)

	select {
	case err := <-errs:
		g.Close()
		return fmt.Errorf("rtmp server: %w", err)
	case <-ctx.Done():
		g.Close()
		return nil
	}
}

// Close disconnects every session and refuses new ones.
func (g *Gateway) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	pubs := make([]*Publication, 0, len(g.streams))
	for _, pub := range g.streams {
		pubs = append(pubs, pub)
	}
	closers := make([]io.Closer, 0, len(g.sessions))
	for _, entry := range g.sessions {
		if entry.closer != nil {
			closers = append(closers, entry.closer)
		}
	}
	g.mu.Unlock()

	for _, closer := range closers {
		_ = closer.Close()
	}
	for _, pub := range pubs {
		pub.End()
	}
}

func (g *Gateway) handlePublish(ctx context.Context, conn *rtmp.Conn) {
	ip := remoteIP(conn.NetConn().RemoteAddr())
	ctx = logging.ContextWithStreamKey(ctx, registry.StreamKeyFromPath(conn.URL.Path))
	pub, err := g.BeginPublish(ctx, PublishRequest{
		StreamPath: conn.URL.Path,
		IP:         ip,
		Query:      conn.URL.Query(),
		Closer:     conn,
	})
	if err != nil {
		return
	}
	defer pub.End()

	streams, err := conn.Streams()
	if err != nil {
		g.logger.Warn("publisher sent no stream header", "session_id", pub.Session().ID, "error", err)
		return
	}
	if err := pub.WriteHeader(streams); err != nil {
		return
	}
	for {
		if g.cfg.PingTimeout > 0 {
			_ = conn.NetConn().SetReadDeadline(time.Now().Add(g.cfg.PingTimeout))
		}
		pkt, err := conn.ReadPacket()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				g.logger.Info("publisher disconnected", "session_id", pub.Session().ID, "error", err)
			}
			return
		}
		if err := pub.WritePacket(pkt); err != nil {
			return
		}
	}
}

func (g *Gateway) handlePlay(ctx context.Context, conn *rtmp.Conn) {
	ip := remoteIP(conn.NetConn().RemoteAddr())
	key := registry.StreamKeyFromPath(conn.URL.Path)
	play, err := g.BeginPlay(ctx, key, ip, conn)
	if err != nil {
		g.logger.Debug("play refused", "stream_key", key, "ip", ip, "error", err)
		return
	}
	defer play.End()
	if err := avutil.CopyFile(conn, play.Demuxer()); err != nil && !errors.Is(err, io.EOF) {
		g.logger.Debug("rtmp player stopped", "session_id", play.Session().ID, "error", err)
	}
}

func remoteIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
