package viewer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"relaycast/internal/clock"
	"relaycast/internal/metadata"
	"relaycast/internal/observability/logging"
	"relaycast/internal/observability/metrics"
	"relaycast/internal/registry"
)

const (
	DefaultSyncInterval     = 5 * time.Second
	DefaultFetchTimeout     = 4 * time.Second
	DefaultFailureThreshold = 3
)

// Source is what the Syncer polls. APIClient implements it.
type Source interface {
	ListLive(ctx context.Context) ([]registry.LiveStatus, error)
	MetadataStreams(ctx context.Context) ([]metadata.StreamRecord, error)
}

// SyncerConfig configures a Syncer. Zero values select the defaults.
type SyncerConfig struct {
	Source           Source
	Interval         time.Duration
	FetchTimeout     time.Duration
	FailureThreshold int
	Clock            clock.Clock
	Logger           *slog.Logger
	Metrics          *metrics.Recorder
	// OnCommit observes every state change: a fresh list or a failed tick.
	// It runs on the loop goroutine and must not block.
	OnCommit func(Snapshot)
}

// Snapshot is the client sync state. Channels is the last committed list and
// survives failed ticks.
type Snapshot struct {
	Channels  []Channel
	FetchedAt time.Time
	Failures  int
	Degraded  bool
	LastError error
}

// Syncer polls the status service on a fixed interval and keeps the merged
// channel list. At most one fetch is in flight; ticks that arrive meanwhile
// are skipped. A successful fetch replaces the list wholesale, a failed one
// keeps it and counts the failure.
type Syncer struct {
	source    Source
	interval  time.Duration
	timeout   time.Duration
	threshold int
	clock     clock.Clock
	logger    *slog.Logger
	metrics   *metrics.Recorder
	onCommit  func(Snapshot)

	mu    sync.RWMutex
	state Snapshot

	nudge chan struct{}

	lifecycle sync.Mutex
	started   bool
	stopped   bool
	cancel    context.CancelFunc
	done      chan struct{}
}

type fetchResult struct {
	statuses []registry.LiveStatus
	records  []metadata.StreamRecord
	err      error
}

func NewSyncer(cfg SyncerConfig) (*Syncer, error) {
	if cfg.Source == nil {
		return nil, errors.New("sync source is required")
	}
	s := &Syncer{
		source:    cfg.Source,
		interval:  cfg.Interval,
		timeout:   cfg.FetchTimeout,
		threshold: cfg.FailureThreshold,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		onCommit:  cfg.OnCommit,
		nudge:     make(chan struct{}, 1),
	}
	if s.interval <= 0 {
		s.interval = DefaultSyncInterval
	}
	if s.timeout <= 0 {
		s.timeout = DefaultFetchTimeout
	}
	if s.threshold <= 0 {
		s.threshold = DefaultFailureThreshold
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.logger == nil {
		s.logger = logging.Discard()
	}
	if s.metrics == nil {
		s.metrics = metrics.Default()
	}
	return s, nil
}

// Start launches the loop. The first fetch happens immediately.
func (s *Syncer) Start(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if s.started {
		return errors.New("syncer already started")
	}
	s.started = true
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(loopCtx)
	return nil
}

// Stop cancels any in-flight fetch and waits for the loop to exit. Nothing
// is committed after Stop returns.
func (s *Syncer) Stop() {
	s.lifecycle.Lock()
	if s.stopped {
		s.lifecycle.Unlock()
		return
	}
	s.stopped = true
	cancel, done := s.cancel, s.done
	s.lifecycle.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// Nudge requests an early tick, for example after a push notification. It
// never blocks and coalesces with pending nudges.
func (s *Syncer) Nudge() {
	select {
	case s.nudge <- struct{}{}:
	default:
	}
}

// Snapshot returns a copy of the current state.
func (s *Syncer) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.state
	out.Channels = append([]Channel(nil), s.state.Channels...)
	return out
}

// SyncOnce runs a single fetch and commit on the caller's goroutine. It must
// not be mixed with a running loop.
func (s *Syncer) SyncOnce(ctx context.Context) error {
	s.lifecycle.Lock()
	stopped := s.stopped
	s.lifecycle.Unlock()
	if stopped {
		return ErrStopped
	}
	res := s.fetch(ctx)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.commit(res)
	return res.err
}

func (s *Syncer) run(ctx context.Context) {
	var wg sync.WaitGroup
	defer close(s.done)
	defer wg.Wait()

	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	results := make(chan fetchResult, 1)
	inFlight := false
	launch := func() {
		if inFlight {
			s.metrics.ObserveSyncTick("skipped")
			return
		}
		inFlight = true
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- s.fetch(ctx)
		}()
	}

	launch()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			launch()
		case <-s.nudge:
			launch()
		case res := <-results:
			inFlight = false
			if ctx.Err() != nil {
				return
			}
			s.commit(res)
		}
	}
}

func (s *Syncer) fetch(ctx context.Context) fetchResult {
	fetchCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var res fetchResult
	g, gctx := errgroup.WithContext(fetchCtx)
	g.Go(func() error {
		statuses, err := s.source.ListLive(gctx)
		if err != nil {
			return fmt.Errorf("list live streams: %w", err)
		}
		res.statuses = statuses
		return nil
	})
	g.Go(func() error {
		records, err := s.source.MetadataStreams(gctx)
		if errors.Is(err, ErrNotConfigured) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("fetch stream metadata: %w", err)
		}
		res.records = records
		return nil
	})
	if err := g.Wait(); err != nil {
		return fetchResult{err: err}
	}
	return res
}

func (s *Syncer) commit(res fetchResult) {
	s.mu.Lock()
	if res.err != nil {
		s.state.Failures++
		s.state.LastError = res.err
		s.state.Degraded = s.state.Failures >= s.threshold
	} else {
		s.state = Snapshot{
			Channels:  Merge(res.statuses, res.records),
			FetchedAt: s.clock.Now(),
		}
	}
	snapshot := s.state
	snapshot.Channels = append([]Channel(nil), s.state.Channels...)
	s.mu.Unlock()

	if res.err != nil {
		s.metrics.ObserveSyncTick("failed")
		s.logger.Warn("stream sync failed, keeping previous list",
			"error", res.err, "failures", snapshot.Failures, "degraded", snapshot.Degraded)
	} else {
		s.metrics.ObserveSyncTick("committed")
		s.logger.Debug("stream list synced", "channels", len(snapshot.Channels))
	}
	if s.onCommit != nil {
		s.onCommit(snapshot)
	}
}

// FollowPush nudges the syncer whenever the server pushes a sessions event,
// reconnecting after retry when the event stream drops. It returns when ctx
// is cancelled.
func FollowPush(ctx context.Context, client *APIClient, syncer *Syncer, retry time.Duration, logger *slog.Logger) {
	if retry <= 0 {
		retry = DefaultSyncInterval
	}
	if logger == nil {
		logger = logging.Discard()
	}
	for {
		err := client.WatchEvents(ctx, func(ev ServerEvent) {
			if ev.Name == "sessions" {
				syncer.Nudge()
			}
		})
		if ctx.Err() != nil {
			return
		}
		logger.Debug("event stream ended, reconnecting", "error", err, "retry", retry)
		timer := time.NewTimer(retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}
