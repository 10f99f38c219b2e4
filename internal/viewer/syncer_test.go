package viewer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"relaycast/internal/clock"
	"relaycast/internal/metadata"
	"relaycast/internal/observability/metrics"
	"relaycast/internal/registry"
	"relaycast/internal/testsupport"
)

type fakeSource struct {
	mu       sync.Mutex
	statuses []registry.LiveStatus
	records  []metadata.StreamRecord
	err      error
	metaErr  error
	hold     chan struct{}
	calls    chan struct{}
}

func newFakeSource(statuses ...registry.LiveStatus) *fakeSource {
	return &fakeSource{statuses: statuses, calls: make(chan struct{}, 32)}
}

func (f *fakeSource) ListLive(ctx context.Context) ([]registry.LiveStatus, error) {
	select {
	case f.calls <- struct{}{}:
	default:
	}
	f.mu.Lock()
	hold := f.hold
	f.mu.Unlock()
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]registry.LiveStatus(nil), f.statuses...), nil
}

func (f *fakeSource) MetadataStreams(ctx context.Context) ([]metadata.StreamRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.metaErr != nil {
		return nil, f.metaErr
	}
	return append([]metadata.StreamRecord(nil), f.records...), nil
}

func (f *fakeSource) set(err error, statuses ...registry.LiveStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
	if err == nil {
		f.statuses = statuses
	}
}

type syncHarness struct {
	syncer  *Syncer
	source  *fakeSource
	clock   *clock.Fake
	metrics *metrics.Recorder
	commits chan Snapshot
}

func newSyncHarness(t *testing.T, source *fakeSource, mutate func(*SyncerConfig)) *syncHarness {
	t.Helper()
	h := &syncHarness{
		source:  source,
		clock:   clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
		metrics: metrics.New(),
		commits: make(chan Snapshot, 32),
	}
	cfg := SyncerConfig{
		Source:   source,
		Clock:    h.clock,
		Metrics:  h.metrics,
		OnCommit: func(s Snapshot) { h.commits <- s },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	syncer, err := NewSyncer(cfg)
	if err != nil {
		t.Fatalf("NewSyncer: %v", err)
	}
	h.syncer = syncer
	t.Cleanup(syncer.Stop)
	return h
}

func (h *syncHarness) waitCommit(t *testing.T) Snapshot {
	t.Helper()
	select {
	case s := <-h.commits:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a commit")
	}
	return Snapshot{}
}

func (h *syncHarness) waitCall(t *testing.T) {
	t.Helper()
	select {
	case <-h.source.calls:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a fetch")
	}
}

func (h *syncHarness) waitTicks(t *testing.T, outcome string, want float64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if syncTickCount(t, h.metrics, outcome) >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %v %s ticks, got %v", want, outcome, syncTickCount(t, h.metrics, outcome))
}

func syncTickCount(t *testing.T, rec *metrics.Recorder, outcome string) float64 {
	t.Helper()
	families, err := rec.Registry().Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, family := range families {
		if family.GetName() != "relaycast_viewer_sync_ticks_total" {
			continue
		}
		for _, metric := range family.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "outcome" && label.GetValue() == outcome {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func channelKeys(channels []Channel) string {
	keys := make([]string, 0, len(channels))
	for _, c := range channels {
		keys = append(keys, c.StreamKey)
	}
	return strings.Join(keys, ",")
}

func TestSyncerReplacesWholesaleAndRetainsOnFailure(t *testing.T) {
	source := newFakeSource(live("a"), live("b"))
	h := newSyncHarness(t, source, nil)

	if err := h.syncer.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	snap := h.waitCommit(t)
	if channelKeys(snap.Channels) != "a,b" || snap.Failures != 0 || !snap.FetchedAt.Equal(h.clock.Now()) {
		t.Fatalf("unexpected first snapshot %+v", snap)
	}
	fetchedAt := snap.FetchedAt

	source.set(errors.New("status service down"))
	for want := 1; want <= DefaultFailureThreshold; want++ {
		h.clock.Advance(DefaultSyncInterval)
		snap = h.waitCommit(t)
		if snap.Failures != want {
			t.Fatalf("expected %d failures, got %+v", want, snap)
		}
		if channelKeys(snap.Channels) != "a,b" || !snap.FetchedAt.Equal(fetchedAt) {
			t.Fatalf("expected the last list to be retained, got %+v", snap)
		}
		if snap.Degraded != (want >= DefaultFailureThreshold) {
			t.Fatalf("unexpected degraded flag after %d failures: %+v", want, snap)
		}
		if snap.LastError == nil || !strings.Contains(snap.LastError.Error(), "status service down") {
			t.Fatalf("expected last error to be recorded, got %v", snap.LastError)
		}
	}

	source.set(nil, live("c"))
	h.clock.Advance(DefaultSyncInterval)
	snap = h.waitCommit(t)
	if channelKeys(snap.Channels) != "c" || snap.Failures != 0 || snap.Degraded || snap.LastError != nil {
		t.Fatalf("expected a clean wholesale replacement, got %+v", snap)
	}
	if got := h.syncer.Snapshot(); channelKeys(got.Channels) != "c" {
		t.Fatalf("expected Snapshot to match the commit, got %+v", got)
	}
}

func TestSyncerSkipsTicksWhileFetchInFlight(t *testing.T) {
	source := newFakeSource(live("a"))
	release := make(chan struct{})
	source.hold = release
	h := newSyncHarness(t, source, nil)

	if err := h.syncer.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.waitCall(t)

	h.clock.Advance(DefaultSyncInterval)
	h.waitTicks(t, "skipped", 1)
	h.clock.Advance(DefaultSyncInterval)
	h.waitTicks(t, "skipped", 2)

	close(release)
	snap := h.waitCommit(t)
	if channelKeys(snap.Channels) != "a" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	select {
	case <-source.calls:
		t.Fatal("expected skipped ticks not to start another fetch")
	default:
	}
}

func TestSyncerStopDiscardsInFlightFetch(t *testing.T) {
	source := newFakeSource(live("a"))
	source.hold = make(chan struct{})
	h := newSyncHarness(t, source, nil)

	if err := h.syncer.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.waitCall(t)
	h.syncer.Stop()
	h.syncer.Stop()

	select {
	case s := <-h.commits:
		t.Fatalf("expected no commit after Stop, got %+v", s)
	default:
	}
	if snap := h.syncer.Snapshot(); !snap.FetchedAt.IsZero() || snap.Failures != 0 {
		t.Fatalf("expected untouched state, got %+v", snap)
	}
	if err := h.syncer.Start(context.Background()); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
	if err := h.syncer.SyncOnce(context.Background()); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped from SyncOnce, got %v", err)
	}
}

func TestSyncerNudgeFetchesEarly(t *testing.T) {
	source := newFakeSource(live("a"))
	h := newSyncHarness(t, source, nil)

	if err := h.syncer.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.waitCommit(t)
	if err := h.syncer.Start(context.Background()); err == nil {
		t.Fatal("expected a second Start to fail")
	}

	source.set(nil, live("a"), live("b"))
	h.syncer.Nudge()
	if snap := h.waitCommit(t); channelKeys(snap.Channels) != "a,b" {
		t.Fatalf("expected nudge to refresh the list, got %+v", snap)
	}
}

func TestSyncerMetadataHandling(t *testing.T) {
	source := newFakeSource(live("a"))
	source.metaErr = fmt.Errorf("metadata: %w", ErrNotConfigured)
	h := newSyncHarness(t, source, nil)
	ctx := context.Background()

	if err := h.syncer.SyncOnce(ctx); err != nil {
		t.Fatalf("expected unconfigured metadata to be tolerated, got %v", err)
	}
	snap := h.syncer.Snapshot()
	if len(snap.Channels) != 1 || !snap.Channels[0].Placeholder {
		t.Fatalf("expected a placeholder channel, got %+v", snap)
	}

	source.mu.Lock()
	source.metaErr = errors.New("metadata store timeout")
	source.mu.Unlock()
	if err := h.syncer.SyncOnce(ctx); err == nil {
		t.Fatal("expected metadata failure to fail the tick")
	}
	snap = h.syncer.Snapshot()
	if snap.Failures != 1 || len(snap.Channels) != 1 {
		t.Fatalf("expected a counted failure with the list retained, got %+v", snap)
	}
}

func TestSyncerFetchTimeout(t *testing.T) {
	source := newFakeSource(live("a"))
	source.hold = make(chan struct{})
	h := newSyncHarness(t, source, func(cfg *SyncerConfig) { cfg.FetchTimeout = 20 * time.Millisecond })

	err := h.syncer.SyncOnce(context.Background())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if snap := h.syncer.Snapshot(); snap.Failures != 1 {
		t.Fatalf("expected the timeout to count as a failure, got %+v", snap)
	}
}

func TestFollowPushNudgesOnSessionEvents(t *testing.T) {
	svc := newTestService(t, false)
	svc.source.Set(testsupport.Publisher("c1", "pushed"))

	commits := make(chan Snapshot, 8)
	syncer, err := NewSyncer(SyncerConfig{
		Source:   svc.client,
		Interval: time.Hour,
		Clock:    clock.NewFake(time.Now()),
		Metrics:  metrics.New(),
		OnCommit: func(s Snapshot) { commits <- s },
	})
	if err != nil {
		t.Fatalf("NewSyncer: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := syncer.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer syncer.Stop()

	select {
	case <-commits:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the initial sync")
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		FollowPush(ctx, svc.client, syncer, 10*time.Millisecond, nil)
	}()

	select {
	case snap := <-commits:
		if channelKeys(snap.Channels) != "pushed" {
			t.Fatalf("unexpected pushed snapshot %+v", snap)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a push-triggered sync")
	}
	cancel()
	<-done
}
