package ingest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nareix/joy4/av"

	"relaycast/internal/registry"
)

type fakeCodec struct{}

func (fakeCodec) Type() av.CodecType { return av.H264 }

type closeCounter struct{ closed atomic.Int32 }

func (c *closeCounter) Close() error {
	c.closed.Add(1)
	return nil
}

func newTestGateway(t *testing.T, mutate func(*Config)) (*Gateway, *Subscription) {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	start := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	var tick atomic.Int64
	gw := New(cfg, WithClock(func() time.Time {
		return start.Add(time.Duration(tick.Add(1)) * time.Second)
	}))
	sub := gw.Events().Subscribe()
	t.Cleanup(sub.Close)
	return gw, sub
}

func drain(sub *Subscription) []EventType {
	var types []EventType
	for {
		select {
		case event := <-sub.Events():
			types = append(types, event.Type)
		default:
			return types
		}
	}
}

func publish(t *testing.T, gw *Gateway, key string) *Publication {
	t.Helper()
	pub, err := gw.BeginPublish(context.Background(), PublishRequest{StreamPath: registry.StreamPath(key), IP: "10.0.0.1"})
	if err != nil {
		t.Fatalf("BeginPublish(%s): %v", key, err)
	}
	return pub
}

func TestBeginPublishRecordsSessionAndEvents(t *testing.T) {
	gw, sub := newTestGateway(t, nil)

	pub := publish(t, gw, "abc")
	sessions, err := gw.Sessions(context.Background())
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected one session, got %d", len(sessions))
	}
	got := sessions[0]
	if got.StreamPath != "/live/abc" || got.Role != registry.RolePublish || got.IP != "10.0.0.1" || got.ID == "" {
		t.Fatalf("unexpected session %+v", got)
	}
	if got.StartTime.IsZero() {
		t.Fatal("expected start time to be recorded")
	}

	pub.End()
	pub.End()
	sessions, _ = gw.Sessions(context.Background())
	if len(sessions) != 0 {
		t.Fatalf("expected table to be empty after End, got %+v", sessions)
	}

	want := []EventType{EventPrePublish, EventPostPublish, EventDonePublish}
	if got := drain(sub); !equalTypes(got, want) {
		t.Fatalf("expected events %v, got %v", want, got)
	}
}

func TestSessionsKeepInsertionOrder(t *testing.T) {
	gw, _ := newTestGateway(t, nil)
	publish(t, gw, "first")
	second := publish(t, gw, "second")
	publish(t, gw, "third")
	second.End()
	publish(t, gw, "fourth")

	sessions, _ := gw.Sessions(context.Background())
	var keys []string
	for _, s := range sessions {
		keys = append(keys, s.StreamKey())
	}
	want := []string{"first", "third", "fourth"}
	if len(keys) != len(want) {
		t.Fatalf("expected %v, got %v", want, keys)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, keys)
		}
	}
}

func TestBeginPublishRejectsDuplicateKey(t *testing.T) {
	gw, sub := newTestGateway(t, nil)
	first := publish(t, gw, "dup")

	_, err := gw.BeginPublish(context.Background(), PublishRequest{StreamPath: "/live/dup"})
	if !errors.Is(err, ErrDuplicateStreamKey) {
		t.Fatalf("expected ErrDuplicateStreamKey, got %v", err)
	}
	sessions, _ := gw.Sessions(context.Background())
	if len(sessions) != 1 || sessions[0].ID != first.Session().ID {
		t.Fatalf("expected original publisher to keep the key, got %+v", sessions)
	}
	types := drain(sub)
	if types[len(types)-1] != EventPublishRejected {
		t.Fatalf("expected rejection event, got %v", types)
	}
}

func TestBeginPublishReplacePolicyEvictsOldPublisher(t *testing.T) {
	gw, _ := newTestGateway(t, func(cfg *Config) { cfg.DuplicatePolicy = DuplicateReplace })
	oldConn := &closeCounter{}
	old, err := gw.BeginPublish(context.Background(), PublishRequest{StreamPath: "/live/k", Closer: oldConn})
	if err != nil {
		t.Fatalf("first publish: %v", err)
	}
	replacement := publish(t, gw, "k")

	if oldConn.closed.Load() != 1 {
		t.Fatalf("expected old publisher to be disconnected")
	}
	old.End()

	sessions, _ := gw.Sessions(context.Background())
	if len(sessions) != 1 || sessions[0].ID != replacement.Session().ID {
		t.Fatalf("expected only the replacement to remain, got %+v", sessions)
	}
	if _, err := gw.BeginPlay(context.Background(), "k", "", nil); err != nil {
		t.Fatalf("expected key to stay live after the evicted publisher ended: %v", err)
	}
}

func TestBeginPublishValidatesPath(t *testing.T) {
	gw, _ := newTestGateway(t, nil)
	for _, path := range []string{"/live/", "/other/abc", "/live/a/b", "/live/bad key", "/live/events", "/live/" + string(bytes.Repeat([]byte("k"), 200))} {
		if _, err := gw.BeginPublish(context.Background(), PublishRequest{StreamPath: path}); !errors.Is(err, ErrInvalidStreamKey) {
			t.Fatalf("expected ErrInvalidStreamKey for %q, got %v", path, err)
		}
	}
}

func TestBeginPublishChecksSecret(t *testing.T) {
	hash, err := HashPublishSecret("letmein")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	gw, _ := newTestGateway(t, func(cfg *Config) { cfg.PublishSecretHash = hash })

	if _, err := gw.BeginPublish(context.Background(), PublishRequest{StreamPath: "/live/s"}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := gw.BeginPublish(context.Background(), PublishRequest{
		StreamPath: "/live/s",
		Query:      url.Values{"secret": {"letmein"}},
	}); err != nil {
		t.Fatalf("expected publish with secret to succeed: %v", err)
	}
}

func TestPlayRelaysPublishedPackets(t *testing.T) {
	gw, sub := newTestGateway(t, nil)
	pub := publish(t, gw, "relay")
	if err := pub.WriteHeader([]av.CodecData{fakeCodec{}}); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	if err := pub.WritePacket(av.Packet{IsKeyFrame: true, Data: []byte("frame-1")}); err != nil {
		t.Fatalf("WritePacket: %v", err)
	}

	play, err := gw.BeginPlay(context.Background(), "relay", "10.0.0.9", nil)
	if err != nil {
		t.Fatalf("BeginPlay: %v", err)
	}
	if play.Session().Role != registry.RolePlay {
		t.Fatalf("expected play role, got %q", play.Session().Role)
	}
	streams, err := play.Demuxer().Streams()
	if err != nil || len(streams) != 1 {
		t.Fatalf("expected one stream, got %d (%v)", len(streams), err)
	}
	pkt, err := play.Demuxer().ReadPacket()
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if string(pkt.Data) != "frame-1" {
		t.Fatalf("expected cached keyframe, got %q", pkt.Data)
	}

	pub.End()
	if _, err := play.Demuxer().ReadPacket(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF after publisher ended, got %v", err)
	}
	play.End()

	types := drain(sub)
	if !containsType(types, EventPostPlay) || !containsType(types, EventDonePlay) {
		t.Fatalf("expected play lifecycle events, got %v", types)
	}
}

func TestBeginPlayRequiresLiveKey(t *testing.T) {
	gw, _ := newTestGateway(t, nil)
	if _, err := gw.BeginPlay(context.Background(), "ghost", "", nil); !errors.Is(err, ErrStreamNotLive) {
		t.Fatalf("expected ErrStreamNotLive, got %v", err)
	}
}

func TestCloseDisconnectsSessions(t *testing.T) {
	gw, _ := newTestGateway(t, nil)
	conn := &closeCounter{}
	if _, err := gw.BeginPublish(context.Background(), PublishRequest{StreamPath: "/live/x", Closer: conn}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	gw.Close()

	if conn.closed.Load() != 1 {
		t.Fatal("expected publisher connection to be closed")
	}
	sessions, _ := gw.Sessions(context.Background())
	if len(sessions) != 0 {
		t.Fatalf("expected empty table, got %+v", sessions)
	}
	if _, err := gw.BeginPublish(context.Background(), PublishRequest{StreamPath: "/live/y"}); !errors.Is(err, ErrGatewayClosed) {
		t.Fatalf("expected ErrGatewayClosed, got %v", err)
	}
	if status := gw.Health(); status.Status != "error" {
		t.Fatalf("expected unhealthy gateway after close, got %+v", status)
	}
}

func TestGatewayFeedsRegistry(t *testing.T) {
	gw, _ := newTestGateway(t, nil)
	publish(t, gw, "one")
	if _, err := gw.BeginPlay(context.Background(), "one", "", nil); err != nil {
		t.Fatalf("play: %v", err)
	}

	listing, err := registry.New(gw).ListLive(context.Background())
	if err != nil {
		t.Fatalf("ListLive: %v", err)
	}
	if len(listing.Streams) != 1 || listing.Streams[0].StreamKey != "one" {
		t.Fatalf("expected only the publisher to be listed, got %+v", listing.Streams)
	}
}

func equalTypes(a, b []EventType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func containsType(types []EventType, want EventType) bool {
	for _, t := range types {
		if t == want {
			return true
		}
	}
	return false
}
