package registry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"relaycast/internal/registry"
	"relaycast/internal/testsupport"
)

func TestListLiveEmptyTable(t *testing.T) {
	reg := registry.New(testsupport.NewSessionSourceStub())

	listing, err := reg.ListLive(context.Background())
	if err != nil {
		t.Fatalf("ListLive: %v", err)
	}
	if !listing.Empty() || listing.Message != registry.NoActiveStreamsMessage {
		t.Fatalf("expected empty listing with message, got %+v", listing)
	}
}

func TestListLiveKeepsPublishersInTableOrder(t *testing.T) {
	started := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	source := testsupport.NewSessionSourceStub(
		registry.Session{ID: "s1", StreamPath: "/live/k1", Role: registry.RolePublish, IP: "10.0.0.1", StartTime: started},
		registry.Session{ID: "s2", StreamPath: "/live/k1", Role: registry.RolePlay},
		registry.Session{ID: "s3", StreamPath: "/live/k2"},
		registry.Session{ID: "s4", StreamPath: "/live/", Role: registry.RolePublish},
	)
	reg := registry.New(source)

	listing, err := reg.ListLive(context.Background())
	if err != nil {
		t.Fatalf("ListLive: %v", err)
	}
	if len(listing.Streams) != 2 {
		t.Fatalf("expected 2 live streams, got %+v", listing.Streams)
	}
	first, second := listing.Streams[0], listing.Streams[1]
	if first.StreamKey != "k1" || second.StreamKey != "k2" {
		t.Fatalf("expected table order k1,k2, got %s,%s", first.StreamKey, second.StreamKey)
	}
	if !first.IsLive || first.Status != registry.StatusActive {
		t.Fatalf("expected k1 active, got %+v", first)
	}
	if first.ClientID != "s1" || first.IP != "10.0.0.1" || first.StartTime == nil || !first.StartTime.Equal(started) {
		t.Fatalf("expected session details on k1, got %+v", first)
	}
	if second.StartTime != nil || second.IP != "" {
		t.Fatalf("expected missing optional fields to stay absent, got %+v", second)
	}
	if listing.Message != "" {
		t.Fatalf("expected no empty-message for non-empty listing, got %q", listing.Message)
	}
}

func TestGetLiveMatchesExactPath(t *testing.T) {
	source := testsupport.NewSessionSourceStub(testsupport.Publisher("s1", "abc"))
	reg := registry.New(source)

	status, err := reg.GetLive(context.Background(), "abc")
	if err != nil {
		t.Fatalf("GetLive: %v", err)
	}
	if !status.IsLive || status.Status != registry.StatusActive || status.ClientID != "s1" {
		t.Fatalf("expected abc live, got %+v", status)
	}

	for _, key := range []string{"ab", "abcd", "ABC", ""} {
		status, err := reg.GetLive(context.Background(), key)
		if err != nil {
			t.Fatalf("GetLive(%q): %v", key, err)
		}
		if status.IsLive || status.Status != registry.StatusOffline || status.StreamKey != key {
			t.Fatalf("expected %q offline, got %+v", key, status)
		}
	}
}

func TestGetLiveFirstMatchWins(t *testing.T) {
	source := testsupport.NewSessionSourceStub(
		registry.Session{ID: "viewer", StreamPath: "/live/dup", Role: registry.RolePlay},
		testsupport.Publisher("first", "dup"),
		testsupport.Publisher("second", "dup"),
	)
	reg := registry.New(source)

	for i := 0; i < 3; i++ {
		status, err := reg.GetLive(context.Background(), "dup")
		if err != nil {
			t.Fatalf("GetLive: %v", err)
		}
		if status.ClientID != "first" {
			t.Fatalf("expected deterministic first match, got %q", status.ClientID)
		}
	}
}

func TestQueriesReflectCurrentTable(t *testing.T) {
	source := testsupport.NewSessionSourceStub(testsupport.Publisher("s1", "k"))
	reg := registry.New(source)
	ctx := context.Background()

	if status, _ := reg.GetLive(ctx, "k"); !status.IsLive {
		t.Fatalf("expected k live before done-publish")
	}
	source.Set()
	if status, _ := reg.GetLive(ctx, "k"); status.IsLive {
		t.Fatalf("expected k offline after done-publish")
	}
	if listing, _ := reg.ListLive(ctx); !listing.Empty() {
		t.Fatalf("expected empty listing after done-publish, got %+v", listing)
	}
}

func TestSourceFailureIsUnavailable(t *testing.T) {
	stamp := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	source := testsupport.NewSessionSourceStub()
	source.FailWith("gateway down")
	reg := registry.New(source, registry.WithClock(func() time.Time { return stamp }))

	_, err := reg.ListLive(context.Background())
	assertUnavailable(t, err, stamp)

	_, err = reg.GetLive(context.Background(), "k")
	assertUnavailable(t, err, stamp)

	if source.Calls() != 2 {
		t.Fatalf("expected exactly one read per query with no retry, got %d", source.Calls())
	}
}

func TestSourcePanicIsUnavailable(t *testing.T) {
	source := testsupport.NewSessionSourceStub()
	source.Panic("nil session table")
	reg := registry.New(source)

	_, err := reg.GetLive(context.Background(), "k")
	if !errors.Is(err, registry.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable from panic, got %v", err)
	}

	source.Panic("")
	if _, err := reg.GetLive(context.Background(), "k"); err != nil {
		t.Fatalf("expected registry to recover after panic, got %v", err)
	}
}

func TestNilSourceIsUnavailable(t *testing.T) {
	reg := registry.New(nil)
	if err := reg.Ping(context.Background()); !errors.Is(err, registry.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func assertUnavailable(t *testing.T, err error, stamp time.Time) {
	t.Helper()
	if !errors.Is(err, registry.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	var unavailable *registry.UnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("expected *UnavailableError, got %T", err)
	}
	if !unavailable.At.Equal(stamp) {
		t.Fatalf("expected timestamp %v, got %v", stamp, unavailable.At)
	}
	if unavailable.Err == nil || unavailable.Err.Error() != "gateway down" {
		t.Fatalf("expected wrapped cause, got %v", unavailable.Err)
	}
}
