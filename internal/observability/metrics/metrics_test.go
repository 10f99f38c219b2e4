package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNormalizePath(t *testing.T) {
	cases := []struct {
		path string
		want string
	}{
		{path: "", want: "/"},
		{path: "/", want: "/"},
		{path: "/api/health", want: "/api/health"},
		{path: "/api/rtmp-config", want: "/api/rtmp-config"},
		{path: "/api/streams/abc123", want: "/api/streams/:id"},
		{path: "/api/streams/stream-0001/chat/", want: "/api/streams/:id/chat"},
		{path: "api/streams/events", want: "/api/streams/events"},
		{path: "/live/9f8e7d6c5b.flv", want: "/live/:id"},
	}
	for _, tc := range cases {
		if got := normalizePath(tc.path); got != tc.want {
			t.Fatalf("normalizePath(%q) = %q, want %q", tc.path, got, tc.want)
		}
	}
}

func TestPublishGaugeConcurrent(t *testing.T) {
	recorder := New()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			recorder.PublishStarted()
		}()
	}
	wg.Wait()
	for i := 0; i < 20; i++ {
		recorder.PublishStopped()
	}

	if got := testutil.ToFloat64(recorder.activeStreams); got != 30 {
		t.Fatalf("expected 30 active streams, got %v", got)
	}
	if got := testutil.ToFloat64(recorder.publishEvents.WithLabelValues("post-publish")); got != 50 {
		t.Fatalf("expected 50 post-publish events, got %v", got)
	}
}

func TestBridgeAndLoopCounters(t *testing.T) {
	recorder := New()
	recorder.ObserveBridgeRequest("GetLiveStreams", nil, 10*time.Millisecond)
	recorder.ObserveBridgeRequest("GetLiveStreams", errors.New("boom"), 10*time.Millisecond)
	recorder.ObserveSyncTick("committed")
	recorder.ObserveSyncTick(" Failed ")
	recorder.ObserveRegistryQuery("get", "offline")
	recorder.PublishRejected("")

	checks := map[string]float64{
		"ok":      testutil.ToFloat64(recorder.bridgeRequests.WithLabelValues("GetLiveStreams", "ok")),
		"error":   testutil.ToFloat64(recorder.bridgeRequests.WithLabelValues("GetLiveStreams", "error")),
		"failed":  testutil.ToFloat64(recorder.syncTicks.WithLabelValues("failed")),
		"offline": testutil.ToFloat64(recorder.registryQueries.WithLabelValues("get", "offline")),
		"reject":  testutil.ToFloat64(recorder.publishEvents.WithLabelValues("rejected-unknown")),
	}
	for name, value := range checks {
		if value != 1 {
			t.Fatalf("expected %s counter to be 1, got %v", name, value)
		}
	}
}

func TestNilRecorderIsSafe(t *testing.T) {
	var recorder *Recorder
	recorder.ObserveRequest("GET", "/", 200, time.Millisecond)
	recorder.PublishStarted()
	recorder.ObserveSyncTick("skipped")
	recorder.ObservePlaybackTransition("error")
}

func TestHandlerExposesCollectors(t *testing.T) {
	recorder := New()
	recorder.ObserveChatMessage("sent")

	rr := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body, _ := io.ReadAll(rr.Body)
	if !strings.Contains(string(body), `relaycast_chat_messages_total{direction="sent"} 1`) {
		t.Fatalf("expected chat counter in exposition, got %s", body)
	}
}
