package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestHTTPMiddlewareRecordsRequests(t *testing.T) {
	recorder := New()
	handler := HTTPMiddleware(recorder, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/streams/abc123", nil))

	got := testutil.ToFloat64(recorder.requests.WithLabelValues("GET", "/api/streams/:id", "418"))
	if got != 1 {
		t.Fatalf("expected one request recorded, got %v", got)
	}
}

func TestResponseRecorderTracksBytes(t *testing.T) {
	rr := NewResponseRecorder(httptest.NewRecorder())
	_, _ = rr.Write([]byte("hello"))
	_, _ = rr.Write([]byte(" world"))

	if rr.BytesWritten() != 11 {
		t.Fatalf("expected 11 bytes, got %d", rr.BytesWritten())
	}
	if rr.Status() != http.StatusOK {
		t.Fatalf("expected default status 200, got %d", rr.Status())
	}
	if _, ok := interface{}(rr).(http.Flusher); !ok {
		t.Fatalf("expected recorder to implement http.Flusher")
	}
}

func TestHTTPMiddlewareUsesDefaultRecorder(t *testing.T) {
	original := Default()
	t.Cleanup(func() { SetDefault(original) })

	fresh := New()
	SetDefault(fresh)

	HTTPMiddleware(nil, http.NotFoundHandler()).
		ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/health", nil))

	if got := testutil.ToFloat64(fresh.requests.WithLabelValues("GET", "/api/health", "404")); got != 1 {
		t.Fatalf("expected default recorder to observe the request, got %v", got)
	}
}
