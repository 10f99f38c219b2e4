package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func decodeRecord(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode log entry %q: %v", buf.String(), err)
	}
	return payload
}

func TestNewRespectsCustomWriter(t *testing.T) {
	var buf bytes.Buffer

	New(Config{Writer: &buf}).Info("custom writer")

	if buf.Len() == 0 {
		t.Fatalf("expected output in custom writer, got none")
	}
}

func TestParseLevel(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected slog.Level
	}{
		{name: "debug", input: "debug", expected: slog.LevelDebug},
		{name: "warning", input: "warning", expected: slog.LevelWarn},
		{name: "warn", input: "warn", expected: slog.LevelWarn},
		{name: "error", input: "error", expected: slog.LevelError},
		{name: "info", input: "info", expected: slog.LevelInfo},
		{name: "empty", input: "", expected: slog.LevelInfo},
		{name: "unknown", input: "verbose", expected: slog.LevelInfo},
		{name: "mixed case", input: " DeBuG ", expected: slog.LevelDebug},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ParseLevel(tc.input); got != tc.expected {
				t.Fatalf("expected %v, got %v", tc.expected, got)
			}
		})
	}
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	WithComponent(logger, "ingest").Info("component set")

	if got := decodeRecord(t, &buf)["component"]; got != "ingest" {
		t.Fatalf("expected component ingest, got %v", got)
	}
	if WithComponent(nil, "anything") != nil {
		t.Fatalf("expected nil logger for nil input")
	}
}

func TestContextIdentifiers(t *testing.T) {
	ctx := context.Background()
	ctx = ContextWithRequestID(ctx, "req-123")
	ctx = ContextWithStreamKey(ctx, " abc123 ")
	ctx = ContextWithSessionID(ctx, "")

	if id, ok := RequestIDFromContext(ctx); !ok || id != "req-123" {
		t.Fatalf("expected request id req-123, got %q", id)
	}
	if key, ok := StreamKeyFromContext(ctx); !ok || key != "abc123" {
		t.Fatalf("expected trimmed stream key abc123, got %q", key)
	}
	if _, ok := SessionIDFromContext(ctx); ok {
		t.Fatalf("expected blank session id to be ignored")
	}
}

func TestWithContextAnnotatesLogger(t *testing.T) {
	ctx := ContextWithRequestID(context.Background(), "req-1")
	ctx = ContextWithStreamKey(ctx, "key-1")
	ctx = ContextWithSessionID(ctx, "sess-1")

	var buf bytes.Buffer
	WithContext(ctx, slog.New(slog.NewJSONHandler(&buf, nil))).Info("hello")

	payload := decodeRecord(t, &buf)
	for field, want := range map[string]string{"request_id": "req-1", "stream_key": "key-1", "session_id": "sess-1"} {
		if payload[field] != want {
			t.Fatalf("expected %s=%s, got %v", field, want, payload[field])
		}
	}
	if _, ok := payload["trace_id"]; ok {
		t.Fatalf("expected no trace_id without an active span")
	}
}

func TestInitSetsDefaultLogger(t *testing.T) {
	previous := slog.Default()
	t.Cleanup(func() { slog.SetDefault(previous) })

	var buf bytes.Buffer
	logger := Init(Config{Writer: &buf, Format: string(FormatText), Level: "debug"})
	if logger != slog.Default() {
		t.Fatalf("expected Init to replace the default logger")
	}

	slog.Info("hello world")

	if !strings.Contains(buf.String(), "hello world") {
		t.Fatalf("expected text output to include message, got %q", buf.String())
	}
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	middleware := RequestLogger(RequestLoggerConfig{Logger: logger})

	req := httptest.NewRequest(http.MethodGet, "/api/streams/abc123", nil)
	req.RemoteAddr = "127.0.0.1:1234"

	middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})).ServeHTTP(httptest.NewRecorder(), req)

	payload := decodeRecord(t, &buf)
	if payload["status"] != float64(http.StatusInternalServerError) {
		t.Fatalf("expected status 500, got %v", payload["status"])
	}
	if payload["level"] != "WARN" {
		t.Fatalf("expected server errors to log at warn, got %v", payload["level"])
	}
	if payload["remote_addr"] != "127.0.0.1:1234" {
		t.Fatalf("expected remote_addr to be recorded, got %v", payload["remote_addr"])
	}
}

func TestRequestLoggerQuietsSkippedPaths(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	middleware := RequestLogger(RequestLoggerConfig{Logger: logger, SkipPaths: []string{"/api/health"}})

	middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})).
		ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/health", nil))

	if buf.Len() != 0 {
		t.Fatalf("expected health probe to be logged below info, got %q", buf.String())
	}
}
