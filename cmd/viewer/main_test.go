package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"relaycast/internal/metadata"
	"relaycast/internal/observability/logging"
	"relaycast/internal/viewer"
)

func TestDescribeChanges(t *testing.T) {
	prev := []viewer.Channel{{StreamKey: "abc"}, {StreamKey: "def"}}
	next := []viewer.Channel{
		{StreamKey: "def"},
		{StreamKey: "ghi", Name: "Ghi Channel", Title: "speedrun"},
		{StreamKey: "aaa", Placeholder: true},
	}
	got := describeChanges(prev, next)
	want := []string{"live: aaa (aaa)", "offline: abc", "live: ghi (Ghi Channel - speedrun)"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("expected %q, got %q", want, got)
	}
	if lines := describeChanges(next, next); len(lines) != 0 {
		t.Fatalf("expected no changes, got %q", lines)
	}
}

func TestPipelineFor(t *testing.T) {
	logger := logging.Discard()
	factory, urlFor, err := pipelineFor("HLS", "http://media:8000/", &bytes.Buffer{}, logger)
	if err != nil {
		t.Fatalf("pipelineFor hls: %v", err)
	}
	if _, ok := factory().(*viewer.HLSPipeline); !ok {
		t.Fatalf("expected an HLS pipeline")
	}
	if got := urlFor("abc"); got != "http://media:8000/live/abc/index.m3u8" {
		t.Fatalf("unexpected hls url %q", got)
	}

	factory, urlFor, err = pipelineFor("flv", "http://media:8000", &bytes.Buffer{}, logger)
	if err != nil {
		t.Fatalf("pipelineFor flv: %v", err)
	}
	if _, ok := factory().(*viewer.FLVPipeline); !ok {
		t.Fatalf("expected an FLV pipeline")
	}
	if got := urlFor("abc"); got != "http://media:8000/live/abc.flv" {
		t.Fatalf("unexpected flv url %q", got)
	}

	if _, _, err := pipelineFor("dash", "http://media:8000", nil, logger); err == nil {
		t.Fatal("expected unsupported protocol to fail")
	}
}

func TestDescribePlayer(t *testing.T) {
	cases := map[string]viewer.PlayerStatus{
		"player idle":                           {State: viewer.StateIdle},
		"player loading abc":                    {State: viewer.StateLoading, Key: "abc"},
		"playback of abc interrupted, retrying": {State: viewer.StateError, Key: "abc", Err: errors.New("eof")},
		"playback of abc failed after 3":        {State: viewer.StateError, Key: "abc", Attempts: 3, Failed: true, Err: errors.New("eof")},
	}
	for prefix, status := range cases {
		if got := describePlayer(status); !strings.HasPrefix(got, prefix) {
			t.Fatalf("expected %q to start with %q", got, prefix)
		}
	}
}

type fakeChat struct {
	mu      sync.Mutex
	history [][]metadata.ChatMessage
	since   []time.Time
	live    []metadata.ChatMessage
	cancel  context.CancelFunc
	err     error
}

func (f *fakeChat) ChatHistory(ctx context.Context, streamID string, since time.Time) ([]metadata.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.since = append(f.since, since)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.history) == 0 {
		return nil, nil
	}
	batch := f.history[0]
	f.history = f.history[1:]
	return batch, nil
}

func (f *fakeChat) WatchChat(ctx context.Context, streamID string, fn func(metadata.ChatMessage)) error {
	f.mu.Lock()
	live := f.live
	f.live = nil
	calls := len(f.since)
	f.mu.Unlock()
	for _, msg := range live {
		fn(msg)
	}
	if calls >= 2 {
		f.cancel()
		return ctx.Err()
	}
	return errors.New("stream dropped")
}

func TestFollowChatCatchesUpAndDeduplicates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	first := metadata.ChatMessage{ID: "m1", Sender: "ann", Message: "hi", SentAt: base}
	second := metadata.ChatMessage{ID: "m2", Sender: "bob", Message: "yo", SentAt: base.Add(time.Second)}
	third := metadata.ChatMessage{ID: "m3", Sender: "cat", Message: "gg", SentAt: base.Add(2 * time.Second)}

	source := &fakeChat{
		history: [][]metadata.ChatMessage{{first}, {second, third}},
		live:    []metadata.ChatMessage{first, second},
		cancel:  cancel,
	}
	var out bytes.Buffer
	followChat(ctx, source, "s1", viewer.NewChatFeed(), time.Millisecond, &out, logging.Discard())

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected each message once, got %q", out.String())
	}
	for i, want := range []string{"ann: hi", "bob: yo", "cat: gg"} {
		if !strings.HasSuffix(lines[i], want) {
			t.Fatalf("line %d: expected %q, got %q", i, want, lines[i])
		}
	}
	if !source.since[0].IsZero() {
		t.Fatalf("expected the first poll to fetch full history")
	}
	if want := second.SentAt.Add(-time.Millisecond); !source.since[1].Equal(want) {
		t.Fatalf("expected reconnect to resume from %v, got %v", want, source.since[1])
	}
}

func TestFollowChatStopsWhenNotConfigured(t *testing.T) {
	source := &fakeChat{err: viewer.ErrNotConfigured}
	done := make(chan struct{})
	go func() {
		followChat(context.Background(), source, "s1", viewer.NewChatFeed(), time.Millisecond, &bytes.Buffer{}, logging.Discard())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected followChat to give up without a metadata store")
	}
}
