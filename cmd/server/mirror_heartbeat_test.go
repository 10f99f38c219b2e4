package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

type fakeMirror struct {
	calls chan struct{}
	err   error
}

func newFakeMirror() *fakeMirror {
	return &fakeMirror{calls: make(chan struct{}, 4)}
}

func (f *fakeMirror) Sync(ctx context.Context) error {
	select {
	case f.calls <- struct{}{}:
	default:
	}
	return f.err
}

func (f *fakeMirror) wait(t *testing.T) {
	t.Helper()
	select {
	case <-f.calls:
	case <-time.After(time.Second):
		t.Fatal("expected mirror sync to be invoked")
	}
}

type manualTicker struct {
	c       chan time.Time
	stopped chan struct{}
}

func newManualTicker() *manualTicker {
	return &manualTicker{
		c:       make(chan time.Time, 1),
		stopped: make(chan struct{}),
	}
}

func (m *manualTicker) C() <-chan time.Time {
	return m.c
}

func (m *manualTicker) Stop() {
	select {
	case <-m.stopped:
		return
	default:
		close(m.stopped)
	}
}

func (m *manualTicker) Tick() {
	select {
	case m.c <- time.Now():
	default:
	}
}

func TestStartMirrorHeartbeat(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticker := newManualTicker()
	mirror := newFakeMirror()
	mirror.err = errors.New("redis unavailable")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	stop := startMirrorHeartbeatWithTicker(ctx, logger, mirror, time.Minute, func(time.Duration) heartbeatTicker {
		return ticker
	})

	mirror.wait(t)
	ticker.Tick()
	mirror.wait(t)

	stop()
	stop()
	select {
	case <-ticker.stopped:
	default:
		t.Fatal("expected ticker to be stopped")
	}
}

func TestStartMirrorHeartbeatDisabled(t *testing.T) {
	stop := startMirrorHeartbeat(context.Background(), nil, nil, time.Minute)
	stop()

	mirror := newFakeMirror()
	stop = startMirrorHeartbeat(context.Background(), nil, mirror, 0)
	stop()
	select {
	case <-mirror.calls:
		t.Fatal("expected no sync with a zero interval")
	default:
	}
}
