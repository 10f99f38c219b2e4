package viewer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"relaycast/internal/observability/logging"
)

// ErrEndOfStream is reported as fatal when the publisher ends the stream; the
// player reloads in case the publisher comes back.
var ErrEndOfStream = errors.New("stream ended")

// ErrSequenceReset is reported as a warning when a live playlist restarts
// below the segments already copied, typically after the publisher reconnects.
var ErrSequenceReset = errors.New("media sequence went backwards")

// runner owns the goroutine behind a pipeline.
type runner struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	closed bool
}

func (r *runner) start(ctx context.Context, fn func(ctx context.Context)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.New("pipeline closed")
	}
	if r.done != nil {
		return errors.New("pipeline already loaded")
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	go func() {
		defer close(r.done)
		fn(runCtx)
	}()
	return nil
}

func (r *runner) Close() error {
	r.mu.Lock()
	r.closed = true
	cancel, done := r.cancel, r.done
	r.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}

// mediaGet issues a GET and fails on anything but 200.
func mediaGet(ctx context.Context, client *http.Client, target string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		resp.Body.Close()
		return nil, fmt.Errorf("GET %s: status %d", target, resp.StatusCode)
	}
	return resp, nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func pipelineDefaults(client *http.Client, sink io.Writer, logger *slog.Logger) (*http.Client, io.Writer, *slog.Logger) {
	if client == nil {
		client = http.DefaultClient
	}
	if sink == nil {
		sink = io.Discard
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return client, sink, logger
}
