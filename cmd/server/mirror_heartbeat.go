package main

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type mirrorSyncer interface {
	Sync(ctx context.Context) error
}

type heartbeatTicker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

type tickerFactory func(time.Duration) heartbeatTicker

// startMirrorHeartbeat refreshes the Redis session mirror every interval so
// readers can tell live records from a crashed gateway's leftovers. The
// returned function stops the worker and waits for it.
func startMirrorHeartbeat(ctx context.Context, logger *slog.Logger, mirror mirrorSyncer, interval time.Duration) func() {
	return startMirrorHeartbeatWithTicker(ctx, logger, mirror, interval, func(d time.Duration) heartbeatTicker {
		return timeTicker{ticker: time.NewTicker(d)}
	})
}

func startMirrorHeartbeatWithTicker(
	ctx context.Context,
	logger *slog.Logger,
	mirror mirrorSyncer,
	interval time.Duration,
	newTicker tickerFactory,
) func() {
	if mirror == nil || interval <= 0 {
		return func() {}
	}
	workerCtx, cancel := context.WithCancel(ctx)
	ticker := newTicker(interval)
	done := make(chan struct{})
	go func() {
		defer func() {
			ticker.Stop()
			close(done)
		}()
		refresh := func() {
			if err := mirror.Sync(workerCtx); err != nil && workerCtx.Err() == nil && logger != nil {
				logger.Warn("failed to refresh session mirror", "error", err)
			}
		}
		refresh()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C():
				refresh()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
