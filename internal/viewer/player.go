package viewer

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net/url"
	"strings"
	"sync"
	"time"

	"relaycast/internal/clock"
	"relaycast/internal/observability/logging"
	"relaycast/internal/observability/metrics"
)

// DefaultReloadDelay is how long the player waits in Error before reloading.
const DefaultReloadDelay = 5 * time.Second

// PlayerState is the playback recovery state.
type PlayerState string

const (
	StateIdle    PlayerState = "idle"
	StateLoading PlayerState = "loading"
	StatePlaying PlayerState = "playing"
	StateError   PlayerState = "error"
)

// PipelineEventType classifies what a pipeline reports.
type PipelineEventType int

const (
	// PipelineReady means media is flowing.
	PipelineReady PipelineEventType = iota + 1
	// PipelineFatal means the pipeline stopped and must be reloaded.
	PipelineFatal
	// PipelineWarning is a recoverable hiccup; it is logged only.
	PipelineWarning
)

// PipelineEvent is reported by a Pipeline from any goroutine.
type PipelineEvent struct {
	Type PipelineEventType
	Err  error
}

// Pipeline pulls media for one URL. Load must not block on the network; it
// starts the work and reports progress through report. Close stops the work,
// releases resources and may be called more than once.
type Pipeline interface {
	Load(ctx context.Context, url string, report func(PipelineEvent)) error
	Close() error
}

// PipelineFactory builds a fresh pipeline per load.
type PipelineFactory func() Pipeline

// HLSURL is the playlist URL the media server publishes for key.
func HLSURL(mediaBase, key string) string {
	return strings.TrimRight(mediaBase, "/") + "/live/" + url.PathEscape(key) + "/index.m3u8"
}

// FLVURL is the HTTP-FLV relay URL for key.
func FLVURL(mediaBase, key string) string {
	return strings.TrimRight(mediaBase, "/") + "/live/" + url.PathEscape(key) + ".flv"
}

// PlayerConfig configures a Player.
type PlayerConfig struct {
	NewPipeline PipelineFactory
	// URL maps a stream key to the media URL to load.
	URL         func(key string) string
	ReloadDelay time.Duration
	// MaxAttempts caps consecutive failed loads; zero retries forever.
	MaxAttempts int
	// BackoffMultiplier above 1 grows the delay per consecutive failure, up
	// to MaxDelay.
	BackoffMultiplier float64
	MaxDelay          time.Duration
	Clock             clock.Clock
	Logger            *slog.Logger
	Metrics           *metrics.Recorder
	// OnChange observes every status change. It must not call back into the
	// Player.
	OnChange func(PlayerStatus)
}

// PlayerStatus describes the current view.
type PlayerStatus struct {
	State    PlayerState
	Key      string
	URL      string
	Attempts int
	// Failed is set in StateError once MaxAttempts is exhausted; no reload is
	// scheduled.
	Failed bool
	Err    error
}

// Player is the playback recovery loop. It owns at most one pipeline and
// reloads it after a delay whenever it fails. Events and timers from an
// earlier load are ignored once a newer load or Stop has happened.
type Player struct {
	newPipeline PipelineFactory
	urlFor      func(string) string
	delay       time.Duration
	maxAttempts int
	multiplier  float64
	maxDelay    time.Duration
	clock       clock.Clock
	logger      *slog.Logger
	metrics     *metrics.Recorder
	onChange    func(PlayerStatus)

	ops sync.Mutex // serializes Play, Stop and reloads

	mu       sync.Mutex
	status   PlayerStatus
	gen      uint64
	ctx      context.Context
	pipeline Pipeline
	cancel   context.CancelFunc
	timer    clock.Timer
}

func NewPlayer(cfg PlayerConfig) (*Player, error) {
	if cfg.NewPipeline == nil {
		return nil, errors.New("pipeline factory is required")
	}
	if cfg.URL == nil {
		return nil, errors.New("media url builder is required")
	}
	p := &Player{
		newPipeline: cfg.NewPipeline,
		urlFor:      cfg.URL,
		delay:       cfg.ReloadDelay,
		maxAttempts: cfg.MaxAttempts,
		multiplier:  cfg.BackoffMultiplier,
		maxDelay:    cfg.MaxDelay,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		onChange:    cfg.OnChange,
		status:      PlayerStatus{State: StateIdle},
	}
	if p.delay <= 0 {
		p.delay = DefaultReloadDelay
	}
	if p.clock == nil {
		p.clock = clock.Real()
	}
	if p.logger == nil {
		p.logger = logging.Discard()
	}
	if p.metrics == nil {
		p.metrics = metrics.Default()
	}
	return p, nil
}

// Status returns the current status.
func (p *Player) Status() PlayerStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Play tears down any current pipeline and starts loading key.
func (p *Player) Play(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("stream key is required")
	}
	p.ops.Lock()
	defer p.ops.Unlock()

	mediaURL := p.urlFor(key)
	p.mu.Lock()
	old, oldCancel := p.detachLocked()
	p.gen++
	gen := p.gen
	p.ctx = ctx
	p.status = PlayerStatus{State: StateLoading, Key: key, URL: mediaURL}
	status := p.status
	p.mu.Unlock()

	closePipeline(old, oldCancel)
	p.notify(status)
	p.load(gen, mediaURL)
	return nil
}

// Stop releases the pipeline, cancels any pending reload and returns to Idle.
func (p *Player) Stop() {
	p.ops.Lock()
	defer p.ops.Unlock()

	p.mu.Lock()
	old, oldCancel := p.detachLocked()
	p.gen++
	changed := p.status.State != StateIdle
	p.status = PlayerStatus{State: StateIdle}
	status := p.status
	p.mu.Unlock()

	closePipeline(old, oldCancel)
	if changed {
		p.notify(status)
	}
}

func (p *Player) detachLocked() (Pipeline, context.CancelFunc) {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	old, cancel := p.pipeline, p.cancel
	p.pipeline, p.cancel = nil, nil
	return old, cancel
}

func closePipeline(pipeline Pipeline, cancel context.CancelFunc) {
	if cancel != nil {
		cancel()
	}
	if pipeline != nil {
		_ = pipeline.Close()
	}
}

// load starts a fresh pipeline for gen. Callers hold ops.
func (p *Player) load(gen uint64, mediaURL string) {
	pipeline := p.newPipeline()

	p.mu.Lock()
	if gen != p.gen {
		p.mu.Unlock()
		_ = pipeline.Close()
		return
	}
	parent := p.ctx
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	p.pipeline, p.cancel = pipeline, cancel
	p.mu.Unlock()

	report := p.reporter(gen)
	if err := pipeline.Load(ctx, mediaURL, report); err != nil {
		report(PipelineEvent{Type: PipelineFatal, Err: err})
	}
}

func (p *Player) reporter(gen uint64) func(PipelineEvent) {
	return func(ev PipelineEvent) {
		p.mu.Lock()
		if gen != p.gen {
			p.mu.Unlock()
			return
		}
		switch ev.Type {
		case PipelineReady:
			if p.status.State != StateLoading {
				p.mu.Unlock()
				return
			}
			p.status.State = StatePlaying
			p.status.Attempts = 0
			p.status.Err = nil
		case PipelineFatal:
			if p.status.State != StateLoading && p.status.State != StatePlaying {
				p.mu.Unlock()
				return
			}
			p.status.State = StateError
			p.status.Err = ev.Err
			p.status.Attempts++
			if p.maxAttempts > 0 && p.status.Attempts >= p.maxAttempts {
				p.status.Failed = true
			} else {
				delay := p.backoff(p.status.Attempts)
				p.timer = p.clock.AfterFunc(delay, func() { p.reload(gen) })
			}
		default:
			key := p.status.Key
			p.mu.Unlock()
			p.logger.Warn("playback warning", "stream_key", key, "error", ev.Err)
			return
		}
		status := p.status
		p.mu.Unlock()

		if status.State == StateError {
			p.logger.Warn("playback failed", "stream_key", status.Key, "error", status.Err,
				"attempts", status.Attempts, "gave_up", status.Failed)
		}
		p.notify(status)
	}
}

func (p *Player) backoff(attempts int) time.Duration {
	if p.multiplier <= 1 || attempts <= 1 {
		return p.delay
	}
	delay := time.Duration(float64(p.delay) * math.Pow(p.multiplier, float64(attempts-1)))
	if p.maxDelay > 0 && (delay > p.maxDelay || delay <= 0) {
		delay = p.maxDelay
	}
	return delay
}

// reload unloads the failed pipeline and loads the same URL again.
func (p *Player) reload(gen uint64) {
	p.ops.Lock()
	defer p.ops.Unlock()

	p.mu.Lock()
	if gen != p.gen || p.status.State != StateError {
		p.mu.Unlock()
		return
	}
	p.timer = nil
	old, oldCancel := p.detachLocked()
	p.gen++
	next := p.gen
	p.status.State = StateLoading
	p.status.Err = nil
	status := p.status
	p.mu.Unlock()

	closePipeline(old, oldCancel)
	p.logger.Info("reloading stream", "stream_key", status.Key, "attempt", status.Attempts+1)
	p.notify(status)
	p.load(next, status.URL)
}

func (p *Player) notify(status PlayerStatus) {
	p.metrics.ObservePlaybackTransition(string(status.State))
	if p.onChange != nil {
		p.onChange(status)
	}
}
