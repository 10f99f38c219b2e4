package viewer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/grafov/m3u8"
)

const (
	defaultHLSMaxFailures = 3
	defaultHLSPoll        = 2 * time.Second
	minHLSPoll            = 500 * time.Millisecond
	// liveEdgeSegments is how many trailing segments a fresh load starts from.
	liveEdgeSegments = 3
)

// HLSConfig configures an HLSPipeline.
type HLSConfig struct {
	Client *http.Client
	// Sink receives segment bytes in playlist order.
	Sink io.Writer
	// PollInterval overrides the refresh period derived from the target
	// duration.
	PollInterval time.Duration
	// MaxFailures consecutive playlist or segment errors make the pipeline
	// fatal.
	MaxFailures int
	Logger      *slog.Logger
}

// HLSPipeline follows a live HLS playlist, resolving a master playlist to its
// highest-bandwidth variant and copying each new segment to the sink.
type HLSPipeline struct {
	runner
	client      *http.Client
	sink        io.Writer
	poll        time.Duration
	maxFailures int
	logger      *slog.Logger
}

func NewHLSPipeline(cfg HLSConfig) *HLSPipeline {
	client, sink, logger := pipelineDefaults(cfg.Client, cfg.Sink, cfg.Logger)
	maxFailures := cfg.MaxFailures
	if maxFailures <= 0 {
		maxFailures = defaultHLSMaxFailures
	}
	return &HLSPipeline{client: client, sink: sink, poll: cfg.PollInterval, maxFailures: maxFailures, logger: logger}
}

func (h *HLSPipeline) Load(ctx context.Context, rawURL string, report func(PipelineEvent)) error {
	target, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse playlist url: %w", err)
	}
	return h.start(ctx, func(ctx context.Context) {
		h.follow(ctx, target, report)
	})
}

func (h *HLSPipeline) follow(ctx context.Context, playlistURL *url.URL, report func(PipelineEvent)) {
	var (
		lastSeq  uint64
		started  bool
		ready    bool
		failures int
		hops     int
	)
	fail := func(err error) bool {
		failures++
		if failures >= h.maxFailures {
			report(PipelineEvent{Type: PipelineFatal, Err: err})
			return true
		}
		report(PipelineEvent{Type: PipelineWarning, Err: err})
		return false
	}

	for {
		playlist, listType, err := h.fetchPlaylist(ctx, playlistURL)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if fail(err) || !sleepCtx(ctx, h.interval(nil)) {
				return
			}
			continue
		}

		if listType == m3u8.MASTER {
			hops++
			variant, err := pickVariant(playlist.(*m3u8.MasterPlaylist), playlistURL)
			if err == nil && hops > 2 {
				err = errors.New("nested master playlists")
			}
			if err != nil {
				report(PipelineEvent{Type: PipelineFatal, Err: err})
				return
			}
			playlistURL = variant
			continue
		}

		media := playlist.(*m3u8.MediaPlaylist)
		count := int(media.Count())
		// The whole window sits below the last copied segment: the playlist
		// restarted, so follow it again from its live edge.
		if started && count > 0 && media.SeqNo+uint64(count) <= lastSeq {
			h.logger.Info("hls media sequence reset", "last_copied", lastSeq, "sequence", media.SeqNo)
			report(PipelineEvent{Type: PipelineWarning, Err: ErrSequenceReset})
			started = false
		}
		first := 0
		if !started && count > liveEdgeSegments {
			first = count - liveEdgeSegments
		}
		for i := first; i < count && i < len(media.Segments); i++ {
			segment := media.Segments[i]
			if segment == nil {
				break
			}
			seq := media.SeqNo + uint64(i)
			if started && seq <= lastSeq {
				continue
			}
			if err := h.copySegment(ctx, playlistURL, segment.URI); err != nil {
				if ctx.Err() != nil {
					return
				}
				if fail(err) {
					return
				}
				break
			}
			lastSeq, started = seq, true
			failures = 0
			if !ready {
				ready = true
				report(PipelineEvent{Type: PipelineReady})
			}
		}

		if media.Closed {
			report(PipelineEvent{Type: PipelineFatal, Err: ErrEndOfStream})
			return
		}
		if !sleepCtx(ctx, h.interval(media)) {
			return
		}
	}
}

func (h *HLSPipeline) interval(media *m3u8.MediaPlaylist) time.Duration {
	if h.poll > 0 {
		return h.poll
	}
	if media == nil || media.TargetDuration <= 0 {
		return defaultHLSPoll
	}
	d := time.Duration(media.TargetDuration * float64(time.Second) / 2)
	if d < minHLSPoll {
		d = minHLSPoll
	}
	return d
}

func (h *HLSPipeline) fetchPlaylist(ctx context.Context, target *url.URL) (m3u8.Playlist, m3u8.ListType, error) {
	resp, err := mediaGet(ctx, h.client, target.String())
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	playlist, listType, err := m3u8.DecodeFrom(resp.Body, false)
	if err != nil {
		return nil, 0, fmt.Errorf("decode playlist %s: %w", target, err)
	}
	return playlist, listType, nil
}

func (h *HLSPipeline) copySegment(ctx context.Context, base *url.URL, uri string) error {
	ref, err := url.Parse(uri)
	if err != nil {
		return fmt.Errorf("parse segment uri %q: %w", uri, err)
	}
	target := base.ResolveReference(ref)
	resp, err := mediaGet(ctx, h.client, target.String())
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if _, err := io.Copy(h.sink, resp.Body); err != nil {
		return fmt.Errorf("copy segment %s: %w", target, err)
	}
	return nil
}

func pickVariant(master *m3u8.MasterPlaylist, base *url.URL) (*url.URL, error) {
	var best *m3u8.Variant
	for _, variant := range master.Variants {
		if variant == nil || variant.URI == "" {
			continue
		}
		if best == nil || variant.Bandwidth > best.Bandwidth {
			best = variant
		}
	}
	if best == nil {
		return nil, errors.New("master playlist has no variants")
	}
	ref, err := url.Parse(best.URI)
	if err != nil {
		return nil, fmt.Errorf("parse variant uri %q: %w", best.URI, err)
	}
	return base.ResolveReference(ref), nil
}
