package viewer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/nareix/joy4/format/flv"
)

// FLVConfig configures an FLVPipeline.
type FLVConfig struct {
	Client *http.Client
	// Sink receives a remuxed FLV stream.
	Sink   io.Writer
	Logger *slog.Logger
}

// FLVPipeline plays an HTTP-FLV relay: it demuxes the response and remuxes
// every packet into the sink.
type FLVPipeline struct {
	runner
	client *http.Client
	sink   io.Writer
	logger *slog.Logger
}

func NewFLVPipeline(cfg FLVConfig) *FLVPipeline {
	client, sink, logger := pipelineDefaults(cfg.Client, cfg.Sink, cfg.Logger)
	return &FLVPipeline{client: client, sink: sink, logger: logger}
}

func (f *FLVPipeline) Load(ctx context.Context, target string, report func(PipelineEvent)) error {
	return f.start(ctx, func(ctx context.Context) {
		if err := f.relay(ctx, target, report); err != nil && ctx.Err() == nil {
			report(PipelineEvent{Type: PipelineFatal, Err: err})
		}
	})
}

func (f *FLVPipeline) relay(ctx context.Context, target string, report func(PipelineEvent)) error {
	resp, err := mediaGet(ctx, f.client, target)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	demuxer := flv.NewDemuxer(resp.Body)
	streams, err := demuxer.Streams()
	if err != nil {
		return fmt.Errorf("read flv header: %w", err)
	}
	muxer := flv.NewMuxer(f.sink)
	if err := muxer.WriteHeader(streams); err != nil {
		return fmt.Errorf("write flv header: %w", err)
	}
	report(PipelineEvent{Type: PipelineReady})

	for {
		pkt, err := demuxer.ReadPacket()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			_ = muxer.WriteTrailer()
			return ErrEndOfStream
		}
		if err != nil {
			return fmt.Errorf("read flv packet: %w", err)
		}
		if err := muxer.WritePacket(pkt); err != nil {
			return fmt.Errorf("write flv packet: %w", err)
		}
	}
}
