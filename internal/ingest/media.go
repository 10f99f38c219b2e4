package ingest

import (
	"errors"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/nareix/joy4/av/avutil"
	"github.com/nareix/joy4/format/flv"

	"relaycast/internal/registry"
)

// MediaHandler serves relayed streams over HTTP:
//
//	GET /live/{key}.flv        HTTP-FLV relay of the live publisher
//	GET /live/{key}/index.m3u8 transcoder output under MediaRoot
func (g *Gateway) MediaHandler() http.Handler {
	files := http.FileServer(http.Dir(g.cfg.MediaRoot))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := g.cfg.AllowOrigin; origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD, OPTIONS")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		clean := path.Clean(r.URL.Path)
		if !strings.HasPrefix(clean, registry.LivePathPrefix) {
			http.NotFound(w, r)
			return
		}
		if strings.HasSuffix(clean, ".flv") {
			g.serveFLV(w, r, strings.TrimSuffix(registry.StreamKeyFromPath(clean), ".flv"))
			return
		}
		if strings.HasSuffix(r.URL.Path, "/") {
			http.NotFound(w, r)
			return
		}
		switch path.Ext(clean) {
		case ".m3u8":
			w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
			w.Header().Set("Cache-Control", "no-cache")
		case ".ts":
			w.Header().Set("Content-Type", "video/mp2t")
		case ".mpd":
			w.Header().Set("Content-Type", "application/dash+xml")
			w.Header().Set("Cache-Control", "no-cache")
		case ".m4s":
			w.Header().Set("Content-Type", "video/iso.segment")
		}
		files.ServeHTTP(w, r)
	})
}

func (g *Gateway) serveFLV(w http.ResponseWriter, r *http.Request, key string) {
	play, err := g.BeginPlay(r.Context(), key, remoteIP(addrString(r.RemoteAddr)), nil)
	if err != nil {
		status := http.StatusServiceUnavailable
		if errors.Is(err, ErrStreamNotLive) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	defer play.End()

	w.Header().Set("Content-Type", "video/x-flv")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	muxer := flv.NewMuxerWriteFlusher(&responseFlusher{w: w, rc: http.NewResponseController(w)})
	if err := avutil.CopyFile(muxer, play.Demuxer()); err != nil && !errors.Is(err, io.EOF) {
		g.logger.Debug("flv player stopped", "session_id", play.Session().ID, "error", err)
	}
}

// responseFlusher pushes every muxed tag to the client as soon as it is written.
type responseFlusher struct {
	w  io.Writer
	rc *http.ResponseController
}

func (f *responseFlusher) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if err != nil {
		return n, err
	}
	return n, f.Flush()
}

func (f *responseFlusher) Flush() error {
	if err := f.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

type addrString string

func (a addrString) Network() string { return "tcp" }
func (a addrString) String() string  { return string(a) }
