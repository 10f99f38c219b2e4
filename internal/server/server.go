package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"relaycast/internal/api"
	"relaycast/internal/observability/logging"
	"relaycast/internal/observability/metrics"
	"relaycast/internal/observability/tracing"
	"relaycast/web"
)

type TLSConfig struct {
	CertFile string
	KeyFile  string
}

type Config struct {
	Addr      string
	TLS       TLSConfig
	CORS      CORSConfig
	Security  SecurityConfig
	RateLimit RateLimitConfig
	// TrustProxyHeaders enables X-Forwarded-For and X-Real-IP for client IP
	// resolution. Leave it off unless a reverse proxy strips client values.
	TrustProxyHeaders bool
	Logger            *slog.Logger
	Metrics           *metrics.Recorder
	// Redis backs the shared chat rate limiter when set.
	Redis redis.UniversalClient
}

type Server struct {
	httpServer  *http.Server
	handler     http.Handler
	logger      *slog.Logger
	metrics     *metrics.Recorder
	rateLimiter *rateLimiter
	tlsCertFile string
	tlsKeyFile  string
}

// quietPaths are probe and scrape endpoints logged at debug level only.
var quietPaths = []string{"/api/health", "/readyz", "/metrics"}

func New(handler *api.Handler, cfg Config) (*Server, error) {
	if handler == nil {
		return nil, errors.New("api handler is required")
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", handler.Health)
	mux.HandleFunc("/readyz", handler.Ready)
	mux.Handle("/metrics", recorder.Handler())
	mux.HandleFunc("/api/streams", handler.Streams)
	mux.HandleFunc("/api/streams/", handler.StreamByKey)
	mux.HandleFunc("/api/rtmp-config", handler.RTMPConfig)
	mux.HandleFunc("/api/metadata/streams", handler.MetadataStreams)
	mux.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
		writeMiddlewareError(w, http.StatusNotFound, api.KindNotFound, "unknown API route "+r.URL.Path)
	})

	staticFS, err := web.Static()
	if err != nil {
		return nil, fmt.Errorf("load web assets: %w", err)
	}
	index, err := fs.ReadFile(staticFS, "index.html")
	if err != nil {
		return nil, fmt.Errorf("read web index: %w", err)
	}
	fileServer := http.FileServer(http.FS(staticFS))
	mux.Handle("/static/", http.StripPrefix("/static/", fileServer))
	mux.HandleFunc("/", spaHandler(staticFS, index, fileServer))

	policy, err := newCORSPolicy(cfg.CORS)
	if err != nil {
		return nil, fmt.Errorf("configure cors: %w", err)
	}

	rlCfg := cfg.RateLimit
	if rlCfg.Redis == nil {
		rlCfg.Redis = cfg.Redis
	}
	rl := newRateLimiter(rlCfg)
	if rl.store != nil {
		if store, ok := rl.store.(*redisStore); ok {
			handler.Probes = append(handler.Probes, api.Probe{Component: "ratelimit", Check: store.Ping})
		}
	}

	handlerChain := http.Handler(mux)
	handlerChain = rateLimitMiddleware(rl, logger, cfg.TrustProxyHeaders, handlerChain)
	handlerChain = securityHeadersMiddleware(cfg.Security, handlerChain)
	handlerChain = corsMiddleware(policy, logger, handlerChain)
	handlerChain = recoveryMiddleware(logger, cfg.TrustProxyHeaders, handlerChain)
	handlerChain = tracing.Middleware(handlerChain)
	handlerChain = metrics.HTTPMiddleware(recorder, handlerChain)
	handlerChain = logging.RequestLogger(logging.RequestLoggerConfig{
		Logger:            logger,
		DisableRemoteAddr: true,
		SkipPaths:         quietPaths,
		AdditionalFields: func(r *http.Request, _ int, _ time.Duration) []any {
			return []any{"remote_ip", clientIP(r, cfg.TrustProxyHeaders)}
		},
	})(handlerChain)
	handlerChain = requestIDMiddleware(logger, handlerChain)

	// WriteTimeout stays zero: event streams hold responses open and clear
	// their own deadlines.
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handlerChain,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	srv := &Server{
		httpServer:  httpServer,
		handler:     handlerChain,
		logger:      logger,
		metrics:     recorder,
		rateLimiter: rl,
		tlsCertFile: strings.TrimSpace(cfg.TLS.CertFile),
		tlsKeyFile:  strings.TrimSpace(cfg.TLS.KeyFile),
	}

	if srv.tlsCertFile != "" && srv.tlsKeyFile != "" {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	return srv, nil
}

// Handler returns the fully wrapped request handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// HTTPServer exposes the underlying server for serverutil.Run.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

func (s *Server) Start() error {
	if s.httpServer == nil {
		return fmt.Errorf("http server is not configured")
	}

	if s.tlsCertFile != "" && s.tlsKeyFile != "" {
		return s.httpServer.ListenAndServeTLS(s.tlsCertFile, s.tlsKeyFile)
	}

	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func rateLimitMiddleware(rl *rateLimiter, logger *slog.Logger, trustProxy bool, next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.AllowRequest() {
			writeMiddlewareError(w, http.StatusTooManyRequests, api.KindRateLimited, "global rate limit exceeded")
			return
		}
		if isChatPost(r) {
			allowed, retryAfter, err := rl.AllowChat(r.Context(), clientIP(r, trustProxy))
			if err != nil {
				if reqLogger := loggingWithRequest(logger, trustProxy, r); reqLogger != nil {
					reqLogger.Error("rate limiter failure", "error", err)
				}
				writeMiddlewareError(w, http.StatusServiceUnavailable, api.KindInternal, "rate limit failure")
				return
			}
			if !allowed {
				if retryAfter > 0 {
					seconds := int(retryAfter.Round(time.Second) / time.Second)
					if seconds < 1 {
						seconds = 1
					}
					w.Header().Set("Retry-After", strconv.Itoa(seconds))
				}
				writeMiddlewareError(w, http.StatusTooManyRequests, api.KindRateLimited, "too many chat messages")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func spaHandler(staticFS fs.FS, index []byte, fileServer http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			writeMiddlewareError(w, http.StatusMethodNotAllowed, api.KindMethodNotAllowed, fmt.Sprintf("method %s not allowed", r.Method))
			return
		}

		requested := strings.TrimPrefix(r.URL.Path, "/")
		if requested != "" {
			file, err := staticFS.Open(requested)
			if err == nil {
				defer file.Close()
				info, statErr := file.Stat()
				if statErr == nil && !info.IsDir() {
					fileServer.ServeHTTP(w, r)
					return
				}
				if statErr != nil && !errors.Is(statErr, fs.ErrNotExist) {
					http.Error(w, statErr.Error(), http.StatusInternalServerError)
					return
				}
			} else if !errors.Is(err, fs.ErrNotExist) && !errors.Is(err, fs.ErrInvalid) {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		_, _ = w.Write(index)
	}
}
