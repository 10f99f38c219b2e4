package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"relaycast/internal/observability/logging"
)

// loggingWithRequest returns a logger annotated with request-scoped fields:
// the request ID and stream key from the context, the path and the client IP.
func loggingWithRequest(base *slog.Logger, trustProxy bool, r *http.Request) *slog.Logger {
	if base == nil || r == nil {
		return nil
	}

	logger := loggerWithRequestContext(r.Context(), base)
	if logger == nil {
		return nil
	}

	return logger.With(
		"path", r.URL.Path,
		"remote_ip", clientIP(r, trustProxy),
	)
}

func loggerWithRequestContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if ctxLogger := logging.LoggerFromContext(ctx); ctxLogger != nil {
		return ctxLogger
	}
	return logging.WithContext(ctx, logger)
}

// clientIP resolves the caller address. Forwarding headers are honoured only
// when the server sits behind a trusted proxy.
func clientIP(r *http.Request, trustProxy bool) string {
	if !trustProxy {
		return hostOnly(r.RemoteAddr)
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if first := strings.TrimSpace(strings.Split(xff, ",")[0]); first != "" {
			return first
		}
	}
	if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
		return xrip
	}
	return hostOnly(r.RemoteAddr)
}

func hostOnly(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
