package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"

	"relaycast/internal/api"
)

// recoveryMiddleware turns a handler panic into a JSON 500 so one bad request
// never takes the listener down.
func recoveryMiddleware(logger *slog.Logger, trustProxy bool, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			if reqLogger := loggingWithRequest(logger, trustProxy, r); reqLogger != nil {
				reqLogger.Error("handler panic", "panic", fmt.Sprint(rec), "stack", string(debug.Stack()))
			}
			writeMiddlewareError(w, http.StatusInternalServerError, api.KindInternal, "internal server error")
		}()
		next.ServeHTTP(w, r)
	})
}
