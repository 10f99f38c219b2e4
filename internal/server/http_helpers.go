package server

import (
	"errors"
	"net/http"

	"relaycast/internal/api"
)

// writeMiddlewareError normalises middleware error responses to the API JSON shape.
func writeMiddlewareError(w http.ResponseWriter, status int, kind, message string) {
	api.WriteError(w, status, kind, errors.New(message))
}
