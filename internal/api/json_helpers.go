package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Error kinds carried in ErrorResponse.Error.
const (
	KindBadRequest          = "bad_request"
	KindNotFound            = "not_found"
	KindMethodNotAllowed    = "method_not_allowed"
	KindUnauthorized        = "unauthorized"
	KindForbidden           = "forbidden"
	KindRateLimited         = "rate_limited"
	KindRegistryUnavailable = "registry_unavailable"
	KindMetadataUnavailable = "metadata_unavailable"
	KindMetadataRejected    = "metadata_rejected"
	KindNotConfigured       = "not_configured"
	KindInternal            = "internal_error"
)

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error     string    `json:"error"`
	Details   string    `json:"details"`
	Timestamp time.Time `json:"timestamp"`
	Status    string    `json:"status"`
}

// NewErrorResponse builds an error body stamped with at.
func NewErrorResponse(kind, details string, at time.Time) ErrorResponse {
	return ErrorResponse{Error: kind, Details: details, Timestamp: at.UTC(), Status: "error"}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// WriteJSON is an exported helper for returning JSON payloads.
func WriteJSON(w http.ResponseWriter, status int, payload interface{}) {
	writeJSON(w, status, payload)
}

// WriteError writes a structured error stamped with the current time.
func WriteError(w http.ResponseWriter, status int, kind string, err error) {
	writeErrorAt(w, status, kind, err, time.Now())
}

func writeErrorAt(w http.ResponseWriter, status int, kind string, err error, at time.Time) {
	details := http.StatusText(status)
	if err != nil {
		details = err.Error()
	}
	writeJSON(w, status, NewErrorResponse(kind, details, at))
}

func (h *Handler) writeError(w http.ResponseWriter, status int, kind string, err error) {
	writeErrorAt(w, status, kind, err, h.now())
}

func (h *Handler) methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	for _, method := range allowed {
		w.Header().Add("Allow", method)
	}
	h.writeError(w, http.StatusMethodNotAllowed, KindMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
}

const maxBodyBytes = 64 << 10

func decodeJSON(w http.ResponseWriter, r *http.Request, dest interface{}) error {
	if r.Body == nil || r.Body == http.NoBody {
		return errors.New("request body is required")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
