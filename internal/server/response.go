package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/contactpulse/contactpulse/internal/dashboard"
	"github.com/contactpulse/contactpulse/internal/payload"
	"github.com/contactpulse/contactpulse/internal/source"
)

// writeJSON writes v as JSON with the given HTTP status code.
// Logs a warning if JSON encoding fails.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("writeJSON: encoding response: %v", err)
	}
}

// writeError writes a JSON error response with the given status
// and message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleContextError detects context.Canceled and
// context.DeadlineExceeded errors, returning true so the
// caller stops processing. It does not write a response: the
// deadline middleware answers with 503.
func handleContextError(_ http.ResponseWriter, err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// writeStateError maps dashboard and source failures to HTTP
// statuses.
func writeStateError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, source.ErrNotFound),
		errors.Is(err, dashboard.ErrNoData):
		writeError(w, http.StatusNotFound, "no payload for team")
	case errors.Is(err, dashboard.ErrStale):
		writeError(w, http.StatusConflict, "superseded by a newer refresh")
	case errors.Is(err, payload.ErrInvalid):
		writeError(w, http.StatusBadGateway, "upstream returned an invalid payload")
	default:
		writeError(w, http.StatusBadGateway, "upstream unavailable")
	}
}
