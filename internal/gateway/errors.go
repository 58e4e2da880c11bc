// ABOUTME: JSON response helpers and error-to-status mapping for the HTTP API
// ABOUTME: Translates coordinator and store errors into HTTP semantics

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/2389/desk-gateway/internal/coordinator"
	"github.com/2389/desk-gateway/internal/store"
)

// writeJSON writes a JSON response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendJSONError writes a JSON error envelope.
func sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeError maps domain errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		sendJSONError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, coordinator.ErrTurnInFlight):
		w.Header().Set("Retry-After", "2")
		sendJSONError(w, http.StatusConflict, "a turn is already in progress for this session")
	case errors.Is(err, coordinator.ErrSessionClosed):
		sendJSONError(w, http.StatusConflict, "session is closed")
	default:
		var execErr *coordinator.ExecutionError
		if errors.As(err, &execErr) {
			sendJSONError(w, http.StatusBadGateway, execErr.Error())
			return
		}
		sendJSONError(w, http.StatusInternalServerError, "internal error")
	}
}
