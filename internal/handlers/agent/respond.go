package agent

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/hashfleet/hashfleet/internal/services"
	"github.com/hashfleet/hashfleet/pkg/debug"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		debug.Error("Failed to encode response: %v", err)
	}
}

func respondError(w http.ResponseWriter, status int, message, code string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// respondServiceError maps the service error taxonomy onto HTTP
// statuses. Unrecognized errors are internal: logged in full, reported
// without detail.
func respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrNotFound):
		respondError(w, http.StatusNotFound, "not found", "NOT_FOUND")
	case errors.Is(err, services.ErrConflict):
		respondError(w, http.StatusUnprocessableEntity, "already in a terminal state", "CONFLICT")
	case errors.Is(err, services.ErrInvalidCredentials):
		respondError(w, http.StatusUnauthorized, "invalid agent credentials", "AUTH_INVALID_CREDENTIALS")
	case services.IsValidationError(err):
		respondError(w, http.StatusUnprocessableEntity, err.Error(), "VALIDATION")
	default:
		debug.Error("Internal error handling request: %v", err)
		respondError(w, http.StatusInternalServerError, "internal server error", "INTERNAL")
	}
}
