package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/beyazitkolemen/serverbond-docker/internal/agenterr"
	"github.com/beyazitkolemen/serverbond-docker/internal/task"
)

func (r *Router) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		r.logger.Error("failed to encode response", "error", err)
	}
}

func (r *Router) writeError(w http.ResponseWriter, status int, msg string) {
	r.writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps the agent error taxonomy onto HTTP status codes.
func (r *Router) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, agenterr.ErrValidation):
		r.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, agenterr.ErrNotFound):
		r.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, agenterr.ErrConflict):
		r.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, task.ErrQueueFull):
		r.writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, agenterr.ErrDependencyUnavailable):
		r.writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		r.writeError(w, http.StatusInternalServerError, err.Error())
	}
}
