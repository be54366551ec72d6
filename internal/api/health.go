package api

import (
	"context"
	"net/http"
	"time"

	"github.com/abelyaev/datachat/internal/store"
	"github.com/go-chi/chi/v5"
)

// HealthHandler reports readiness: the process is up and the session
// database answers.
type HealthHandler struct {
	sessions store.SessionStore
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(sessions store.SessionStore) *HealthHandler {
	return &HealthHandler{sessions: sessions}
}

// RegisterHealth registers the readiness route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/api/health", h.Health)
}

// Health checks the session database.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.sessions.Ping(ctx); err != nil {
		JSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"error":  "database unavailable",
		})
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
