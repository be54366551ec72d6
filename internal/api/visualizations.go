package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/abelyaev/datachat/internal/domain"
	"github.com/abelyaev/datachat/internal/identity"
	"github.com/abelyaev/datachat/internal/viz"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// VisualizationHandler handles pinned-chart endpoints and chart-spec
// resolution.
type VisualizationHandler struct {
	*Handler
}

// NewVisualizationHandler creates a new visualization handler.
func NewVisualizationHandler(base *Handler) *VisualizationHandler {
	return &VisualizationHandler{Handler: base}
}

// RegisterRoutes registers visualization routes.
func (h *VisualizationHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/visualizations", h.List)
		r.Post("/visualizations", h.Save)
		r.Delete("/visualizations/{vizID}", h.Delete)
		r.Get("/visualizations/{vizID}/chart", h.Chart)
		r.Get("/sessions/{sessionID}/messages/{messageID}/chart", h.MessageChart)
	})
}

// List returns the caller's pinned charts, newest first.
func (h *VisualizationHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())

	list, err := h.sessions.ListVisualizations(r.Context(), userID)
	if err != nil {
		slog.Error("failed to list visualizations", "user_id", userID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to list visualizations")
		return
	}
	JSON(w, http.StatusOK, map[string]any{"visualizations": list})
}

// Save pins a chart, either given inline or taken from an existing
// message.
func (h *VisualizationHandler) Save(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())

	var req struct {
		Title         string                    `json:"title"`
		SessionID     string                    `json:"session_id"`
		MessageID     string                    `json:"message_id"`
		Visualization *domain.VisualizationSpec `json:"visualization"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Title == "" {
		Error(w, http.StatusBadRequest, "title is required")
		return
	}

	spec := req.Visualization
	if spec == nil && req.SessionID != "" && req.MessageID != "" {
		session, err := h.sessions.GetSession(r.Context(), userID, req.SessionID)
		if err != nil {
			Error(w, http.StatusInternalServerError, "failed to get session")
			return
		}
		if session == nil {
			Error(w, http.StatusNotFound, "session not found")
			return
		}
		if msg := session.MessageByID(req.MessageID); msg != nil {
			spec = msg.Visualization
		}
	}
	if spec == nil {
		Error(w, http.StatusBadRequest, "no visualization to save")
		return
	}

	saved := &domain.SavedVisualization{
		ID:        "viz-" + uuid.NewString(),
		UserID:    userID,
		Title:     req.Title,
		Spec:      *spec,
		CreatedAt: time.Now().Truncate(time.Millisecond),
	}
	if err := h.sessions.SaveVisualization(r.Context(), saved); err != nil {
		slog.Error("failed to save visualization", "user_id", userID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to save visualization")
		return
	}
	JSON(w, http.StatusCreated, saved)
}

// Delete removes a pinned chart.
func (h *VisualizationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	vizID := chi.URLParam(r, "vizID")

	deleted, err := h.sessions.DeleteVisualization(r.Context(), userID, vizID)
	if err != nil {
		slog.Error("failed to delete visualization", "viz_id", vizID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to delete visualization")
		return
	}
	if !deleted {
		Error(w, http.StatusNotFound, "visualization not found")
		return
	}
	JSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

// Chart resolves a pinned chart into a render-ready spec.
func (h *VisualizationHandler) Chart(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	vizID := chi.URLParam(r, "vizID")

	list, err := h.sessions.ListVisualizations(r.Context(), userID)
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to list visualizations")
		return
	}
	for _, saved := range list {
		if saved.ID == vizID {
			JSON(w, http.StatusOK, viz.Build(&saved.Spec, nil))
			return
		}
	}
	Error(w, http.StatusNotFound, "visualization not found")
}

// MessageChart resolves a message's visualization into a render-ready
// spec, falling back to the message's query results for data.
func (h *VisualizationHandler) MessageChart(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := chi.URLParam(r, "sessionID")
	messageID := chi.URLParam(r, "messageID")

	session, err := h.sessions.GetSession(r.Context(), userID, sessionID)
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to get session")
		return
	}
	if session == nil {
		Error(w, http.StatusNotFound, "session not found")
		return
	}
	msg := session.MessageByID(messageID)
	if msg == nil || msg.Visualization == nil {
		Error(w, http.StatusNotFound, "message has no visualization")
		return
	}
	JSON(w, http.StatusOK, viz.Build(msg.Visualization, msg.Results))
}
