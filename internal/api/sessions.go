package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/abelyaev/datachat/internal/assistant"
	"github.com/abelyaev/datachat/internal/identity"
	"github.com/go-chi/chi/v5"
)

// defaultSessionTitle names sessions until the first question arrives.
const defaultSessionTitle = "New Chat"

// SessionHandler handles chat-session endpoints.
type SessionHandler struct {
	*Handler
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(base *Handler) *SessionHandler {
	return &SessionHandler{Handler: base}
}

// RegisterRoutes registers session routes.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/config", h.GetConfig)
		r.Get("/sessions", h.ListSessions)
		r.Post("/sessions", h.CreateSession)
		r.Post("/sessions/prune", h.PruneSessions)
		r.Get("/sessions/{sessionID}", h.GetSession)
		r.Delete("/sessions/{sessionID}", h.DeleteSession)
		r.Put("/sessions/{sessionID}/title", h.UpdateTitle)
		r.Post("/sessions/{sessionID}/ask", h.Ask)
		r.Post("/sessions/{sessionID}/cancel", h.CancelTurn)
	})
	r.Get("/ws/sessions", h.WatchSessions)
}

// GetConfig returns the limits the client needs to mirror locally.
func (h *SessionHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]any{
		"max_messages_per_chat": h.sessions.MaxMessagesPerChat(),
		"max_sessions":          h.sessions.MaxSessions(),
	})
}

// ListSessions returns the caller's sessions, newest first.
func (h *SessionHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessions, err := h.sessions.ListSessions(r.Context(), userID)
	if err != nil {
		slog.Error("failed to list sessions", "user_id", userID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	JSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// CreateSession creates a new empty session.
func (h *SessionHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())

	var req struct {
		Title string `json:"title"`
	}
	if r.Body != nil {
		// An empty body is fine; the title defaults.
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			Error(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if req.Title == "" {
		req.Title = defaultSessionTitle
	}

	session, err := h.sessions.CreateSession(r.Context(), userID, req.Title)
	if err != nil {
		slog.Error("failed to create session", "user_id", userID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	JSON(w, http.StatusCreated, session)
}

// GetSession returns one session with its transcript.
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := chi.URLParam(r, "sessionID")

	session, err := h.sessions.GetSession(r.Context(), userID, sessionID)
	if err != nil {
		slog.Error("failed to get session", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to get session")
		return
	}
	if session == nil {
		Error(w, http.StatusNotFound, "session not found")
		return
	}
	JSON(w, http.StatusOK, session)
}

// DeleteSession removes a session.
func (h *SessionHandler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := chi.URLParam(r, "sessionID")

	// A running turn must not keep writing into a deleted session.
	h.controller.Cancel(sessionID)

	deleted, err := h.sessions.DeleteSession(r.Context(), userID, sessionID)
	if err != nil {
		slog.Error("failed to delete session", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to delete session")
		return
	}
	if !deleted {
		Error(w, http.StatusNotFound, "session not found")
		return
	}
	if h.notifier != nil {
		h.notifier.SessionChanged(userID, sessionID)
	}
	JSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

// UpdateTitle renames a session.
func (h *SessionHandler) UpdateTitle(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := chi.URLParam(r, "sessionID")

	var req struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Title == "" {
		Error(w, http.StatusBadRequest, "title is required")
		return
	}

	session, err := h.sessions.GetSession(r.Context(), userID, sessionID)
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to get session")
		return
	}
	if session == nil {
		Error(w, http.StatusNotFound, "session not found")
		return
	}

	if err := h.sessions.UpdateSessionTitle(r.Context(), sessionID, req.Title); err != nil {
		slog.Error("failed to update title", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to update title")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"title": req.Title})
}

// PruneSessions drops the caller's sessions that never got a question.
func (h *SessionHandler) PruneSessions(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())

	pruned, err := h.sessions.PruneEmptySessions(r.Context(), userID)
	if err != nil {
		slog.Error("failed to prune sessions", "user_id", userID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to prune sessions")
		return
	}
	JSON(w, http.StatusOK, map[string]int64{"pruned": pruned})
}

// Ask runs one question turn and relays its progress as SSE events.
// Each "update" event carries a TurnUpdate; the last one has done set.
func (h *SessionHandler) Ask(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	token := identity.TokenFromContext(r.Context())
	sessionID := chi.URLParam(r, "sessionID")

	var req struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error": "streaming not supported"}`, http.StatusInternalServerError)
		return
	}

	for upd, err := range h.controller.SubmitQuestion(r.Context(), token, userID, sessionID, req.Message) {
		if err != nil {
			status := "failed to process question"
			if errors.Is(err, assistant.ErrSessionNotFound) {
				status = "session not found"
			}
			slog.Error("turn failed", "session_id", sessionID, "error", err)
			if writeErr := writeSSE(w, "error", status); writeErr != nil {
				slog.Warn("failed to write SSE error event", "error", writeErr)
				return
			}
			flusher.Flush()
			return
		}

		data, err := json.Marshal(upd)
		if err != nil {
			slog.Warn("failed to marshal turn update", "error", err)
			continue
		}
		if err := writeSSE(w, "update", string(data)); err != nil {
			slog.Warn("failed to write SSE update event", "error", err)
			return
		}
		flusher.Flush()
	}
}

// CancelTurn stops the session's running turn, if any.
func (h *SessionHandler) CancelTurn(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	JSON(w, http.StatusOK, map[string]bool{"cancelled": h.controller.Cancel(sessionID)})
}

// WatchSessions subscribes the caller's tab to session-change events.
func (h *SessionHandler) WatchSessions(w http.ResponseWriter, r *http.Request) {
	if h.notifier == nil {
		Error(w, http.StatusNotFound, "notifications disabled")
		return
	}
	h.notifier.Serve(w, r, identity.UserIDFromContext(r.Context()))
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
