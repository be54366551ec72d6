package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/abelyaev/datachat/internal/backend"
	"github.com/abelyaev/datachat/internal/domain"
	"github.com/abelyaev/datachat/internal/identity"
	"github.com/go-chi/chi/v5"
)

// OperationsHandler handles data-source connection endpoints.
type OperationsHandler struct {
	*Handler
}

// NewOperationsHandler creates a new operations handler.
func NewOperationsHandler(base *Handler) *OperationsHandler {
	return &OperationsHandler{Handler: base}
}

// RegisterRoutes registers connection routes.
func (h *OperationsHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Post("/connect", h.Connect)
		r.Get("/connection", h.GetConnection)
	})
}

// Connect asks the query service to introspect the data source and
// records the established connection on success.
func (h *OperationsHandler) Connect(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	token := identity.TokenFromContext(r.Context())

	var req struct {
		DBURL        string `json:"db_url"`
		GeminiAPIKey string `json:"gemini_api_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DBURL == "" {
		Error(w, http.StatusBadRequest, "db_url is required")
		return
	}

	schema, err := h.backend.GetSchema(r.Context(), token, backend.SchemaRequest{
		DBURL:        req.DBURL,
		UserID:       userID,
		GeminiAPIKey: req.GeminiAPIKey,
	})
	if err != nil {
		if errors.Is(err, backend.ErrUnauthorized) {
			Error(w, http.StatusUnauthorized, "invalid or expired access token")
			return
		}
		slog.Error("schema introspection failed", "user_id", userID, "error", err)
		Error(w, http.StatusBadGateway, "failed to connect to database")
		return
	}

	if schema.Success {
		err := h.sessions.SetConnection(r.Context(), &domain.Connection{
			UserID:      userID,
			DatabaseURL: req.DBURL,
			TableCount:  schema.TableCount,
			ConnectedAt: time.Now().Truncate(time.Millisecond),
		})
		if err != nil {
			slog.Error("failed to record connection", "user_id", userID, "error", err)
			Error(w, http.StatusInternalServerError, "failed to record connection")
			return
		}
	}
	JSON(w, http.StatusOK, schema)
}

// GetConnection returns the caller's recorded connection.
func (h *OperationsHandler) GetConnection(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())

	conn, err := h.sessions.GetConnection(r.Context(), userID)
	if err != nil {
		slog.Error("failed to get connection", "user_id", userID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to get connection")
		return
	}
	if conn == nil {
		Error(w, http.StatusNotFound, "no database connected")
		return
	}
	JSON(w, http.StatusOK, conn)
}
