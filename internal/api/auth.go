package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/abelyaev/datachat/internal/backend"
	"github.com/abelyaev/datachat/internal/identity"
	"github.com/go-chi/chi/v5"
)

// tokenCookieMaxAge mirrors the query service's token lifetime.
const tokenCookieMaxAge = 30 * time.Minute

// AuthHandler proxies account endpoints to the query service and
// manages the access-token cookie.
type AuthHandler struct {
	*Handler
}

// NewAuthHandler creates a new auth handler.
func NewAuthHandler(base *Handler) *AuthHandler {
	return &AuthHandler{Handler: base}
}

// RegisterPublicRoutes registers the routes reachable without a token.
func (h *AuthHandler) RegisterPublicRoutes(r chi.Router) {
	r.Route("/auth", func(r chi.Router) {
		r.Post("/token", h.Token)
		r.Post("/login", h.Login)
		r.Post("/signup", h.Signup)
		r.Post("/logout", h.Logout)
	})
}

// RegisterProtectedRoutes registers the routes that need a caller identity.
func (h *AuthHandler) RegisterProtectedRoutes(r chi.Router) {
	r.Get("/auth/me", h.Me)
	r.Post("/auth/password", h.ChangePassword)
}

// Token is the form-encoded token passthrough, matching the query
// service's own /token shape.
func (h *AuthHandler) Token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		Error(w, http.StatusBadRequest, "invalid form body")
		return
	}
	h.issueToken(w, r, r.PostForm.Get("username"), r.PostForm.Get("password"))
}

// Login exchanges credentials for a token and sets the token cookie.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	h.issueToken(w, r, req.Username, req.Password)
}

func (h *AuthHandler) issueToken(w http.ResponseWriter, r *http.Request, username, password string) {
	if username == "" || password == "" {
		Error(w, http.StatusBadRequest, "username and password are required")
		return
	}

	token, err := h.backend.Login(r.Context(), username, password)
	if err != nil {
		if errors.Is(err, backend.ErrUnauthorized) {
			Error(w, http.StatusUnauthorized, "invalid username or password")
			return
		}
		slog.Error("login failed", "username", username, "error", err)
		Error(w, http.StatusBadGateway, "login failed")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     identity.TokenCookieName,
		Value:    token.AccessToken,
		Path:     "/",
		MaxAge:   int(tokenCookieMaxAge.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		Secure:   !h.isDevelopment(),
	})
	JSON(w, http.StatusOK, token)
}

// ChangePassword updates the caller's password on the query service.
func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Password == "" {
		Error(w, http.StatusBadRequest, "password is required")
		return
	}

	token := identity.TokenFromContext(r.Context())
	user, err := h.backend.CurrentUser(r.Context(), token)
	if err != nil {
		if errors.Is(err, backend.ErrUnauthorized) {
			Error(w, http.StatusUnauthorized, "invalid or expired access token")
			return
		}
		slog.Error("failed to fetch current user", "error", err)
		Error(w, http.StatusBadGateway, "failed to fetch current user")
		return
	}

	updated, err := h.backend.UpdateUser(r.Context(), token, user.ID, backend.UpdateUserRequest{Password: req.Password})
	if err != nil {
		slog.Error("password change failed", "user_id", user.ID, "error", err)
		Error(w, http.StatusBadGateway, "password change failed")
		return
	}
	JSON(w, http.StatusOK, updated)
}

// Signup registers a new account with the query service.
func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	var req backend.SignupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" || req.Password == "" {
		Error(w, http.StatusBadRequest, "username and password are required")
		return
	}

	user, err := h.backend.Signup(r.Context(), req)
	if err != nil {
		slog.Error("signup failed", "username", req.Username, "error", err)
		Error(w, http.StatusBadGateway, "signup failed")
		return
	}
	JSON(w, http.StatusCreated, user)
}

// Logout clears the token cookie. The token itself stays valid until
// it expires; the query service has no revocation endpoint.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     identity.TokenCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		Secure:   !h.isDevelopment(),
	})
	JSON(w, http.StatusOK, map[string]bool{"logged_out": true})
}

// Me returns the account the caller's token belongs to.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	token := identity.TokenFromContext(r.Context())

	user, err := h.backend.CurrentUser(r.Context(), token)
	if err != nil {
		if errors.Is(err, backend.ErrUnauthorized) {
			Error(w, http.StatusUnauthorized, "invalid or expired access token")
			return
		}
		slog.Error("failed to fetch current user", "error", err)
		Error(w, http.StatusBadGateway, "failed to fetch current user")
		return
	}
	JSON(w, http.StatusOK, user)
}
