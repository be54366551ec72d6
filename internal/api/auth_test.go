package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/abelyaev/datachat/internal/backend"
	"github.com/abelyaev/datachat/internal/domain"
	"github.com/abelyaev/datachat/internal/identity"
	"github.com/go-chi/chi/v5"
)

// fakeQueryService stands in for the upstream account endpoints.
func fakeQueryService(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		if r.PostForm.Get("username") != "alice" || r.PostForm.Get("password") != "secret" {
			http.Error(w, `{"detail":"bad credentials"}`, http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(backend.TokenResponse{AccessToken: "token-abc", TokenType: "bearer"})
	})
	mux.HandleFunc("GET /users/me", func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			http.Error(w, `{"detail":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(domain.User{ID: 7, Username: "alice"})
	})
	mux.HandleFunc("PUT /users/7", func(w http.ResponseWriter, r *http.Request) {
		var update backend.UpdateUserRequest
		if err := json.NewDecoder(r.Body).Decode(&update); err != nil || update.Password == "" {
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(domain.User{ID: 7, Username: "alice"})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newAuthEnv(t *testing.T) *httptest.Server {
	t.Helper()

	upstream := fakeQueryService(t)
	client := backend.NewClient(backend.ClientConfig{BaseURL: upstream.URL}, nil)
	base := NewHandler(nil, client, nil, nil, "http://localhost:3000")
	auth := NewAuthHandler(base)

	r := chi.NewRouter()
	auth.RegisterPublicRoutes(r)
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware())
		auth.RegisterProtectedRoutes(r)
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestTokenPassthroughSetsCookie(t *testing.T) {
	t.Parallel()
	srv := newAuthEnv(t)

	form := url.Values{"username": {"alice"}, "password": {"secret"}}
	resp, err := http.Post(srv.URL+"/auth/token", "application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
	if err != nil {
		t.Fatalf("POST /auth/token: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var token backend.TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if token.AccessToken != "token-abc" {
		t.Errorf("access token = %q, want token-abc", token.AccessToken)
	}

	var found bool
	for _, c := range resp.Cookies() {
		if c.Name == identity.TokenCookieName {
			found = true
			if c.Value != "token-abc" {
				t.Errorf("cookie value = %q, want token-abc", c.Value)
			}
			if !c.HttpOnly {
				t.Error("cookie is not HttpOnly")
			}
		}
	}
	if !found {
		t.Errorf("no %s cookie set", identity.TokenCookieName)
	}
}

func TestTokenPassthroughRejectsBadCredentials(t *testing.T) {
	t.Parallel()
	srv := newAuthEnv(t)

	form := url.Values{"username": {"alice"}, "password": {"wrong"}}
	resp, err := http.Post(srv.URL+"/auth/token", "application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
	if err != nil {
		t.Fatalf("POST /auth/token: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestChangePassword(t *testing.T) {
	t.Parallel()
	srv := newAuthEnv(t)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/auth/password", strings.NewReader(`{"password":"new-secret"}`))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+bearerToken(t, "7"))
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /auth/password: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var user domain.User
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if user.ID != 7 {
		t.Errorf("user id = %d, want 7", user.ID)
	}
}

func TestChangePasswordRequiresBody(t *testing.T) {
	t.Parallel()
	srv := newAuthEnv(t)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/auth/password", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+bearerToken(t, "7"))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /auth/password: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}
