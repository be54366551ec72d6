package identity

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signedToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	raw, err := token.SignedString([]byte("test-key"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return raw
}

func TestParseClaims(t *testing.T) {
	t.Parallel()

	raw := signedToken(t, jwt.MapClaims{
		"sub":     "alice",
		"user_id": "7",
		"exp":     time.Now().Add(time.Hour).Unix(),
	})

	claims, err := ParseClaims(raw)
	if err != nil {
		t.Fatalf("ParseClaims failed: %v", err)
	}
	if claims.UserID != "7" {
		t.Errorf("user id = %q, want 7", claims.UserID)
	}
	if claims.Username != "alice" {
		t.Errorf("username = %q, want alice", claims.Username)
	}
}

func TestParseClaimsSubjectFallback(t *testing.T) {
	t.Parallel()

	raw := signedToken(t, jwt.MapClaims{"sub": "bob"})
	claims, err := ParseClaims(raw)
	if err != nil {
		t.Fatalf("ParseClaims failed: %v", err)
	}
	if claims.UserID != "bob" {
		t.Errorf("user id = %q, want bob", claims.UserID)
	}
}

func TestParseClaimsExpired(t *testing.T) {
	t.Parallel()

	raw := signedToken(t, jwt.MapClaims{
		"sub": "alice",
		"exp": time.Now().Add(-time.Minute).Unix(),
	})
	if _, err := ParseClaims(raw); err == nil {
		t.Error("expected error for expired token")
	}
}

func TestParseClaimsMalformed(t *testing.T) {
	t.Parallel()

	if _, err := ParseClaims("not-a-token"); err == nil {
		t.Error("expected error for malformed token")
	}
}

func TestMiddleware(t *testing.T) {
	t.Parallel()

	raw := signedToken(t, jwt.MapClaims{
		"sub": "alice",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	var gotUserID, gotToken string
	handler := Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUserID = UserIDFromContext(r.Context())
		gotToken = TokenFromContext(r.Context())
	}))

	// Header-carried token.
	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.Header.Set("Authorization", "Bearer "+raw)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if gotUserID != "alice" || gotToken != raw {
		t.Errorf("identity = %q token match = %v", gotUserID, gotToken == raw)
	}

	// Cookie-carried token.
	req = httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.AddCookie(&http.Cookie{Name: TokenCookieName, Value: raw})
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("cookie status = %d", rec.Code)
	}

	// No token.
	req = httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("missing token status = %d, want 401", rec.Code)
	}
}
