// Package identity extracts the caller's identity from the bearer
// token the query service issued. The gateway does not hold the token
// signing key, so claims are read without signature verification; the
// query service re-validates the token on every forwarded request.
// Expired or unreadable tokens are still rejected here.
package identity

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenCookieName matches the cookie the web client stores its access
// token in.
const TokenCookieName = "accessToken"

type contextKey int

const (
	userIDKey contextKey = iota
	usernameKey
	tokenKey
)

// UserIDFromContext extracts the caller's user ID from the request context.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// UsernameFromContext extracts the caller's username from the request context.
func UsernameFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(usernameKey).(string); ok {
		return v
	}
	return ""
}

// TokenFromContext extracts the raw bearer token for forwarding to the
// query service.
func TokenFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(tokenKey).(string); ok {
		return v
	}
	return ""
}

// TokenFromRequest finds the bearer token in the Authorization header
// or the access-token cookie.
func TokenFromRequest(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if raw, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(raw)
		}
	}
	if c, err := r.Cookie(TokenCookieName); err == nil {
		return c.Value
	}
	return ""
}

// Claims is the subset of token claims the gateway uses.
type Claims struct {
	UserID   string
	Username string
	Expiry   time.Time
}

// ParseClaims reads the token's claims without verifying its
// signature. Returns an error for malformed tokens or a past expiry.
func ParseClaims(raw string) (*Claims, error) {
	token, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return nil, err
	}
	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, jwt.ErrTokenInvalidClaims
	}

	claims := &Claims{}
	if sub, err := mapClaims.GetSubject(); err == nil {
		claims.Username = sub
		claims.UserID = sub
	}
	if id, ok := mapClaims["user_id"].(string); ok && id != "" {
		claims.UserID = id
	}
	if claims.UserID == "" {
		return nil, jwt.ErrTokenRequiredClaimMissing
	}

	if exp, err := mapClaims.GetExpirationTime(); err == nil && exp != nil {
		claims.Expiry = exp.Time
		if time.Now().After(exp.Time) {
			return nil, jwt.ErrTokenExpired
		}
	}
	return claims, nil
}

// Middleware resolves the caller's identity and injects it into the
// request context. Requests without a usable token get a 401.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := TokenFromRequest(r)
			if raw == "" {
				unauthorized(w, "missing access token")
				return
			}

			claims, err := ParseClaims(raw)
			if err != nil {
				unauthorized(w, "invalid or expired access token")
				return
			}

			ctx := context.WithValue(r.Context(), userIDKey, claims.UserID)
			ctx = context.WithValue(ctx, usernameKey, claims.Username)
			ctx = context.WithValue(ctx, tokenKey, raw)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
