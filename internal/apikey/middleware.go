// Package apikey resolves caller identity from pre-shared API keys.
//
// This service trusts the marketplace application as its only caller; keys
// map straight to user IDs. Requests without a valid key still pass through
// the middleware unauthenticated, and each handler decides whether identity
// is required.
package apikey

import (
	"context"
	"net/http"
	"strings"
)

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

const contextKeyUser contextKey = "api_key_user"

// Config holds API key configuration.
type Config struct {
	// Enabled controls whether API key resolution is active.
	Enabled bool

	// Keys maps an API key to the user ID it authenticates as.
	Keys map[string]string
}

// Middleware resolves the caller's identity from the X-API-Key header or an
// Authorization bearer token and stores it in the request context. Unknown
// or missing keys leave the request unauthenticated rather than failing it.
func Middleware(cfg Config) func(http.Handler) http.Handler {
	if !cfg.Enabled || len(cfg.Keys) == 0 {
		return func(next http.Handler) http.Handler {
			return next
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFromRequest(r)
			if key != "" {
				if userID, ok := cfg.Keys[key]; ok {
					ctx := context.WithValue(r.Context(), contextKeyUser, userID)
					r = r.WithContext(ctx)
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WithUser returns a context carrying an authenticated user ID. Test helper.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, contextKeyUser, userID)
}

// UserFromContext returns the authenticated user ID, if any.
func UserFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(contextKeyUser).(string)
	return userID, ok && userID != ""
}

func keyFromRequest(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key
	}
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
