// Package ratelimit wraps httprate with the service's three throttling
// layers: a global cap, a per-user cap for authenticated calls, and a
// per-IP fallback for anonymous ones.
package ratelimit

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/httprate"

	"github.com/runyourtrip/server/internal/apikey"
	apierrors "github.com/runyourtrip/server/internal/errors"
	"github.com/runyourtrip/server/internal/metrics"
)

// Config holds rate limiting configuration.
type Config struct {
	// Global rate limiting across all callers.
	GlobalEnabled bool
	GlobalLimit   int // requests per window
	GlobalWindow  time.Duration

	// Per-user rate limiting for authenticated requests.
	PerUserEnabled bool
	PerUserLimit   int
	PerUserWindow  time.Duration

	// Per-IP rate limiting for anonymous requests (download links).
	PerIPEnabled bool
	PerIPLimit   int
	PerIPWindow  time.Duration

	// Metrics collector (optional).
	Metrics *metrics.Metrics
}

// DefaultConfig returns generous defaults: the goal is stopping
// link-generation abuse, not restricting buyers re-downloading purchases.
func DefaultConfig() Config {
	return Config{
		GlobalEnabled: true,
		GlobalLimit:   1000,
		GlobalWindow:  1 * time.Minute,

		PerUserEnabled: true,
		PerUserLimit:   60,
		PerUserWindow:  1 * time.Minute,

		PerIPEnabled: true,
		PerIPLimit:   120,
		PerIPWindow:  1 * time.Minute,
	}
}

func limitHandler(limitType string, window time.Duration, m *metrics.Metrics) func(http.ResponseWriter, *http.Request) {
	retryAfter := int(window.Seconds())
	return func(w http.ResponseWriter, r *http.Request) {
		m.ObserveRateLimit(limitType)
		w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
		apierrors.WriteErrorWithDetail(w, apierrors.ErrCodeRateLimited,
			"Rate limit exceeded. Please try again later.",
			"retry_after_seconds", retryAfter)
	}
}

func passthrough(next http.Handler) http.Handler { return next }

// GlobalLimiter caps total request volume across all callers.
func GlobalLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.GlobalEnabled {
		return passthrough
	}
	return httprate.Limit(
		cfg.GlobalLimit,
		cfg.GlobalWindow,
		httprate.WithKeyFuncs(func(*http.Request) (string, error) { return "global", nil }),
		httprate.WithLimitHandler(limitHandler("global", cfg.GlobalWindow, cfg.Metrics)),
	)
}

// UserLimiter caps request volume per authenticated user, falling back to
// the caller's IP when the request carries no identity.
func UserLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.PerUserEnabled {
		return passthrough
	}
	return httprate.Limit(
		cfg.PerUserLimit,
		cfg.PerUserWindow,
		httprate.WithKeyFuncs(userKeyExtractor),
		httprate.WithLimitHandler(limitHandler("per_user", cfg.PerUserWindow, cfg.Metrics)),
	)
}

// IPLimiter caps request volume per client IP.
func IPLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.PerIPEnabled {
		return passthrough
	}
	return httprate.Limit(
		cfg.PerIPLimit,
		cfg.PerIPWindow,
		httprate.WithKeyByIP(),
		httprate.WithLimitHandler(limitHandler("per_ip", cfg.PerIPWindow, cfg.Metrics)),
	)
}

// userKeyExtractor keys authenticated requests by user ID so one buyer
// hammering generate-link cannot consume another's budget.
func userKeyExtractor(r *http.Request) (string, error) {
	if userID, ok := apikey.UserFromContext(r.Context()); ok {
		return "user:" + userID, nil
	}
	return httprate.KeyByIP(r)
}
