package storage

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultQueryTimeout is the maximum time allowed for database queries.
	// Prevents a slow database from pinning request goroutines indefinitely.
	DefaultQueryTimeout = 5 * time.Second
)

// withQueryTimeout wraps the context with a query timeout if one isn't
// already set, respecting any existing deadline from the caller.
func withQueryTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, DefaultQueryTimeout)
}

// normalizeEmail lowercases and trims an email for lookup keys.
func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// newEventID assigns analytics event IDs when the caller didn't.
func newEventID() string {
	return uuid.NewString()
}
