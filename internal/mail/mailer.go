// Package mail delivers transactional email. Delivery is strictly
// best-effort: a failed send is logged and swallowed, never allowed to fail
// the purchase or reset flow that triggered it.
package mail

import (
	"context"

	"github.com/runyourtrip/server/internal/money"
)

// PurchaseConfirmation carries everything the confirmation template needs.
type PurchaseConfirmation struct {
	To           string
	TemplateName string
	Price        money.Price
	DownloadURL  string
	SupportEmail string
}

// PasswordReset carries the reset link for the reset email.
type PasswordReset struct {
	To       string
	ResetURL string
}

// Mailer sends transactional email.
type Mailer interface {
	SendPurchaseConfirmation(ctx context.Context, msg PurchaseConfirmation) error
	SendPasswordReset(ctx context.Context, msg PasswordReset) error
}

// NoopMailer drops every message. Used when no mail credentials are
// configured and in tests.
type NoopMailer struct{}

func (NoopMailer) SendPurchaseConfirmation(context.Context, PurchaseConfirmation) error { return nil }
func (NoopMailer) SendPasswordReset(context.Context, PasswordReset) error               { return nil }
