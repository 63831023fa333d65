package config

import (
	"fmt"
	"net/url"
	"strings"
)

// finalize validates the aggregated configuration and fails fast on anything
// that would only surface as a confusing runtime error later. A missing signing
// secret is fatal here rather than a per-request failure: every download link
// ever issued depends on it.
func (c *Config) finalize() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address is required")
	}

	if c.Download.SigningSecret == "" {
		return fmt.Errorf("download.signing_secret is required (set RYT_DOWNLOAD_TOKEN_SECRET)")
	}
	if len(c.Download.SigningSecret) < 16 {
		return fmt.Errorf("download.signing_secret must be at least 16 characters")
	}

	if c.Stripe.WebhookSecret == "" {
		return fmt.Errorf("stripe.webhook_secret is required (set RYT_STRIPE_WEBHOOK_SECRET)")
	}
	if c.Stripe.Mode != "live" && c.Stripe.Mode != "test" {
		return fmt.Errorf("stripe.mode must be \"live\" or \"test\", got %q", c.Stripe.Mode)
	}

	base, err := url.Parse(c.Server.PublicBaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return fmt.Errorf("server.public_base_url must be an absolute URL, got %q", c.Server.PublicBaseURL)
	}
	c.Server.PublicBaseURL = strings.TrimSuffix(c.Server.PublicBaseURL, "/")

	switch c.Storage.Backend {
	case "", "memory", "postgres", "mongodb":
	default:
		return fmt.Errorf("storage.backend must be one of memory, postgres, mongodb; got %q", c.Storage.Backend)
	}
	if c.Storage.Backend == "postgres" && c.Storage.PostgresURL == "" {
		return fmt.Errorf("storage.postgres_url is required for the postgres backend")
	}
	if c.Storage.Backend == "mongodb" && c.Storage.MongoDBURL == "" {
		return fmt.Errorf("storage.mongodb_url is required for the mongodb backend")
	}

	switch c.Mail.Provider {
	case "", "noop", "sendgrid":
	default:
		return fmt.Errorf("mail.provider must be \"sendgrid\" or \"noop\", got %q", c.Mail.Provider)
	}
	if c.Mail.Provider == "sendgrid" && c.Mail.FromAddress == "" {
		return fmt.Errorf("mail.from_address is required for the sendgrid provider")
	}

	return nil
}
