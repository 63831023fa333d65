package config

import (
	"os"
	"strings"
	"time"
)

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables take precedence over YAML configuration.
// All env vars use the RYT_ prefix for namespace isolation.
func (c *Config) applyEnvOverrides() {
	// Server config
	setIfEnv(&c.Server.Address, "RYT_SERVER_ADDRESS")
	setIfEnv(&c.Server.RoutePrefix, "RYT_ROUTE_PREFIX")
	setIfEnv(&c.Server.PublicBaseURL, "RYT_PUBLIC_BASE_URL")
	setIfEnv(&c.Server.AdminMetricsAPIKey, "RYT_ADMIN_METRICS_API_KEY")

	if c.Server.RoutePrefix != "" {
		c.Server.RoutePrefix = normalizeRoutePrefix(c.Server.RoutePrefix)
	}

	// Stripe config
	setIfEnv(&c.Stripe.SecretKey, "RYT_STRIPE_SECRET_KEY")
	setIfEnv(&c.Stripe.WebhookSecret, "RYT_STRIPE_WEBHOOK_SECRET")
	setIfEnv(&c.Stripe.Mode, "RYT_STRIPE_MODE")

	// Download token signing secret: any stable secret is acceptable, so fall
	// through a chain of env vars before giving up. Tokens outlive deploys, so
	// whichever value is picked must not change between restarts.
	if secret := firstEnv("RYT_DOWNLOAD_TOKEN_SECRET", "RYT_SESSION_SECRET", "RYT_APP_SECRET"); secret != "" {
		c.Download.SigningSecret = secret
	}
	setIfEnv(&c.Download.SupportEmail, "RYT_SUPPORT_EMAIL")
	setIfEnv(&c.Download.ResetBaseURL, "RYT_RESET_BASE_URL")

	// Storage config
	setIfEnv(&c.Storage.Backend, "RYT_STORAGE_BACKEND")
	setIfEnv(&c.Storage.PostgresURL, "RYT_POSTGRES_URL")
	setIfEnv(&c.Storage.MongoDBURL, "RYT_MONGODB_URL")
	setIfEnv(&c.Storage.MongoDBDatabase, "RYT_MONGODB_DATABASE")

	// Mail config
	setIfEnv(&c.Mail.Provider, "RYT_MAIL_PROVIDER")
	setIfEnv(&c.Mail.APIKey, "RYT_SENDGRID_API_KEY")
	setIfEnv(&c.Mail.FromAddress, "RYT_MAIL_FROM_ADDRESS")
	setIfEnv(&c.Mail.FromName, "RYT_MAIL_FROM_NAME")
	setDurationIfEnv(&c.Mail.Timeout, "RYT_MAIL_TIMEOUT")

	// Auth config
	setBoolIfEnv(&c.Auth.Enabled, "RYT_AUTH_ENABLED")
	// Load API keys (RYT_API_KEY_<KEY>=<userID>)
	for _, env := range os.Environ() {
		if !strings.HasPrefix(env, "RYT_API_KEY_") {
			continue
		}
		parts := strings.SplitN(env, "=", 2)
		if len(parts) != 2 {
			continue
		}
		name := strings.TrimPrefix(parts[0], "RYT_API_KEY_")
		if name == "" || name == "ENABLED" {
			continue
		}
		if c.Auth.Keys == nil {
			c.Auth.Keys = make(map[string]string)
		}
		c.Auth.Keys[strings.ToLower(name)] = strings.TrimSpace(parts[1])
	}
}

// setIfEnv sets a string pointer to the environment variable value if it exists.
func setIfEnv(target *string, key string) {
	if val := os.Getenv(key); val != "" {
		*target = val
	}
}

// setBoolIfEnv sets a boolean pointer from an environment variable.
// Accepts "1", "true", "TRUE", "True" as true values.
func setBoolIfEnv(target *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v == "1" || strings.EqualFold(v, "true")
	}
}

// setDurationIfEnv sets a Duration pointer from an environment variable.
func setDurationIfEnv(target *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			*target = Duration{Duration: dur}
		}
	}
}

// firstEnv returns the first non-empty value among the given environment variables.
func firstEnv(keys ...string) string {
	for _, key := range keys {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return ""
}

// normalizeRoutePrefix ensures the prefix starts with / and doesn't end with /.
// Examples: "api" -> "/api", "/api/" -> "/api"
func normalizeRoutePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return ""
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	return strings.TrimSuffix(prefix, "/")
}
