package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support string based YAML decoding.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration values expressed as Go-style strings or numbers interpreted as seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		raw := strings.TrimSpace(value.Value)
		if raw == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err == nil {
			d.Duration = parsed
			return nil
		}
		secs, convErr := time.ParseDuration(fmt.Sprintf("%ss", raw))
		if convErr == nil {
			d.Duration = secs
			return nil
		}
		return fmt.Errorf("invalid duration value %q: %w", raw, err)
	default:
		return fmt.Errorf("unsupported duration node kind: %v", value.Kind)
	}
}

// MarshalYAML renders the duration as a string to keep config edits human-friendly.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds application level configuration aggregated from file and environment variables.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Stripe    StripeConfig    `yaml:"stripe"`
	Download  DownloadConfig  `yaml:"download"`
	Storage   StorageConfig   `yaml:"storage"`
	Mail      MailConfig      `yaml:"mail"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Breaker   BreakerConfig   `yaml:"circuit_breaker"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address            string   `yaml:"address"`
	ReadTimeout        Duration `yaml:"read_timeout"`
	WriteTimeout       Duration `yaml:"write_timeout"`
	IdleTimeout        Duration `yaml:"idle_timeout"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	RoutePrefix        string   `yaml:"route_prefix"`          // Prefix for all API routes (default "/api")
	PublicBaseURL      string   `yaml:"public_base_url"`       // Absolute base URL used to build download links
	AdminMetricsAPIKey string   `yaml:"admin_metrics_api_key"` // Optional API key protecting /metrics (empty disables protection)
}

// StripeConfig holds Stripe payment integration configuration.
type StripeConfig struct {
	SecretKey     string `yaml:"secret_key"`
	WebhookSecret string `yaml:"webhook_secret"`
	Mode          string `yaml:"mode"` // live | test
}

// DownloadConfig holds signed download link configuration.
// The signing secret must remain stable across restarts - issued tokens are
// verified statelessly and would all be invalidated by a secret rotation.
type DownloadConfig struct {
	SigningSecret string `yaml:"signing_secret"`
	SupportEmail  string `yaml:"support_email"`  // Included in generated README files
	ResetBaseURL  string `yaml:"reset_base_url"` // Frontend URL for password reset links
}

// StorageConfig holds storage backend configuration.
type StorageConfig struct {
	Backend         string             `yaml:"backend"` // "memory", "postgres", or "mongodb"
	PostgresURL     string             `yaml:"postgres_url"`
	MongoDBURL      string             `yaml:"mongodb_url"`
	MongoDBDatabase string             `yaml:"mongodb_database"`
	PostgresPool    PostgresPoolConfig `yaml:"postgres_pool"`
}

// PostgresPoolConfig holds PostgreSQL connection pool settings.
type PostgresPoolConfig struct {
	MaxOpenConns    int      `yaml:"max_open_conns"`    // Maximum number of open connections (default: 25)
	MaxIdleConns    int      `yaml:"max_idle_conns"`    // Maximum number of idle connections (default: 5)
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"` // Maximum lifetime of connections (default: 5m)
}

// MailConfig holds transactional mail delivery configuration.
type MailConfig struct {
	Provider    string   `yaml:"provider"` // "sendgrid" or "noop"
	APIKey      string   `yaml:"api_key"`
	FromAddress string   `yaml:"from_address"`
	FromName    string   `yaml:"from_name"`
	Timeout     Duration `yaml:"timeout"`
}

// AuthConfig maps API keys to user identities for authenticated endpoints.
type AuthConfig struct {
	Enabled bool              `yaml:"enabled"`
	Keys    map[string]string `yaml:"keys"` // API key -> user ID
}

// LoggingConfig holds structured logging configuration.
type LoggingConfig struct {
	Level       string `yaml:"level"`       // debug, info, warn, error (default: info)
	Format      string `yaml:"format"`      // json, console (default: json)
	Environment string `yaml:"environment"` // production, staging, development
}

// RateLimitConfig holds rate limiting configuration.
// Limits are generous - the goal is stopping link-generation abuse, not
// restricting legitimate buyers re-downloading their templates.
type RateLimitConfig struct {
	GlobalEnabled bool     `yaml:"global_enabled"`
	GlobalLimit   int      `yaml:"global_limit"`
	GlobalWindow  Duration `yaml:"global_window"`

	PerUserEnabled bool     `yaml:"per_user_enabled"`
	PerUserLimit   int      `yaml:"per_user_limit"`
	PerUserWindow  Duration `yaml:"per_user_window"`

	PerIPEnabled bool     `yaml:"per_ip_enabled"`
	PerIPLimit   int      `yaml:"per_ip_limit"`
	PerIPWindow  Duration `yaml:"per_ip_window"`
}

// BreakerConfig configures the circuit breaker guarding the mail provider.
type BreakerConfig struct {
	Enabled             bool     `yaml:"enabled"`
	MaxRequests         uint32   `yaml:"max_requests"`
	Interval            Duration `yaml:"interval"`
	Timeout             Duration `yaml:"timeout"`
	ConsecutiveFailures uint32   `yaml:"consecutive_failures"`
}
