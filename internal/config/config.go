package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		if err := cfg.parseFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.finalize(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:       ":8080",
			ReadTimeout:   Duration{Duration: 15 * time.Second},
			WriteTimeout:  Duration{Duration: 30 * time.Second},
			IdleTimeout:   Duration{Duration: 60 * time.Second},
			RoutePrefix:   "/api",
			PublicBaseURL: "http://localhost:8080",
		},
		Stripe: StripeConfig{
			Mode: "test",
		},
		Download: DownloadConfig{
			SupportEmail: "support@runyourtrip.com",
		},
		Mail: MailConfig{
			Provider: "noop",
			FromName: "Run Your Trip",
			Timeout:  Duration{Duration: 5 * time.Second},
		},
		Auth: AuthConfig{
			Enabled: false,
			Keys:    make(map[string]string),
		},
		RateLimit: RateLimitConfig{
			GlobalEnabled:  true,
			GlobalLimit:    1000,
			GlobalWindow:   Duration{Duration: 1 * time.Minute},
			PerUserEnabled: true,
			PerUserLimit:   60,
			PerUserWindow:  Duration{Duration: 1 * time.Minute},
			PerIPEnabled:   true,
			PerIPLimit:     120,
			PerIPWindow:    Duration{Duration: 1 * time.Minute},
		},
		Breaker: BreakerConfig{
			Enabled:             true,
			MaxRequests:         3,
			Interval:            Duration{Duration: 60 * time.Second},
			Timeout:             Duration{Duration: 30 * time.Second},
			ConsecutiveFailures: 5,
		},
	}
}

// parseFile reads and unmarshals a YAML configuration file.
func (c *Config) parseFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}
