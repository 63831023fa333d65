package config

import (
	"database/sql"
	"time"
)

// ApplyPostgresPoolSettings applies connection pool limits to an opened database,
// falling back to conservative defaults when a setting is unset.
func ApplyPostgresPoolSettings(db *sql.DB, cfg PostgresPoolConfig) {
	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 5
	}
	lifetime := cfg.ConnMaxLifetime.Duration
	if lifetime <= 0 {
		lifetime = 5 * time.Minute
	}

	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(lifetime)
}
