// Package db owns the orchestrator's Postgres connection pool and schema
// migration, grounded on streamspace-dev-streamspace/api/internal/db/database.go's
// Config/validateConfig/NewDatabase/Migrate shape — generalized from that
// package's 82-table application schema down to the handful of tables this
// control plane's repository needs (nodes, apps, proxies, registration
// tokens, activity log).
package db

import (
	"database/sql"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

// Config holds the orchestrator's Postgres connection parameters.
type Config struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

var (
	hostnameRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-\.]{0,253}[a-zA-Z0-9])?$`)
	identRegex    = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	validSSLModes = []string{"disable", "allow", "prefer", "require", "verify-ca", "verify-full"}
)

// validate rejects configuration values that cannot be safely interpolated
// into a DSN string, the same defensive posture as the teacher's
// validateConfig (this package builds a DSN via fmt.Sprintf, not a
// connection-string URL type, so every field must be pre-validated).
func validate(cfg Config) error {
	if cfg.Host == "" {
		return fmt.Errorf("database host cannot be empty")
	}
	if net.ParseIP(cfg.Host) == nil && !hostnameRegex.MatchString(cfg.Host) {
		return fmt.Errorf("invalid database host: %s", cfg.Host)
	}
	if cfg.Port == "" {
		return fmt.Errorf("database port cannot be empty")
	}
	if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("invalid database port: %s", cfg.Port)
	}
	if cfg.User == "" || !identRegex.MatchString(cfg.User) {
		return fmt.Errorf("invalid database user: %s", cfg.User)
	}
	if cfg.DBName == "" || !identRegex.MatchString(cfg.DBName) {
		return fmt.Errorf("invalid database name: %s", cfg.DBName)
	}
	if cfg.SSLMode != "" {
		valid := false
		for _, mode := range validSSLModes {
			if cfg.SSLMode == mode {
				valid = true
				break
			}
		}
		if !valid {
			return fmt.Errorf("invalid SSL mode: %s (must be one of: %s)", cfg.SSLMode, strings.Join(validSSLModes, ", "))
		}
	}
	return nil
}

// DB wraps a connection pool sized for a control-plane orchestrator's
// workload — far lighter than the teacher's 82-table dashboard API, so the
// pool limits are correspondingly smaller.
type DB struct {
	sql *sql.DB
}

// Open validates cfg, opens a pooled connection, and pings it.
func Open(cfg Config) (*DB, error) {
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid database configuration: %w", err)
	}
	if cfg.SSLMode == "" {
		cfg.SSLMode = "disable"
	}

	connStr := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode)

	conn, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)
	conn.SetConnMaxIdleTime(1 * time.Minute)

	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &DB{sql: conn}, nil
}

// OpenForTesting wraps an already-open *sql.DB (e.g. from sqlmock), matching
// the teacher's NewDatabaseForTesting escape hatch.
func OpenForTesting(conn *sql.DB) *DB {
	return &DB{sql: conn}
}

// Conn returns the underlying pool for repository queries.
func (d *DB) Conn() *sql.DB { return d.sql }

// Close releases the pool.
func (d *DB) Close() error { return d.sql.Close() }

// Migrate runs idempotent CREATE TABLE IF NOT EXISTS statements for the
// control plane's schema (§3's Node/App/Proxy/RegistrationToken/ActivityLog
// entities), mirroring the teacher's Migrate — a flat list of statements run
// in order at startup, no migration-versioning framework.
func (d *DB) Migrate() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS nodes (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			public_key TEXT NOT NULL,
			hostname TEXT,
			status TEXT NOT NULL DEFAULT 'offline',
			last_seen TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_nodes_owner ON nodes (owner_id)`,
		`CREATE TABLE IF NOT EXISTS apps (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			node_id TEXT NOT NULL REFERENCES nodes(id),
			repo_url TEXT NOT NULL,
			main_port INTEGER,
			ports INTEGER[],
			env JSONB,
			status TEXT NOT NULL DEFAULT 'stopped',
			last_commit_hash TEXT,
			non_code_allowlist TEXT[],
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_apps_owner ON apps (owner_id)`,
		`CREATE INDEX IF NOT EXISTS idx_apps_repo_url ON apps (repo_url)`,
		`CREATE TABLE IF NOT EXISTS proxies (
			id TEXT PRIMARY KEY,
			app_id TEXT NOT NULL REFERENCES apps(id),
			domain TEXT NOT NULL UNIQUE,
			ssl_enabled BOOLEAN NOT NULL DEFAULT false,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS registration_tokens (
			value TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			used BOOLEAN NOT NULL DEFAULT false,
			expires_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS activity_log (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			node_id TEXT,
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			details TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_activity_owner_created ON activity_log (owner_id, created_at DESC)`,
	}

	for _, stmt := range statements {
		if _, err := d.sql.Exec(stmt); err != nil {
			return fmt.Errorf("run migration: %w", err)
		}
	}
	return nil
}
