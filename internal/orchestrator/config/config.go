// Package config loads orchestrator runtime configuration from the
// environment, following the teacher's flat getEnv/getEnvInt pair in
// api/cmd/main.go rather than a config file or flag parser.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds everything cmd/orchestrator needs to start.
type Config struct {
	Port string

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// OrchestratorIdentityDir holds the orchestrator's own Ed25519 keypair
	// (identity.LoadOrGenerate persists a single PEM file under this
	// directory, generating one on first boot).
	OrchestratorIdentityDir string

	RateLimitEnabled           bool
	RateLimitRequestsPerMinute int

	MaxNodesPerOwner int
	MaxAppsPerOwner  int

	DashboardSessionSecret string
	WebhookSecret          string
	LogLevel               string
	LogPretty              bool

	ShutdownTimeout      time.Duration
	ActivitySweepPeriod  string // cron expression, e.g. "@every 1h"
	TokenSweepPeriod     string // cron expression, e.g. "@every 10m"
}

// Load reads Config from the environment, applying the same defaults
// the teacher's main.go applies for the settings this spec carries
// forward.
func Load() (Config, error) {
	cfg := Config{
		Port: getEnv("ORCHESTRATOR_PORT", "8000"),

		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "controlplane"),
		DBPassword: getEnv("DB_PASSWORD", "controlplane"),
		DBName:     getEnv("DB_NAME", "controlplane"),
		DBSSLMode:  getEnv("DB_SSL_MODE", "disable"),

		OrchestratorIdentityDir: getEnv("ORCHESTRATOR_IDENTITY_DIR", "./data/orchestrator-identity"),

		RateLimitEnabled:           getEnv("RATE_LIMIT_ENABLED", "true") == "true",
		RateLimitRequestsPerMinute: getEnvInt("RATE_LIMIT_REQUESTS_PER_MINUTE", 60),

		MaxNodesPerOwner: getEnvInt("MAX_NODES_PER_OWNER", 3),
		MaxAppsPerOwner:  getEnvInt("MAX_APPS_PER_OWNER", 10),

		DashboardSessionSecret: os.Getenv("DASHBOARD_SESSION_SECRET"),
		WebhookSecret:          getEnv("WEBHOOK_SECRET", ""),
		LogLevel:               getEnv("LOG_LEVEL", "info"),
		LogPretty:              getEnv("LOG_PRETTY", "false") == "true",

		ActivitySweepPeriod: getEnv("ACTIVITY_SWEEP_CRON", "@every 1h"),
		TokenSweepPeriod:    getEnv("TOKEN_SWEEP_CRON", "@every 10m"),
	}

	timeoutStr := getEnv("SHUTDOWN_TIMEOUT", "30s")
	timeout, err := time.ParseDuration(timeoutStr)
	if err != nil {
		return Config{}, fmt.Errorf("parse SHUTDOWN_TIMEOUT: %w", err)
	}
	cfg.ShutdownTimeout = timeout

	if cfg.DashboardSessionSecret == "" {
		return Config{}, fmt.Errorf("DASHBOARD_SESSION_SECRET environment variable must be set")
	}
	if len(cfg.DashboardSessionSecret) < 32 {
		return Config{}, fmt.Errorf("DASHBOARD_SESSION_SECRET must be at least 32 characters long")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
