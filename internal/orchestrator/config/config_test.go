package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	keys := []string{
		"ORCHESTRATOR_PORT", "DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME", "DB_SSL_MODE",
		"ORCHESTRATOR_IDENTITY_DIR",
		"RATE_LIMIT_ENABLED", "RATE_LIMIT_REQUESTS_PER_MINUTE",
		"MAX_NODES_PER_OWNER", "MAX_APPS_PER_OWNER",
		"DASHBOARD_SESSION_SECRET", "WEBHOOK_SECRET", "LOG_LEVEL", "LOG_PRETTY", "SHUTDOWN_TIMEOUT",
		"ACTIVITY_SWEEP_CRON", "TOKEN_SWEEP_CRON",
	}
	for _, k := range keys {
		os.Unsetenv(k)
	}
	t.Cleanup(func() {
		for _, k := range keys {
			os.Unsetenv(k)
		}
	})
}

func TestLoadFailsWithoutSessionSecret(t *testing.T) {
	clearEnv(t)
	_, err := Load()
	require.Error(t, err)
}

func TestLoadFailsWithShortSessionSecret(t *testing.T) {
	clearEnv(t)
	os.Setenv("DASHBOARD_SESSION_SECRET", "too-short")
	_, err := Load()
	require.Error(t, err)
}

func TestLoadAppliesDefaults(t *testing.T) {
	clearEnv(t)
	os.Setenv("DASHBOARD_SESSION_SECRET", "0123456789012345678901234567890123456789")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "8000", cfg.Port)
	require.Equal(t, "localhost", cfg.DBHost)
	require.Equal(t, 60, cfg.RateLimitRequestsPerMinute)
	require.Equal(t, 3, cfg.MaxNodesPerOwner)
	require.Equal(t, 10, cfg.MaxAppsPerOwner)
	require.Equal(t, 30_000_000_000, int(cfg.ShutdownTimeout))
}

func TestLoadOverridesFromEnv(t *testing.T) {
	clearEnv(t)
	os.Setenv("DASHBOARD_SESSION_SECRET", "0123456789012345678901234567890123456789")
	os.Setenv("ORCHESTRATOR_PORT", "9001")
	os.Setenv("MAX_NODES_PER_OWNER", "7")
	os.Setenv("RATE_LIMIT_ENABLED", "false")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "9001", cfg.Port)
	require.Equal(t, 7, cfg.MaxNodesPerOwner)
	require.False(t, cfg.RateLimitEnabled)
}

func TestLoadRejectsInvalidShutdownTimeout(t *testing.T) {
	clearEnv(t)
	os.Setenv("DASHBOARD_SESSION_SECRET", "0123456789012345678901234567890123456789")
	os.Setenv("SHUTDOWN_TIMEOUT", "not-a-duration")

	_, err := Load()
	require.Error(t, err)
}
