package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nodefleet/controlplane/internal/orchestrator/config"
	orchlogger "github.com/nodefleet/controlplane/internal/orchestrator/logger"
	"github.com/nodefleet/controlplane/internal/orchestrator/repository"
)

func init() {
	orchlogger.Initialize("error", false)
}

// testConfig builds a minimal, valid Config rooted under t.TempDir(), the
// same shape Load() would produce from the environment.
func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		Port:                       "0",
		OrchestratorIdentityDir:    t.TempDir(),
		RateLimitEnabled:           false,
		RateLimitRequestsPerMinute: 60,
		MaxNodesPerOwner:           3,
		MaxAppsPerOwner:            10,
		DashboardSessionSecret:     "a-test-secret-at-least-32-bytes!!",
		WebhookSecret:              "webhook-shared-secret",
		ShutdownTimeout:            5 * time.Second,
		ActivitySweepPeriod:        "@every 1h",
		TokenSweepPeriod:           "@every 10m",
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig(t), repository.NewMemory())
	require.NoError(t, err)
	go s.registry.Run()
	t.Cleanup(func() { s.registry.Stop() })
	return s
}
