package config

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nodefleet/controlplane/internal/agent/errors"
)

func TestValidateRequiresOrchestratorURL(t *testing.T) {
	c := &Config{StateDir: "/tmp/agent"}
	require.ErrorIs(t, c.Validate(), errors.ErrMissingOrchestratorURL)
}

func TestValidateRequiresStateDir(t *testing.T) {
	c := &Config{OrchestratorURL: "wss://example.com"}
	require.ErrorIs(t, c.Validate(), errors.ErrMissingStateDir)
}

func TestValidateFillsDefaults(t *testing.T) {
	c := &Config{OrchestratorURL: "wss://example.com", StateDir: "/tmp/agent"}
	require.NoError(t, c.Validate())

	require.Equal(t, "dev", c.Version)
	require.NotZero(t, c.HeartbeatInterval)
	require.NotEmpty(t, c.ReconnectBackoff)
	require.NotZero(t, c.ClockSkewWindow)
	require.Equal(t, 4096, c.NonceCacheSize)
	require.Equal(t, "/tmp/agent/apps", c.DeployWorkDir)
	require.NotEmpty(t, c.DefaultHotPathAllowlist)
}

func TestValidatePreservesExplicitValues(t *testing.T) {
	c := &Config{
		OrchestratorURL:  "wss://example.com",
		StateDir:         "/tmp/agent",
		NonceCacheSize:   128,
		DeployWorkDir:    "/srv/apps",
	}
	require.NoError(t, c.Validate())
	require.Equal(t, 128, c.NonceCacheSize)
	require.Equal(t, "/srv/apps", c.DeployWorkDir)
}
