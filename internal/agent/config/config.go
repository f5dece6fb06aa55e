// Package config holds agent configuration, filled from CLI flags and
// environment variables and defaulted by Validate.
//
// Grounded on
// streamspace-dev-streamspace/agents/docker-agent/internal/config/config.go's
// AgentConfig/Validate shape, generalized from Docker-session capacity
// fields to this agent's identity, state directory, and deploy defaults.
package config

import (
	"time"

	"github.com/nodefleet/controlplane/internal/agent/errors"
)

// Config holds the agent's full runtime configuration.
type Config struct {
	// NodeID identifies this agent to the orchestrator once registered.
	// Empty until the first REGISTER round trip assigns one.
	NodeID string

	// OrchestratorURL is the WebSocket URL of the orchestrator, e.g.
	// wss://control.example.com or ws://localhost:8000 for development.
	OrchestratorURL string

	// RegistrationToken is the single-use token presented on first REGISTER.
	// Only required the very first time an agent connects.
	RegistrationToken string

	// StateDir holds the agent's identity keypair, cached orchestrator key,
	// and deploy working directories.
	StateDir string

	// Version is reported in CONNECT/REGISTER frames and compared against
	// UPDATE_AGENT payloads.
	Version string

	// HeartbeatInterval is how often the agent sends a heartbeat frame.
	HeartbeatInterval time.Duration

	// ReconnectBackoff defines the reconnection strategy after a dropped
	// connection.
	ReconnectBackoff []time.Duration

	// ClockSkewWindow bounds how far a signed command's timestamp may drift
	// from local time before it is rejected (spec §4.2, ±5 minutes default).
	ClockSkewWindow time.Duration

	// NonceCacheSize bounds the replay-protection nonce cache (spec §4.2).
	NonceCacheSize int

	// DeployWorkDir is where apps are cloned and built.
	DeployWorkDir string

	// DefaultHotPathAllowlist is used when a DEPLOY payload does not specify
	// its own NonCodeAllowlist (Open Question #2, SPEC_FULL.md §11.2).
	DefaultHotPathAllowlist []string

	// ProxyVhostDir is where proxy.Manager writes nginx vhost files.
	ProxyVhostDir string

	// ProxyCertCache is autocert's on-disk certificate cache directory.
	ProxyCertCache string

	// DatastoreAdminDSN is the administrative Postgres connection string
	// datastore.Provisioner uses to create per-app roles and databases.
	// Empty unless CONFIGURE_DATABASE is actually used on this node.
	DatastoreAdminDSN string
}

// Validate fills in defaults and checks required fields, matching the
// teacher's AgentConfig.Validate contract.
func (c *Config) Validate() error {
	if c.OrchestratorURL == "" {
		return errors.ErrMissingOrchestratorURL
	}
	if c.StateDir == "" {
		return errors.ErrMissingStateDir
	}

	if c.Version == "" {
		c.Version = "dev"
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if len(c.ReconnectBackoff) == 0 {
		c.ReconnectBackoff = []time.Duration{
			2 * time.Second, 4 * time.Second, 8 * time.Second,
			16 * time.Second, 32 * time.Second, 60 * time.Second,
		}
	}
	if c.ClockSkewWindow <= 0 {
		c.ClockSkewWindow = 5 * time.Minute
	}
	if c.NonceCacheSize <= 0 {
		c.NonceCacheSize = 4096
	}
	if c.DeployWorkDir == "" {
		c.DeployWorkDir = c.StateDir + "/apps"
	}
	if len(c.DefaultHotPathAllowlist) == 0 {
		c.DefaultHotPathAllowlist = []string{
			"**/*.md", "**/README*", "**/docs/**", "**/CHANGELOG*", "**/LICENSE*",
		}
	}
	if c.ProxyVhostDir == "" {
		c.ProxyVhostDir = "/etc/nginx/sites-enabled"
	}
	if c.ProxyCertCache == "" {
		c.ProxyCertCache = c.StateDir + "/certs"
	}

	return nil
}
