// Command agent runs the control plane agent: the process that lives on a
// user's server, dials the orchestrator's WebSocket endpoint, completes the
// Ed25519 mutual-auth handshake, and executes signed commands against the
// local host. Grounded on the teacher's agents/docker-agent/main.go's
// DockerAgent, which wires its own Docker client, command handlers, and
// WebSocket pumps directly in main rather than behind a server package —
// this entrypoint follows the same shape, wiring transport.Session and
// handlers.Dispatcher directly.
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/nodefleet/controlplane/internal/agent/config"
	"github.com/nodefleet/controlplane/internal/agent/datastore"
	"github.com/nodefleet/controlplane/internal/agent/deploy"
	agenterrors "github.com/nodefleet/controlplane/internal/agent/errors"
	"github.com/nodefleet/controlplane/internal/agent/handlers"
	"github.com/nodefleet/controlplane/internal/agent/identity"
	"github.com/nodefleet/controlplane/internal/agent/nonce"
	"github.com/nodefleet/controlplane/internal/agent/proxy"
	"github.com/nodefleet/controlplane/internal/agent/runtimemgr"
	"github.com/nodefleet/controlplane/internal/agent/selfupdate"
	"github.com/nodefleet/controlplane/internal/agent/serviceaction"
	"github.com/nodefleet/controlplane/internal/agent/supervisor"
	"github.com/nodefleet/controlplane/internal/agent/transport"
	"github.com/nodefleet/controlplane/internal/agent/verifier"
	"github.com/nodefleet/controlplane/internal/protocol"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

var (
	orchestratorURL   string
	registrationToken string
	stateDir          string
)

func main() {
	root := &cobra.Command{
		Use:   "agent",
		Short: "Control plane agent: connects this host to a control plane orchestrator",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent()
		},
	}
	root.PersistentFlags().StringVar(&orchestratorURL, "url", os.Getenv("ORCHESTRATOR_URL"), "orchestrator WebSocket URL, e.g. wss://control.example.com")
	root.PersistentFlags().StringVar(&registrationToken, "token", os.Getenv("REGISTRATION_TOKEN"), "single-use registration token, required only on first connect")
	root.PersistentFlags().StringVar(&stateDir, "state-dir", envOr("AGENT_STATE_DIR", "/var/lib/controlplane-agent"), "directory holding this agent's identity and deploy working directories")

	root.AddCommand(runCommand(), identityCommand(), versionCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func runCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Connect to the orchestrator and serve signed commands until terminated",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent()
		},
	}
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the agent version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version)
			return nil
		},
	}
}

func identityCommand() *cobra.Command {
	parent := &cobra.Command{Use: "identity", Short: "Inspect this agent's Ed25519 identity"}
	parent.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print this agent's public key",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := identity.LoadOrGenerate(stateDir)
			if err != nil {
				return fmt.Errorf("load identity: %w", err)
			}
			fmt.Println(hex.EncodeToString(id.PublicKey()))
			return nil
		},
	})
	return parent
}

func runAgent() error {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	cfg := &config.Config{
		OrchestratorURL:   orchestratorURL,
		RegistrationToken: registrationToken,
		StateDir:          stateDir,
		Version:           version,
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	id, err := identity.LoadOrGenerate(cfg.StateDir)
	if err != nil {
		return fmt.Errorf("load agent identity: %w", err)
	}

	sup := supervisor.New(log)
	nonces := nonce.New(cfg.NonceCacheSize)
	verify := verifier.New(id, nonces, cfg.ClockSkewWindow)

	binaryPath, err := os.Executable()
	if err != nil {
		binaryPath = os.Args[0]
	}

	dispatcher := &handlers.Dispatcher{
		NodeID:    cfg.NodeID,
		Verifier:  verify,
		Apps:      sup,
		Proxy:     proxy.New(cfg.ProxyVhostDir, cfg.ProxyCertCache, log),
		Runtimes:  runtimemgr.New(log),
		Databases: datastore.New(cfg.DatastoreAdminDSN, log),
		Services:  serviceaction.New(log),
		Updater:   selfupdate.New(binaryPath, log),
		Identity:  id,
		Log:       log,
	}

	session := transport.New(cfg, id, log, func(env protocol.Envelope) {
		dispatcher.Dispatch(env)
	})
	dispatcher.Sender = session

	pipeline := deploy.New(cfg.DeployWorkDir, sup, &statusReporter{session: session, log: log}, log, cfg.DefaultHotPathAllowlist)
	dispatcher.Deployer = pipeline

	if err := session.Connect(); err != nil {
		return fmt.Errorf("initial connect failed: %w", err)
	}
	dispatcher.NodeID = cfg.NodeID
	log.Info().Str("nodeId", cfg.NodeID).Str("orchestrator", cfg.OrchestratorURL).Msg("agent connected")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go session.Run()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("shutdown signal received")
			session.Stop()
			return nil
		case <-session.Done():
			log.Warn().Msg("connection lost, reconnecting")
			if err := session.Reconnect(); err != nil {
				return fmt.Errorf("%w: %v", agenterrors.ErrNotConnected, err)
			}
			dispatcher.NodeID = cfg.NodeID
			go session.Run()
		}
	}
}

// statusReporter adapts transport.Session.Send to deploy.StatusReporter,
// translating DeployRun phase transitions into STATUS_UPDATE/LOG_STREAM/
// DETECTED_PORTS frames (spec §4.4/§4.5).
type statusReporter struct {
	session *transport.Session
	log     zerolog.Logger
}

func (r *statusReporter) ReportStatus(appID, commitHash string, phase protocol.DeployPhase, detail string) {
	r.send(protocol.TypeStatusUpdate, protocol.StatusUpdatePayload{
		AppID: appID, CommitHash: commitHash, Phase: phase, Detail: detail, Timestamp: time.Now(),
	})
}

func (r *statusReporter) ReportLog(appID, stream, line string) {
	r.send(protocol.TypeLogStream, protocol.LogStreamPayload{AppID: appID, Stream: stream, Line: line})
}

func (r *statusReporter) ReportDetectedPorts(appID string, ports []int) {
	r.send(protocol.TypeDetectedPorts, protocol.DetectedPortsPayload{AppID: appID, Ports: ports})
}

func (r *statusReporter) send(frameType string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		r.log.Warn().Err(err).Str("type", frameType).Msg("failed to encode outbound payload")
		return
	}
	data, err := json.Marshal(protocol.Envelope{Type: frameType, Payload: body})
	if err != nil {
		r.log.Warn().Err(err).Str("type", frameType).Msg("failed to encode outbound frame")
		return
	}
	if err := r.session.Send(data); err != nil {
		r.log.Warn().Err(err).Str("type", frameType).Msg("failed to send outbound frame")
	}
}
