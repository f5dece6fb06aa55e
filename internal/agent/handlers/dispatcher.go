// Package handlers wires every signed command type (§4.5) to the agent
// component that implements it, the way the teacher's DockerAgent.handleMessage
// type-switches on AgentMessage.Type and calls into its Docker/session
// handlers. Every dependency is a narrow interface (not a concrete type)
// so Dispatch can be tested without a real git checkout, OS process, or
// nginx binary — the same pattern deploy.Pipeline uses for
// ProcessSupervisor.
package handlers

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nodefleet/controlplane/internal/agent/datastore"
	"github.com/nodefleet/controlplane/internal/protocol"
)

// Sender delivers a raw frame back to the orchestrator over the agent's
// single WebSocket connection.
type Sender interface {
	Send(data []byte) error
}

// Verifier checks a signed command's signature, timestamp, and nonce.
type Verifier interface {
	Verify(env protocol.Envelope) error
	NoteOrchestratorKeyCached()
}

// Deployer submits a DEPLOY payload to the deploy pipeline.
type Deployer interface {
	Submit(payload protocol.DeployPayload)
}

// AppController runs APP_ACTION against a supervised process.
type AppController interface {
	Stop(appID string) error
	Restart(appID string, env map[string]string, mainPort int) ([]int, error)
	IsRunning(appID string) bool
	RunningApps() []string
}

// ProxyManager provisions/removes reverse-proxy vhosts.
type ProxyManager interface {
	Provision(ctx context.Context, proxyID, domain string, port int, sslEnabled bool) error
	Remove(ctx context.Context, proxyID, domain string) error
}

// RuntimeManager installs/removes language runtimes.
type RuntimeManager interface {
	Install(ctx context.Context, payload protocol.RuntimePayload) error
	Remove(ctx context.Context, payload protocol.RuntimePayload) error
}

// DatabaseProvisioner configures/removes local databases.
type DatabaseProvisioner interface {
	Configure(ctx context.Context, payload protocol.ConfigureDatabasePayload) (datastore.Credentials, error)
	Remove(ctx context.Context, payload protocol.RemoveDatabasePayload) error
}

// ServiceRunner runs SERVICE_ACTION against a systemd unit.
type ServiceRunner interface {
	Run(ctx context.Context, payload protocol.ServiceActionPayload) error
}

// SelfUpdater applies an agent binary update or shuts the agent down.
type SelfUpdater interface {
	Apply(ctx context.Context, payload protocol.UpdateAgentPayload) (string, error)
	Shutdown(ctx context.Context, mode protocol.ShutdownMode) error
}

// IdentityManager regenerates the agent's own keypair and caches a
// rotated orchestrator key.
type IdentityManager interface {
	Regenerate() (ed25519.PublicKey, error)
	CacheOrchestratorKey(pub ed25519.PublicKey) error
}

// Dispatcher routes an inbound signed-command Envelope to its handler. Only
// the query commands (logs, server status) and SHUTDOWN_AGENT send a frame
// back; the other commands send none.
type Dispatcher struct {
	NodeID     string
	Verifier   Verifier
	Deployer   Deployer
	Apps       AppController
	Proxy      ProxyManager
	Runtimes   RuntimeManager
	Databases  DatabaseProvisioner
	Services   ServiceRunner
	Updater    SelfUpdater
	Identity   IdentityManager
	Sender     Sender
	Log        zerolog.Logger

	// Exit terminates the process after a SHUTDOWN_AGENT ack is sent.
	// Defaults to os.Exit(0); overridden in tests so Dispatch never kills
	// the test binary.
	Exit func(code int)

	startOnce sync.Once
	startedAt time.Time
}

func (d *Dispatcher) started() time.Time {
	d.startOnce.Do(func() { d.startedAt = time.Now() })
	return d.startedAt
}

// Dispatch verifies env and routes it by Type. Verification failures and
// unmarshal errors are logged, not returned, matching the teacher's
// tolerant-of-malformed-frame posture (a malformed frame from a
// compromised or buggy orchestrator must not crash the agent).
func (d *Dispatcher) Dispatch(env protocol.Envelope) {
	if !protocol.RequiresSignature(env.Type) {
		return
	}
	if err := d.Verifier.Verify(env); err != nil {
		d.Log.Warn().Str("type", env.Type).Err(err).Msg("rejected signed command")
		return
	}

	ctx := context.Background()
	var err error

	switch env.Type {
	case protocol.TypeDeploy:
		err = d.handleDeploy(env)
	case protocol.TypeAppAction:
		err = d.handleAppAction(ctx, env)
	case protocol.TypeProvisionDomain:
		err = d.handleProvisionDomain(ctx, env)
	case protocol.TypeDeleteProxy:
		err = d.handleDeleteProxy(ctx, env)
	case protocol.TypeServiceAction:
		err = d.handleServiceAction(ctx, env)
	case protocol.TypeInstallRuntime, protocol.TypeUpdateRuntime:
		err = d.handleInstallRuntime(ctx, env)
	case protocol.TypeRemoveRuntime:
		err = d.handleRemoveRuntime(ctx, env)
	case protocol.TypeConfigureDatabase, protocol.TypeReconfigureDatabase:
		err = d.handleConfigureDatabase(ctx, env)
	case protocol.TypeRemoveDatabase:
		err = d.handleRemoveDatabase(ctx, env)
	case protocol.TypeUpdateAgent:
		err = d.handleUpdateAgent(ctx, env)
	case protocol.TypeRegenerateIdentity:
		err = d.handleRegenerateIdentity()
	case protocol.TypeCPKeyRotation:
		err = d.handleCPKeyRotation(env)
	case protocol.TypeGetServerStatus:
		err = d.handleGetServerStatus()
	case protocol.TypeGetLogs, protocol.TypeGetServiceLogs:
		err = d.handleGetServiceLogs(ctx, env)
	case protocol.TypeGetInfrastructureLog:
		err = d.handleGetInfrastructureLogs()
	case protocol.TypeClearInfraLogs:
		// No infrastructure log store is kept on the agent side (nothing in
		// the host's GET_INFRASTRUCTURE_LOGS response is persisted beyond
		// the call that produced it), so clearing is a no-op acknowledged
		// with an empty snapshot.
		err = d.handleGetInfrastructureLogs()
	case protocol.TypeShutdownAgent:
		err = d.handleShutdownAgent(ctx, env)
	default:
		d.Log.Debug().Str("type", env.Type).Msg("no handler registered for command type")
		return
	}

	if err != nil {
		d.Log.Warn().Str("type", env.Type).Err(err).Msg("command handler failed")
	}
}

func (d *Dispatcher) handleDeploy(env protocol.Envelope) error {
	var payload protocol.DeployPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return fmt.Errorf("decode DEPLOY payload: %w", err)
	}
	d.Deployer.Submit(payload)
	return nil
}

func (d *Dispatcher) handleAppAction(ctx context.Context, env protocol.Envelope) error {
	var payload protocol.AppActionPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return fmt.Errorf("decode APP_ACTION payload: %w", err)
	}
	switch payload.Action {
	case protocol.AppActionStop, protocol.AppActionDelete:
		return d.Apps.Stop(payload.AppID)
	case protocol.AppActionStart, protocol.AppActionRestart:
		_, err := d.Apps.Restart(payload.AppID, nil, 0)
		return err
	default:
		return fmt.Errorf("unsupported app action %q", payload.Action)
	}
}

func (d *Dispatcher) handleProvisionDomain(ctx context.Context, env protocol.Envelope) error {
	var payload protocol.ProvisionDomainPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return fmt.Errorf("decode PROVISION_DOMAIN payload: %w", err)
	}
	return d.Proxy.Provision(ctx, payload.ProxyID, payload.Domain, payload.Port, payload.SSLEnabled)
}

func (d *Dispatcher) handleDeleteProxy(ctx context.Context, env protocol.Envelope) error {
	var payload protocol.DeleteProxyPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return fmt.Errorf("decode DELETE_PROXY payload: %w", err)
	}
	return d.Proxy.Remove(ctx, payload.ProxyID, payload.Domain)
}

func (d *Dispatcher) handleServiceAction(ctx context.Context, env protocol.Envelope) error {
	var payload protocol.ServiceActionPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return fmt.Errorf("decode SERVICE_ACTION payload: %w", err)
	}
	return d.Services.Run(ctx, payload)
}

func (d *Dispatcher) handleInstallRuntime(ctx context.Context, env protocol.Envelope) error {
	var payload protocol.RuntimePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return fmt.Errorf("decode runtime payload: %w", err)
	}
	return d.Runtimes.Install(ctx, payload)
}

func (d *Dispatcher) handleRemoveRuntime(ctx context.Context, env protocol.Envelope) error {
	var payload protocol.RuntimePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return fmt.Errorf("decode runtime payload: %w", err)
	}
	return d.Runtimes.Remove(ctx, payload)
}

func (d *Dispatcher) handleConfigureDatabase(ctx context.Context, env protocol.Envelope) error {
	var payload protocol.ConfigureDatabasePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return fmt.Errorf("decode database payload: %w", err)
	}
	_, err := d.Databases.Configure(ctx, payload)
	return err
}

func (d *Dispatcher) handleRemoveDatabase(ctx context.Context, env protocol.Envelope) error {
	var payload protocol.RemoveDatabasePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return fmt.Errorf("decode REMOVE_DATABASE payload: %w", err)
	}
	return d.Databases.Remove(ctx, payload)
}

func (d *Dispatcher) handleUpdateAgent(ctx context.Context, env protocol.Envelope) error {
	var payload protocol.UpdateAgentPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return fmt.Errorf("decode UPDATE_AGENT payload: %w", err)
	}
	_, err := d.Updater.Apply(ctx, payload)
	return err
}

func (d *Dispatcher) handleRegenerateIdentity() error {
	_, err := d.Identity.Regenerate()
	return err
}

func (d *Dispatcher) handleGetServerStatus() error {
	hostname, _ := os.Hostname()
	payload := protocol.ServerStatusResponsePayload{
		NodeID:        d.NodeID,
		Hostname:      hostname,
		Uptime:        time.Since(d.started()).Round(time.Second).String(),
		RunningApps:   d.Apps.RunningApps(),
		NumGoroutines: runtime.NumGoroutine(),
		Timestamp:     time.Now(),
	}
	return d.send(protocol.TypeServerStatusResponse, payload)
}

// handleGetServiceLogs answers GET_LOGS/GET_SERVICE_LOGS by tailing the
// named systemd unit's journal, the same journalctl idiom
// serviceaction.Runner uses for SERVICE_ACTION.
func (d *Dispatcher) handleGetServiceLogs(ctx context.Context, env protocol.Envelope) error {
	var payload protocol.GetLogsPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return fmt.Errorf("decode GET_LOGS payload: %w", err)
	}
	if payload.Service == "" {
		return d.send(protocol.TypeServiceLogsResponse, protocol.ServiceLogsResponsePayload{Service: payload.Service})
	}

	tail := payload.Tail
	if tail <= 0 {
		tail = 200
	}
	out, err := exec.CommandContext(ctx, "journalctl", "-u", payload.Service, "-n", fmt.Sprint(tail), "--no-pager").CombinedOutput()
	if err != nil {
		d.Log.Warn().Str("service", payload.Service).Err(err).Msg("journalctl failed")
	}
	return d.send(protocol.TypeServiceLogsResponse, protocol.ServiceLogsResponsePayload{
		Service: payload.Service,
		Lines:   strings.Split(strings.TrimRight(string(out), "\n"), "\n"),
	})
}

// handleGetInfrastructureLogs answers GET_INFRASTRUCTURE_LOGS. No example
// in the pack aggregates host-level infrastructure logs into a single
// stream, so this responds with an empty snapshot rather than inventing an
// aggregator nothing in the pack provides.
func (d *Dispatcher) handleGetInfrastructureLogs() error {
	return d.send(protocol.TypeInfrastructureLogsResp, protocol.InfrastructureLogsResponsePayload{Lines: nil})
}

func (d *Dispatcher) handleShutdownAgent(ctx context.Context, env protocol.Envelope) error {
	var payload protocol.ShutdownAgentPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return fmt.Errorf("decode SHUTDOWN_AGENT payload: %w", err)
	}
	if err := d.Updater.Shutdown(ctx, payload.Mode); err != nil {
		return err
	}
	if err := d.send(protocol.TypeAgentShutdownAck, map[string]string{"mode": string(payload.Mode)}); err != nil {
		d.Log.Warn().Err(err).Msg("failed to send AGENT_SHUTDOWN_ACK")
	}
	exit := d.Exit
	if exit == nil {
		exit = os.Exit
	}
	// Exit after the ack has had a chance to reach the write pump; the
	// process supervisor (systemd, or none, per Mode) decides whether it
	// comes back.
	go func() {
		time.Sleep(500 * time.Millisecond)
		exit(0)
	}()
	return nil
}

func (d *Dispatcher) send(frameType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", frameType, err)
	}
	raw, err := json.Marshal(protocol.Envelope{Type: frameType, Payload: data})
	if err != nil {
		return fmt.Errorf("marshal %s envelope: %w", frameType, err)
	}
	return d.Sender.Send(raw)
}

func (d *Dispatcher) handleCPKeyRotation(env protocol.Envelope) error {
	var payload protocol.CPKeyRotationPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return fmt.Errorf("decode CP_KEY_ROTATION payload: %w", err)
	}
	pub, err := protocol.DecodeEd25519PublicKey(payload.NewPublicKey)
	if err != nil {
		return fmt.Errorf("decode rotated orchestrator key: %w", err)
	}
	if err := d.Identity.CacheOrchestratorKey(pub); err != nil {
		return err
	}
	d.Verifier.NoteOrchestratorKeyCached()
	return nil
}
