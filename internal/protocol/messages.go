// Package protocol defines the wire envelope shared by the orchestrator and
// the agent: handshake frames, the signed-command envelope, and the message
// type discriminators listed in spec §6.
//
// Every message on both WebSocket endpoints is UTF-8 JSON, one message per
// text frame, carrying a "type" field as discriminator. Unknown types are
// ignored by the receiver rather than rejected, per §6.
package protocol

import "encoding/json"

// Frame type discriminators. Names are normative (spec §6).
const (
	// Handshake frames (never signed).
	TypeConnect    = "CONNECT"
	TypeRegister   = "REGISTER"
	TypeChallenge  = "CHALLENGE"
	TypeResponse   = "RESPONSE"
	TypeAuthorized = "AUTHORIZED"
	TypeRegistered = "REGISTERED"
	TypeError      = "ERROR"

	// Agent -> orchestrator info frames.
	TypeLogStream               = "LOG_STREAM"
	TypeStatusUpdate            = "STATUS_UPDATE"
	TypeDetectedPorts           = "DETECTED_PORTS"
	TypeServerStatusResponse    = "SERVER_STATUS_RESPONSE"
	TypeInfrastructureLog       = "INFRASTRUCTURE_LOG"
	TypeRuntimeInstalled        = "RUNTIME_INSTALLED"
	TypeRuntimeUpdated          = "RUNTIME_UPDATED"
	TypeRuntimeRemoved          = "RUNTIME_REMOVED"
	TypeDatabaseConfigured      = "DATABASE_CONFIGURED"
	TypeDatabaseReconfigured    = "DATABASE_RECONFIGURED"
	TypeDatabaseRemoved         = "DATABASE_REMOVED"
	TypeSystemLog               = "SYSTEM_LOG"
	TypeAgentUpdateStatus       = "AGENT_UPDATE_STATUS"
	TypeAgentUpdateLog          = "AGENT_UPDATE_LOG"
	TypeAgentShutdownAck        = "AGENT_SHUTDOWN_ACK"
	TypeInfrastructureLogsResp  = "INFRASTRUCTURE_LOGS_RESPONSE"
	TypeServiceLogsResponse     = "SERVICE_LOGS_RESPONSE"

	// Orchestrator -> agent, all signed per §4.2.
	TypeDeploy               = "DEPLOY"
	TypeAppAction            = "APP_ACTION"
	TypeProvisionDomain      = "PROVISION_DOMAIN"
	TypeDeleteProxy          = "DELETE_PROXY"
	TypeServiceAction        = "SERVICE_ACTION"
	TypeGetLogs              = "GET_LOGS"
	TypeInstallRuntime       = "INSTALL_RUNTIME"
	TypeUpdateRuntime        = "UPDATE_RUNTIME"
	TypeRemoveRuntime        = "REMOVE_RUNTIME"
	TypeConfigureDatabase    = "CONFIGURE_DATABASE"
	TypeReconfigureDatabase  = "RECONFIGURE_DATABASE"
	TypeRemoveDatabase       = "REMOVE_DATABASE"
	TypeUpdateAgent          = "UPDATE_AGENT"
	TypeShutdownAgent        = "SHUTDOWN_AGENT"
	TypeRegenerateIdentity   = "REGENERATE_IDENTITY"
	TypeCPKeyRotation        = "CP_KEY_ROTATION"
	TypeGetServerStatus      = "GET_SERVER_STATUS"
	TypeGetInfrastructureLog = "GET_INFRASTRUCTURE_LOGS"
	TypeClearInfraLogs       = "CLEAR_INFRASTRUCTURE_LOGS"
	TypeGetServiceLogs       = "GET_SERVICE_LOGS"

	// Orchestrator -> dashboard.
	TypeInitialState = "INITIAL_STATE"
	TypeServerStatus = "SERVER_STATUS"
	TypeDeployStatus = "DEPLOY_STATUS"
	TypeDeployLog    = "DEPLOY_LOG"
	TypeAuditUpdate  = "AUDIT_UPDATE"

	// Dashboard -> orchestrator: wraps a signed command the dashboard wants
	// dispatched to one of the owner's nodes (§4.3 "dashboard -> agent
	// routing").
	TypeDashboardCommand = "COMMAND"
)

// signedCommandTypes lists every command type that must carry a signature,
// per spec §4.2. Protocol frames (CHALLENGE, AUTHORIZED, REGISTERED, ERROR,
// SERVER_STATUS) are deliberately absent.
var signedCommandTypes = map[string]bool{
	TypeDeploy:              true,
	TypeAppAction:           true,
	TypeProvisionDomain:     true,
	TypeDeleteProxy:         true,
	TypeServiceAction:       true,
	TypeGetLogs:             true,
	TypeInstallRuntime:      true,
	TypeUpdateRuntime:       true,
	TypeRemoveRuntime:       true,
	TypeConfigureDatabase:   true,
	TypeReconfigureDatabase: true,
	TypeRemoveDatabase:      true,
	TypeUpdateAgent:         true,
	TypeShutdownAgent:       true,
	TypeRegenerateIdentity:  true,
	TypeCPKeyRotation:       true,
	TypeGetServerStatus:     true,
	TypeGetInfrastructureLog: true,
	TypeClearInfraLogs:      true,
	TypeGetServiceLogs:      true,
}

// RequiresSignature reports whether a command of this type must be signed
// before it is sent to an agent.
func RequiresSignature(commandType string) bool {
	return signedCommandTypes[commandType]
}

// Envelope is the top-level structure of every message exchanged on both
// WebSocket endpoints. It follows the teacher's AgentMessage shape
// (type + raw payload, parsed according to Type), extended with the four
// signed-command fields from §4.2 which are empty/zero on unsigned frames.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`

	// Signed-command fields (§4.2). Omitted (zero value) on protocol frames.
	Timestamp int64  `json:"timestamp,omitempty"`
	Nonce     string `json:"nonce,omitempty"`
	Signature string `json:"signature,omitempty"`
}

// ConnectFrame is sent by an agent that already holds a registered identity.
type ConnectFrame struct {
	PublicKey string `json:"publicKey"`
	Version   string `json:"version"`
}

// RegisterFrame is sent by an agent on its first connection, consuming a
// single-use registration token.
type RegisterFrame struct {
	Token     string `json:"token"`
	PublicKey string `json:"publicKey"`
	Version   string `json:"version"`
}

// ChallengeFrame carries a fresh nonce bound to the connection.
type ChallengeFrame struct {
	Nonce string `json:"nonce"`
}

// ResponseFrame carries the agent's signature over the challenge nonce.
type ResponseFrame struct {
	Signature string `json:"signature"`
}

// AuthorizedFrame confirms a session is now routable.
type AuthorizedFrame struct {
	SessionID string `json:"sessionId"`
}

// RegisteredFrame is sent only in response to REGISTER: it carries the new
// node id and the orchestrator's public key so the agent can cache it for
// future signature verification.
type RegisteredFrame struct {
	ServerID        string `json:"serverId"`
	OrchestratorKey string `json:"cpPublicKey"`
}

// ErrorFrame reports a protocol violation or a rejected request to the peer.
// Sending one does not by itself close the connection.
type ErrorFrame struct {
	Message string `json:"message"`
}

// DashboardCommandFrame is the payload of a TypeDashboardCommand envelope:
// a dashboard client asking the orchestrator to sign and dispatch one
// agent-bound command to a node it owns (§4.3).
type DashboardCommandFrame struct {
	NodeID  string          `json:"nodeId"`
	Command string          `json:"command"`
	Payload json.RawMessage `json:"payload"`
}
