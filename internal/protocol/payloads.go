package protocol

import "time"

// DeployPayload is the payload of a DEPLOY signed command.
type DeployPayload struct {
	AppID      string   `json:"appId"`
	RepoURL    string   `json:"repoUrl"`
	CommitHash string   `json:"commitHash"`
	Branch     string   `json:"branch,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	MainPort   int      `json:"mainPort,omitempty"`
	// NonCodeAllowlist lists glob patterns that, if they are the only
	// changed paths, let the pipeline skip the build step (§4.4 hot-path
	// diffing, Open Question #2 resolved in SPEC_FULL.md §11.2).
	NonCodeAllowlist []string `json:"nonCodeAllowlist,omitempty"`
}

// AppAction enumerates the APP_ACTION verbs (§4.5).
type AppAction string

const (
	AppActionStart   AppAction = "start"
	AppActionStop    AppAction = "stop"
	AppActionRestart AppAction = "restart"
	AppActionDelete  AppAction = "delete"
)

// AppActionPayload is the payload of an APP_ACTION signed command.
type AppActionPayload struct {
	AppID  string    `json:"appId"`
	Action AppAction `json:"action"`
}

// ProvisionDomainPayload is the payload of a PROVISION_DOMAIN signed command.
type ProvisionDomainPayload struct {
	ProxyID    string `json:"proxyId"`
	Domain     string `json:"domain"`
	Port       int    `json:"port"`
	SSLEnabled bool   `json:"sslEnabled"`
	AppID      string `json:"appId,omitempty"`
}

// DeleteProxyPayload is the payload of a DELETE_PROXY signed command.
type DeleteProxyPayload struct {
	ProxyID string `json:"proxyId"`
	Domain  string `json:"domain"`
}

// ServiceActionPayload is the payload of a SERVICE_ACTION signed command.
type ServiceActionPayload struct {
	Service string `json:"service"`
	Action  string `json:"action"` // start, stop, restart, reload
}

// RuntimePayload is the payload shared by INSTALL_RUNTIME / UPDATE_RUNTIME /
// REMOVE_RUNTIME.
type RuntimePayload struct {
	Runtime string `json:"runtime"` // e.g. "node", "python", "go"
	Version string `json:"version"`
}

// DatabaseEngine enumerates the engines CONFIGURE_DATABASE supports.
type DatabaseEngine string

const (
	DatabaseEnginePostgres DatabaseEngine = "postgres"
	DatabaseEngineMySQL    DatabaseEngine = "mysql"
	DatabaseEngineRedis    DatabaseEngine = "redis"
)

// ConfigureDatabasePayload is the payload shared by CONFIGURE_DATABASE /
// RECONFIGURE_DATABASE.
type ConfigureDatabasePayload struct {
	DatabaseID string         `json:"databaseId"`
	Engine     DatabaseEngine `json:"engine"`
	Name       string         `json:"name"`
	AppID      string         `json:"appId,omitempty"`
}

// RemoveDatabasePayload is the payload of REMOVE_DATABASE.
type RemoveDatabasePayload struct {
	DatabaseID string `json:"databaseId"`
	PurgeData  bool   `json:"purgeData"`
}

// GetLogsPayload is the payload of GET_LOGS / GET_SERVICE_LOGS.
type GetLogsPayload struct {
	AppID   string `json:"appId,omitempty"`
	Service string `json:"service,omitempty"`
	Tail    int    `json:"tail,omitempty"`
}

// UpdateAgentPayload is the payload of UPDATE_AGENT.
type UpdateAgentPayload struct {
	BundleURL string `json:"bundleUrl"`
	Version   string `json:"version"`
	Checksum  string `json:"checksum"`
}

// ShutdownMode enumerates SHUTDOWN_AGENT modes.
type ShutdownMode string

const (
	ShutdownModeStop      ShutdownMode = "stop"
	ShutdownModeUninstall ShutdownMode = "uninstall"
)

// ShutdownAgentPayload is the payload of SHUTDOWN_AGENT.
type ShutdownAgentPayload struct {
	Mode ShutdownMode `json:"mode"`
}

// CPKeyRotationPayload is the payload of CP_KEY_ROTATION.
type CPKeyRotationPayload struct {
	NewPublicKey string `json:"newPublicKey"`
}

// DeployPhase enumerates DeployRun phases (§3, §4.4).
type DeployPhase string

const (
	PhaseCloning      DeployPhase = "cloning"
	PhaseBuilding     DeployPhase = "building"
	PhaseStarting     DeployPhase = "starting"
	PhaseHealthCheck  DeployPhase = "health-check"
	PhaseSuccess      DeployPhase = "success"
	PhaseRollback     DeployPhase = "rollback"
	PhaseFailure      DeployPhase = "failure"
	PhaseBuildSkipped DeployPhase = "build_skipped"
)

// StatusUpdatePayload reports a DeployRun phase transition (agent -> orchestrator).
type StatusUpdatePayload struct {
	AppID      string      `json:"appId"`
	CommitHash string      `json:"commitHash"`
	Phase      DeployPhase `json:"phase"`
	Detail     string      `json:"detail,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
}

// LogStreamPayload carries one line of subprocess output.
type LogStreamPayload struct {
	AppID  string `json:"appId"`
	Stream string `json:"stream"` // "stdout" | "stderr"
	Line   string `json:"line"`
}

// DetectedPortsPayload reports ports a supervised process actually bound.
type DetectedPortsPayload struct {
	AppID string `json:"appId"`
	Ports []int  `json:"ports"`
}

// ServerStatusResponsePayload answers GET_SERVER_STATUS: node id, hostname,
// agent uptime, the apps the supervisor is running, and the agent's goroutine
// count. Detected runtimes, services and databases are not included.
type ServerStatusResponsePayload struct {
	NodeID        string   `json:"nodeId"`
	Hostname      string   `json:"hostname"`
	Uptime        string   `json:"uptime"`
	RunningApps   []string `json:"runningApps"`
	NumGoroutines int      `json:"numGoroutines"`
	Timestamp     time.Time `json:"timestamp"`
}

// InfrastructureLogsResponsePayload answers GET_INFRASTRUCTURE_LOGS.
type InfrastructureLogsResponsePayload struct {
	Lines []string `json:"lines"`
}

// ServiceLogsResponsePayload answers GET_SERVICE_LOGS.
type ServiceLogsResponsePayload struct {
	Service string   `json:"service"`
	Lines   []string `json:"lines"`
}
