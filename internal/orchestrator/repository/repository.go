// Package repository is the typed storage boundary for the orchestrator's
// persisted entities (§3's Node, App, Proxy, RegistrationToken,
// ActivityLog — the out-of-scope collaborator's Owner is referenced only by
// id, per spec.md §1's "core consumes it through a typed repository
// interface"). Two implementations exist: an in-memory one for tests and
// --no-db development, and a Postgres one grounded on the teacher's
// api/internal/db package family (applications.go, groups.go, users.go):
// one exported struct wrapping *sql.DB, simple parameterized queries, no
// ORM — matching the teacher's hand-written database/sql style throughout.
package repository

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a lookup by id finds no row.
var ErrNotFound = errors.New("repository: not found")

// NodeStatus mirrors spec.md §3's Node.status enum.
type NodeStatus string

const (
	NodeOnline  NodeStatus = "online"
	NodeOffline NodeStatus = "offline"
)

// Node is the persisted record of a registered agent (§3).
type Node struct {
	ID           string     `json:"id"`
	OwnerID      string     `json:"ownerId"`
	PublicKey    string     `json:"publicKey"` // hex-encoded Ed25519 public key
	Hostname     string     `json:"hostname"`
	Status       NodeStatus `json:"status"`
	AgentVersion string     `json:"agentVersion"`
	LastSeen     time.Time  `json:"lastSeen"`
	CreatedAt    time.Time  `json:"createdAt"`
}

// AppStatus mirrors the status values a DeployRun/APP_ACTION transitions
// an App through.
type AppStatus string

const (
	AppStopped  AppStatus = "stopped"
	AppStarting AppStatus = "starting"
	AppRunning  AppStatus = "running"
	AppFailed   AppStatus = "failed"
)

// App is a deployable unit owned by one node (§3).
type App struct {
	ID             string            `json:"id"`
	OwnerID        string            `json:"ownerId"`
	NodeID         string            `json:"nodeId"`
	RepoURL        string            `json:"repoUrl"`
	MainPort       int               `json:"mainPort"`
	Ports          []int             `json:"ports"`
	Env            map[string]string `json:"env"`
	Status         AppStatus         `json:"status"`
	LastCommitHash string            `json:"lastCommitHash"`
	// NonCodeAllowlist is the set of repo-relative path globs this app
	// treats as non-code (§4.4 hot-path skip); empty means the agent's
	// Config.DefaultHotPathAllowlist applies instead.
	NonCodeAllowlist []string  `json:"nonCodeAllowlist,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
}

// Proxy is a provisioned reverse-proxy vhost (§3).
type Proxy struct {
	ID         string    `json:"id"`
	OwnerID    string    `json:"ownerId"`
	NodeID     string    `json:"nodeId"`
	AppID      string    `json:"appId"`
	Domain     string    `json:"domain"`
	Port       int       `json:"port"`
	SSLEnabled bool      `json:"sslEnabled"`
	CreatedAt  time.Time `json:"createdAt"`
}

// RegistrationToken is a single-use token minted for one REGISTER handshake
// (§3, §4.1).
type RegistrationToken struct {
	Value     string    `json:"value"`
	OwnerID   string    `json:"ownerId"`
	Used      bool      `json:"used"`
	ExpiresAt time.Time `json:"expiresAt"`
	CreatedAt time.Time `json:"createdAt"`
}

// ActivityStatus mirrors spec.md §3's ActivityLog.status enum.
type ActivityStatus string

const (
	ActivitySuccess ActivityStatus = "success"
	ActivityFailure ActivityStatus = "failure"
	ActivityInfo    ActivityStatus = "info"
)

// ActivityEntry is one append-only audit row (§3).
type ActivityEntry struct {
	ID        string         `json:"id"`
	OwnerID   string         `json:"ownerId"`
	NodeID    string         `json:"nodeId"`
	Type      string         `json:"type"`
	Status    ActivityStatus `json:"status"`
	Details   string         `json:"details"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Repository is the storage boundary the orchestrator depends on. Every
// method takes a context so the Postgres implementation can enforce
// per-call timeouts; the in-memory implementation ignores it.
type Repository interface {
	CreateNode(ctx context.Context, n Node) error
	GetNode(ctx context.Context, id string) (Node, error)
	GetNodeByPublicKey(ctx context.Context, publicKey string) (Node, bool, error)
	UpdateNodeStatus(ctx context.Context, id string, status NodeStatus, lastSeen time.Time) error
	ListNodesByOwner(ctx context.Context, ownerID string) ([]Node, error)
	DeleteNode(ctx context.Context, id string) error

	CreateApp(ctx context.Context, a App) error
	GetApp(ctx context.Context, id string) (App, error)
	FindAppByRepoURL(ctx context.Context, ownerID, repoURL string) (App, bool, error)
	UpdateAppStatus(ctx context.Context, id string, status AppStatus, commitHash string) error
	ListAppsByNode(ctx context.Context, nodeID string) ([]App, error)
	DeleteApp(ctx context.Context, id string) error

	CreateProxy(ctx context.Context, p Proxy) error
	GetProxyByDomain(ctx context.Context, domain string) (Proxy, bool, error)
	ListProxiesByApp(ctx context.Context, appID string) ([]Proxy, error)
	DeleteProxy(ctx context.Context, id string) error

	CreateRegistrationToken(ctx context.Context, t RegistrationToken) error
	ConsumeRegistrationToken(ctx context.Context, value string) (RegistrationToken, error)
	PruneExpiredTokens(ctx context.Context, now time.Time) (int64, error)

	AppendActivity(ctx context.Context, e ActivityEntry) error
	ListActivity(ctx context.Context, ownerID string, limit int) ([]ActivityEntry, error)
	TrimActivity(ctx context.Context, ownerID string, keep int) error
}
