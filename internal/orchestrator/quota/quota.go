// Package quota gates control-plane intents against an owner's plan limits
// before the orchestrator signs a command (§185 "ResourceLimitFailure: the
// orchestrator refuses the intent before signing a command; dashboard gets
// a typed error"). Grounded on the teacher's api/internal/quota/enforcer.go
// hierarchy (user limits, most-restrictive-wins, a typed
// QuotaExceededError with an IsQuotaExceeded predicate) — generalized from
// that package's per-session CPU/memory/GPU/storage accounting (Kubernetes
// pod resource requests) down to this spec's coarser unit of allocation:
// how many nodes and apps an owner may register, since billing/subscription
// limits are an out-of-scope collaborator per spec.md §1 and are "only
// consulted as a gate" here, not computed from real resource usage.
package quota

import (
	"context"
	"fmt"

	"github.com/nodefleet/controlplane/internal/orchestrator/repository"
)

// Limits caps how much of the control plane one owner may occupy.
type Limits struct {
	MaxNodes int
	MaxApps  int
}

// DefaultLimits matches the teacher's free-tier defaults in spirit (a
// modest ceiling suitable for evaluation, overridable per owner once the
// out-of-scope billing collaborator is wired in).
var DefaultLimits = Limits{MaxNodes: 3, MaxApps: 10}

// ResourceLimitFailure is returned when an intent would push an owner over
// a limit, mirroring the teacher's QuotaExceededError shape.
type ResourceLimitFailure struct {
	Resource string
	Limit    int
	Current  int
}

func (e *ResourceLimitFailure) Error() string {
	return fmt.Sprintf("%s quota exceeded: %d/%d in use", e.Resource, e.Current, e.Limit)
}

// IsResourceLimitFailure reports whether err is a *ResourceLimitFailure,
// matching the teacher's IsQuotaExceeded predicate.
func IsResourceLimitFailure(err error) bool {
	_, ok := err.(*ResourceLimitFailure)
	return ok
}

// LimitsSource resolves the effective limits for an owner. The default
// implementation below always returns DefaultLimits; a billing-aware
// implementation can be substituted once that out-of-scope collaborator
// exists, without touching Gate's call sites.
type LimitsSource interface {
	LimitsFor(ctx context.Context, ownerID string) (Limits, error)
}

// StaticLimits is a LimitsSource that ignores ownerID and always returns
// the same Limits — used until a real billing integration exists.
type StaticLimits struct{ Limits Limits }

func (s StaticLimits) LimitsFor(ctx context.Context, ownerID string) (Limits, error) {
	return s.Limits, nil
}

// Gate checks an owner's current usage against their limits before an
// intent is allowed to become a signed command.
type Gate struct {
	repo   repository.Repository
	limits LimitsSource
}

// New constructs a Gate. A nil limits source defaults to StaticLimits{DefaultLimits}.
func New(repo repository.Repository, limits LimitsSource) *Gate {
	if limits == nil {
		limits = StaticLimits{Limits: DefaultLimits}
	}
	return &Gate{repo: repo, limits: limits}
}

// CheckNodeRegistration refuses admitting a new node once an owner is at
// their node limit. It runs while an agent's REGISTER is handled.
func (g *Gate) CheckNodeRegistration(ctx context.Context, ownerID string) error {
	limits, err := g.limits.LimitsFor(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("resolve limits: %w", err)
	}
	nodes, err := g.repo.ListNodesByOwner(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("list nodes: %w", err)
	}
	if len(nodes) >= limits.MaxNodes {
		return &ResourceLimitFailure{Resource: "nodes", Limit: limits.MaxNodes, Current: len(nodes)}
	}
	return nil
}

// CheckAppCreation refuses a new App once nodeID already holds the owner's
// MaxApps apps. It counts every app recorded on nodeID and is not given an
// appId, so it does not tell a redeploy of an existing App from a new one.
func (g *Gate) CheckAppCreation(ctx context.Context, ownerID, nodeID string) error {
	limits, err := g.limits.LimitsFor(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("resolve limits: %w", err)
	}
	apps, err := g.repo.ListAppsByNode(ctx, nodeID)
	if err != nil {
		return fmt.Errorf("list apps: %w", err)
	}
	if len(apps) >= limits.MaxApps {
		return &ResourceLimitFailure{Resource: "apps", Limit: limits.MaxApps, Current: len(apps)}
	}
	return nil
}
