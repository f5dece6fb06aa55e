// Package activity appends to and broadcasts the owner-scoped audit trail
// (§3's ActivityLog), grounded on the teacher's audit log concept
// (api/internal/handlers/audit.go's compliance-log retention story) and
// wired through the persisted repository.ActivityEntry rather than the
// teacher's HTTP-queryable audit_log table directly — this control plane
// has no admin UI of its own, so the only consumer of an entry besides
// storage is the dashboard broadcast.
package activity

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nodefleet/controlplane/internal/orchestrator/repository"
	"github.com/nodefleet/controlplane/internal/protocol"
)

// maxEntriesPerOwner bounds retention per owner (§3: "bounded retention").
const maxEntriesPerOwner = 500

// Broadcaster delivers an AUDIT_UPDATE frame to every dashboard watching
// an owner.
type Broadcaster interface {
	BroadcastToOwner(ownerID, frameType string, payload any)
}

// Log appends activity entries to the repository and broadcasts them,
// trimming each owner's history to maxEntriesPerOwner.
type Log struct {
	repo repository.Repository
	hub  Broadcaster
	log  zerolog.Logger
}

// New constructs a Log.
func New(repo repository.Repository, hub Broadcaster, log zerolog.Logger) *Log {
	return &Log{repo: repo, hub: hub, log: log.With().Str("component", "activity").Logger()}
}

// Record appends one entry (generating its id and timestamp), trims the
// owner's history to the retention bound, and broadcasts an AUDIT_UPDATE
// to dashboards watching that owner.
func (l *Log) Record(ctx context.Context, ownerID, nodeID, entryType string, status repository.ActivityStatus, details string) {
	entry := repository.ActivityEntry{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		NodeID:    nodeID,
		Type:      entryType,
		Status:    status,
		Details:   details,
		CreatedAt: time.Now(),
	}

	if err := l.repo.AppendActivity(ctx, entry); err != nil {
		l.log.Error().Err(err).Str("ownerId", ownerID).Str("type", entryType).Msg("failed to persist activity entry")
		return
	}
	if err := l.repo.TrimActivity(ctx, ownerID, maxEntriesPerOwner); err != nil {
		l.log.Warn().Err(err).Str("ownerId", ownerID).Msg("failed to trim activity retention")
	}

	if l.hub != nil {
		l.hub.BroadcastToOwner(ownerID, protocol.TypeAuditUpdate, entry)
	}
}

// Recent returns the newest `limit` entries for an owner. For limit <= 0 the
// in-memory store returns every retained entry and the Postgres store at most 100.
func (l *Log) Recent(ctx context.Context, ownerID string, limit int) ([]repository.ActivityEntry, error) {
	return l.repo.ListActivity(ctx, ownerID, limit)
}
