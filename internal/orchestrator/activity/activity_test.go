package activity

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/nodefleet/controlplane/internal/orchestrator/repository"
	"github.com/nodefleet/controlplane/internal/protocol"
)

type fakeBroadcaster struct {
	ownerID   string
	frameType string
	payload   any
	calls     int
}

func (f *fakeBroadcaster) BroadcastToOwner(ownerID, frameType string, payload any) {
	f.ownerID, f.frameType, f.payload = ownerID, frameType, payload
	f.calls++
}

func TestRecordPersistsAndBroadcasts(t *testing.T) {
	repo := repository.NewMemory()
	hub := &fakeBroadcaster{}
	l := New(repo, hub, zerolog.Nop())

	l.Record(context.Background(), "owner-1", "node-1", "deploy_success", repository.ActivitySuccess, "deployed abc123")

	entries, err := l.Recent(context.Background(), "owner-1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "deploy_success", entries[0].Type)

	require.Equal(t, 1, hub.calls)
	require.Equal(t, protocol.TypeAuditUpdate, hub.frameType)
	require.Equal(t, "owner-1", hub.ownerID)
}

func TestRecordTrimsToRetentionBound(t *testing.T) {
	repo := repository.NewMemory()
	l := New(repo, nil, zerolog.Nop())

	for i := 0; i < maxEntriesPerOwner+10; i++ {
		l.Record(context.Background(), "owner-1", "", "heartbeat", repository.ActivityInfo, "")
	}

	entries, err := l.Recent(context.Background(), "owner-1", 0)
	require.NoError(t, err)
	require.LessOrEqual(t, len(entries), maxEntriesPerOwner)
}

func TestRecordWithNilBroadcasterDoesNotPanic(t *testing.T) {
	repo := repository.NewMemory()
	l := New(repo, nil, zerolog.Nop())
	require.NotPanics(t, func() {
		l.Record(context.Background(), "owner-1", "node-1", "deploy_success", repository.ActivitySuccess, "")
	})
}
