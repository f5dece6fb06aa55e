package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryCreateAndGetNode(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.CreateNode(ctx, Node{ID: "node-1", OwnerID: "owner-1", PublicKey: "abcd", Status: NodeOffline}))

	n, err := m.GetNode(ctx, "node-1")
	require.NoError(t, err)
	require.Equal(t, "owner-1", n.OwnerID)
}

func TestMemoryGetNodeNotFound(t *testing.T) {
	m := NewMemory()
	_, err := m.GetNode(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryUpdateNodeStatus(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.CreateNode(ctx, Node{ID: "node-1", OwnerID: "owner-1", PublicKey: "abcd", Status: NodeOffline}))

	seenAt := time.Now()
	require.NoError(t, m.UpdateNodeStatus(ctx, "node-1", NodeOnline, seenAt))

	n, err := m.GetNode(ctx, "node-1")
	require.NoError(t, err)
	require.Equal(t, NodeOnline, n.Status)
}

func TestMemoryProxyDomainUniquePerOwner(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.CreateProxy(ctx, Proxy{ID: "proxy-1", OwnerID: "owner-1", Domain: "app.example.com"}))

	err := m.CreateProxy(ctx, Proxy{ID: "proxy-2", OwnerID: "owner-1", Domain: "app.example.com"})
	require.Error(t, err, "I5: Proxy.domain must be unique per owner")
}

func TestMemoryConsumeRegistrationTokenIsSingleUse(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.CreateRegistrationToken(ctx, RegistrationToken{
		Value: "tok-1", OwnerID: "owner-1", ExpiresAt: time.Now().Add(10 * time.Minute),
	}))

	_, err := m.ConsumeRegistrationToken(ctx, "tok-1")
	require.NoError(t, err)

	_, err = m.ConsumeRegistrationToken(ctx, "tok-1")
	require.Error(t, err, "a used token must not be consumable twice")
}

func TestMemoryConsumeRegistrationTokenRejectsExpired(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.CreateRegistrationToken(ctx, RegistrationToken{
		Value: "tok-1", OwnerID: "owner-1", ExpiresAt: time.Now().Add(-time.Minute),
	}))

	_, err := m.ConsumeRegistrationToken(ctx, "tok-1")
	require.Error(t, err)
}

func TestMemoryActivityIsNewestFirstAndTrimmed(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.AppendActivity(ctx, ActivityEntry{ID: "a1", OwnerID: "owner-1", Type: "deploy", Status: ActivitySuccess}))
	require.NoError(t, m.AppendActivity(ctx, ActivityEntry{ID: "a2", OwnerID: "owner-1", Type: "deploy", Status: ActivitySuccess}))

	entries, err := m.ListActivity(ctx, "owner-1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "a2", entries[0].ID, "newest entry must be first")

	require.NoError(t, m.TrimActivity(ctx, "owner-1", 1))
	entries, err = m.ListActivity(ctx, "owner-1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "a2", entries[0].ID)
}

func TestMemoryPruneExpiredTokens(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.CreateRegistrationToken(ctx, RegistrationToken{Value: "expired", ExpiresAt: time.Now().Add(-time.Minute)}))
	require.NoError(t, m.CreateRegistrationToken(ctx, RegistrationToken{Value: "live", ExpiresAt: time.Now().Add(time.Minute)}))

	n, err := m.PruneExpiredTokens(ctx, time.Now())
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}
