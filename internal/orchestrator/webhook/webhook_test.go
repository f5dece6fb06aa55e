package webhook

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/nodefleet/controlplane/internal/orchestrator/activity"
	"github.com/nodefleet/controlplane/internal/orchestrator/repository"
	"github.com/nodefleet/controlplane/internal/protocol"
)

type fakeRouter struct {
	nodeID      string
	commandType string
	payload     any
	err         error
}

func (f *fakeRouter) SendCommand(nodeID, commandType string, payload any) error {
	f.nodeID, f.commandType, f.payload = nodeID, commandType, payload
	return f.err
}

func TestIngestResolvesAppAndDispatchesDeploy(t *testing.T) {
	repo := repository.NewMemory()
	require.NoError(t, repo.CreateApp(context.Background(), repository.App{
		ID: "app-1", OwnerID: "owner-1", NodeID: "node-1", RepoURL: "https://github.com/acme/widget",
	}))

	router := &fakeRouter{}
	ing := New(repo, router, nil, zerolog.Nop())

	err := ing.Ingest(context.Background(), "owner-1", Trigger{
		RepoURL: "https://github.com/acme/widget", CommitHash: "abc123", Branch: "main",
	})
	require.NoError(t, err)
	require.Equal(t, "node-1", router.nodeID)
	require.Equal(t, protocol.TypeDeploy, router.commandType)

	payload, ok := router.payload.(protocol.DeployPayload)
	require.True(t, ok)
	require.Equal(t, "app-1", payload.AppID)
	require.Equal(t, "abc123", payload.CommitHash)
}

func TestIngestReturnsNotFoundForUnknownRepo(t *testing.T) {
	repo := repository.NewMemory()
	ing := New(repo, &fakeRouter{}, nil, zerolog.Nop())

	err := ing.Ingest(context.Background(), "owner-1", Trigger{RepoURL: "https://github.com/acme/missing"})
	require.ErrorIs(t, err, ErrAppNotFound)
}

func TestIngestRecordsActivityOnDispatchFailure(t *testing.T) {
	repo := repository.NewMemory()
	require.NoError(t, repo.CreateApp(context.Background(), repository.App{
		ID: "app-1", OwnerID: "owner-1", NodeID: "node-1", RepoURL: "https://github.com/acme/widget",
	}))

	router := &fakeRouter{err: require.AnError}
	log := activity.New(repo, nil, zerolog.Nop())
	ing := New(repo, router, log, zerolog.Nop())

	err := ing.Ingest(context.Background(), "owner-1", Trigger{RepoURL: "https://github.com/acme/widget", CommitHash: "abc123"})
	require.Error(t, err)

	entries, err := log.Recent(context.Background(), "owner-1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, repository.ActivityFailure, entries[0].Status)
}
