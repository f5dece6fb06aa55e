package server

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nodefleet/controlplane/internal/orchestrator/repository"
	"github.com/nodefleet/controlplane/internal/protocol"
)

type fakeDashboardSender struct{ conn chan []byte }

func (f *fakeDashboardSender) Send(data []byte) error { f.conn <- data; return nil }
func (f *fakeDashboardSender) Close() error           { return nil }

func registerDashboardClient(t *testing.T, s *Server, ownerID string) chan []byte {
	t.Helper()
	ch := make(chan []byte, 10)
	s.hub.Register("client-"+ownerID, ownerID, &fakeDashboardSender{conn: ch})
	return ch
}

func TestHandleStatusUpdatePersistsAppAndBroadcasts(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, s.repo.CreateNode(ctx, repository.Node{ID: "node-1", OwnerID: "owner-1"}))
	require.NoError(t, s.repo.CreateApp(ctx, repository.App{ID: "app-1", OwnerID: "owner-1", NodeID: "node-1", Status: repository.AppStarting}))

	ch := registerDashboardClient(t, s, "owner-1")

	payload, _ := json.Marshal(protocol.StatusUpdatePayload{
		AppID: "app-1", CommitHash: "abc123", Phase: protocol.PhaseSuccess, Detail: "deployed",
	})
	s.dispatchAgentFrame("node-1", protocol.Envelope{Type: protocol.TypeStatusUpdate, Payload: payload})

	app, err := s.repo.GetApp(ctx, "app-1")
	require.NoError(t, err)
	require.Equal(t, repository.AppRunning, app.Status)
	require.Equal(t, "abc123", app.LastCommitHash)

	entries, err := s.activity.Recent(ctx, "owner-1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "deploy_success", entries[0].Type)

	select {
	case data := <-ch:
		var env protocol.Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		require.Equal(t, protocol.TypeDeployStatus, env.Type)
	case <-time.After(time.Second):
		t.Fatal("expected a DEPLOY_STATUS broadcast")
	}
}

func TestHandleStatusUpdateFailureMarksAppFailed(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, s.repo.CreateNode(ctx, repository.Node{ID: "node-1", OwnerID: "owner-1"}))
	require.NoError(t, s.repo.CreateApp(ctx, repository.App{ID: "app-1", OwnerID: "owner-1", NodeID: "node-1"}))

	payload, _ := json.Marshal(protocol.StatusUpdatePayload{AppID: "app-1", Phase: protocol.PhaseFailure, Detail: "build failed"})
	s.dispatchAgentFrame("node-1", protocol.Envelope{Type: protocol.TypeStatusUpdate, Payload: payload})

	app, err := s.repo.GetApp(ctx, "app-1")
	require.NoError(t, err)
	require.Equal(t, repository.AppFailed, app.Status)

	entries, err := s.activity.Recent(ctx, "owner-1", 0)
	require.NoError(t, err)
	require.Equal(t, repository.ActivityFailure, entries[0].Status)
}

func TestRelayToDashboardTagsNodeIDAndRetypesLogStream(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, s.repo.CreateNode(ctx, repository.Node{ID: "node-1", OwnerID: "owner-1"}))

	ch := registerDashboardClient(t, s, "owner-1")

	payload, _ := json.Marshal(map[string]any{"line": "booting"})
	s.dispatchAgentFrame("node-1", protocol.Envelope{Type: protocol.TypeLogStream, Payload: payload})

	select {
	case data := <-ch:
		var env protocol.Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		require.Equal(t, protocol.TypeDeployLog, env.Type)

		var relayed map[string]any
		require.NoError(t, json.Unmarshal(env.Payload, &relayed))
		require.Equal(t, "node-1", relayed["nodeId"])
		require.Equal(t, "booting", relayed["line"])
	case <-time.After(time.Second):
		t.Fatal("expected a relayed DEPLOY_LOG frame")
	}
}

func TestPhaseClockMeasuresElapsedSinceLastTransition(t *testing.T) {
	c := newPhaseClock()
	t0 := time.Now()
	require.Equal(t, time.Duration(0), c.elapsedSince("app-1", t0))

	t1 := t0.Add(5 * time.Second)
	require.Equal(t, 5*time.Second, c.elapsedSince("app-1", t1))
}
