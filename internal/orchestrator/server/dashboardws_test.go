package server

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/nodefleet/controlplane/internal/orchestrator/repository"
	"github.com/nodefleet/controlplane/internal/orchestrator/sessionregistry"
	"github.com/nodefleet/controlplane/internal/protocol"
)

type recordingSender struct {
	mu  sync.Mutex
	msg []byte
}

func (c *recordingSender) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msg = data
	return nil
}
func (c *recordingSender) Close() error { return nil }

func (c *recordingSender) last() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.msg
}

func newDashboardServer(t *testing.T, s *Server) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	group := engine.Group("/api/dashboard")
	group.Use(s.dashboardSessions.DashboardSession())
	group.GET("/ws", s.handleDashboardConnect)
	srv := httptest.NewServer(engine)
	t.Cleanup(srv.Close)
	return srv
}

func TestDashboardConnectSendsInitialState(t *testing.T) {
	s := newTestServer(t)

	require.NoError(t, s.repo.CreateNode(context.Background(), repository.Node{
		ID: "node-1", OwnerID: "owner-1", PublicKey: "deadbeef", Status: repository.NodeOnline,
	}))
	require.NoError(t, s.repo.CreateApp(context.Background(), repository.App{
		ID: "app-1", OwnerID: "owner-1", NodeID: "node-1", RepoURL: "https://example.com/repo.git", Status: repository.AppRunning,
	}))
	s.activity.Record(context.Background(), "owner-1", "node-1", "node_connected", repository.ActivityInfo, "")

	token, err := s.dashboardSessions.IssueToken("owner-1")
	require.NoError(t, err)

	srv := newDashboardServer(t, s)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/dashboard/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env protocol.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	require.Equal(t, protocol.TypeInitialState, env.Type)

	var state struct {
		Nodes    []repository.Node          `json:"nodes"`
		Apps     []repository.App           `json:"apps"`
		Activity []repository.ActivityEntry `json:"activity"`
	}
	require.NoError(t, json.Unmarshal(env.Payload, &state))
	require.Len(t, state.Nodes, 1)
	require.Equal(t, "node-1", state.Nodes[0].ID)
	require.Len(t, state.Apps, 1)
	require.Equal(t, "app-1", state.Apps[0].ID)
	require.Len(t, state.Activity, 1)
}

func TestDashboardConnectRejectsMissingToken(t *testing.T) {
	s := newTestServer(t)
	srv := newDashboardServer(t, s)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/dashboard/ws"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.Equal(t, 401, resp.StatusCode)
}

func TestDashboardConnectBroadcastsOnActivity(t *testing.T) {
	s := newTestServer(t)

	token, err := s.dashboardSessions.IssueToken("owner-2")
	require.NoError(t, err)

	srv := newDashboardServer(t, s)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/dashboard/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var initial protocol.Envelope
	require.NoError(t, conn.ReadJSON(&initial))
	require.Equal(t, protocol.TypeInitialState, initial.Type)

	s.activity.Record(context.Background(), "owner-2", "node-2", "node_connected", repository.ActivityInfo, "")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var update protocol.Envelope
	require.NoError(t, conn.ReadJSON(&update))
	require.Equal(t, protocol.TypeAuditUpdate, update.Type)
}

func TestDashboardCommandDispatchesToOwnedNode(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, s.repo.CreateNode(ctx, repository.Node{ID: "node-1", OwnerID: "owner-1", PublicKey: "deadbeef"}))
	require.NoError(t, s.repo.CreateApp(ctx, repository.App{ID: "app-1", OwnerID: "owner-1", NodeID: "node-1"}))

	agentConn := &recordingSender{}
	s.registry.Register(&sessionregistry.Session{ID: "sess-1", Conn: agentConn})
	require.NoError(t, s.registry.Authorize("sess-1", "node-1"))

	token, err := s.dashboardSessions.IssueToken("owner-1")
	require.NoError(t, err)

	srv := newDashboardServer(t, s)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/dashboard/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var initial protocol.Envelope
	require.NoError(t, conn.ReadJSON(&initial))

	actionPayload, _ := json.Marshal(protocol.AppActionPayload{AppID: "app-1", Action: protocol.AppActionRestart})
	cmdPayload, _ := json.Marshal(protocol.DashboardCommandFrame{
		NodeID: "node-1", Command: protocol.TypeAppAction, Payload: actionPayload,
	})
	require.NoError(t, conn.WriteJSON(protocol.Envelope{Type: protocol.TypeDashboardCommand, Payload: cmdPayload}))

	require.Eventually(t, func() bool {
		return len(agentConn.last()) > 0
	}, 2*time.Second, 20*time.Millisecond)

	var delivered protocol.Envelope
	require.NoError(t, json.Unmarshal(agentConn.last(), &delivered))
	require.Equal(t, protocol.TypeAppAction, delivered.Type)
	require.NotEmpty(t, delivered.Signature)
}

func TestDashboardCommandRejectsNodeOwnedByAnotherOwner(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, s.repo.CreateNode(ctx, repository.Node{ID: "node-1", OwnerID: "owner-2", PublicKey: "deadbeef"}))

	agentConn := &recordingSender{}
	s.registry.Register(&sessionregistry.Session{ID: "sess-1", Conn: agentConn})
	require.NoError(t, s.registry.Authorize("sess-1", "node-1"))

	token, err := s.dashboardSessions.IssueToken("owner-1")
	require.NoError(t, err)

	srv := newDashboardServer(t, s)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/dashboard/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var initial protocol.Envelope
	require.NoError(t, conn.ReadJSON(&initial))

	actionPayload, _ := json.Marshal(protocol.AppActionPayload{AppID: "app-1", Action: protocol.AppActionRestart})
	cmdPayload, _ := json.Marshal(protocol.DashboardCommandFrame{
		NodeID: "node-1", Command: protocol.TypeAppAction, Payload: actionPayload,
	})
	require.NoError(t, conn.WriteJSON(protocol.Envelope{Type: protocol.TypeDashboardCommand, Payload: cmdPayload}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var errEnv protocol.Envelope
	require.NoError(t, conn.ReadJSON(&errEnv))
	require.Equal(t, protocol.TypeError, errEnv.Type)

	require.Never(t, func() bool {
		return len(agentConn.last()) > 0
	}, 300*time.Millisecond, 20*time.Millisecond)
}
