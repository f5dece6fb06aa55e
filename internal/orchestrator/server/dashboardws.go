package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nodefleet/controlplane/internal/orchestrator/middleware"
	"github.com/nodefleet/controlplane/internal/orchestrator/repository"
	"github.com/nodefleet/controlplane/internal/protocol"
)

const (
	dashboardPongWait   = 60 * time.Second
	dashboardPingPeriod = (dashboardPongWait * 9) / 10
)

var dashboardUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// dashboardConn adapts *websocket.Conn to dashboard.Sender, matching
// wsSender's single-writer discipline but without the handshake-specific
// ping cadence (dashboard keepalive pings come from the ticker loop in
// handleDashboardConnect, sent with gorilla's concurrency-safe WriteControl).
type dashboardConn struct {
	conn *websocket.Conn
}

func (d *dashboardConn) Send(data []byte) error {
	d.conn.SetWriteDeadline(time.Now().Add(agentWriteWait))
	return d.conn.WriteMessage(websocket.TextMessage, data)
}

func (d *dashboardConn) Close() error { return d.conn.Close() }

// handleDashboardConnect upgrades an already-authenticated request (the
// DashboardSession middleware ran first) to a WebSocket, registers it with
// the owner-scoped hub, and sends an INITIAL_STATE snapshot (§6's dashboard
// frame catalog).
func (s *Server) handleDashboardConnect(c *gin.Context) {
	ownerID := middleware.GetDashboardOwner(c)
	if ownerID == "" {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	conn, err := dashboardUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("dashboard websocket upgrade failed")
		return
	}

	clientID := uuid.NewString()
	s.hub.Register(clientID, ownerID, &dashboardConn{conn: conn})
	s.metrics.dashboardClients.Inc()
	defer func() {
		s.hub.Unregister(clientID)
		s.metrics.dashboardClients.Dec()
	}()

	s.sendInitialState(ownerID, clientID, conn)

	conn.SetReadDeadline(time.Now().Add(dashboardPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(dashboardPongWait))
		return nil
	})

	stopPing := make(chan struct{})
	defer close(stopPing)
	go func() {
		ticker := time.NewTicker(dashboardPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-stopPing:
				return
			case <-ticker.C:
				conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(agentWriteWait))
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var env protocol.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			s.log.Warn().Err(err).Str("ownerId", ownerID).Msg("failed to decode inbound dashboard frame")
			continue
		}
		if env.Type != protocol.TypeDashboardCommand {
			continue
		}
		s.handleDashboardCommand(ownerID, env, conn)
	}
}

// handleDashboardCommand decodes a dashboard-submitted command, checks that
// the issuing owner actually owns the target node (and, for an APP_ACTION,
// the target app too) before the command is ever signed, and dispatches it
// through the same metered router the webhook-triggered path uses (§4.3
// "dashboard -> agent routing"). Rejections are reported back over the
// dashboard socket as an ERROR frame rather than tearing down the
// connection, mirroring sendHandshakeError's tolerant-but-explicit style.
func (s *Server) handleDashboardCommand(ownerID string, env protocol.Envelope, conn *websocket.Conn) {
	var frame protocol.DashboardCommandFrame
	if err := json.Unmarshal(env.Payload, &frame); err != nil {
		s.rejectDashboardCommand(conn, "malformed command payload")
		return
	}
	if !protocol.RequiresSignature(frame.Command) {
		s.rejectDashboardCommand(conn, "unknown or non-dispatchable command type")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	node, err := s.repo.GetNode(ctx, frame.NodeID)
	if err != nil || node.OwnerID != ownerID {
		s.rejectDashboardCommand(conn, "unknown node")
		return
	}

	if frame.Command == protocol.TypeAppAction {
		var action protocol.AppActionPayload
		if err := json.Unmarshal(frame.Payload, &action); err != nil {
			s.rejectDashboardCommand(conn, "malformed APP_ACTION payload")
			return
		}
		app, err := s.repo.GetApp(ctx, action.AppID)
		if err != nil || app.OwnerID != ownerID || app.NodeID != frame.NodeID {
			s.rejectDashboardCommand(conn, "unknown app")
			return
		}
	}

	if err := s.meteredRouter().SendCommand(frame.NodeID, frame.Command, frame.Payload); err != nil {
		s.log.Warn().Err(err).Str("ownerId", ownerID).Str("nodeId", frame.NodeID).
			Str("command", frame.Command).Msg("failed to dispatch dashboard command")
		s.rejectDashboardCommand(conn, err.Error())
		return
	}
	s.activity.Record(ctx, ownerID, frame.NodeID, "dashboard_command", repository.ActivityInfo, frame.Command)
}

func (s *Server) rejectDashboardCommand(conn *websocket.Conn, message string) {
	payload, _ := json.Marshal(protocol.ErrorFrame{Message: message})
	conn.SetWriteDeadline(time.Now().Add(agentWriteWait))
	_ = conn.WriteMessage(websocket.TextMessage, mustMarshalEnvelope(protocol.TypeError, payload))
}

func mustMarshalEnvelope(frameType string, payload json.RawMessage) []byte {
	data, _ := json.Marshal(protocol.Envelope{Type: frameType, Payload: payload})
	return data
}

func (s *Server) sendInitialState(ownerID, clientID string, conn *websocket.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	nodes, err := s.repo.ListNodesByOwner(ctx, ownerID)
	if err != nil {
		s.log.Warn().Err(err).Str("ownerId", ownerID).Msg("failed to load nodes for initial state")
	}

	apps := make([]any, 0)
	for _, n := range nodes {
		nodeApps, err := s.repo.ListAppsByNode(ctx, n.ID)
		if err != nil {
			continue
		}
		for _, a := range nodeApps {
			apps = append(apps, a)
		}
	}

	recent, err := s.activity.Recent(ctx, ownerID, 50)
	if err != nil {
		s.log.Warn().Err(err).Str("ownerId", ownerID).Msg("failed to load recent activity for initial state")
	}

	payload, _ := json.Marshal(map[string]any{
		"nodes":    nodes,
		"apps":     apps,
		"activity": recent,
	})
	env, _ := json.Marshal(protocol.Envelope{Type: protocol.TypeInitialState, Payload: payload})
	conn.SetWriteDeadline(time.Now().Add(agentWriteWait))
	_ = conn.WriteMessage(websocket.TextMessage, env)
}
