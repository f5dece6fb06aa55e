package server

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nodefleet/controlplane/internal/orchestrator/repository"
	"github.com/nodefleet/controlplane/internal/orchestrator/sessionregistry"
	"github.com/nodefleet/controlplane/internal/protocol"
)

const (
	agentWriteWait      = 10 * time.Second
	agentPongWait       = 60 * time.Second
	agentPingPeriod     = (agentPongWait * 9) / 10
	agentMaxMessageSize = 512 * 1024
	agentHandshakeWait  = 15 * time.Second
)

var agentUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsSender adapts a *websocket.Conn to sessionregistry.Sender with a
// single-writer goroutine, the same writeChan discipline the agent side's
// transport.Session uses — grounded on it directly, mirrored server-side.
type wsSender struct {
	conn      *websocket.Conn
	writeChan chan []byte
	done      chan struct{}
}

func newWSSender(conn *websocket.Conn) *wsSender {
	w := &wsSender{conn: conn, writeChan: make(chan []byte, 256), done: make(chan struct{})}
	go w.writePump()
	return w
}

func (w *wsSender) Send(data []byte) error {
	select {
	case w.writeChan <- data:
		return nil
	case <-time.After(agentWriteWait):
		return fmt.Errorf("timeout queuing message for send")
	case <-w.done:
		return fmt.Errorf("connection closed")
	}
}

func (w *wsSender) Close() error {
	select {
	case <-w.done:
	default:
		close(w.done)
	}
	return w.conn.Close()
}

func (w *wsSender) writePump() {
	ticker := time.NewTicker(agentPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case msg := <-w.writeChan:
			w.conn.SetWriteDeadline(time.Now().Add(agentWriteWait))
			if err := w.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			w.conn.SetWriteDeadline(time.Now().Add(agentWriteWait))
			if err := w.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-w.done:
			return
		}
	}
}

// handleAgentConnect upgrades to a WebSocket and drives the CONNECT/
// REGISTER -> CHALLENGE -> RESPONSE -> AUTHORIZED/REGISTERED handshake
// (§4.1), mirroring transport.Session.handshake frame-for-frame from the
// orchestrator's side of the wire.
func (s *Server) handleAgentConnect(c *gin.Context) {
	conn, err := agentUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("agent websocket upgrade failed")
		return
	}
	conn.SetReadLimit(agentMaxMessageSize)

	sender := newWSSender(conn)
	sessionID := uuid.NewString()

	s.metrics.connectedAgents.Inc()
	defer s.metrics.connectedAgents.Dec()

	nodeID, ownerID, err := s.performAgentHandshake(sessionID, conn, sender)
	if err != nil {
		s.log.Warn().Err(err).Str("sessionId", sessionID).Msg("agent handshake failed")
		sender.Close()
		return
	}

	s.log.Info().Str("nodeId", nodeID).Str("ownerId", ownerID).Msg("agent authorized")
	s.activity.Record(context.Background(), ownerID, nodeID, "node_connected", repository.ActivityInfo, "")

	s.agentReadPump(nodeID, conn, sender)

	s.registry.Unregister(sessionID)
	_ = s.repo.UpdateNodeStatus(context.Background(), nodeID, repository.NodeOffline, time.Now())
	s.activity.Record(context.Background(), ownerID, nodeID, "node_disconnected", repository.ActivityInfo, "")
}

func (s *Server) performAgentHandshake(sessionID string, conn *websocket.Conn, sender *wsSender) (nodeID, ownerID string, err error) {
	conn.SetReadDeadline(time.Now().Add(agentHandshakeWait))

	var first protocol.Envelope
	if err := conn.ReadJSON(&first); err != nil {
		return "", "", fmt.Errorf("read handshake frame: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var pubKeyHex, version string
	var isRegister bool
	var token string

	switch first.Type {
	case protocol.TypeConnect:
		var f protocol.ConnectFrame
		if err := json.Unmarshal(first.Payload, &f); err != nil {
			return "", "", s.sendHandshakeError(conn, "malformed CONNECT payload")
		}
		pubKeyHex, version = f.PublicKey, f.Version
	case protocol.TypeRegister:
		var f protocol.RegisterFrame
		if err := json.Unmarshal(first.Payload, &f); err != nil {
			return "", "", s.sendHandshakeError(conn, "malformed REGISTER payload")
		}
		pubKeyHex, version, token = f.PublicKey, f.Version, f.Token
		isRegister = true
	default:
		return "", "", s.sendHandshakeError(conn, "expected CONNECT or REGISTER")
	}

	pub, err := protocol.DecodeEd25519PublicKey(pubKeyHex)
	if err != nil {
		return "", "", s.sendHandshakeError(conn, "invalid public key")
	}

	var node repository.Node
	if isRegister {
		rt, err := s.repo.ConsumeRegistrationToken(ctx, token)
		if err != nil {
			return "", "", s.sendHandshakeError(conn, "invalid or expired registration token")
		}
		if err := s.quota.CheckNodeRegistration(ctx, rt.OwnerID); err != nil {
			return "", "", s.sendHandshakeError(conn, err.Error())
		}
		node = repository.Node{
			ID:           uuid.NewString(),
			OwnerID:      rt.OwnerID,
			PublicKey:    pubKeyHex,
			Status:       repository.NodeOnline,
			AgentVersion: version,
			LastSeen:     time.Now(),
		}
		if err := s.repo.CreateNode(ctx, node); err != nil {
			return "", "", s.sendHandshakeError(conn, "failed to register node")
		}
	} else {
		existing, ok, err := s.repo.GetNodeByPublicKey(ctx, pubKeyHex)
		if err != nil || !ok {
			return "", "", s.sendHandshakeError(conn, "unknown identity, registration required")
		}
		node = existing
	}

	// The session is not admitted into the registry until the signature
	// check below succeeds. Registering here, before RESPONSE is verified,
	// would let anyone who merely knows a node's (non-secret) public key
	// evict its live authorized session without ever proving possession of
	// the private key — the nonce is tracked locally until then instead of
	// via SetChallenge.
	nonce, err := randomHex(16)
	if err != nil {
		return "", "", fmt.Errorf("generate challenge nonce: %w", err)
	}

	payload, _ := json.Marshal(protocol.ChallengeFrame{Nonce: nonce})
	conn.SetWriteDeadline(time.Now().Add(agentWriteWait))
	if err := conn.WriteJSON(protocol.Envelope{Type: protocol.TypeChallenge, Payload: payload}); err != nil {
		return "", "", fmt.Errorf("send challenge: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(agentHandshakeWait))
	var resp protocol.Envelope
	if err := conn.ReadJSON(&resp); err != nil {
		return "", "", fmt.Errorf("read response: %w", err)
	}
	if resp.Type != protocol.TypeResponse {
		return "", "", s.sendHandshakeError(conn, "expected RESPONSE")
	}
	var rf protocol.ResponseFrame
	if err := json.Unmarshal(resp.Payload, &rf); err != nil {
		return "", "", s.sendHandshakeError(conn, "malformed RESPONSE payload")
	}
	sig, err := hex.DecodeString(rf.Signature)
	if err != nil || !ed25519.Verify(pub, []byte(nonce), sig) {
		return "", "", s.sendHandshakeError(conn, "signature verification failed")
	}

	session := &sessionregistry.Session{
		ID:        sessionID,
		NodeID:    node.ID,
		PublicKey: pub,
		Phase:     sessionregistry.PhaseAuthorized,
		Nonce:     nonce,
		Conn:      sender,
	}
	s.registry.Register(session)
	if err := s.registry.Authorize(sessionID, node.ID); err != nil {
		return "", "", err
	}
	_ = s.repo.UpdateNodeStatus(ctx, node.ID, repository.NodeOnline, time.Now())

	if isRegister {
		pubPEM, err := s.identity.PublicKeyPEM()
		if err != nil {
			return "", "", fmt.Errorf("encode orchestrator public key: %w", err)
		}
		payload, _ := json.Marshal(protocol.RegisteredFrame{ServerID: node.ID, OrchestratorKey: pubPEM})
		if err := conn.WriteJSON(protocol.Envelope{Type: protocol.TypeRegistered, Payload: payload}); err != nil {
			return "", "", fmt.Errorf("send registered: %w", err)
		}
	} else {
		payload, _ := json.Marshal(protocol.AuthorizedFrame{SessionID: sessionID})
		if err := conn.WriteJSON(protocol.Envelope{Type: protocol.TypeAuthorized, Payload: payload}); err != nil {
			return "", "", fmt.Errorf("send authorized: %w", err)
		}
	}

	return node.ID, node.OwnerID, nil
}

func (s *Server) sendHandshakeError(conn *websocket.Conn, message string) error {
	payload, _ := json.Marshal(protocol.ErrorFrame{Message: message})
	conn.SetWriteDeadline(time.Now().Add(agentWriteWait))
	_ = conn.WriteJSON(protocol.Envelope{Type: protocol.TypeError, Payload: payload})
	return fmt.Errorf("handshake rejected: %s", message)
}

func (s *Server) agentReadPump(nodeID string, conn *websocket.Conn, sender *wsSender) {
	defer sender.Close()

	conn.SetReadDeadline(time.Now().Add(agentPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(agentPongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.log.Warn().Err(err).Str("nodeId", nodeID).Msg("agent connection closed unexpectedly")
			}
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			s.log.Warn().Err(err).Str("nodeId", nodeID).Msg("failed to decode inbound agent frame")
			continue
		}
		if sess, ok := s.registry.LookupByNode(nodeID); ok {
			s.registry.Heartbeat(sess.ID)
		}
		s.dispatchAgentFrame(nodeID, env)
	}
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
