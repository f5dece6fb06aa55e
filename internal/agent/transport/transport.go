// Package transport owns the agent's single outbound WebSocket session to
// the orchestrator: connecting, the handshake, single-writer send, the
// read/write pumps, heartbeats, and reconnect-with-backoff.
//
// Grounded on
// streamspace-dev-streamspace/agents/docker-agent/main.go's DockerAgent:
// writeChan single-writer pattern, writePump/readPump, SendHeartbeats,
// writeWait/pongWait/pingPeriod/maxMessageSize constants, and Connect's
// register-then-dial flow — generalized from the teacher's HTTP-register +
// WebSocket-connect split to this protocol's single WebSocket endpoint that
// carries the CONNECT/REGISTER handshake itself (spec §4.1), and with
// reconnect-with-backoff added using agent/config's ReconnectBackoff list,
// which the teacher's standalone mode does not implement (it exits and
// relies on the process supervisor to restart).
package transport

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/nodefleet/controlplane/internal/agent/config"
	agenterrors "github.com/nodefleet/controlplane/internal/agent/errors"
	"github.com/nodefleet/controlplane/internal/agent/identity"
	"github.com/nodefleet/controlplane/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
	handshakeTimeout = 15 * time.Second
)

// Handler processes one inbound envelope. It returns nothing, so a failed
// command never tears down the connection, matching readPump's tolerant dispatch.
type Handler func(env protocol.Envelope)

// Session manages the agent's WebSocket link. The same Session is reused
// across reconnect attempts (Reconnect calls Connect again on it).
type Session struct {
	cfg *config.Config
	id  *identity.Identity
	log zerolog.Logger

	conn      *websocket.Conn
	connMu    sync.RWMutex
	writeChan chan []byte
	stopChan  chan struct{}
	stopOnce  sync.Once

	onFrame Handler
}

// New constructs a Session. onFrame is invoked for every inbound envelope
// once the handshake has completed.
func New(cfg *config.Config, id *identity.Identity, log zerolog.Logger, onFrame Handler) *Session {
	return &Session{
		cfg:       cfg,
		id:        id,
		log:       log.With().Str("component", "transport").Logger(),
		writeChan: make(chan []byte, 256),
		stopChan:  make(chan struct{}),
		onFrame:   onFrame,
	}
}

// Connect dials the orchestrator and performs the CONNECT/REGISTER
// handshake to completion (spec §4.1), returning once the session is
// AUTHORIZED or REGISTERED.
func (s *Session) Connect() error {
	u, err := url.Parse(s.cfg.OrchestratorURL)
	if err != nil {
		return fmt.Errorf("invalid orchestrator URL: %w", err)
	}
	u.Path = "/api/connect"

	// A Session is reused across reconnects (Reconnect calls Connect again
	// on the same instance), so the stop signal and its once-guard must be
	// fresh for each attempt — the previous stopChan is already closed by
	// the time a dropped connection brings us back here.
	s.connMu.Lock()
	s.stopChan = make(chan struct{})
	s.stopOnce = sync.Once{}
	s.connMu.Unlock()

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("websocket dial failed: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	if err := s.handshake(conn); err != nil {
		conn.Close()
		return err
	}

	return nil
}

func (s *Session) handshake(conn *websocket.Conn) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}

	pub := hex.EncodeToString(s.id.PublicKey())
	var outbound protocol.Envelope
	if s.cfg.RegistrationToken != "" && s.cfg.NodeID == "" {
		payload, _ := json.Marshal(protocol.RegisterFrame{
			Token: s.cfg.RegistrationToken, PublicKey: pub, Version: s.cfg.Version,
		})
		outbound = protocol.Envelope{Type: protocol.TypeRegister, Payload: payload}
	} else {
		payload, _ := json.Marshal(protocol.ConnectFrame{PublicKey: pub, Version: s.cfg.Version})
		outbound = protocol.Envelope{Type: protocol.TypeConnect, Payload: payload}
	}

	if err := conn.WriteJSON(outbound); err != nil {
		return fmt.Errorf("send handshake frame: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))

	var challenge protocol.Envelope
	if err := conn.ReadJSON(&challenge); err != nil {
		return fmt.Errorf("read challenge: %w", err)
	}
	if challenge.Type == protocol.TypeError {
		return agenterrors.ErrRegistrationRejected
	}
	if challenge.Type != protocol.TypeChallenge {
		return agenterrors.ErrUnexpectedFrame
	}
	var cf protocol.ChallengeFrame
	if err := json.Unmarshal(challenge.Payload, &cf); err != nil {
		return fmt.Errorf("decode challenge payload: %w", err)
	}

	sig := s.id.Sign([]byte(cf.Nonce))
	respPayload, _ := json.Marshal(protocol.ResponseFrame{Signature: hex.EncodeToString(sig)})
	if err := conn.WriteJSON(protocol.Envelope{Type: protocol.TypeResponse, Payload: respPayload}); err != nil {
		return fmt.Errorf("send response: %w", err)
	}

	var final protocol.Envelope
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	if err := conn.ReadJSON(&final); err != nil {
		return fmt.Errorf("read handshake result: %w", err)
	}

	switch final.Type {
	case protocol.TypeAuthorized:
		return nil
	case protocol.TypeRegistered:
		var rf protocol.RegisteredFrame
		if err := json.Unmarshal(final.Payload, &rf); err != nil {
			return fmt.Errorf("decode registered payload: %w", err)
		}
		s.cfg.NodeID = rf.ServerID
		orchKey, err := protocol.DecodeEd25519PublicKey(rf.OrchestratorKey)
		if err != nil {
			return fmt.Errorf("decode orchestrator key: %w", err)
		}
		return s.id.CacheOrchestratorKey(orchKey)
	case protocol.TypeError:
		return agenterrors.ErrRegistrationRejected
	default:
		return agenterrors.ErrUnexpectedFrame
	}
}

// Run starts the heartbeat/read/write pumps and blocks until Stop is
// called or the connection is lost.
func (s *Session) Run() {
	go s.sendHeartbeats()
	go s.writePump()
	s.readPump()
}

// Stop signals every pump to exit and closes the connection.
func (s *Session) Stop() {
	s.connMu.RLock()
	ch, once := s.stopChan, &s.stopOnce
	s.connMu.RUnlock()
	once.Do(func() {
		close(ch)
	})
}

// Done returns a channel closed once this session has stopped, whether
// because Stop was called or because readPump detected a dropped
// connection. Callers use it to decide when to Reconnect.
func (s *Session) Done() <-chan struct{} {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	return s.stopChan
}

// Send queues data for transmission (single-writer pattern, matching the
// teacher's writeChan/sendMessage split).
func (s *Session) Send(data []byte) error {
	select {
	case s.writeChan <- data:
		return nil
	case <-time.After(writeWait):
		return fmt.Errorf("timeout queuing message for send")
	case <-s.stopChan:
		return agenterrors.ErrNotConnected
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case message, ok := <-s.writeChan:
			s.connMu.RLock()
			conn := s.conn
			s.connMu.RUnlock()
			if conn == nil {
				continue
			}
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.log.Warn().Err(err).Msg("write failed")
			}

		case <-ticker.C:
			s.connMu.RLock()
			conn := s.conn
			s.connMu.RUnlock()
			if conn == nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.log.Warn().Err(err).Msg("ping failed")
			}

		case <-s.stopChan:
			return
		}
	}
}

func (s *Session) readPump() {
	defer s.Stop()

	s.connMu.RLock()
	conn := s.conn
	s.connMu.RUnlock()
	if conn == nil {
		return
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		select {
		case <-s.stopChan:
			return
		default:
			_, message, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					s.log.Warn().Err(err).Msg("unexpected close")
				}
				return
			}
			var env protocol.Envelope
			if err := json.Unmarshal(message, &env); err != nil {
				s.log.Warn().Err(err).Msg("failed to decode inbound frame")
				continue
			}
			if s.onFrame != nil {
				s.onFrame(env)
			}
		}
	}
}

func (s *Session) sendHeartbeats() {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			payload, _ := json.Marshal(map[string]any{
				"nodeId":    s.cfg.NodeID,
				"timestamp": time.Now().Unix(),
			})
			if err := s.Send(mustEnvelope(protocol.TypeStatusUpdate, payload)); err != nil {
				s.log.Warn().Err(err).Msg("heartbeat send failed")
			}
		case <-s.stopChan:
			return
		}
	}
}

func mustEnvelope(frameType string, payload json.RawMessage) []byte {
	data, _ := json.Marshal(protocol.Envelope{Type: frameType, Payload: payload})
	return data
}

// Reconnect retries Connect using cfg.ReconnectBackoff, returning the first
// successful connection or the final error once the backoff list is
// exhausted (the teacher relies on an external process supervisor to
// restart on exit; this protocol's agent instead retries in-process so a
// transient network blip does not require external intervention).
func (s *Session) Reconnect() error {
	var lastErr error
	for _, wait := range s.cfg.ReconnectBackoff {
		if err := s.Connect(); err == nil {
			return nil
		} else {
			lastErr = err
			s.log.Warn().Err(err).Dur("backoff", wait).Msg("reconnect attempt failed")
		}
		select {
		case <-time.After(wait):
		case <-s.stopChan:
			return agenterrors.ErrNotConnected
		}
	}
	return fmt.Errorf("reconnect exhausted backoff list: %w", lastErr)
}
