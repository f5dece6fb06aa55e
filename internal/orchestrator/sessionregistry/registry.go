// Package sessionregistry tracks every connected agent session and the
// handshake state it is in (spec §3, §4.1). It is the orchestrator-side
// analogue of the teacher's AgentHub: a single-writer actor reached through
// channels, backed by a map guarded for reads by an RWMutex.
//
// Grounded on streamspace-dev-streamspace/api/internal/websocket/agent_hub.go
// (Run loop, register/unregister/broadcast channels, stale-connection sweep,
// eviction of a prior connection for the same identity) generalized to the
// Ed25519 challenge/response handshake from
// Generativebots-ocx-backend-go-svc/internal/federation/protocol.go's
// FederationManager.handleHello/handleChallenge/handleResponse.
package sessionregistry

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Phase is where a session sits in the handshake state machine (§4.1).
type Phase int

const (
	PhaseConnecting Phase = iota // CONNECT/REGISTER received, CHALLENGE sent
	PhaseChallenged               // CHALLENGE sent, awaiting RESPONSE
	PhaseAuthorized               // RESPONSE verified, session is routable
)

const staleTimeout = 90 * time.Second

// Sender abstracts the WebSocket connection enough for the registry to push
// frames without depending on gorilla/websocket directly.
type Sender interface {
	Send(data []byte) error
	Close() error
}

// Session is one connected agent's handshake and routing state.
type Session struct {
	ID        string
	NodeID    string // set once REGISTERED/AUTHORIZED
	PublicKey ed25519.PublicKey
	Phase     Phase
	Nonce     string // the challenge nonce awaiting a signature
	Conn      Sender
	LastSeen  time.Time
	CreatedAt time.Time
}

type registerReq struct {
	session *Session
	done    chan struct{}
}

type unregisterReq struct {
	id string
}

// Registry is the single-writer actor owning all live sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session  // keyed by Session.ID
	byNode   map[string]*Session  // keyed by NodeID, only once authorized
	byKey    map[string]*Session  // keyed by hex public key, for eviction

	register   chan registerReq
	unregister chan unregisterReq
	heartbeat  chan string
	done       chan struct{}

	log zerolog.Logger
}

// New constructs a Registry. Call Run in its own goroutine before using it.
func New(log zerolog.Logger) *Registry {
	return &Registry{
		sessions:   make(map[string]*Session),
		byNode:     make(map[string]*Session),
		byKey:      make(map[string]*Session),
		register:   make(chan registerReq),
		unregister: make(chan unregisterReq),
		heartbeat:  make(chan string, 256),
		done:       make(chan struct{}),
		log:        log.With().Str("component", "sessionregistry").Logger(),
	}
}

// Run drives the actor loop until Stop is called. It must run in exactly one
// goroutine, matching the teacher's AgentHub.Run pattern.
func (r *Registry) Run() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case req := <-r.register:
			r.handleRegister(req.session)
			close(req.done)
		case u := <-r.unregister:
			r.handleUnregister(u.id)
		case id := <-r.heartbeat:
			r.mu.Lock()
			if s, ok := r.sessions[id]; ok {
				s.LastSeen = time.Now()
			}
			r.mu.Unlock()
		case <-ticker.C:
			r.sweepStale()
		case <-r.done:
			return
		}
	}
}

// Stop terminates Run.
func (r *Registry) Stop() { close(r.done) }

// Register admits a new session, evicting any prior session bound to the
// same public key (I1: at most one authoritative session per identity).
func (r *Registry) Register(s *Session) {
	req := registerReq{session: s, done: make(chan struct{})}
	r.register <- req
	<-req.done
}

func (r *Registry) handleRegister(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	keyHex := hex.EncodeToString(s.PublicKey)
	if prior, exists := r.byKey[keyHex]; exists && prior.ID != s.ID {
		r.log.Warn().Str("nodeId", prior.NodeID).Str("priorSession", prior.ID).
			Msg("evicting prior session for reconnecting identity")
		if prior.Conn != nil {
			_ = prior.Conn.Close()
		}
		delete(r.sessions, prior.ID)
		if prior.NodeID != "" {
			delete(r.byNode, prior.NodeID)
		}
	}

	s.CreatedAt = time.Now()
	s.LastSeen = s.CreatedAt
	r.sessions[s.ID] = s
	r.byKey[keyHex] = s
	if s.NodeID != "" {
		r.byNode[s.NodeID] = s
	}
}

// Unregister removes a session, e.g. on disconnect.
func (r *Registry) Unregister(id string) {
	r.unregister <- unregisterReq{id: id}
}

func (r *Registry) handleUnregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return
	}
	delete(r.sessions, id)
	if s.NodeID != "" {
		delete(r.byNode, s.NodeID)
	}
	delete(r.byKey, hex.EncodeToString(s.PublicKey))
}

// Authorize transitions a session to PhaseAuthorized and binds its NodeID,
// making it routable (I2: only authorized sessions receive commands).
func (r *Registry) Authorize(id, nodeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return fmt.Errorf("session %s not found", id)
	}
	s.Phase = PhaseAuthorized
	s.NodeID = nodeID
	r.byNode[nodeID] = s
	return nil
}

// SetChallenge records the nonce issued to a connecting session.
func (r *Registry) SetChallenge(id, nonce string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return fmt.Errorf("session %s not found", id)
	}
	s.Phase = PhaseChallenged
	s.Nonce = nonce
	return nil
}

// Heartbeat marks a session as recently seen, non-blocking (matches the
// teacher's UpdateAgentHeartbeat: best-effort, never stalls the caller).
func (r *Registry) Heartbeat(id string) {
	select {
	case r.heartbeat <- id:
	default:
	}
}

// Lookup returns the session by its connection id.
func (r *Registry) Lookup(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// LookupByNode returns the authorized session bound to a node, if connected.
func (r *Registry) LookupByNode(nodeID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byNode[nodeID]
	return s, ok
}

// IsConnected reports whether a node currently has a live authorized session.
func (r *Registry) IsConnected(nodeID string) bool {
	_, ok := r.LookupByNode(nodeID)
	return ok
}

// ConnectedNodeIDs returns every node id with a live authorized session.
func (r *Registry) ConnectedNodeIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.byNode))
	for id := range r.byNode {
		ids = append(ids, id)
	}
	return ids
}

// sweepStale evicts sessions that have not heartbeat within staleTimeout,
// mirroring the teacher's checkStaleConnections (30s threshold there; this
// protocol's agents heartbeat less frequently so the threshold is wider).
func (r *Registry) sweepStale() {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-staleTimeout)
	for id, s := range r.sessions {
		if s.LastSeen.Before(cutoff) {
			r.log.Warn().Str("sessionId", id).Str("nodeId", s.NodeID).
				Msg("evicting stale session")
			if s.Conn != nil {
				_ = s.Conn.Close()
			}
			delete(r.sessions, id)
			if s.NodeID != "" {
				delete(r.byNode, s.NodeID)
			}
			delete(r.byKey, hex.EncodeToString(s.PublicKey))
		}
	}
}
