// Package router delivers signed commands and plain frames to specific
// agent sessions, and fans out broadcasts across every connected agent.
// Grounded on streamspace-dev-streamspace/api/internal/websocket/agent_hub.go's
// SendCommandToAgent and BroadcastToAllAgents, generalized to operate over
// sessionregistry.Registry and to sign every command type that requires it.
package router

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/nodefleet/controlplane/internal/orchestrator/sessionregistry"
	"github.com/nodefleet/controlplane/internal/orchestrator/signer"
	"github.com/nodefleet/controlplane/internal/protocol"
)

// ErrNodeNotConnected is returned when a command targets a node with no
// live authorized session.
var ErrNodeNotConnected = fmt.Errorf("node is not connected")

// Router delivers frames to agent sessions by node id.
type Router struct {
	registry *sessionregistry.Registry
	signer   *signer.Signer
	log      zerolog.Logger
}

// New constructs a Router.
func New(registry *sessionregistry.Registry, s *signer.Signer, log zerolog.Logger) *Router {
	return &Router{registry: registry, signer: s, log: log.With().Str("component", "router").Logger()}
}

// SendCommand signs payload as commandType and delivers it to nodeID. It
// returns ErrNodeNotConnected if the node has no live session — callers
// (e.g. the deploy-trigger webhook) decide whether that is a hard failure
// or something to queue.
func (r *Router) SendCommand(nodeID, commandType string, payload any) error {
	env, err := r.signer.Sign(commandType, payload)
	if err != nil {
		return fmt.Errorf("sign command %s for node %s: %w", commandType, nodeID, err)
	}
	return r.sendEnvelope(nodeID, env)
}

// SendFrame delivers an unsigned protocol frame (e.g. CHALLENGE, AUTHORIZED)
// to nodeID. Most unsigned frames are sent mid-handshake, before a session
// has a NodeID bound yet, so callers there should use SendToSession instead.
func (r *Router) SendFrame(nodeID, frameType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal frame %s for node %s: %w", frameType, nodeID, err)
	}
	return r.sendEnvelope(nodeID, protocol.Envelope{Type: frameType, Payload: raw})
}

// SendToSession delivers a frame directly to a connection id, used during
// the handshake before a node identity is bound (§4.1).
func (r *Router) SendToSession(sessionID, frameType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal frame %s for session %s: %w", frameType, sessionID, err)
	}
	sess, ok := r.registry.Lookup(sessionID)
	if !ok {
		return ErrNodeNotConnected
	}
	data, err := json.Marshal(protocol.Envelope{Type: frameType, Payload: raw})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return sess.Conn.Send(data)
}

func (r *Router) sendEnvelope(nodeID string, env protocol.Envelope) error {
	sess, ok := r.registry.LookupByNode(nodeID)
	if !ok {
		return ErrNodeNotConnected
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope for node %s: %w", nodeID, err)
	}
	if err := sess.Conn.Send(data); err != nil {
		return fmt.Errorf("send to node %s: %w", nodeID, err)
	}
	return nil
}

// BroadcastCommand signs payload once and delivers it to every connected
// node, matching the teacher's BroadcastToAllAgents. Delivery failures for
// individual nodes are logged, not returned, so one stalled connection
// cannot block the rest of the fan-out.
func (r *Router) BroadcastCommand(commandType string, payload any) {
	env, err := r.signer.Sign(commandType, payload)
	if err != nil {
		r.log.Error().Err(err).Str("type", commandType).Msg("failed to sign broadcast command")
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		r.log.Error().Err(err).Str("type", commandType).Msg("failed to marshal broadcast envelope")
		return
	}
	for _, nodeID := range r.registry.ConnectedNodeIDs() {
		sess, ok := r.registry.LookupByNode(nodeID)
		if !ok {
			continue
		}
		if err := sess.Conn.Send(data); err != nil {
			r.log.Warn().Err(err).Str("nodeId", nodeID).Msg("broadcast delivery failed")
		}
	}
}
