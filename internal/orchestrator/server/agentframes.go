package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nodefleet/controlplane/internal/orchestrator/repository"
	"github.com/nodefleet/controlplane/internal/protocol"
)

// phaseClock tracks when each app last transitioned phase, so STATUS_UPDATE
// handling can observe a deploy_phase_seconds histogram sample per
// transition instead of a meaningless zero-duration point. Grounded on the
// teacher's AgentConnection.LastPing bookkeeping pattern, generalized from
// one timestamp per connection to one per (app, phase).
type phaseClock struct {
	mu   sync.Mutex
	last map[string]time.Time // keyed by appID
}

func newPhaseClock() *phaseClock {
	return &phaseClock{last: make(map[string]time.Time)}
}

func (c *phaseClock) elapsedSince(appID string, now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev, ok := c.last[appID]
	c.last[appID] = now
	if !ok {
		return 0
	}
	return now.Sub(prev)
}

// dispatchAgentFrame handles one inbound envelope from an authorized agent
// session, persisting whatever it implies and relaying a dashboard-facing
// frame. Frame types without a case of their own, unknown ones included,
// are relayed to the owner's dashboards unchanged. Mirrors the teacher's
// tolerant readPump dispatch: a bad frame is logged, never fatal to the
// connection.
func (s *Server) dispatchAgentFrame(nodeID string, env protocol.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch env.Type {
	case protocol.TypeStatusUpdate:
		s.handleStatusUpdate(ctx, nodeID, env)
	case protocol.TypeDetectedPorts, protocol.TypeLogStream:
		s.relayToDashboard(ctx, nodeID, env)
	case protocol.TypeServerStatusResponse:
		s.handleServerStatusResponse(ctx, nodeID, env)
	default:
		// Every other agent->orchestrator info frame (RUNTIME_*,
		// DATABASE_*, SYSTEM_LOG, AGENT_UPDATE_*, AGENT_SHUTDOWN_ACK,
		// INFRASTRUCTURE_LOG*, SERVICE_LOGS_RESPONSE) is a pass-through,
		// tagged with nodeId, per §6's dashboard frame catalog.
		s.relayToDashboard(ctx, nodeID, env)
	}
}

func (s *Server) handleStatusUpdate(ctx context.Context, nodeID string, env protocol.Envelope) {
	var payload protocol.StatusUpdatePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		s.log.Warn().Err(err).Str("nodeId", nodeID).Msg("malformed STATUS_UPDATE payload")
		return
	}

	node, err := s.repo.GetNode(ctx, nodeID)
	if err != nil {
		s.log.Warn().Err(err).Str("nodeId", nodeID).Msg("status update for unknown node")
		return
	}

	status := repository.AppRunning
	switch payload.Phase {
	case protocol.PhaseFailure, protocol.PhaseRollback:
		status = repository.AppFailed
	case protocol.PhaseSuccess, protocol.PhaseBuildSkipped:
		status = repository.AppRunning
	default:
		status = repository.AppStarting
	}
	if err := s.repo.UpdateAppStatus(ctx, payload.AppID, status, payload.CommitHash); err != nil {
		s.log.Warn().Err(err).Str("appId", payload.AppID).Msg("failed to persist app status")
	}

	if s.metrics != nil {
		elapsed := s.phases.elapsedSince(payload.AppID, time.Now())
		if elapsed > 0 {
			s.metrics.deployPhase.WithLabelValues(string(payload.Phase)).Observe(elapsed.Seconds())
		}
	}

	entryStatus := repository.ActivityInfo
	if status == repository.AppFailed {
		entryStatus = repository.ActivityFailure
	} else if payload.Phase == protocol.PhaseSuccess {
		entryStatus = repository.ActivitySuccess
	}
	s.activity.Record(ctx, node.OwnerID, nodeID, "deploy_"+string(payload.Phase), entryStatus, payload.Detail)

	s.hub.BroadcastToOwner(node.OwnerID, protocol.TypeDeployStatus, map[string]any{
		"nodeId":     nodeID,
		"appId":      payload.AppID,
		"commitHash": payload.CommitHash,
		"phase":      payload.Phase,
		"detail":     payload.Detail,
		"timestamp":  payload.Timestamp,
	})
}

func (s *Server) handleServerStatusResponse(ctx context.Context, nodeID string, env protocol.Envelope) {
	var payload protocol.ServerStatusResponsePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		s.log.Warn().Err(err).Str("nodeId", nodeID).Msg("malformed SERVER_STATUS_RESPONSE payload")
		return
	}
	node, err := s.repo.GetNode(ctx, nodeID)
	if err != nil {
		return
	}
	s.hub.BroadcastToOwner(node.OwnerID, protocol.TypeServerStatus, payload)
}

// relayToDashboard forwards an agent frame to every dashboard watching the
// node's owner, tagging it with nodeId as §6 requires for pass-through
// frames. LOG_STREAM is re-tagged DEPLOY_LOG per §6's wire catalog.
func (s *Server) relayToDashboard(ctx context.Context, nodeID string, env protocol.Envelope) {
	node, err := s.repo.GetNode(ctx, nodeID)
	if err != nil {
		return
	}

	frameType := env.Type
	if frameType == protocol.TypeLogStream {
		frameType = protocol.TypeDeployLog
	}

	var payload map[string]any
	_ = json.Unmarshal(env.Payload, &payload)
	if payload == nil {
		payload = map[string]any{}
	}
	payload["nodeId"] = nodeID

	s.hub.BroadcastToOwner(node.OwnerID, frameType, payload)
}
