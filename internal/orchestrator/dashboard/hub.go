// Package dashboard fans out server status, deploy status/log, and audit
// events to connected dashboard clients, scoped to the owner they belong to.
// Grounded on streamspace-dev-streamspace/api/internal/websocket/hub.go's
// Hub/Client/BroadcastToOrg (there: organization-scoped; here: owner-scoped,
// §4.3), with per-client bounded queues added per §4.3's drop-oldest-for-logs,
// never-drop-for-status delivery rule.
package dashboard

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nodefleet/controlplane/internal/protocol"
)

// logQueueSize bounds the LOG_STREAM/DEPLOY_LOG backlog per client; once
// full, the oldest queued log message is dropped to make room (§4.3).
const logQueueSize = 256

// neverDropWait bounds how long a never-drop frame waits for room in a full
// client queue before that client is disconnected.
const neverDropWait = 5 * time.Second

// neverDropTypes never drop:a missed STATUS/DEPLOY_STATUS/AUDIT_UPDATE would
// leave the dashboard showing stale state indefinitely.
var neverDropTypes = map[string]bool{
	protocol.TypeInitialState: true,
	protocol.TypeServerStatus: true,
	protocol.TypeDeployStatus: true,
	protocol.TypeAuditUpdate:  true,
}

// Client is one connected dashboard's outbound delivery queue.
type Client struct {
	ID      string
	OwnerID string
	send    chan []byte
	conn    Sender
}

// Sender abstracts the WebSocket write path.
type Sender interface {
	Send(data []byte) error
	Close() error
}

// Hub owns every connected dashboard client.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client // keyed by Client.ID

	log zerolog.Logger
}

// New constructs a Hub.
func New(log zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		log:     log.With().Str("component", "dashboard").Logger(),
	}
}

// Register admits a dashboard client and starts its write-pump goroutine.
func (h *Hub) Register(id, ownerID string, conn Sender) *Client {
	c := &Client{ID: id, OwnerID: ownerID, send: make(chan []byte, logQueueSize), conn: conn}

	h.mu.Lock()
	h.clients[id] = c
	h.mu.Unlock()

	go h.writePump(c)
	return c
}

// Unregister removes a client and stops its write-pump.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	c, ok := h.clients[id]
	if ok {
		delete(h.clients, id)
	}
	h.mu.Unlock()

	if ok {
		close(c.send)
	}
}

func (h *Hub) writePump(c *Client) {
	defer c.conn.Close()
	for data := range c.send {
		if err := c.conn.Send(data); err != nil {
			h.log.Warn().Err(err).Str("clientId", c.ID).Msg("dashboard write failed, dropping client")
			h.Unregister(c.ID)
			return
		}
	}
}

// BroadcastToOwner delivers frameType/payload to every dashboard client
// scoped to ownerID. Matches the teacher's BroadcastToOrg, generalized to
// the owner-scoping model and the drop-oldest rule for log-class frames.
func (h *Hub) BroadcastToOwner(ownerID, frameType string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		h.log.Error().Err(err).Str("type", frameType).Msg("failed to marshal dashboard payload")
		return
	}
	env := protocol.Envelope{Type: frameType, Payload: raw}
	data, err := json.Marshal(env)
	if err != nil {
		h.log.Error().Err(err).Str("type", frameType).Msg("failed to marshal dashboard envelope")
		return
	}

	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		if c.OwnerID == ownerID {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	dropOldest := !neverDropTypes[frameType]
	for _, c := range targets {
		h.enqueue(c, data, dropOldest)
	}
}

func (h *Hub) enqueue(c *Client, data []byte, dropOldest bool) {
	select {
	case c.send <- data:
		return
	default:
	}

	if !dropOldest {
		// Never-drop frame and the queue is full: block briefly rather than
		// silently lose status. A client whose queue stays full for
		// neverDropWait is disconnected as a last resort.
		select {
		case c.send <- data:
		case <-time.After(neverDropWait):
			h.log.Warn().Str("clientId", c.ID).Msg("dashboard queue stayed full, dropping client")
			h.Unregister(c.ID)
		}
		return
	}

	select {
	case <-c.send:
	default:
	}
	select {
	case c.send <- data:
	default:
	}
}

// ClientsForOwner reports how many dashboard clients are currently watching
// an owner, used by callers deciding whether broadcasting is worth the work.
func (h *Hub) ClientsForOwner(ownerID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, c := range h.clients {
		if c.OwnerID == ownerID {
			n++
		}
	}
	return n
}
