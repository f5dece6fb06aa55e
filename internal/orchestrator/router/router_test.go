package router

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/nodefleet/controlplane/internal/orchestrator/identity"
	"github.com/nodefleet/controlplane/internal/orchestrator/sessionregistry"
	"github.com/nodefleet/controlplane/internal/orchestrator/signer"
	"github.com/nodefleet/controlplane/internal/protocol"
)

type recordingConn struct {
	mu  sync.Mutex
	msg []byte
}

func (c *recordingConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msg = data
	return nil
}
func (c *recordingConn) Close() error { return nil }

func newTestRouter(t *testing.T) (*Router, *sessionregistry.Registry) {
	t.Helper()
	reg := sessionregistry.New(zerolog.Nop())
	go reg.Run()
	t.Cleanup(reg.Stop)

	id, err := identity.LoadOrGenerate(t.TempDir())
	require.NoError(t, err)
	s := signer.New(id)

	return New(reg, s, zerolog.Nop()), reg
}

func TestSendCommandDeliversSignedEnvelope(t *testing.T) {
	r, reg := newTestRouter(t)
	conn := &recordingConn{}
	reg.Register(&sessionregistry.Session{ID: "sess-1", Conn: conn})
	require.NoError(t, reg.Authorize("sess-1", "node-1"))

	err := r.SendCommand("node-1", protocol.TypeAppAction, protocol.AppActionPayload{
		AppID: "app-1", Action: protocol.AppActionStop,
	})
	require.NoError(t, err)

	conn.mu.Lock()
	defer conn.mu.Unlock()
	require.NotEmpty(t, conn.msg)

	var env protocol.Envelope
	require.NoError(t, json.Unmarshal(conn.msg, &env))
	require.Equal(t, protocol.TypeAppAction, env.Type)
	require.NotEmpty(t, env.Signature)
}

func TestSendCommandToUnknownNodeErrors(t *testing.T) {
	r, _ := newTestRouter(t)
	err := r.SendCommand("missing-node", protocol.TypeAppAction, protocol.AppActionPayload{})
	require.ErrorIs(t, err, ErrNodeNotConnected)
}

func TestBroadcastCommandReachesAllConnectedNodes(t *testing.T) {
	r, reg := newTestRouter(t)
	conn1 := &recordingConn{}
	conn2 := &recordingConn{}
	reg.Register(&sessionregistry.Session{ID: "sess-1", Conn: conn1})
	require.NoError(t, reg.Authorize("sess-1", "node-1"))
	reg.Register(&sessionregistry.Session{ID: "sess-2", Conn: conn2})
	require.NoError(t, reg.Authorize("sess-2", "node-2"))

	r.BroadcastCommand(protocol.TypeShutdownAgent, protocol.ShutdownAgentPayload{Mode: protocol.ShutdownModeStop})

	conn1.mu.Lock()
	require.NotEmpty(t, conn1.msg)
	conn1.mu.Unlock()
	conn2.mu.Lock()
	require.NotEmpty(t, conn2.msg)
	conn2.mu.Unlock()
}
