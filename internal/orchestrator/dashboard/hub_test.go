package dashboard

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/nodefleet/controlplane/internal/protocol"
)

type captureConn struct {
	mu       sync.Mutex
	messages [][]byte
	closed   bool
}

func (c *captureConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, data)
	return nil
}
func (c *captureConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
func (c *captureConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

func TestBroadcastToOwnerOnlyReachesScopedClients(t *testing.T) {
	h := New(zerolog.Nop())
	connA := &captureConn{}
	connB := &captureConn{}
	h.Register("client-a", "owner-1", connA)
	h.Register("client-b", "owner-2", connB)

	h.BroadcastToOwner("owner-1", protocol.TypeDeployStatus, protocol.StatusUpdatePayload{AppID: "app-1"})

	require.Eventually(t, func() bool { return connA.count() == 1 }, time.Second, 10*time.Millisecond)
	require.Equal(t, 0, connB.count())
}

func TestBroadcastToOwnerCounts(t *testing.T) {
	h := New(zerolog.Nop())
	h.Register("client-a", "owner-1", &captureConn{})
	h.Register("client-b", "owner-1", &captureConn{})
	h.Register("client-c", "owner-2", &captureConn{})

	require.Equal(t, 2, h.ClientsForOwner("owner-1"))
	require.Equal(t, 1, h.ClientsForOwner("owner-2"))
}

func TestUnregisterStopsDelivery(t *testing.T) {
	h := New(zerolog.Nop())
	conn := &captureConn{}
	h.Register("client-a", "owner-1", conn)
	h.Unregister("client-a")

	require.Eventually(t, func() bool { return conn.closed }, time.Second, 10*time.Millisecond)
	require.Equal(t, 0, h.ClientsForOwner("owner-1"))
}

func TestLogQueueDropsOldestWhenFull(t *testing.T) {
	h := New(zerolog.Nop())
	release := make(chan struct{})
	conn := &blockingConn{release: release}
	h.Register("client-a", "owner-1", conn)

	// The write-pump is stalled on the first send, so the queue fills and
	// subsequent log frames must drop the oldest rather than block the
	// broadcaster or the caller.
	for i := 0; i < logQueueSize+10; i++ {
		h.BroadcastToOwner("owner-1", protocol.TypeDeployLog,
			protocol.LogStreamPayload{Line: "x"})
	}
	close(release)
}

type blockingConn struct {
	release chan struct{}
}

func (b *blockingConn) Send(data []byte) error {
	<-b.release
	return nil
}
func (b *blockingConn) Close() error { return nil }
