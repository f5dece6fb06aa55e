package leaderelection

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *Config {
	t.Helper()
	cfg := DefaultConfig("node-1", BackendFile)
	cfg.LockFilePath = filepath.Join(t.TempDir(), "agent.lock")
	cfg.RetryPeriod = 20 * time.Millisecond
	cfg.RenewDeadline = 50 * time.Millisecond
	cfg.InstanceID = "instance-a"
	return cfg
}

func TestFileBackendAcquireRenewRelease(t *testing.T) {
	cfg := testConfig(t)
	backend, err := newFileBackend(cfg)
	require.NoError(t, err)

	acquired, err := backend.TryAcquire(context.Background())
	require.NoError(t, err)
	require.True(t, acquired)

	leader, err := backend.GetLeader(context.Background())
	require.NoError(t, err)
	require.Equal(t, cfg.InstanceID, leader)

	require.NoError(t, backend.Renew(context.Background()))
	require.NoError(t, backend.Release(context.Background()))
}

func TestFileBackendSecondInstanceCannotAcquire(t *testing.T) {
	cfg := testConfig(t)
	first, err := newFileBackend(cfg)
	require.NoError(t, err)
	acquired, err := first.TryAcquire(context.Background())
	require.NoError(t, err)
	require.True(t, acquired)

	second := &fileBackend{cfg: cfg, lockPath: cfg.LockFilePath}
	acquired, err = second.TryAcquire(context.Background())
	require.NoError(t, err)
	require.False(t, acquired, "a held flock must not be acquirable by a second instance")

	require.NoError(t, first.Close())
}

func TestElectorBecomesLeaderAndNotifies(t *testing.T) {
	cfg := testConfig(t)
	e, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	becameLeader := make(chan struct{}, 1)
	go e.Run(ctx, func() { becameLeader <- struct{}{} }, func() {})

	select {
	case <-becameLeader:
	case <-time.After(2 * time.Second):
		t.Fatal("elector never became leader")
	}
	require.True(t, e.IsLeader())

	e.Stop()
}

func TestElectorReleasesOnStop(t *testing.T) {
	cfg := testConfig(t)
	e, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)

	ctx := context.Background()
	becameLeader := make(chan struct{}, 1)
	go e.Run(ctx, func() { becameLeader <- struct{}{} }, func() {})

	select {
	case <-becameLeader:
	case <-time.After(2 * time.Second):
		t.Fatal("elector never became leader")
	}

	e.Stop()
	require.Eventually(t, func() bool { return !e.IsLeader() }, time.Second, 10*time.Millisecond)

	other, err := newFileBackend(cfg)
	require.NoError(t, err)
	acquired, err := other.TryAcquire(context.Background())
	require.NoError(t, err)
	require.True(t, acquired, "lock must be released after Stop so another instance can acquire it")
}
