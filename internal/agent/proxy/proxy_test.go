package proxy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := New(filepath.Join(t.TempDir(), "vhosts"), filepath.Join(t.TempDir(), "certs"), zerolog.Nop())
	var reloadCount int
	m.reload = func(ctx context.Context) error {
		reloadCount++
		return nil
	}
	return m
}

func TestProvisionWritesVhostAndReloads(t *testing.T) {
	m := newTestManager(t)
	reloaded := false
	m.reload = func(ctx context.Context) error { reloaded = true; return nil }

	err := m.Provision(context.Background(), "proxy-1", "app.example.com", 8080, false)
	require.NoError(t, err)
	require.True(t, reloaded)

	data, err := os.ReadFile(m.vhostPath("proxy-1"))
	require.NoError(t, err)
	require.Contains(t, string(data), "app.example.com")
	require.Contains(t, string(data), "127.0.0.1:8080")
}

func TestProvisionWithSSLRegistersAutocertManager(t *testing.T) {
	m := newTestManager(t)
	err := m.Provision(context.Background(), "proxy-2", "secure.example.com", 9090, true)
	require.NoError(t, err)

	ln, err := m.TLSListener("secure.example.com", nil)
	require.NoError(t, err, "a registered domain must resolve to a wrapped listener")
	require.NotNil(t, ln)
}

func TestTLSListenerErrorsForUnregisteredDomain(t *testing.T) {
	m := newTestManager(t)
	_, err := m.TLSListener("unknown.example.com", nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "no TLS manager registered")
}

func TestRemoveDeletesVhostAndAcmeManager(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Provision(context.Background(), "proxy-3", "gone.example.com", 8080, true))

	reloaded := false
	m.reload = func(ctx context.Context) error { reloaded = true; return nil }
	require.NoError(t, m.Remove(context.Background(), "proxy-3", "gone.example.com"))
	require.True(t, reloaded)

	_, err := os.Stat(m.vhostPath("proxy-3"))
	require.True(t, os.IsNotExist(err))

	_, err = m.TLSListener("gone.example.com", nil)
	require.Error(t, err, "removing the proxy must drop its autocert manager too")
}

func TestRemoveNonexistentVhostIsNotAnError(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Remove(context.Background(), "never-existed", "nowhere.example.com"))
}
