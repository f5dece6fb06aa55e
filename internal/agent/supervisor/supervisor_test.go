package supervisor

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func writeStartScript(t *testing.T, dir string, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "start.sh"), []byte(body), 0o755))
}

func TestStartTracksRunningProcess(t *testing.T) {
	dir := t.TempDir()
	writeStartScript(t, dir, "#!/bin/sh\nsleep 5\n")

	s := New(zerolog.Nop())
	_, err := s.Start("app-1", dir, nil, 0)
	require.NoError(t, err)
	require.True(t, s.IsRunning("app-1"))

	require.NoError(t, s.Stop("app-1"))
	require.Eventually(t, func() bool { return !s.IsRunning("app-1") }, 2*time.Second, 50*time.Millisecond)
}

func TestStartFailsWithoutStartScript(t *testing.T) {
	dir := t.TempDir()
	s := New(zerolog.Nop())
	_, err := s.Start("app-1", dir, nil, 0)
	require.Error(t, err)
}

func TestRestartRequiresPriorStart(t *testing.T) {
	s := New(zerolog.Nop())
	_, err := s.Restart("never-started", nil, 0)
	require.Error(t, err)
}

func TestIsHealthyFalseWhenNotRunning(t *testing.T) {
	s := New(zerolog.Nop())
	require.False(t, s.IsHealthy("missing", 8080))
}
