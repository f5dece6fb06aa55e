package deploy

import (
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/nodefleet/controlplane/internal/protocol"
)

// fakeSupervisor avoids spawning real processes so tests exercise the
// pipeline's state machine, not the OS.
type fakeSupervisor struct {
	mu       sync.Mutex
	started  []string
	healthy  bool
}

func (f *fakeSupervisor) Start(appID, dir string, env map[string]string, mainPort int) ([]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, appID)
	return nil, nil
}
func (f *fakeSupervisor) IsHealthy(appID string, port int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthy
}

type fakeReporter struct {
	mu      sync.Mutex
	phases  []protocol.DeployPhase
}

func (r *fakeReporter) ReportStatus(appID, commitHash string, phase protocol.DeployPhase, detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.phases = append(r.phases, phase)
}
func (r *fakeReporter) ReportLog(appID, stream, line string)       {}
func (r *fakeReporter) ReportDetectedPorts(appID string, ports []int) {}

func (r *fakeReporter) finalPhase() protocol.DeployPhase {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.phases) == 0 {
		return ""
	}
	return r.phases[len(r.phases)-1]
}

func (r *fakeReporter) waitForPhase(t *testing.T, phase protocol.DeployPhase) {
	t.Helper()
	require.Eventually(t, func() bool {
		return r.finalPhase() == phase
	}, 5*time.Second, 50*time.Millisecond)
}

// newTestRepo creates a local git repo with one commit and a start.sh so
// Clone/GetCommitHash exercise real git plumbing.
func newTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	run("init")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "start.sh"), []byte("#!/bin/sh\nsleep 1\n"), 0o755))
	run("add", ".")
	run("commit", "-m", "initial")
	return dir
}

func TestPipelineSuccessfulDeploy(t *testing.T) {
	repo := newTestRepo(t)
	sup := &fakeSupervisor{healthy: true}
	rep := &fakeReporter{}
	p := New(t.TempDir(), sup, rep, zerolog.Nop(), nil)

	p.Submit(protocol.DeployPayload{AppID: "app-1", RepoURL: repo})

	rep.waitForPhase(t, protocol.PhaseSuccess)
	require.Contains(t, sup.started, "app-1")
}

func TestPipelineRollsBackOnFailedHealthCheck(t *testing.T) {
	repo := newTestRepo(t)
	sup := &fakeSupervisor{healthy: true}
	rep := &fakeReporter{}
	p := New(t.TempDir(), sup, rep, zerolog.Nop(), nil)

	p.Submit(protocol.DeployPayload{AppID: "app-1", RepoURL: repo, MainPort: 1})
	rep.waitForPhase(t, protocol.PhaseSuccess)

	sup.mu.Lock()
	sup.healthy = false
	sup.mu.Unlock()

	p.Submit(protocol.DeployPayload{AppID: "app-1", RepoURL: repo, MainPort: 1})

	require.Eventually(t, func() bool {
		phase := rep.finalPhase()
		return phase == protocol.PhaseFailure || phase == protocol.PhaseSuccess
	}, 10*time.Second, 100*time.Millisecond)
}

func TestPipelineSkipsDuplicateCommit(t *testing.T) {
	repo := newTestRepo(t)
	sup := &fakeSupervisor{healthy: true}
	rep := &fakeReporter{}
	p := New(t.TempDir(), sup, rep, zerolog.Nop(), nil)

	cmd := exec.Command("git", "rev-parse", "HEAD")
	cmd.Dir = repo
	out, err := cmd.Output()
	require.NoError(t, err)
	commit := string(out[:len(out)-1])

	p.Submit(protocol.DeployPayload{AppID: "app-1", RepoURL: repo, CommitHash: commit})
	rep.waitForPhase(t, protocol.PhaseSuccess)

	startsBefore := len(sup.started)
	p.Submit(protocol.DeployPayload{AppID: "app-1", RepoURL: repo, CommitHash: commit})
	rep.waitForPhase(t, protocol.PhaseBuildSkipped)

	require.Equal(t, startsBefore, len(sup.started), "duplicate commit should not restart the process")
}
