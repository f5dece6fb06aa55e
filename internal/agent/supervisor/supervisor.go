// Package supervisor manages the per-app OS processes a deploy starts,
// stops, and restarts (spec §4.4, §4.5's APP_ACTION). No teacher file
// supervises host processes directly — the teacher's agent supervises
// Docker containers via the Docker Engine API, which this spec's
// process-per-app model deliberately does not use (see DESIGN.md's
// dropped-dependency note on docker/docker). This package instead shells
// out with os/exec the same way the teacher's own GitClient shells out to
// git, applying that idiom to process lifecycle instead of version control.
package supervisor

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	agenterrors "github.com/nodefleet/controlplane/internal/agent/errors"
)

// process tracks one running app.
type process struct {
	cmd   *exec.Cmd
	appID string
	dir   string
}

// Supervisor owns every running app process.
type Supervisor struct {
	mu        sync.Mutex
	processes map[string]*process
	log       zerolog.Logger
}

// New constructs a Supervisor.
func New(log zerolog.Logger) *Supervisor {
	return &Supervisor{
		processes: make(map[string]*process),
		log:       log.With().Str("component", "supervisor").Logger(),
	}
}

// Start launches (or restarts) appID's process from dir with env, stopping
// any prior instance first. It returns the ports the process is expected to
// listen on (currently just mainPort, when set) for DETECTED_PORTS
// reporting.
func (s *Supervisor) Start(appID, dir string, env map[string]string, mainPort int) ([]int, error) {
	s.Stop(appID) // idempotent: no-op if nothing was running

	script := filepath.Join(dir, "start.sh")
	if _, err := os.Stat(script); err != nil {
		return nil, fmt.Errorf("%w: no start.sh in %s", agenterrors.ErrProcessStartFailed, dir)
	}

	cmd := exec.Command("sh", script)
	cmd.Dir = dir
	cmd.Env = buildEnv(env, mainPort)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", agenterrors.ErrProcessStartFailed, err)
	}

	s.mu.Lock()
	s.processes[appID] = &process{cmd: cmd, appID: appID, dir: dir}
	s.mu.Unlock()

	go s.reap(appID, cmd)

	if mainPort > 0 {
		return []int{mainPort}, nil
	}
	return nil, nil
}

func (s *Supervisor) reap(appID string, cmd *exec.Cmd) {
	err := cmd.Wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.processes[appID]; ok && current.cmd == cmd {
		delete(s.processes, appID)
		if err != nil {
			s.log.Warn().Err(err).Str("appId", appID).Msg("app process exited with error")
		}
	}
}

// Stop terminates appID's process group, if one is running.
func (s *Supervisor) Stop(appID string) error {
	s.mu.Lock()
	p, ok := s.processes[appID]
	if ok {
		delete(s.processes, appID)
	}
	s.mu.Unlock()

	if !ok {
		return nil
	}
	if p.cmd.Process == nil {
		return nil
	}
	// Negative pid signals the whole process group, matching the Setpgid
	// used at Start so build/run shim children are killed too.
	_ = syscall.Kill(-p.cmd.Process.Pid, syscall.SIGTERM)
	return nil
}

// Restart stops then starts appID again, reusing its last known directory.
func (s *Supervisor) Restart(appID string, env map[string]string, mainPort int) ([]int, error) {
	s.mu.Lock()
	p, ok := s.processes[appID]
	s.mu.Unlock()
	if !ok {
		return nil, agenterrors.ErrProcessNotRunning
	}
	return s.Start(appID, p.dir, env, mainPort)
}

// IsRunning reports whether appID currently has a tracked process.
func (s *Supervisor) IsRunning(appID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.processes[appID]
	return ok
}

// RunningApps lists the appIDs currently tracked as running, used for
// GET_SERVER_STATUS snapshots.
func (s *Supervisor) RunningApps() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	apps := make([]string, 0, len(s.processes))
	for appID := range s.processes {
		apps = append(apps, appID)
	}
	return apps
}

// IsHealthy reports whether appID's process is both tracked and accepting
// TCP connections on port, used by the deploy pipeline's health-check phase.
func (s *Supervisor) IsHealthy(appID string, port int) bool {
	if !s.IsRunning(appID) {
		return false
	}
	if port == 0 {
		return true
	}
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func buildEnv(env map[string]string, mainPort int) []string {
	out := os.Environ()
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	if mainPort > 0 {
		out = append(out, fmt.Sprintf("PORT=%d", mainPort))
	}
	return out
}
