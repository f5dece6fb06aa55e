// Package runtimemgr installs, updates, and removes language runtimes
// (node, python, go, ...) on the host via package-manager invocations
// (§4.5 INSTALL_RUNTIME / UPDATE_RUNTIME / REMOVE_RUNTIME). Grounded on the
// same os/exec-shelling idiom as deploy.GitClient and proxy.Manager: no
// example in the pack manages system packages, so this follows the
// teacher's pattern of a thin struct wrapping argv construction plus
// CombinedOutput rather than importing a provisioning DSL nothing in the
// pack uses.
package runtimemgr

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"

	"github.com/nodefleet/controlplane/internal/protocol"
)

// installer holds the shell scripts used to install/remove one runtime
// kind. %[1]s in installScript is the requested version.
type installer struct {
	installScript string
	removeScript  string
}

// installScript uses %[1]s so the same version argument can be
// substituted more than once without needing to be passed twice.
var installers = map[string]installer{
	"node": {
		installScript: "nvm install %[1]s && nvm alias default %[1]s",
		removeScript:  "nvm uninstall node",
	},
	"python": {
		installScript: "pyenv install -s %[1]s && pyenv global %[1]s",
		removeScript:  "pyenv uninstall -f $(pyenv global)",
	},
	"go": {
		installScript: "curl -fsSL https://go.dev/dl/go%[1]s.linux-amd64.tar.gz -o /tmp/go.tar.gz && " +
			"rm -rf /usr/local/go && tar -C /usr/local -xzf /tmp/go.tar.gz",
		removeScript: "rm -rf /usr/local/go",
	},
}

// runFunc executes a shell script and returns its combined output,
// swappable in tests to avoid touching the real host.
type runFunc func(ctx context.Context, script string) ([]byte, error)

// Manager dispatches RuntimePayload requests to per-runtime shell scripts.
type Manager struct {
	log zerolog.Logger
	run runFunc
}

func New(log zerolog.Logger) *Manager {
	return &Manager{
		log: log.With().Str("component", "runtimemgr").Logger(),
		run: runShell,
	}
}

// Install runs INSTALL_RUNTIME/UPDATE_RUNTIME (the same underlying
// operation: installing a version makes it current).
func (m *Manager) Install(ctx context.Context, payload protocol.RuntimePayload) error {
	inst, ok := installers[strings.ToLower(payload.Runtime)]
	if !ok {
		return fmt.Errorf("unsupported runtime %q", payload.Runtime)
	}
	script := fmt.Sprintf(inst.installScript, payload.Version)
	output, err := m.run(ctx, script)
	if err != nil {
		return fmt.Errorf("install %s %s: %w: %s", payload.Runtime, payload.Version, err, strings.TrimSpace(string(output)))
	}
	m.log.Info().Str("runtime", payload.Runtime).Str("version", payload.Version).Msg("runtime installed")
	return nil
}

// Remove runs REMOVE_RUNTIME.
func (m *Manager) Remove(ctx context.Context, payload protocol.RuntimePayload) error {
	inst, ok := installers[strings.ToLower(payload.Runtime)]
	if !ok {
		return fmt.Errorf("unsupported runtime %q", payload.Runtime)
	}
	output, err := m.run(ctx, inst.removeScript)
	if err != nil {
		return fmt.Errorf("remove %s: %w: %s", payload.Runtime, err, strings.TrimSpace(string(output)))
	}
	m.log.Info().Str("runtime", payload.Runtime).Msg("runtime removed")
	return nil
}

func runShell(ctx context.Context, script string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "bash", "-lc", script)
	return cmd.CombinedOutput()
}
