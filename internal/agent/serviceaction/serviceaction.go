// Package serviceaction runs SERVICE_ACTION commands (§4.5) against
// systemd units on the host. Grounded on the same os/exec-shelling idiom
// used throughout this agent (deploy.GitClient, proxy.Manager,
// runtimemgr.Manager) for anything the pack has no client library for.
package serviceaction

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/nodefleet/controlplane/internal/protocol"
)

var allowedActions = map[string]bool{
	"start": true, "stop": true, "restart": true, "reload": true,
}

// runFunc executes `systemctl <action> <service>` and returns combined
// output, swappable in tests.
type runFunc func(ctx context.Context, action, service string) ([]byte, error)

// Runner executes SERVICE_ACTION payloads.
type Runner struct {
	log zerolog.Logger
	run runFunc
}

func New(log zerolog.Logger) *Runner {
	return &Runner{log: log.With().Str("component", "serviceaction").Logger(), run: runSystemctl}
}

// Run executes payload.Action against payload.Service.
func (r *Runner) Run(ctx context.Context, payload protocol.ServiceActionPayload) error {
	action := strings.ToLower(payload.Action)
	if !allowedActions[action] {
		return fmt.Errorf("unsupported service action %q", payload.Action)
	}
	if payload.Service == "" {
		return fmt.Errorf("service name is required")
	}

	output, err := r.run(ctx, action, payload.Service)
	if err != nil {
		return fmt.Errorf("%s %s: %w: %s", action, payload.Service, err, strings.TrimSpace(string(output)))
	}
	r.log.Info().Str("service", payload.Service).Str("action", action).Msg("service action completed")
	return nil
}
