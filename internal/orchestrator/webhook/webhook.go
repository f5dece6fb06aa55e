// Package webhook ingests deploy triggers from the Git/OAuth webhook
// collaborator (out of scope per spec.md §1 — "only its contract is
// specified") and resolves them to a signed DEPLOY on the right agent
// session (§4.3 "Webhook → agent routing"). Grounded on the teacher's
// api/internal/sync/git.go + sync.go pair: a webhook payload carries just
// enough to identify a repo and a ref, and the orchestrator does the
// resolving — here via the repository instead of the teacher's local
// git-sync worktree bookkeeping.
package webhook

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/nodefleet/controlplane/internal/orchestrator/activity"
	"github.com/nodefleet/controlplane/internal/orchestrator/repository"
	"github.com/nodefleet/controlplane/internal/protocol"
)

// Trigger is the deploy-trigger contract the webhook collaborator carries
// (§4.3): enough to resolve an App and build a DEPLOY payload.
type Trigger struct {
	RepoURL    string
	CommitHash string
	Branch     string
}

// CommandRouter delivers a signed command to a node, matching the subset
// of router.Router this package depends on.
type CommandRouter interface {
	SendCommand(nodeID, commandType string, payload any) error
}

// ErrAppNotFound is returned when no App matches the trigger's repo URL
// for the resolved owner.
var ErrAppNotFound = fmt.Errorf("webhook: no app registered for repo URL")

// Ingestor resolves a Trigger to an (owner, node, app) tuple and dispatches
// a signed DEPLOY, reusing the dashboard→agent path per §4.3.
// quota is deliberately not consulted here: a webhook trigger always
// targets an App that already exists (resolved by repo URL below), so it
// is a redeploy, not new allocation — the only quota check in the server
// package is on node registration during the agent handshake.
type Ingestor struct {
	repo   repository.Repository
	router CommandRouter
	log    *activity.Log
	logger zerolog.Logger
}

// New constructs an Ingestor.
func New(repo repository.Repository, router CommandRouter, activityLog *activity.Log, logger zerolog.Logger) *Ingestor {
	return &Ingestor{repo: repo, router: router, log: activityLog, logger: logger.With().Str("component", "webhook").Logger()}
}

// Ingest resolves (ownerID, trigger.RepoURL) to an App via the repository
// and dispatches a signed DEPLOY to its node, per §4.3. ownerID is supplied
// by the caller (the out-of-scope webhook receiver authenticates the
// incoming request and attaches the owner before calling this package —
// this spec's contract only covers what happens after that point).
func (i *Ingestor) Ingest(ctx context.Context, ownerID string, t Trigger) error {
	app, ok, err := i.repo.FindAppByRepoURL(ctx, ownerID, t.RepoURL)
	if err != nil {
		return fmt.Errorf("resolve app for webhook trigger: %w", err)
	}
	if !ok {
		return ErrAppNotFound
	}

	// Idempotence (§4.4): a DEPLOY with the same {appId, commitHash} as the
	// currently serving process is a no-op on the agent side, which reports
	// build_skipped — the orchestrator still dispatches it rather than
	// short-circuiting here, since only the agent knows what is currently
	// serving traffic.
	payload := protocol.DeployPayload{
		AppID:            app.ID,
		RepoURL:          t.RepoURL,
		CommitHash:       t.CommitHash,
		Branch:           t.Branch,
		Env:              app.Env,
		MainPort:         app.MainPort,
		NonCodeAllowlist: app.NonCodeAllowlist,
	}

	i.logger.Info().Str("appId", app.ID).Str("nodeId", app.NodeID).Str("commit", t.CommitHash).Msg("dispatching webhook-triggered deploy")

	if err := i.router.SendCommand(app.NodeID, protocol.TypeDeploy, payload); err != nil {
		if i.log != nil {
			i.log.Record(ctx, ownerID, app.NodeID, "webhook_deploy", repository.ActivityFailure, err.Error())
		}
		return fmt.Errorf("dispatch webhook deploy: %w", err)
	}

	if i.log != nil {
		i.log.Record(ctx, ownerID, app.NodeID, "webhook_deploy", repository.ActivityInfo, t.CommitHash)
	}
	return nil
}
