// Package verifier checks inbound signed commands against the cached
// orchestrator public key, the clock-skew window, and the replay-protection
// nonce cache (spec §4.2). Grounded on the four-factor verification implied
// by Generativebots-ocx-backend-go-svc/internal/federation/protocol.go's
// Attestation.Verify (signature + freshness), extended here with nonce
// replay tracking and the degraded-mode rule resolved in SPEC_FULL.md §11.1.
package verifier

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/nodefleet/controlplane/internal/agent/errors"
	"github.com/nodefleet/controlplane/internal/agent/identity"
	"github.com/nodefleet/controlplane/internal/agent/nonce"
	"github.com/nodefleet/controlplane/internal/protocol"
)

// Verifier validates signed commands delivered over an authorized session.
type Verifier struct {
	id       *identity.Identity
	nonces   *nonce.Cache
	skew     time.Duration
	degraded bool // true until the first orchestrator key is cached
}

// New constructs a Verifier. degraded starts true whenever id has no cached
// orchestrator key yet, matching the accept-until-first-REGISTERED rule
// from SPEC_FULL.md §11.1.
func New(id *identity.Identity, nonces *nonce.Cache, skew time.Duration) *Verifier {
	return &Verifier{
		id:       id,
		nonces:   nonces,
		skew:     skew,
		degraded: id.OrchestratorKey() == nil,
	}
}

// NoteOrchestratorKeyCached must be called once the agent caches its first
// (or rotated) orchestrator key, ending degraded mode.
func (v *Verifier) NoteOrchestratorKeyCached() {
	v.degraded = false
}

// Verify checks env against the signed-command contract. Unsigned frame
// types are rejected here — callers should only invoke Verify for command
// types where protocol.RequiresSignature is true.
func (v *Verifier) Verify(env protocol.Envelope) error {
	if !protocol.RequiresSignature(env.Type) {
		return fmt.Errorf("command type %q does not require verification", env.Type)
	}

	orchKey := v.id.OrchestratorKey()
	if orchKey == nil {
		if v.degraded {
			// Accept-until-first-REGISTERED: no key to verify against yet,
			// so signed commands pass through unverified during the brief
			// window between connecting and completing the handshake.
			return nil
		}
		return errors.ErrNoOrchestratorKey
	}

	now := time.Now().UnixMilli()
	skewMs := v.skew.Milliseconds()
	if env.Timestamp < now-skewMs || env.Timestamp > now+skewMs {
		return errors.ErrClockSkew
	}

	if v.nonces.SeenBefore(env.Nonce) {
		return errors.ErrNonceReplayed
	}

	cmd := protocol.SignedCommand{
		Type:      env.Type,
		Payload:   env.Payload,
		Timestamp: env.Timestamp,
		Nonce:     env.Nonce,
	}
	sigBytes, err := hex.DecodeString(env.Signature)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	ok, err := cmd.Verify(orchKey, sigBytes)
	if err != nil {
		return fmt.Errorf("verify signature: %w", err)
	}
	if !ok {
		return errors.ErrBadSignature
	}
	return nil
}
