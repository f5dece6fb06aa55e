// Package signer builds and signs outbound commands with the orchestrator's
// identity, producing the Envelope ready to push to an agent session.
// Grounded on the canonical signing contract in internal/protocol/canonical.go
// and the nonce/timestamp fields the teacher's AgentMessage leaves unused.
package signer

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nodefleet/controlplane/internal/orchestrator/identity"
	"github.com/nodefleet/controlplane/internal/protocol"
)

// Signer signs commands with a fixed orchestrator identity.
type Signer struct {
	id *identity.Identity
}

// New constructs a Signer bound to id.
func New(id *identity.Identity) *Signer {
	return &Signer{id: id}
}

// Sign builds a protocol.Envelope for commandType/payload, stamping a fresh
// nonce and timestamp and signing per §4.2. Non-privileged types (those
// RequiresSignature reports false for) are rejected: callers must send those
// as plain frames instead.
func (s *Signer) Sign(commandType string, payload any) (protocol.Envelope, error) {
	if !protocol.RequiresSignature(commandType) {
		return protocol.Envelope{}, fmt.Errorf("command type %q is not a signed command", commandType)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return protocol.Envelope{}, fmt.Errorf("marshal payload for %s: %w", commandType, err)
	}

	nonce, err := randomNonce()
	if err != nil {
		return protocol.Envelope{}, fmt.Errorf("generate nonce for %s: %w", commandType, err)
	}

	cmd := protocol.SignedCommand{
		Type:      commandType,
		Payload:   raw,
		Timestamp: time.Now().UnixMilli(),
		Nonce:     nonce,
	}

	sigBytes := s.id.Sign(mustCanonical(cmd))

	return protocol.Envelope{
		Type:      commandType,
		Payload:   raw,
		Timestamp: cmd.Timestamp,
		Nonce:     cmd.Nonce,
		Signature: hex.EncodeToString(sigBytes),
	}, nil
}

func mustCanonical(cmd protocol.SignedCommand) []byte {
	data, _ := json.Marshal(cmd)
	return data
}

func randomNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
