package signer

import (
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nodefleet/controlplane/internal/orchestrator/identity"
	"github.com/nodefleet/controlplane/internal/protocol"
)

func TestSignProducesVerifiableEnvelope(t *testing.T) {
	id, err := identity.LoadOrGenerate(t.TempDir())
	require.NoError(t, err)

	s := New(id)
	env, err := s.Sign(protocol.TypeAppAction, protocol.AppActionPayload{
		AppID:  "app-1",
		Action: protocol.AppActionRestart,
	})
	require.NoError(t, err)
	require.Equal(t, protocol.TypeAppAction, env.Type)
	require.NotEmpty(t, env.Nonce)
	require.NotEmpty(t, env.Signature)

	cmd := protocol.SignedCommand{
		Type:      env.Type,
		Payload:   json.RawMessage(env.Payload),
		Timestamp: env.Timestamp,
		Nonce:     env.Nonce,
	}
	sigBytes, err := hex.DecodeString(env.Signature)
	require.NoError(t, err)

	ok, err := cmd.Verify(id.PublicKey(), sigBytes)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestSignRejectsUnsignedCommandType(t *testing.T) {
	id, err := identity.LoadOrGenerate(t.TempDir())
	require.NoError(t, err)

	s := New(id)
	_, err = s.Sign(protocol.TypeChallenge, protocol.ChallengeFrame{Nonce: "x"})
	require.Error(t, err)
}
