package protocol

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSignedCommandRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	cmd := SignedCommand{
		Type:      TypeDeploy,
		Payload:   json.RawMessage(`{"appId":"app-1","commitHash":"abc123"}`),
		Timestamp: 1700000000000,
		Nonce:     "0123456789abcdef0123456789abcdef",
	}

	sig, err := cmd.Sign(priv)
	require.NoError(t, err)

	ok, err := cmd.Verify(pub, sig)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestSignedCommandVerifyRejectsTamperedPayload(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	cmd := SignedCommand{
		Type:      TypeAppAction,
		Payload:   json.RawMessage(`{"action":"stop"}`),
		Timestamp: 1700000000000,
		Nonce:     "abcdefabcdefabcdefabcdefabcdefab",
	}
	sig, err := cmd.Sign(priv)
	require.NoError(t, err)

	tampered := cmd
	tampered.Payload = json.RawMessage(`{"action":"delete"}`)

	ok, err := tampered.Verify(pub, sig)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRequiresSignature(t *testing.T) {
	require.True(t, RequiresSignature(TypeDeploy))
	require.True(t, RequiresSignature(TypeCPKeyRotation))
	require.False(t, RequiresSignature(TypeChallenge))
	require.False(t, RequiresSignature(TypeAuthorized))
	require.False(t, RequiresSignature(TypeServerStatus))
}
