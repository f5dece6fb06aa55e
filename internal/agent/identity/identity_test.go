package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadOrGenerateCreatesAndPersistsKeypair(t *testing.T) {
	dir := t.TempDir()

	id1, err := LoadOrGenerate(dir)
	require.NoError(t, err)
	require.NotEmpty(t, id1.PublicKey())
	require.Nil(t, id1.OrchestratorKey())

	id2, err := LoadOrGenerate(dir)
	require.NoError(t, err)
	require.Equal(t, id1.PublicKey(), id2.PublicKey(), "second load should reuse persisted key")
}

func TestCacheOrchestratorKeyPersistsAcrossLoads(t *testing.T) {
	dir := t.TempDir()
	id1, err := LoadOrGenerate(dir)
	require.NoError(t, err)

	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	require.NoError(t, id1.CacheOrchestratorKey(pub))

	id2, err := LoadOrGenerate(dir)
	require.NoError(t, err)
	require.Equal(t, pub, id2.OrchestratorKey())
}

func TestRegenerateReplacesKeyAndPersists(t *testing.T) {
	dir := t.TempDir()
	id1, err := LoadOrGenerate(dir)
	require.NoError(t, err)
	oldPub := id1.PublicKey()

	newPub, err := id1.Regenerate()
	require.NoError(t, err)
	require.NotEqual(t, oldPub, newPub)
	require.Equal(t, newPub, id1.PublicKey())

	id2, err := LoadOrGenerate(dir)
	require.NoError(t, err)
	require.Equal(t, newPub, id2.PublicKey(), "regenerated key must persist across loads")
}

func TestSignIsVerifiableWithPublicKey(t *testing.T) {
	id, err := LoadOrGenerate(t.TempDir())
	require.NoError(t, err)

	sig := id.Sign([]byte("hello"))
	require.True(t, ed25519.Verify(id.PublicKey(), []byte("hello"), sig))
}
