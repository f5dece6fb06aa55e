package nonce

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSeenBeforeDetectsReplay(t *testing.T) {
	c := New(8)
	require.False(t, c.SeenBefore("abc"))
	require.True(t, c.SeenBefore("abc"))
}

func TestSeenBeforeEvictsOldestWhenFull(t *testing.T) {
	c := New(4)
	for i := 0; i < 4; i++ {
		require.False(t, c.SeenBefore(fmt.Sprintf("nonce-%d", i)))
	}
	require.Equal(t, 4, c.Len())

	// inserting a 5th nonce evicts nonce-0
	require.False(t, c.SeenBefore("nonce-4"))
	require.Equal(t, 4, c.Len())

	// nonce-0 was evicted, so it is no longer considered "seen"
	require.False(t, c.SeenBefore("nonce-0"))
}

func TestNewDefaultsInvalidCapacity(t *testing.T) {
	c := New(0)
	require.Equal(t, 0, c.Len())
	require.False(t, c.SeenBefore("x"))
}
