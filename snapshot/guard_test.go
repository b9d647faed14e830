package snapshot

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGuardTryLockExclusive(t *testing.T) {
	g := NewGuard()

	h1, ok := g.TryLock("k")
	require.True(t, ok)
	require.True(t, g.Locked("k"))

	_, ok = g.TryLock("k")
	require.False(t, ok, "a second TryLock on a held key must fail, never block")

	g.Unlock("k", h1)
	require.False(t, g.Locked("k"))

	_, ok = g.TryLock("k")
	require.True(t, ok)
}

func TestGuardUnlockMismatchedHandleIsNoop(t *testing.T) {
	g := NewGuard()
	h1, _ := g.TryLock("k")
	g.Unlock("k", h1+1) // stale / wrong handle
	require.True(t, g.Locked("k"), "mismatched handle must not release another holder's lock")
	g.Unlock("k", h1)
	require.False(t, g.Locked("k"))
}

func TestGuardIndependentKeys(t *testing.T) {
	g := NewGuard()
	_, ok1 := g.TryLock("a")
	_, ok2 := g.TryLock("b")
	require.True(t, ok1)
	require.True(t, ok2)
}
