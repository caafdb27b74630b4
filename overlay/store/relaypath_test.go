package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRelayPathsPutOverwrites(t *testing.T) {
	r := NewRelayPaths()
	r.Put(1, "requester", "hop-a")
	r.Put(1, "requester", "hop-b") // unlike Waiter, this is allowed to overwrite

	got, ok := r.Get(1)
	require.True(t, ok)
	require.Equal(t, "hop-b", got.ShipTo)
}

func TestRelayPathsEvictOldest(t *testing.T) {
	r := NewRelayPaths()
	for i := uint32(0); i < 20; i++ {
		r.Put(i, "requester", "hop")
	}
	require.Equal(t, 20, r.Len())

	r.EvictOldest(20) // at cap, no-op
	require.Equal(t, 20, r.Len())

	r.EvictOldest(10)
	require.LessOrEqual(t, r.Len(), 10)
}
