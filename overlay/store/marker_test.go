package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMarkerSetAddContains(t *testing.T) {
	m := NewMarkerSet()
	require.False(t, m.Contains(42))
	m.Add(42)
	require.True(t, m.Contains(42))
	require.Equal(t, 1, m.Len())

	// Re-adding is a no-op.
	m.Add(42)
	require.Equal(t, 1, m.Len())
}

func TestMarkerSetTrimToNewerHalf(t *testing.T) {
	m := NewMarkerSet()
	for i := uint32(0); i < 50; i++ {
		m.Add(i)
	}
	require.Equal(t, 50, m.Len())

	m.TrimToNewerHalf(50) // at cap, no-op
	require.Equal(t, 50, m.Len())

	m.Add(50)
	m.TrimToNewerHalf(50)
	require.LessOrEqual(t, m.Len(), 50)

	// The oldest entries should be the ones dropped.
	require.False(t, m.Contains(0))
	require.True(t, m.Contains(50))
}
