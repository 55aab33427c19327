package onepad

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func at(t *testing.T, a *Arena, s Slot, n int64) Cursor {
	t.Helper()
	c := a.Start(s)
	require.NoError(t, c.Advance(n))
	return c
}

func TestLedger(t *testing.T) {
	a := testArena(t)
	require.NoError(t, a.Fill(a.Start(slot0E), Participant0, 40))
	require.NoError(t, a.Fill(a.Start(slot0A), Participant0, 20))
	l := NewLedger()
	d1, d2, d3 := Digest{1}, Digest{2}, Digest{3}

	ok, isNew := l.IsLegitimate(d1, at(t, a, slot0E, 0), at(t, a, slot0E, 10), at(t, a, slot0A, 0), at(t, a, slot0A, 4))
	require.True(t, ok)
	require.True(t, isNew)

	ok, isNew = l.IsLegitimate(d1, at(t, a, slot0E, 30), at(t, a, slot0E, 40), at(t, a, slot0A, 10), at(t, a, slot0A, 12))
	require.True(t, ok, "a known digest is a replay")
	require.False(t, isNew)

	ok, _ = l.IsLegitimate(d2, at(t, a, slot0E, 9), at(t, a, slot0E, 20), at(t, a, slot0A, 4), at(t, a, slot0A, 8))
	require.False(t, ok, "encryption ranges overlap")
	ok, _ = l.IsLegitimate(d2, at(t, a, slot0E, 10), at(t, a, slot0E, 20), at(t, a, slot0A, 3), at(t, a, slot0A, 8))
	require.False(t, ok, "authentication ranges overlap")
	require.False(t, l.Known(d2))

	// adjacent ranges are accepted and coalesced, across a block boundary
	ok, isNew = l.IsLegitimate(d2, at(t, a, slot0E, 10), at(t, a, slot0E, 16), at(t, a, slot0A, 4), at(t, a, slot0A, 8))
	require.True(t, ok)
	require.True(t, isNew)
	ok, _ = l.IsLegitimate(d3, at(t, a, slot0E, 16), at(t, a, slot0E, 20), at(t, a, slot0A, 20), at(t, a, slot0A, 24))
	require.True(t, ok)

	enc := l.Areas(slot0E)
	require.Len(t, enc, 1)
	r, err := Compare(enc[0][1], at(t, a, slot0E, 20))
	require.NoError(t, err)
	require.Zero(t, r)
	require.Len(t, l.Areas(slot0A), 2)
	require.Equal(t, 3, l.Len())
}

func TestLedgerEmptyRanges(t *testing.T) {
	a := testArena(t)
	require.NoError(t, a.Fill(a.Start(slot0E), Participant0, 40))
	l := NewLedger()
	c := at(t, a, slot0E, 5)
	ok, isNew := l.IsLegitimate(Digest{9}, c, c, c, c)
	require.True(t, ok)
	require.True(t, isNew)
	require.Empty(t, l.Areas(slot0E))
}
