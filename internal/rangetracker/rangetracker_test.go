package rangetracker

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTrackMergesAdjacentIntervals(t *testing.T) {
	tr := New()
	tr.Track(0, 3)
	tr.Track(5, 7)
	tr.Track(4, 4)

	require.Equal(t, []Interval{{L: 0, R: 7}}, tr.Iter())
}

func TestTrackKeepsGapsDisjoint(t *testing.T) {
	tr := New()
	tr.Track(0, 3)
	tr.Track(10, 12)

	require.Equal(t, []Interval{{L: 0, R: 3}, {L: 10, R: 12}}, tr.Iter())
}

func TestTrackOfAlreadyTrackedIsNoOp(t *testing.T) {
	tr := New()
	tr.Track(0, 10)
	tr.Track(2, 4)

	require.Equal(t, []Interval{{L: 0, R: 10}}, tr.Iter())
}

func TestTakeRangeOnlyAtOrigin(t *testing.T) {
	tr := New()
	tr.Track(2, 4)

	_, ok := tr.TakeRange()
	require.False(t, ok)

	tr.Track(0, 1)
	r, ok := tr.TakeRange()
	require.True(t, ok)
	require.Equal(t, uint64(4), r)
	require.True(t, tr.Empty())
	require.Equal(t, uint64(5), tr.Origin())
}

func TestIsTrackedClassifies(t *testing.T) {
	tr := New()
	tr.Track(5, 10)

	require.Equal(t, Yes, tr.IsTracked(6, 9))
	require.Equal(t, Yes, tr.IsTracked(5, 10))
	require.Equal(t, Partial, tr.IsTracked(8, 12))
	require.Equal(t, Partial, tr.IsTracked(0, 20))
	require.Equal(t, No, tr.IsTracked(11, 20))
	require.Equal(t, No, tr.IsTracked(0, 4))
}

func TestIterAscendingNoAdjacency(t *testing.T) {
	tr := New()
	tr.Track(20, 25)
	tr.Track(0, 5)
	tr.Track(10, 15)

	got := tr.Iter()
	require.Len(t, got, 3)
	for i := 1; i < len(got); i++ {
		require.Greater(t, got[i].L, got[i-1].R+1)
	}
}
