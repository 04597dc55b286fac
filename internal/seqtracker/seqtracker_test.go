package seqtracker

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddDuplicateReturnsFalse(t *testing.T) {
	tr := New(0)
	require.True(t, tr.Add(7))
	require.False(t, tr.Add(7))
}

func TestTakeAdvancesWindowStartOnContiguousLead(t *testing.T) {
	tr := New(0)
	tr.Add(0)
	tr.Add(1)
	tr.Add(2)
	tr.Add(3)

	ranges := tr.Take()
	require.Equal(t, []Range{{L: 0, R: 3}}, ranges)
	require.Equal(t, uint16(4), tr.WindowStart())
}

func TestTakeDoesNotAdvanceWithoutContiguousLead(t *testing.T) {
	tr := New(10)
	tr.Add(12)
	tr.Add(13)

	ranges := tr.Take()
	require.Equal(t, []Range{{L: 12, R: 13}}, ranges)
	require.Equal(t, uint16(10), tr.WindowStart())
}

func TestTrackerSurvivesWrapAroundWindow(t *testing.T) {
	tr := New(65534)
	tr.Add(65534)
	tr.Add(65535)
	tr.Add(0)
	tr.Add(1)

	ranges := tr.Take()
	require.Equal(t, []Range{{L: 65534, R: 1}}, ranges)
	require.Equal(t, uint16(2), tr.WindowStart())
}

func TestTakeKeepsTrailingRangeAfterAdvancingPastLead(t *testing.T) {
	tr := New(0)
	tr.Add(0)
	tr.Add(1)
	tr.Add(5)
	tr.Add(6)

	ranges := tr.Take()
	require.ElementsMatch(t, []Range{{L: 0, R: 1}, {L: 5, R: 6}}, ranges)
	require.Equal(t, uint16(2), tr.WindowStart())

	tr.Add(2)
	tr.Add(3)
	tr.Add(4)
	ranges = tr.Take()
	require.Equal(t, []Range{{L: 2, R: 6}}, ranges)
	require.Equal(t, uint16(7), tr.WindowStart())
}
