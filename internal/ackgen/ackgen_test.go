package ackgen

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/dmnsafonov/ping6-tools/internal/seqtracker"
)

func TestDrainsOnTickWhenTrackerHasRanges(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tr := seqtracker.New(0)
	tr.Add(0)
	tr.Add(1)

	g := New(clock, 2500*time.Millisecond, tr)
	g.Start()
	defer g.Close()

	clock.BlockUntil(1)
	clock.Advance(2500 * time.Millisecond)

	batch := <-g.Out()
	require.Equal(t, []seqtracker.Range{{L: 0, R: 1}}, batch.Ranges)
	require.Equal(t, uint16(2), batch.WindowStart)
}

func TestTimelessShortCircuitsNextTick(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tr := seqtracker.New(0)
	tr.Add(5)

	g := New(clock, 2500*time.Millisecond, tr)
	g.Start()
	defer g.Close()

	g.Timeless()
	batch := <-g.Out()
	require.Equal(t, []seqtracker.Range{{L: 5, R: 5}}, batch.Ranges)
}

func TestStopClosesOutAfterFinalDrain(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tr := seqtracker.New(0)

	g := New(clock, 2500*time.Millisecond, tr)
	g.Start()
	g.Stop()

	clock.BlockUntil(1)
	clock.Advance(2500 * time.Millisecond)

	_, ok := <-g.Out()
	require.False(t, ok)
}

func TestEmptyDrainYieldsNothing(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tr := seqtracker.New(0)

	g := New(clock, 2500*time.Millisecond, tr)
	g.Start()
	defer g.Close()

	clock.BlockUntil(1)
	clock.Advance(2500 * time.Millisecond)

	select {
	case _, ok := <-g.Out():
		t.Fatalf("expected no batch, got ok=%v", ok)
	case <-time.After(10 * time.Millisecond):
	}
}
