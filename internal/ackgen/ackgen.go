// Package ackgen implements the receiver's coalescing ack generator: a
// clock-driven drain of the sequence-number tracker into ack ranges (C8).
package ackgen

import (
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/dmnsafonov/ping6-tools/internal/seqtracker"
)

// Batch is one drain of the tracker: the ranges it produced and the
// window start at the moment of the drain.
type Batch struct {
	Ranges      []seqtracker.Range
	WindowStart uint16
}

// Generator periodically drains a seqtracker.Tracker and emits non-empty
// batches on Out(). It is inert until Start is called.
type Generator struct {
	clock   clockwork.Clock
	period  time.Duration
	tracker *seqtracker.Tracker

	out      chan Batch
	stop     atomic.Bool
	timeless atomic.Bool
	started  atomic.Bool
	wake     chan struct{}
	done     chan struct{}
}

// New constructs a Generator draining tracker every period once Start is
// called. The caller is responsible for synchronizing access to tracker
// with whatever goroutine also calls Add on it.
func New(clock clockwork.Clock, period time.Duration, tracker *seqtracker.Tracker) *Generator {
	return &Generator{
		clock:   clock,
		period:  period,
		tracker: tracker,
		out:     make(chan Batch),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Start arms the generator, spawning its background ticking goroutine.
// Calling Start more than once has no effect after the first.
func (g *Generator) Start() {
	if !g.started.CompareAndSwap(false, true) {
		return
	}
	go g.run()
}

// Stop requests the generator wind down: the background goroutine drains
// once more and then closes Out().
func (g *Generator) Stop() {
	g.stop.Store(true)
}

// Timeless, when set, short-circuits the next tick so the pending ranges
// drain immediately rather than waiting out the rest of the period.
func (g *Generator) Timeless() {
	g.timeless.Store(true)
	select {
	case g.wake <- struct{}{}:
	default:
	}
}

// Out yields each non-empty batch in turn, closing once the generator
// has been stopped and has drained for the last time.
func (g *Generator) Out() <-chan Batch {
	return g.out
}

func (g *Generator) run() {
	defer close(g.out)
	timer := g.clock.NewTimer(g.period)
	defer timer.Stop()

	for {
		if g.stop.Load() {
			g.drain()
			return
		}

		if g.timeless.CompareAndSwap(true, false) {
			g.drain()
			continue
		}

		select {
		case <-timer.Chan():
			timer.Reset(g.period)
			g.drain()
		case <-g.wake:
			// Timeless fired while we were already parked on the timer;
			// loop back around to pick up the short-circuit drain above.
		case <-g.done:
			return
		}
	}
}

func (g *Generator) drain() {
	ranges := g.tracker.Take()
	if len(ranges) == 0 {
		return
	}
	batch := Batch{Ranges: ranges, WindowStart: g.tracker.WindowStart()}
	select {
	case g.out <- batch:
	case <-g.done:
	}
}

// Close releases the background goroutine unconditionally; used by
// owning state machines on teardown regardless of Stop having been
// called.
func (g *Generator) Close() {
	select {
	case <-g.done:
	default:
		close(g.done)
	}
}
