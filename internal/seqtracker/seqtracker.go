// Package seqtracker implements the receiver's sequence-number tracker: a
// range tracker over the 16-bit wrapping sequence space, anchored to a
// sliding window base (C6).
package seqtracker

import (
	"github.com/dmnsafonov/ping6-tools/internal/rangetracker"
	"github.com/dmnsafonov/ping6-tools/internal/seqmath"
)

// Range is an inclusive sequence-number range, in absolute (wrapping)
// coordinates.
type Range struct {
	L, R uint16
}

// Tracker tracks which sequence numbers have been seen, relative to a
// sliding WindowStart. pos_to_sequential(x) = (x - WindowStart) mod 2^16.
type Tracker struct {
	inner       *rangetracker.Tracker
	windowStart uint16
}

// New returns a Tracker anchored at the given initial window start (the
// first sequence number the receiver expects).
func New(windowStart uint16) *Tracker {
	return &Tracker{inner: rangetracker.New(), windowStart: windowStart}
}

// WindowStart returns the tracker's current window base.
func (t *Tracker) WindowStart() uint16 {
	return t.windowStart
}

// Add records seqno as seen. It returns false if seqno was already
// tracked (a duplicate).
func (t *Tracker) Add(seqno uint16) bool {
	rel := uint64(seqmath.Rel(t.windowStart, seqno))
	if t.inner.IsTracked(rel, rel) == rangetracker.Yes {
		return false
	}
	t.inner.Track(rel, rel)
	return true
}

// Take returns every tracked range (mapped back to absolute sequence-
// number coordinates). If the smallest range begins exactly at
// WindowStart, that range is removed and WindowStart advances past its
// end; every other range stays tracked and is returned again by the next
// Take.
func (t *Tracker) Take() []Range {
	intervals := t.inner.Iter()
	out := make([]Range, len(intervals))
	for i, iv := range intervals {
		out[i] = Range{
			L: t.windowStart + uint16(iv.L),
			R: t.windowStart + uint16(iv.R),
		}
	}

	if len(intervals) > 0 && intervals[0].L == 0 {
		lead := intervals[0]
		delta := lead.R + 1

		remapped := rangetracker.New()
		for _, iv := range intervals[1:] {
			remapped.Track(iv.L-delta, iv.R-delta)
		}
		t.inner = remapped
		t.windowStart += uint16(delta)
	}

	return out
}
