// Package ackwait tracks outstanding (sequence number, byte slice) pairs
// awaiting acknowledgement, supporting range removal by acknowledged
// sequence-number ranges (C4).
package ackwait

import (
	"sort"

	"github.com/dmnsafonov/ping6-tools/internal/rangetracker"
	"github.com/dmnsafonov/ping6-tools/internal/seqmath"
	"github.com/dmnsafonov/ping6-tools/internal/trimbuffer"
)

// Entry is an outstanding send awaiting acknowledgement.
type Entry struct {
	Seqno uint16
	Slice *trimbuffer.Slice
}

type entry struct {
	Entry
	pos uint64
}

// Waitlist is an ordered set of outstanding entries with strictly
// increasing sequence numbers (modulo 2^16), and a parallel position-range
// tracker recording which entries have been acknowledged.
type Waitlist struct {
	entries []entry
	base    uint64 // position of entries[0]
	acked   *rangetracker.Tracker
}

// New returns an empty Waitlist.
func New() *Waitlist {
	return &Waitlist{acked: rangetracker.New()}
}

// Add appends a new outstanding entry. The caller must ensure seqno is
// strictly greater (modulo 2^16, relative to the preceding Add) than the
// last one added.
func (w *Waitlist) Add(e Entry) {
	w.entries = append(w.entries, entry{Entry: e, pos: w.base + uint64(len(w.entries))})
}

// Remove marks every outstanding entry whose sequence number falls within
// [l, r] (inclusive, interpreted modulo 2^16) as acknowledged. windowStart
// anchors the modular interpretation of l, r and every entry's sequence
// number, so that removal never straddles entries whose sequence numbers
// have already rolled out of the current window. Idempotent: repeating a
// Remove call for an already-removed range is a no-op.
func (w *Waitlist) Remove(windowStart, l, r uint16) {
	relL, relR := seqmath.Rel(windowStart, l), seqmath.Rel(windowStart, r)

	type bound struct{ lo, hi uint32 }
	var subranges []bound
	if relL <= relR {
		subranges = []bound{{relL, relR}}
	} else {
		// wraps the 2^16 boundary (relative to windowStart): split in two.
		subranges = []bound{{relL, 0xFFFF}, {0, relR}}
	}

	for _, sr := range subranges {
		lo, hi := sr.lo, sr.hi
		start := sort.Search(len(w.entries), func(i int) bool {
			return seqmath.Rel(windowStart, w.entries[i].Seqno) >= lo
		})
		end := sort.Search(len(w.entries), func(i int) bool {
			return seqmath.Rel(windowStart, w.entries[i].Seqno) > hi
		})
		if start < end {
			w.acked.Track(w.entries[start].pos, w.entries[end-1].pos)
		}
	}
}

// Iter yields the entries that have not been acknowledged, in sequence
// order.
func (w *Waitlist) Iter() []Entry {
	out := make([]Entry, 0, len(w.entries))
	for _, e := range w.entries {
		if w.acked.IsTracked(e.pos, e.pos) == rangetracker.Yes {
			continue
		}
		out = append(out, e.Entry)
	}
	return out
}

// Empty reports whether every entry has been acknowledged (or there are
// none).
func (w *Waitlist) Empty() bool {
	return len(w.Iter()) == 0
}

// Cleanup drains the leading run of acknowledged entries, releasing each
// one's Slice back to the send buffer it came from.
func (w *Waitlist) Cleanup() {
	for {
		r, ok := w.acked.TakeRange()
		if !ok {
			return
		}
		n := int(r+1-w.base)
		for i := 0; i < n; i++ {
			w.entries[i].Slice.Release()
		}
		w.entries = w.entries[n:]
		w.base = r + 1
	}
}
