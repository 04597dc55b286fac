// Package rangetracker maintains a coalesced set of disjoint, non-adjacent
// integer intervals. It answers containment queries and extracts the
// leading contiguous run starting at a drifting origin, advancing the
// origin past it.
package rangetracker

import "sort"

// Containment is the result of a containment query against the tracked set.
type Containment int

const (
	No Containment = iota
	Yes
	Partial
)

// Interval is an inclusive [L, R] interval in absolute coordinates.
type Interval struct {
	L, R uint64
}

// Tracker holds a set of disjoint, non-adjacent intervals, plus an origin
// that only ever advances (by TakeRange). Intervals are stored in
// absolute coordinates; origin tracks the next position TakeRange expects
// to see at the head of the set. The zero value is a usable, empty
// tracker with origin 0.
type Tracker struct {
	origin uint64
	ranges []Interval // sorted ascending, non-overlapping, non-adjacent
}

// New returns an empty Tracker.
func New() *Tracker {
	return &Tracker{}
}

// Track records [l, r] (absolute coordinates, l <= r) as covered. The new
// interval must not overlap any interval already tracked; adjacency is
// permitted and triggers an eager merge with the neighboring interval(s).
// Track of an interval already fully contained in the tracked set is a
// no-op.
func (t *Tracker) Track(l, r uint64) {
	if l > r {
		panic("rangetracker: Track called with l > r")
	}
	if t.IsTracked(l, r) == Yes {
		return
	}

	// Find the first interval that could merge with or follow [l, r]:
	// the first one whose R+1 >= l (i.e. touches or is past the new range's
	// left edge).
	start := sort.Search(len(t.ranges), func(i int) bool {
		return t.ranges[i].R+1 >= l
	})

	mergedL, mergedR := l, r
	end := start
	for end < len(t.ranges) && t.ranges[end].L <= r+1 {
		if t.ranges[end].L < mergedL {
			mergedL = t.ranges[end].L
		}
		if t.ranges[end].R > mergedR {
			mergedR = t.ranges[end].R
		}
		end++
	}

	merged := Interval{L: mergedL, R: mergedR}
	tail := append([]Interval{}, t.ranges[end:]...)
	t.ranges = append(append(t.ranges[:start], merged), tail...)
}

// TakeRange removes the smallest interval if and only if it begins at the
// current origin, advances the origin past it, and returns its end. It
// returns false if the set is empty or the smallest interval does not
// start at the origin.
func (t *Tracker) TakeRange() (r uint64, ok bool) {
	if len(t.ranges) == 0 {
		return 0, false
	}
	first := t.ranges[0]
	if first.L != t.origin {
		return 0, false
	}
	t.ranges = t.ranges[1:]
	t.origin = first.R + 1
	return first.R, true
}

// IsTracked reports whether [l, r] is fully contained in a single tracked
// interval (Yes), overlaps one or more tracked intervals without full
// containment in one (Partial), or does not overlap any (No).
func (t *Tracker) IsTracked(l, r uint64) Containment {
	for _, iv := range t.ranges {
		if iv.R < l {
			continue
		}
		if iv.L > r {
			break
		}
		if iv.L <= l && r <= iv.R {
			return Yes
		}
		return Partial
	}
	return No
}

// Iter returns the tracked intervals in ascending order, in absolute
// coordinates.
func (t *Tracker) Iter() []Interval {
	out := make([]Interval, len(t.ranges))
	copy(out, t.ranges)
	return out
}

// Origin returns the tracker's current origin.
func (t *Tracker) Origin() uint64 {
	return t.origin
}

// Empty reports whether the tracker holds no intervals.
func (t *Tracker) Empty() bool {
	return len(t.ranges) == 0
}
