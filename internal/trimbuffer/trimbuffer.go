// Package trimbuffer implements an append-only byte buffer whose consumed
// regions are periodically drained from the front (C2), plus a
// window-capped variant that tracks an unsent-bytes cursor (C3).
package trimbuffer

import (
	"sync"

	"github.com/dmnsafonov/ping6-tools/internal/rangetracker"
)

// Buffer is a fixed-capacity, append-only byte sequence. Bytes handed out
// via Take are tracked as outstanding until their Slice is Released;
// Cleanup then drains the leading run of released bytes from the front.
//
// The original implementation this is grounded on hands out zero-copy
// views into a circular buffer, relying on the fact that bytes are never
// physically moved while a view is outstanding. Go's garbage collector and
// the absence of a circular-buffer primitive make that aliasing contract
// fragile to reproduce safely, so Slice always carries an owned copy
// instead (matching the "straddles the wrap" branch of the original,
// applied unconditionally): Cleanup is then always free to compact the
// backing array without corrupting a slice a caller is still holding.
type Buffer struct {
	mu       sync.Mutex
	data     []byte
	cap      int
	base     uint64 // absolute index of data[0]
	nextTake uint64 // absolute index of the next byte available to Take
	tracked  *rangetracker.Tracker
}

// New returns an empty Buffer with the given fixed capacity.
func New(capacity int) *Buffer {
	return &Buffer{
		data:    make([]byte, 0, capacity),
		cap:     capacity,
		tracked: rangetracker.New(),
	}
}

// Add appends data to the buffer, truncating to the remaining capacity.
// It returns the number of bytes actually appended.
func (b *Buffer) Add(p []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.cap - len(b.data)
	if n > len(p) {
		n = len(p)
	}
	if n <= 0 {
		return 0
	}
	b.data = append(b.data, p[:n]...)
	return n
}

// SpaceLeft returns how many more bytes Add can accept.
func (b *Buffer) SpaceLeft() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cap - len(b.data)
}

// Available returns how many appended bytes have not yet been handed out
// by Take.
func (b *Buffer) Available() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.available()
}

func (b *Buffer) available() int {
	total := b.base + uint64(len(b.data))
	return int(total - b.nextTake)
}

// Take hands out up to n unsent bytes as a Slice, advancing the take
// cursor. It returns false if no bytes are available.
func (b *Buffer) Take(n int) (*Slice, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	avail := b.available()
	if n > avail {
		n = avail
	}
	if n <= 0 {
		return nil, false
	}

	start := b.nextTake - b.base
	out := make([]byte, n)
	copy(out, b.data[start:start+uint64(n)])

	l := b.nextTake
	r := b.nextTake + uint64(n) - 1
	b.nextTake += uint64(n)

	return &Slice{buf: b, data: out, l: l, r: r}, true
}

// Cleanup drains the leading run of released bytes from the front of the
// buffer, compacting the backing array.
func (b *Buffer) Cleanup() {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.tracked.TakeRange()
	if !ok {
		return
	}
	n := r + 1 - b.base
	b.data = append(b.data[:0], b.data[n:]...)
	b.base += n
}

func (b *Buffer) release(l, r uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tracked.Track(l, r)
}

// Slice is a byte range handed out by Take. It must be Released exactly
// once, after which its Bytes view must not be used again.
type Slice struct {
	buf      *Buffer
	data     []byte
	l, r     uint64
	released bool
}

// Bytes returns the slice's payload.
func (s *Slice) Bytes() []byte {
	return s.data
}

// Len returns the number of bytes in the slice.
func (s *Slice) Len() int {
	return len(s.data)
}

// Release marks the slice's byte range as reclaimable. It is safe to call
// more than once; only the first call has an effect.
func (s *Slice) Release() {
	if s.released {
		return
	}
	s.released = true
	s.buf.release(s.l, s.r)
}
