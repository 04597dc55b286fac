// Package reorder implements the receiver's reorder buffer: a trimming
// buffer plus a min-heap on packet sequence number, yielding payloads in
// order once contiguous (C5).
package reorder

import (
	"container/heap"

	"github.com/dmnsafonov/ping6-tools/internal/seqmath"
	"github.com/dmnsafonov/ping6-tools/internal/trimbuffer"
)

type item struct {
	seqno uint16
	slice *trimbuffer.Slice
}

// itemHeap implements container/heap.Interface, ordering items modularly
// relative to windowBase (a pointer so the owning Buffer can update it in
// place as its window slides).
type itemHeap struct {
	items      []item
	windowBase *uint16
}

func (h itemHeap) Len() int { return len(h.items) }

func (h itemHeap) Less(i, j int) bool {
	return seqmath.Less(*h.windowBase, h.items[i].seqno, h.items[j].seqno)
}

func (h itemHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *itemHeap) Push(x any) { h.items = append(h.items, x.(item)) }

func (h *itemHeap) Pop() any {
	old := h.items
	n := len(old)
	x := old[n-1]
	h.items = old[:n-1]
	return x
}

// Buffer holds received packet payloads until they can be drained in
// sequence-number order. Ordering is modular, relative to WindowBase.
type Buffer struct {
	store      *trimbuffer.Buffer
	heap       itemHeap
	windowBase uint16
}

// New returns an empty Buffer with the given byte capacity.
func New(capacityBytes int) *Buffer {
	b := &Buffer{store: trimbuffer.New(capacityBytes)}
	b.heap.windowBase = &b.windowBase
	return b
}

// SetWindowBase updates the reference point for modular seqno ordering.
// Call this as the receiver's next-expected sequence number advances.
func (b *Buffer) SetWindowBase(base uint16) {
	b.windowBase = base
}

// Add stores a packet's payload, keyed by its sequence number.
func (b *Buffer) Add(seqno uint16, payload []byte) bool {
	if b.store.Add(payload) != len(payload) {
		return false
	}
	slice, ok := b.store.Take(len(payload))
	if !ok {
		return false
	}
	heap.Push(&b.heap, item{seqno: seqno, slice: slice})
	return true
}

// PeekSeqno returns the sequence number of the earliest (modulo
// WindowBase) buffered packet.
func (b *Buffer) PeekSeqno() (uint16, bool) {
	if b.heap.Len() == 0 {
		return 0, false
	}
	return b.heap.items[0].seqno, true
}

// Take removes and returns the earliest buffered packet's payload and
// sequence number, releasing its storage back to the buffer.
func (b *Buffer) Take() (seqno uint16, payload []byte, ok bool) {
	if b.heap.Len() == 0 {
		return 0, nil, false
	}
	it := heap.Pop(&b.heap).(item)
	payload = append([]byte(nil), it.slice.Bytes()...)
	it.slice.Release()
	b.store.Cleanup()
	return it.seqno, payload, true
}

// IsEmpty reports whether the buffer holds no packets.
func (b *Buffer) IsEmpty() bool {
	return b.heap.Len() == 0
}

// SpaceLeft reports how many more payload bytes the buffer can accept.
func (b *Buffer) SpaceLeft() int {
	return b.store.SpaceLeft()
}

// Occupied reports how many payload bytes are currently buffered,
// waiting on earlier sequence numbers to arrive before they can drain.
func (b *Buffer) Occupied() int {
	n := 0
	for _, it := range b.heap.items {
		n += it.slice.Len()
	}
	return n
}
