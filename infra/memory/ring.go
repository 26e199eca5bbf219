package memory

import "sync/atomic"

// Ring is a wait-free bounded SPSC queue.
//
// head is written only by the producer, tail only by the consumer.
// One slot stays empty so full and empty are distinguishable from the two
// cursors alone: a ring of size C holds at most C-1 items.
// A second producer or consumer on the same Ring is out of contract.
type Ring[T any] struct {
	head  atomic.Uint64 // write cursor (producer)
	_pad1 [56]byte
	tail  atomic.Uint64 // read cursor (consumer)
	_pad2 [56]byte
	buf   []T
	mask  uint64
}

// NewRing allocates a ring; size must be a power of two.
func NewRing[T any](size uint64) *Ring[T] {
	if size == 0 || size&(size-1) != 0 {
		panic("memory.Ring: size must be power of two")
	}
	return &Ring[T]{
		buf:  make([]T, size),
		mask: size - 1,
	}
}

// Push stores v. It returns false without blocking when the ring is full.
// Producer only.
func (r *Ring[T]) Push(v T) bool {
	h := r.head.Load()
	next := (h + 1) & r.mask
	if next == r.tail.Load() {
		return false
	}
	r.buf[h] = v
	r.head.Store(next) // publishes buf[h]
	return true
}

// Pop removes the oldest item. ok is false when the ring is empty.
// Consumer only.
func (r *Ring[T]) Pop() (v T, ok bool) {
	t := r.tail.Load()
	if t == r.head.Load() {
		return v, false
	}
	v = r.buf[t]
	var zero T
	r.buf[t] = zero
	r.tail.Store((t + 1) & r.mask) // hands the slot back to the producer
	return v, true
}

// Len returns the number of resident items. Exact only when called from
// the producer or consumer with the other side idle.
func (r *Ring[T]) Len() int {
	return int((r.head.Load() - r.tail.Load()) & r.mask)
}

// Cap returns the ring size C. At most C-1 items fit.
func (r *Ring[T]) Cap() int {
	return len(r.buf)
}
