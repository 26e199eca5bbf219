package memory

import (
	"fmt"
	"sync/atomic"
)

// emptyIndex terminates the free list.
const emptyIndex = ^uint32(0)

// Handle is an exclusive reference to one Pool slot.
// The zero Handle is invalid.
type Handle struct {
	idx uint32 // slot index + 1
}

// Valid reports whether h was produced by Allocate.
func (h Handle) Valid() bool {
	return h.idx != 0
}

// Index returns the slot index h refers to, or -1 for the zero Handle.
func (h Handle) Index() int {
	return int(h.idx) - 1
}

// Pool is a lock-free free-list allocator over a fixed backing array.
//
// The free list is a parallel array of next-free links plus one atomic
// head. Allocate and Deallocate are CAS retry loops and never block.
// The head word carries a generation tag in its upper 32 bits so a pop
// racing with a pop/push of the same index fails its CAS.
// A slot must be deallocated by exactly one owner, exactly once;
// violations panic instead of corrupting the list.
type Pool[T any] struct {
	head  atomic.Uint64 // gen<<32 | index
	_pad0 [56]byte
	inUse atomic.Int64
	_pad1 [56]byte

	slots []T
	next  []atomic.Uint32
	live  []atomic.Bool
}

// NewPool builds a pool of capacity slots, all initially free.
func NewPool[T any](capacity int) *Pool[T] {
	if capacity <= 0 || uint64(capacity) >= uint64(emptyIndex) {
		panic(fmt.Sprintf("memory.Pool: invalid capacity %d", capacity))
	}
	p := &Pool[T]{
		slots: make([]T, capacity),
		next:  make([]atomic.Uint32, capacity),
		live:  make([]atomic.Bool, capacity),
	}
	for i := 0; i < capacity-1; i++ {
		p.next[i].Store(uint32(i + 1))
	}
	p.next[capacity-1].Store(emptyIndex)
	p.head.Store(pack(0, 0))
	return p
}

// Allocate pops a free slot, zeroes it and returns its handle.
// ok is false when the pool is exhausted.
func (p *Pool[T]) Allocate() (h Handle, ok bool) {
	for {
		old := p.head.Load()
		gen, i := unpack(old)
		if i == emptyIndex {
			return Handle{}, false
		}
		next := p.next[i].Load()
		if p.head.CompareAndSwap(old, pack(gen+1, next)) {
			var zero T
			p.slots[i] = zero
			p.live[i].Store(true)
			p.inUse.Add(1)
			return Handle{idx: i + 1}, true
		}
	}
}

// Deallocate pushes h back onto the free list. h must not be used again.
// It panics if h is invalid or its slot is already free.
func (p *Pool[T]) Deallocate(h Handle) {
	i := p.index(h)
	if !p.live[i].CompareAndSwap(true, false) {
		panic(fmt.Sprintf("memory.Pool: deallocate of free slot %d", i))
	}
	p.inUse.Add(-1)

	for {
		old := p.head.Load()
		gen, head := unpack(old)
		p.next[i].Store(head)
		if p.head.CompareAndSwap(old, pack(gen+1, i)) {
			return
		}
	}
}

// Get resolves a live handle to its slot.
func (p *Pool[T]) Get(h Handle) *T {
	i := p.index(h)
	if !p.live[i].Load() {
		panic(fmt.Sprintf("memory.Pool: access to free slot %d", i))
	}
	return &p.slots[i]
}

// Capacity returns the fixed slot count.
func (p *Pool[T]) Capacity() int {
	return len(p.slots)
}

// InUse returns the number of live handles.
func (p *Pool[T]) InUse() int {
	return int(p.inUse.Load())
}

func (p *Pool[T]) index(h Handle) uint32 {
	if h.idx == 0 || int(h.idx) > len(p.slots) {
		panic(fmt.Sprintf("memory.Pool: invalid handle %d", h.Index()))
	}
	return h.idx - 1
}

func pack(gen, index uint32) uint64 {
	return uint64(gen)<<32 | uint64(index)
}

func unpack(v uint64) (gen, index uint32) {
	return uint32(v >> 32), uint32(v)
}
