package sequence

import "sync/atomic"

// Sequencer hands out order ids start, start+stride, start+2*stride, ...
//
// Producers that share an engine each get their own Sequencer with the same
// stride and a distinct start below it, so their id spaces never overlap.
// Next is safe for concurrent use.
type Sequencer struct {
	next   atomic.Uint64
	stride uint64
}

// New creates a sequencer whose first id is start. A zero stride is
// treated as 1.
func New(start, stride uint64) *Sequencer {
	if stride == 0 {
		stride = 1
	}
	s := &Sequencer{stride: stride}
	s.next.Store(start)
	return s
}

// Next returns the next id.
func (s *Sequencer) Next() uint64 {
	return s.next.Add(s.stride) - s.stride
}

// Peek returns the id the next call to Next will issue.
func (s *Sequencer) Peek() uint64 {
	return s.next.Load()
}

func (s *Sequencer) Stride() uint64 {
	return s.stride
}

// Reset makes v the next id issued.
func (s *Sequencer) Reset(v uint64) {
	s.next.Store(v)
}
