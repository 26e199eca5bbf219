package orderbook

import (
	"sync/atomic"

	"ringbook/infra/memory"
)

const levelReserve = 8

// PriceLevel is the queue of resident orders at one tick plus their
// aggregate quantity.
//
// The queue itself is unsynchronized: only the consumer goroutine may
// mutate it. totalQty is atomic so readers on other goroutines can observe
// depth, but it may transiently disagree with the queue; re-check Empty
// before relying on a nonzero total.
type PriceLevel struct {
	orders   []memory.Handle
	head     int // first live entry; entries before it are consumed
	totalQty atomic.Uint64
}

// TotalQty is the aggregate remaining quantity at this level.
func (l *PriceLevel) TotalQty() uint64 {
	return l.totalQty.Load()
}

// Len returns the number of resident orders.
func (l *PriceLevel) Len() int {
	return len(l.orders) - l.head
}

func (l *PriceLevel) Empty() bool {
	return l.Len() == 0
}

func (l *PriceLevel) push(h memory.Handle, qty uint32) {
	if l.orders == nil {
		l.orders = make([]memory.Handle, 0, levelReserve)
	}
	l.orders = append(l.orders, h)
	l.totalQty.Add(uint64(qty))
}

func (l *PriceLevel) sub(qty uint32) {
	l.totalQty.Add(^(uint64(qty) - 1))
}

func (l *PriceLevel) front() memory.Handle {
	return l.orders[l.head]
}

func (l *PriceLevel) back() memory.Handle {
	return l.orders[len(l.orders)-1]
}

func (l *PriceLevel) popFront() {
	l.orders[l.head] = memory.Handle{}
	l.head++
	switch {
	case l.head == len(l.orders):
		l.orders = l.orders[:0]
		l.head = 0
	case l.head >= levelReserve && l.head*2 >= len(l.orders):
		n := copy(l.orders, l.orders[l.head:])
		clear(l.orders[n:])
		l.orders = l.orders[:n]
		l.head = 0
	}
}

func (l *PriceLevel) popBack() {
	last := len(l.orders) - 1
	l.orders[last] = memory.Handle{}
	l.orders = l.orders[:last]
	if l.head == len(l.orders) {
		l.orders = l.orders[:0]
		l.head = 0
	}
}

// handles returns the resident handles in arrival order.
func (l *PriceLevel) handles() []memory.Handle {
	return l.orders[l.head:]
}
