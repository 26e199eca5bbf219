package orderbook

import (
	"fmt"
	"sync/atomic"

	"github.com/pkg/errors"

	"ringbook/infra/memory"
)

const (
	DefaultMaxPrice = 2000
	DefaultPoolSize = 1 << 16

	// MaxPriceLimit bounds Options.MaxPrice so ticks fit the int32 cursors.
	MaxPriceLimit = 1 << 30
)

var (
	ErrPoolExhausted   = errors.New("orderbook: pool exhausted, order dropped")
	ErrPriceOutOfRange = errors.New("orderbook: price tick out of range")
	ErrInvalidQuantity = errors.New("orderbook: quantity must be positive")
	ErrInvalidSide     = errors.New("orderbook: unknown side")
)

// Priority selects which resident order on a level trades first.
type Priority uint8

const (
	// FIFO serves the oldest order first (price-time priority).
	FIFO Priority = iota
	// LIFO serves the most recently added order first.
	LIFO
)

func (p Priority) String() string {
	if p == LIFO {
		return "lifo"
	}
	return "fifo"
}

type Options struct {
	MaxPrice uint32 // ticks are 0..MaxPrice-1
	PoolSize int
	Priority Priority
	OnFill   FillHandler
}

func DefaultOptions() Options {
	return Options{
		MaxPrice: DefaultMaxPrice,
		PoolSize: DefaultPoolSize,
		Priority: FIFO,
	}
}

// OrderBook is a single-symbol book over a bounded tick range.
//
// AddOrder and MatchBest must be called from one goroutine (the consumer);
// that goroutine owns every resident order and every pool deallocation.
// BestBid, BestAsk and the pool counters may be read from anywhere.
//
// The best cursors may lag onto an exhausted level but never point past
// the true best price; MatchBest and RefreshBest walk them toward worse
// prices until they hit resident quantity.
type OrderBook struct {
	bestBid atomic.Int32 // -1: no bids
	_pad0   [60]byte
	bestAsk atomic.Int32 // maxPrice: no asks
	_pad1   [60]byte

	pool     *memory.Pool[Order]
	bids     []PriceLevel
	asks     []PriceLevel
	maxPrice int32
	priority Priority
	onFill   FillHandler
}

// NewOrderBook creates an empty book. Zero option fields take defaults.
// It panics if MaxPrice exceeds MaxPriceLimit.
func NewOrderBook(opts Options) *OrderBook {
	def := DefaultOptions()
	if opts.MaxPrice == 0 {
		opts.MaxPrice = def.MaxPrice
	}
	if opts.MaxPrice > MaxPriceLimit {
		panic(fmt.Sprintf("orderbook: MaxPrice %d exceeds limit %d", opts.MaxPrice, MaxPriceLimit))
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = def.PoolSize
	}
	b := &OrderBook{
		pool:     memory.NewPool[Order](opts.PoolSize),
		bids:     make([]PriceLevel, opts.MaxPrice),
		asks:     make([]PriceLevel, opts.MaxPrice),
		maxPrice: int32(opts.MaxPrice),
		priority: opts.Priority,
		onFill:   opts.OnFill,
	}
	b.bestBid.Store(-1)
	b.bestAsk.Store(b.maxPrice)
	return b
}

// AddOrder makes o resident. It never matches; call MatchBest afterwards.
// A full pool drops the order and returns ErrPoolExhausted.
func (b *OrderBook) AddOrder(o Order) error {
	if o.Qty == 0 {
		return ErrInvalidQuantity
	}
	if o.Price >= uint32(b.maxPrice) {
		return ErrPriceOutOfRange
	}
	if o.Side != Bid && o.Side != Ask {
		return ErrInvalidSide
	}

	h, ok := b.pool.Allocate()
	if !ok {
		return ErrPoolExhausted
	}
	slot := b.pool.Get(h)
	*slot = o
	slot.origQty = o.Qty

	b.level(o.Side, int32(o.Price)).push(h, o.Qty)
	b.improve(o.Side, int32(o.Price))
	return nil
}

// improve moves the side's cursor to price if that is strictly better.
// It never regresses the cursor.
func (b *OrderBook) improve(side Side, price int32) {
	if side == Bid {
		for prev := b.bestBid.Load(); price > prev; prev = b.bestBid.Load() {
			if b.bestBid.CompareAndSwap(prev, price) {
				return
			}
		}
		return
	}
	for prev := b.bestAsk.Load(); price < prev; prev = b.bestAsk.Load() {
		if b.bestAsk.CompareAndSwap(prev, price) {
			return
		}
	}
}

// MatchBest trades crossing levels until the book no longer crosses and
// returns the total quantity matched.
func (b *OrderBook) MatchBest() uint64 {
	var matched uint64
	bid, ask := b.bestBid.Load(), b.bestAsk.Load()

	for bid >= 0 && ask < b.maxPrice && bid >= ask {
		buys, sells := &b.bids[bid], &b.asks[ask]

		if buys.TotalQty() == 0 || buys.Empty() {
			bid = b.refreshBid(bid, bid-1)
			continue
		}
		if sells.TotalQty() == 0 || sells.Empty() {
			ask = b.refreshAsk(ask, ask+1)
			continue
		}

		bh, sh := b.pick(buys), b.pick(sells)
		buy, sell := b.pool.Get(bh), b.pool.Get(sh)

		qty := min(buy.Qty, sell.Qty)
		buy.Qty -= qty
		sell.Qty -= qty
		buys.sub(qty)
		sells.sub(qty)
		matched += uint64(qty)

		if b.onFill != nil {
			b.onFill(Fill{
				BuyID:         buy.ID,
				SellID:        sell.ID,
				Price:         uint32(ask),
				Qty:           qty,
				BuyRemaining:  buy.Qty,
				SellRemaining: sell.Qty,
			})
		}

		if buy.Qty == 0 {
			b.drop(buys)
			b.pool.Deallocate(bh)
		}
		if sell.Qty == 0 {
			b.drop(sells)
			b.pool.Deallocate(sh)
		}
	}

	// the loop exits as soon as one side runs out; settle the other cursor
	// if it was left on a level this call drained
	if bid >= 0 && b.bids[bid].TotalQty() == 0 {
		b.refreshBid(bid, bid-1)
	}
	if ask < b.maxPrice && b.asks[ask].TotalQty() == 0 {
		b.refreshAsk(ask, ask+1)
	}
	return matched
}

// RefreshBest walks both cursors from their current positions to the
// nearest level holding quantity.
func (b *OrderBook) RefreshBest() {
	if bid := b.bestBid.Load(); bid >= 0 {
		b.refreshBid(bid, bid)
	}
	if ask := b.bestAsk.Load(); ask < b.maxPrice {
		b.refreshAsk(ask, ask)
	}
}

// refreshBid scans down from start and swings the cursor from cur to the
// first level with quantity (or -1). It returns the cursor afterwards.
func (b *OrderBook) refreshBid(cur, start int32) int32 {
	p := start
	for ; p >= 0; p-- {
		if b.bids[p].TotalQty() > 0 {
			break
		}
	}
	if p < 0 {
		p = -1
	}
	if b.bestBid.CompareAndSwap(cur, p) {
		return p
	}
	return b.bestBid.Load()
}

func (b *OrderBook) refreshAsk(cur, start int32) int32 {
	p := start
	for ; p < b.maxPrice; p++ {
		if b.asks[p].TotalQty() > 0 {
			break
		}
	}
	if b.bestAsk.CompareAndSwap(cur, p) {
		return p
	}
	return b.bestAsk.Load()
}

func (b *OrderBook) pick(l *PriceLevel) memory.Handle {
	if b.priority == LIFO {
		return l.back()
	}
	return l.front()
}

func (b *OrderBook) drop(l *PriceLevel) {
	if b.priority == LIFO {
		l.popBack()
		return
	}
	l.popFront()
}

func (b *OrderBook) level(side Side, price int32) *PriceLevel {
	if side == Bid {
		return &b.bids[price]
	}
	return &b.asks[price]
}

// BestBid returns the bid cursor, or false when there are no bids.
func (b *OrderBook) BestBid() (uint32, bool) {
	p := b.bestBid.Load()
	if p < 0 {
		return 0, false
	}
	return uint32(p), true
}

// BestAsk returns the ask cursor, or false when there are no asks.
func (b *OrderBook) BestAsk() (uint32, bool) {
	p := b.bestAsk.Load()
	if p >= b.maxPrice {
		return 0, false
	}
	return uint32(p), true
}

func (b *OrderBook) MaxPrice() uint32   { return uint32(b.maxPrice) }
func (b *OrderBook) Priority() Priority { return b.priority }
func (b *OrderBook) PoolCapacity() int  { return b.pool.Capacity() }
func (b *OrderBook) Resident() int      { return b.pool.InUse() }
