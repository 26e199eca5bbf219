package orderbook

// LevelInfo summarizes one price level.
type LevelInfo struct {
	Price  uint32 `json:"price"`
	Qty    uint64 `json:"qty"`
	Orders int    `json:"orders"`
}

// Depth returns up to n non-empty levels on side, best first.
// Consumer goroutine only: it reads level queues.
func (b *OrderBook) Depth(side Side, n int) []LevelInfo {
	n = max(n, 0)
	out := make([]LevelInfo, 0, n)
	if side == Bid {
		for p := b.bestBid.Load(); p >= 0 && len(out) < n; p-- {
			out = appendLevel(out, &b.bids[p], p)
		}
		return out
	}
	for p := b.bestAsk.Load(); p < b.maxPrice && len(out) < n; p++ {
		out = appendLevel(out, &b.asks[p], p)
	}
	return out
}

// Orders visits the resident orders at (side, price) in arrival order.
// Consumer goroutine only. The *Order must not be retained or mutated.
func (b *OrderBook) Orders(side Side, price uint32, visit func(*Order)) {
	if price >= uint32(b.maxPrice) {
		return
	}
	for _, h := range b.level(side, int32(price)).handles() {
		visit(b.pool.Get(h))
	}
}

func appendLevel(out []LevelInfo, l *PriceLevel, p int32) []LevelInfo {
	if l.Empty() || l.TotalQty() == 0 {
		return out
	}
	return append(out, LevelInfo{Price: uint32(p), Qty: l.TotalQty(), Orders: l.Len()})
}
