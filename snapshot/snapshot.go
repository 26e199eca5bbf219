// Package snapshot publishes immutable depth views of the order book.
//
// The consumer goroutine is the only one allowed to walk the book, so it
// takes the snapshot and publishes it with an atomic pointer swap; any
// goroutine may then Load the latest one without coordination.
package snapshot

import (
	"sync/atomic"
	"time"

	"ringbook/domain/orderbook"
)

type Snapshot struct {
	Seq       uint64                `json:"seq"`
	Created   time.Time             `json:"created"`
	Processed uint64                `json:"processed"`
	BestBid   int64                 `json:"best_bid"` // -1 when empty
	BestAsk   int64                 `json:"best_ask"` // -1 when empty
	Bids      []orderbook.LevelInfo `json:"bids"`
	Asks      []orderbook.LevelInfo `json:"asks"`
}

// Store holds the most recent snapshot.
type Store struct {
	cur atomic.Pointer[Snapshot]
	seq atomic.Uint64
}

// Take walks up to depth levels per side. Consumer goroutine only.
func (s *Store) Take(book *orderbook.OrderBook, depth int, processed uint64) *Snapshot {
	snap := &Snapshot{
		Seq:       s.seq.Add(1),
		Created:   time.Now(),
		Processed: processed,
		BestBid:   -1,
		BestAsk:   -1,
		Bids:      book.Depth(orderbook.Bid, depth),
		Asks:      book.Depth(orderbook.Ask, depth),
	}
	if p, ok := book.BestBid(); ok {
		snap.BestBid = int64(p)
	}
	if p, ok := book.BestAsk(); ok {
		snap.BestAsk = int64(p)
	}
	s.cur.Store(snap)
	return snap
}

// Load returns the latest snapshot, or nil before the first Take.
func (s *Store) Load() *Snapshot {
	return s.cur.Load()
}
