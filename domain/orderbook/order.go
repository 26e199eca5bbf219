package orderbook

type Side uint8

const (
	Bid Side = iota
	Ask
)

func (s Side) String() string {
	switch s {
	case Bid:
		return "bid"
	case Ask:
		return "ask"
	default:
		return "unknown"
	}
}

type Status uint8

const (
	Open Status = iota
	PartiallyFilled
	Filled
)

func (s Status) String() string {
	switch s {
	case Open:
		return "open"
	case PartiallyFilled:
		return "partially_filled"
	case Filled:
		return "filled"
	default:
		return "unknown"
	}
}

// Order is a limit order request and, once added, a resident book entry.
// Resident orders live in a pool slot and are mutated only by matching,
// which decrements Qty.
type Order struct {
	ID        uint64
	Price     uint32 // tick
	Qty       uint32 // remaining
	Side      Side
	CreatedNs int64

	origQty uint32
}

// Status derives the lifecycle state from remaining vs. original quantity.
func (o *Order) Status() Status {
	switch {
	case o.Qty == 0:
		return Filled
	case o.origQty != 0 && o.Qty < o.origQty:
		return PartiallyFilled
	default:
		return Open
	}
}

// OrigQty is the quantity the order was added with.
func (o *Order) OrigQty() uint32 {
	return o.origQty
}

// Fill describes one match between a resident bid and a resident ask.
// Price is always the ask's tick, whichever side rested first; a crossing
// bid therefore trades at the ask price.
type Fill struct {
	BuyID         uint64
	SellID        uint64
	Price         uint32
	Qty           uint32
	BuyRemaining  uint32
	SellRemaining uint32
	Time          int64 // zero from the book; stamped by observers
}

// FillHandler observes fills. It runs on the matching goroutine and must
// not call back into the book.
type FillHandler func(Fill)
