package broadcaster

import (
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"ringbook/domain/orderbook"
)

// Fill wire format, protobuf-compatible:
//
//	message Fill {
//	  uint64 buy_id = 1;
//	  uint64 sell_id = 2;
//	  uint32 price = 3;
//	  uint32 qty = 4;
//	  uint32 buy_remaining = 5;
//	  uint32 sell_remaining = 6;
//	  int64  time_ns = 7;
//	}
const (
	fieldBuyID protowire.Number = iota + 1
	fieldSellID
	fieldPrice
	fieldQty
	fieldBuyRemaining
	fieldSellRemaining
	fieldTime
)

var ErrMalformedFill = errors.New("broadcaster: malformed fill")

// AppendFill appends the encoding of f to b. Zero fields are omitted.
func AppendFill(b []byte, f orderbook.Fill) []byte {
	b = appendVarint(b, fieldBuyID, f.BuyID)
	b = appendVarint(b, fieldSellID, f.SellID)
	b = appendVarint(b, fieldPrice, uint64(f.Price))
	b = appendVarint(b, fieldQty, uint64(f.Qty))
	b = appendVarint(b, fieldBuyRemaining, uint64(f.BuyRemaining))
	b = appendVarint(b, fieldSellRemaining, uint64(f.SellRemaining))
	b = appendVarint(b, fieldTime, uint64(f.Time))
	return b
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// DecodeFill parses an encoded fill. Unknown fields are skipped.
func DecodeFill(b []byte) (orderbook.Fill, error) {
	var f orderbook.Fill
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return f, errors.Wrap(ErrMalformedFill, protowire.ParseError(n).Error())
		}
		b = b[n:]

		if typ != protowire.VarintType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return f, errors.Wrap(ErrMalformedFill, protowire.ParseError(n).Error())
			}
			b = b[n:]
			continue
		}

		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return f, errors.Wrap(ErrMalformedFill, protowire.ParseError(n).Error())
		}
		b = b[n:]

		switch num {
		case fieldBuyID:
			f.BuyID = v
		case fieldSellID:
			f.SellID = v
		case fieldPrice:
			f.Price = uint32(v)
		case fieldQty:
			f.Qty = uint32(v)
		case fieldBuyRemaining:
			f.BuyRemaining = uint32(v)
		case fieldSellRemaining:
			f.SellRemaining = uint32(v)
		case fieldTime:
			f.Time = int64(v)
		}
	}
	return f, nil
}
