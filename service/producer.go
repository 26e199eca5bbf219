package service

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"ringbook/domain/orderbook"
	"ringbook/infra/logger"
	"ringbook/infra/memory"
	"ringbook/infra/sequence"
	"ringbook/infra/telemetry"
)

// Generator turns an order id into an order. CreatedNs is stamped by the
// producer, not the generator.
type Generator interface {
	Next(id uint64) orderbook.Order
}

// SyntheticGenerator produces a deterministic crossing flow: prices cycle
// through [PriceBase, PriceBase+PriceSpread), quantities through
// [1, MaxQty], and odd ids buy while even ids sell.
type SyntheticGenerator struct {
	PriceBase   uint32
	PriceSpread uint32
	MaxQty      uint32
}

func (g SyntheticGenerator) Next(id uint64) orderbook.Order {
	side := orderbook.Ask
	if id%2 == 1 {
		side = orderbook.Bid
	}
	return orderbook.Order{
		ID:    id,
		Side:  side,
		Price: g.PriceBase + uint32(id%uint64(max(g.PriceSpread, 1))),
		Qty:   1 + uint32(id%uint64(max(g.MaxQty, 1))),
	}
}

type ProducerOptions struct {
	Rate      int    // orders per second, 0 = as fast as the ring allows
	MaxOrders uint64 // 0 = until cancelled
}

// Producer feeds one engine input ring. Run must be called from a single
// goroutine since the ring has one producer slot.
type Producer struct {
	out  *memory.Ring[orderbook.Order]
	seq  *sequence.Sequencer
	gen  Generator
	opts ProducerOptions
	log  *logger.Logger

	sent   atomic.Uint64
	stalls atomic.Uint64
}

func NewProducer(out *memory.Ring[orderbook.Order], seq *sequence.Sequencer, gen Generator, opts ProducerOptions, log *logger.Logger) *Producer {
	if log == nil {
		log = logger.NewNop()
	}
	return &Producer{out: out, seq: seq, gen: gen, opts: opts, log: log}
}

// Sent is the number of orders pushed so far.
func (p *Producer) Sent() uint64 { return p.sent.Load() }

// Stalls counts pushes that found the ring full at least once.
func (p *Producer) Stalls() uint64 { return p.stalls.Load() }

// Run generates orders until ctx is done or MaxOrders have been pushed.
// A full ring is retried with runtime.Gosched; pacing follows a fixed
// deadline schedule so a late tick is made up rather than lost.
func (p *Producer) Run(ctx context.Context) error {
	var interval time.Duration
	if p.opts.Rate > 0 {
		interval = time.Second / time.Duration(p.opts.Rate)
	}
	p.log.Info("producer started",
		logger.NewField("first_id", p.seq.Peek()),
		logger.NewField("stride", p.seq.Stride()),
		logger.NewField("rate", p.opts.Rate),
	)
	defer func() {
		p.log.Info("producer stopped",
			logger.NewField("sent", p.sent.Load()),
			logger.NewField("stalls", p.stalls.Load()),
		)
	}()

	pace := time.NewTimer(time.Hour)
	pace.Stop()
	defer pace.Stop()

	next := time.Now()
	for p.opts.MaxOrders == 0 || p.sent.Load() < p.opts.MaxOrders {
		if ctx.Err() != nil {
			return nil
		}

		o := p.gen.Next(p.seq.Next())
		o.CreatedNs = telemetry.Now()
		if !p.push(ctx, o) {
			return nil
		}
		p.sent.Add(1)

		if interval == 0 {
			continue
		}
		next = next.Add(interval)
		if d := time.Until(next); d > 0 {
			pace.Reset(d)
			select {
			case <-ctx.Done():
				return nil
			case <-pace.C:
			}
		}
	}
	return nil
}

// push spins until the ring accepts o. It reports false if ctx ended first.
func (p *Producer) push(ctx context.Context, o orderbook.Order) bool {
	if p.out.Push(o) {
		return true
	}
	p.stalls.Add(1)
	for !p.out.Push(o) {
		if ctx.Err() != nil {
			return false
		}
		runtime.Gosched()
	}
	return true
}
