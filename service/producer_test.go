package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ringbook/domain/orderbook"
	"ringbook/infra/memory"
	"ringbook/infra/sequence"
)

var testGen = SyntheticGenerator{PriceBase: 900, PriceSpread: 200, MaxQty: 5}

func TestSyntheticGenerator(t *testing.T) {
	o := testGen.Next(7)
	assert.Equal(t, orderbook.Order{ID: 7, Side: orderbook.Bid, Price: 907, Qty: 3}, o)

	o = testGen.Next(200)
	assert.Equal(t, orderbook.Order{ID: 200, Side: orderbook.Ask, Price: 900, Qty: 1}, o)

	o = SyntheticGenerator{PriceBase: 5}.Next(9)
	assert.Equal(t, uint32(5), o.Price)
	assert.Equal(t, uint32(1), o.Qty)
}

func TestProducerStopsAtMaxOrders(t *testing.T) {
	ring := memory.NewRing[orderbook.Order](16)
	p := NewProducer(ring, sequence.New(0, 1), testGen, ProducerOptions{MaxOrders: 10}, nil)

	require.NoError(t, p.Run(context.Background()))
	assert.Equal(t, uint64(10), p.Sent())
	assert.Zero(t, p.Stalls())
	require.Equal(t, 10, ring.Len())

	for want := uint64(0); want < 10; want++ {
		o, ok := ring.Pop()
		require.True(t, ok)
		assert.Equal(t, want, o.ID)
		assert.GreaterOrEqual(t, o.CreatedNs, int64(0))
	}
}

func TestProducerWaitsForSpace(t *testing.T) {
	ring := memory.NewRing[orderbook.Order](4) // holds three
	p := NewProducer(ring, sequence.New(0, 1), testGen, ProducerOptions{MaxOrders: 6}, nil)

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	require.Eventually(t, func() bool { return p.Stalls() == 1 }, 5*time.Second, time.Millisecond)
	assert.Equal(t, uint64(3), p.Sent())

	var ids []uint64
	deadline := time.Now().Add(5 * time.Second)
	for len(ids) < 6 && time.Now().Before(deadline) {
		if o, ok := ring.Pop(); ok {
			ids = append(ids, o.ID)
		}
	}
	assert.Equal(t, []uint64{0, 1, 2, 3, 4, 5}, ids)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("producer did not finish")
	}
}

func TestProducerStopsOnCancel(t *testing.T) {
	ring := memory.NewRing[orderbook.Order](2)
	p := NewProducer(ring, sequence.New(0, 1), testGen, ProducerOptions{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return p.Stalls() > 0 }, 5*time.Second, time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("producer ignored cancellation")
	}
	assert.Equal(t, uint64(1), p.Sent())
}

func TestProducerPacing(t *testing.T) {
	ring := memory.NewRing[orderbook.Order](64)
	p := NewProducer(ring, sequence.New(0, 1), testGen, ProducerOptions{Rate: 1000, MaxOrders: 20}, nil)

	start := time.Now()
	require.NoError(t, p.Run(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
	assert.Equal(t, 20, ring.Len())
}
