package service

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sync/errgroup"

	"ringbook/domain/orderbook"
	"ringbook/infra/logger"
	"ringbook/infra/sequence"
	"ringbook/infra/telemetry"
)

func testLogger() (*logger.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return logger.NewFromZap(zap.New(core)), logs
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.Book.PoolSize = 1 << 12
	opts.ChannelCapacity = 64
	opts.IdleBackoff = 10 * time.Microsecond
	return opts
}

func push(t *testing.T, e *Engine, orders ...orderbook.Order) {
	t.Helper()
	for _, o := range orders {
		o.CreatedNs = telemetry.Now()
		require.True(t, e.Input(0).Push(o), "input ring full")
	}
}

func startConsumer(t *testing.T, e *Engine) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.RunConsumer(ctx) }()
	t.Cleanup(cancel)
	return cancel, done
}

func TestEngineProcessesProducedFlow(t *testing.T) {
	log, logs := testLogger()
	opts := testOptions()
	opts.Producers = 2
	opts.ReportInterval = 500
	e := NewEngine(opts, log, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.RunConsumer(gctx) })
	gen := SyntheticGenerator{PriceBase: 900, PriceSpread: 200, MaxQty: 5}
	for i := 0; i < e.Producers(); i++ {
		p := NewProducer(e.Input(i), sequence.New(uint64(i+1), 2), gen, ProducerOptions{MaxOrders: 1000}, log)
		g.Go(func() error { return p.Run(gctx) })
	}

	require.Eventually(t, func() bool { return e.Stats().Processed == 2000 }, 10*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, g.Wait())

	st := e.Stats()
	assert.Zero(t, st.Dropped)
	assert.Positive(t, st.Matched)
	assert.Positive(t, st.Fills)
	if st.BestBid >= 0 && st.BestAsk >= 0 {
		assert.Less(t, st.BestBid, st.BestAsk, "book left crossed")
	}

	// ids 1..2000 carry qty 1+id%5, so 6000 units entered the book
	var resident uint64
	for _, side := range []orderbook.Side{orderbook.Bid, orderbook.Ask} {
		for _, lvl := range e.Book().Depth(side, int(e.Book().MaxPrice())) {
			resident += lvl.Qty
		}
	}
	assert.Equal(t, uint64(6000), 2*st.Matched+resident)

	reports := logs.FilterMessage("report").All()
	require.GreaterOrEqual(t, len(reports), 5)
	assert.Equal(t, "final", reports[len(reports)-1].ContextMap()["tag"])
}

func TestEngineDropsRejectedOrders(t *testing.T) {
	log, logs := testLogger()
	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(reg)
	opts := testOptions()
	opts.Book.PoolSize = 1
	e := NewEngine(opts, log, metrics)

	push(t, e,
		orderbook.Order{ID: 1, Side: orderbook.Bid, Price: 100, Qty: 1},
		orderbook.Order{ID: 2, Side: orderbook.Bid, Price: 101, Qty: 1},
		orderbook.Order{ID: 3, Side: orderbook.Bid, Price: 102, Qty: 1},
		orderbook.Order{ID: 4, Side: orderbook.Bid, Price: 103, Qty: 0},
	)
	startConsumer(t, e)

	require.Eventually(t, func() bool { return e.Stats().Processed == 4 }, 5*time.Second, time.Millisecond)
	st := e.Stats()
	assert.Equal(t, uint64(3), st.Dropped)
	assert.Equal(t, 1, st.Resident)
	assert.Equal(t, int64(100), st.BestBid)

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.OrdersDropped.WithLabelValues(telemetry.ReasonPoolExhausted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.OrdersDropped.WithLabelValues(telemetry.ReasonInvalid)))
	assert.Equal(t, 4.0, testutil.ToFloat64(metrics.OrdersProcessed))
	dropped := logs.FilterMessage("order dropped").All()
	require.Len(t, dropped, 3)
	assert.Equal(t, "add order 2: orderbook: pool exhausted, order dropped", dropped[0].ContextMap()["reason"])
}

func TestEngineEmitsFills(t *testing.T) {
	opts := testOptions()
	opts.FillRingCapacity = 4
	e := NewEngine(opts, nil, nil)

	push(t, e,
		orderbook.Order{ID: 1, Side: orderbook.Bid, Price: 100, Qty: 5},
		orderbook.Order{ID: 2, Side: orderbook.Ask, Price: 99, Qty: 3},
	)
	startConsumer(t, e)

	require.Eventually(t, func() bool { return e.Fills().Len() == 1 }, 5*time.Second, time.Millisecond)
	f, ok := e.Fills().Pop()
	require.True(t, ok)
	assert.Equal(t, uint64(1), f.BuyID)
	assert.Equal(t, uint64(2), f.SellID)
	assert.Equal(t, uint32(99), f.Price)
	assert.Equal(t, uint32(3), f.Qty)
	assert.Equal(t, uint32(2), f.BuyRemaining)
	assert.Zero(t, f.SellRemaining)
	assert.Positive(t, f.Time)
}

func TestEngineCountsDroppedFills(t *testing.T) {
	opts := testOptions()
	opts.FillRingCapacity = 2 // holds one event
	e := NewEngine(opts, nil, nil)

	push(t, e,
		orderbook.Order{ID: 1, Side: orderbook.Bid, Price: 100, Qty: 2},
		orderbook.Order{ID: 2, Side: orderbook.Ask, Price: 100, Qty: 1},
		orderbook.Order{ID: 3, Side: orderbook.Ask, Price: 100, Qty: 1},
	)
	startConsumer(t, e)

	require.Eventually(t, func() bool { return e.Stats().Processed == 3 }, 5*time.Second, time.Millisecond)
	st := e.Stats()
	assert.Equal(t, uint64(2), st.Fills)
	assert.Equal(t, uint64(1), st.FillsDropped)
	assert.Equal(t, uint64(2), st.Matched)
}

func TestEngineWithoutFillRing(t *testing.T) {
	e := NewEngine(testOptions(), nil, nil)
	assert.Nil(t, e.Fills())
	assert.NotEmpty(t, e.ID())
}

func TestRunConsumerIsExclusive(t *testing.T) {
	e := NewEngine(testOptions(), nil, nil)
	cancel, done := startConsumer(t, e)

	require.Eventually(t, e.running.Load, time.Second, time.Millisecond)
	assert.ErrorIs(t, e.RunConsumer(context.Background()), ErrConsumerRunning)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop")
	}
}

func TestConsumerDrainsOnShutdown(t *testing.T) {
	e := NewEngine(testOptions(), nil, nil)
	for i := uint64(1); i <= 10; i++ {
		push(t, e, orderbook.Order{ID: i, Side: orderbook.Bid, Price: uint32(100 + i), Qty: 1})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, e.RunConsumer(ctx))

	st := e.Stats()
	assert.Equal(t, uint64(10), st.Processed)
	assert.Equal(t, int64(110), st.BestBid)
	assert.Equal(t, int64(-1), st.BestAsk)
}

func TestEnginePublishesSnapshotWhenIdle(t *testing.T) {
	opts := testOptions()
	opts.SnapshotDepth = 2
	e := NewEngine(opts, nil, nil)
	assert.Nil(t, e.Snapshot())

	push(t, e,
		orderbook.Order{ID: 1, Side: orderbook.Bid, Price: 100, Qty: 1},
		orderbook.Order{ID: 2, Side: orderbook.Bid, Price: 99, Qty: 1},
		orderbook.Order{ID: 3, Side: orderbook.Bid, Price: 98, Qty: 1},
		orderbook.Order{ID: 4, Side: orderbook.Ask, Price: 105, Qty: 4},
	)
	startConsumer(t, e)

	require.Eventually(t, func() bool {
		s := e.Snapshot()
		return s != nil && s.Processed == 4
	}, 5*time.Second, time.Millisecond)

	snap := e.Snapshot()
	assert.Equal(t, int64(100), snap.BestBid)
	assert.Equal(t, int64(105), snap.BestAsk)
	assert.Equal(t, []orderbook.LevelInfo{{Price: 100, Qty: 1, Orders: 1}, {Price: 99, Qty: 1, Orders: 1}}, snap.Bids)
	assert.Equal(t, []orderbook.LevelInfo{{Price: 105, Qty: 4, Orders: 1}}, snap.Asks)
}

func TestLatencyBufferStaysBoundedWithoutReports(t *testing.T) {
	opts := testOptions()
	opts.ReportInterval = 0
	opts.LatencySamples = 64
	e := NewEngine(opts, nil, nil)

	gen := SyntheticGenerator{PriceBase: 900, PriceSpread: 200, MaxQty: 5}
	for id := uint64(1); id <= 10000; id++ {
		o := gen.Next(id)
		o.CreatedNs = telemetry.Now()
		e.process(o)
	}

	assert.Equal(t, uint64(10000), e.Stats().Processed)
	assert.Equal(t, 64, e.tracker.Len())
}
