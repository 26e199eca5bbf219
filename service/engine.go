package service

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"ringbook/domain/orderbook"
	"ringbook/infra/logger"
	"ringbook/infra/memory"
	"ringbook/infra/telemetry"
	"ringbook/snapshot"
)

// ErrConsumerRunning is returned when RunConsumer is called while another
// consumer is active on the same engine.
var ErrConsumerRunning = errors.New("service: consumer already running")

type Options struct {
	Book orderbook.Options

	Producers        int
	ChannelCapacity  uint64 // per producer, power of two
	FillRingCapacity uint64 // power of two; 0 disables fill events

	ReportInterval uint64 // orders between reports, 0 disables
	IdleBackoff    time.Duration

	// SnapshotDepth is the number of levels per side in published snapshots.
	SnapshotDepth int
	// LatencySamples caps the latency buffer between reports; the most
	// recent samples are kept.
	LatencySamples int
}

func DefaultOptions() Options {
	return Options{
		Book:            orderbook.DefaultOptions(),
		Producers:       1,
		ChannelCapacity: 1 << 12,
		ReportInterval:  200000,
		IdleBackoff:     50 * time.Microsecond,
		SnapshotDepth:   10,
		LatencySamples:  1 << 20,
	}
}

// Stats is a point-in-time view of the engine counters.
type Stats struct {
	Processed    uint64
	Dropped      uint64
	Matched      uint64
	Fills        uint64
	FillsDropped uint64
	Resident     int
	BestBid      int64 // -1 when empty
	BestAsk      int64 // -1 when empty
}

// Engine owns the book, the producer rings and the fill ring.
type Engine struct {
	id      string
	book    *orderbook.OrderBook
	inputs  []*memory.Ring[orderbook.Order]
	fills   *memory.Ring[orderbook.Fill]
	tracker *telemetry.LatencyTracker
	metrics *telemetry.Metrics
	log     *logger.Logger
	opts    Options

	snapshots snapshot.Store
	snapSeen  uint64 // processed count at the last snapshot, consumer only

	running      atomic.Bool
	processed    atomic.Uint64
	dropped      atomic.Uint64
	matched      atomic.Uint64
	fillCount    atomic.Uint64
	fillsDropped atomic.Uint64
}

// NewEngine builds an engine. A nil metrics gets a private registry.
func NewEngine(opts Options, log *logger.Logger, metrics *telemetry.Metrics) *Engine {
	if opts.Producers <= 0 {
		opts.Producers = 1
	}
	if opts.ChannelCapacity == 0 {
		opts.ChannelCapacity = DefaultOptions().ChannelCapacity
	}
	if opts.LatencySamples <= 0 {
		opts.LatencySamples = DefaultOptions().LatencySamples
	}
	if opts.SnapshotDepth <= 0 {
		opts.SnapshotDepth = DefaultOptions().SnapshotDepth
	}
	if log == nil {
		log = logger.NewNop()
	}
	if metrics == nil {
		metrics = telemetry.NewMetrics(prometheus.NewRegistry())
	}

	id := uuid.NewString()
	e := &Engine{
		id:      id,
		tracker: telemetry.NewLatencyTracker(int(min(opts.ReportInterval, 1<<20)), opts.LatencySamples),
		metrics: metrics,
		log:     log.WithFields(logger.NewField("engine", id)),
		opts:    opts,
	}
	for range opts.Producers {
		e.inputs = append(e.inputs, memory.NewRing[orderbook.Order](opts.ChannelCapacity))
	}
	if opts.FillRingCapacity > 0 {
		e.fills = memory.NewRing[orderbook.Fill](opts.FillRingCapacity)
	}

	bookOpts := opts.Book
	bookOpts.OnFill = e.onFill
	e.book = orderbook.NewOrderBook(bookOpts)
	return e
}

func (e *Engine) ID() string { return e.id }

func (e *Engine) Book() *orderbook.OrderBook { return e.book }

func (e *Engine) Producers() int { return len(e.inputs) }

// Input returns producer i's channel. Exactly one goroutine may push to it.
func (e *Engine) Input(i int) *memory.Ring[orderbook.Order] {
	return e.inputs[i]
}

// Fills returns the fill event ring, or nil when fill events are disabled.
// Exactly one goroutine may pop from it.
func (e *Engine) Fills() *memory.Ring[orderbook.Fill] {
	return e.fills
}

// Snapshot returns the latest published depth view, or nil before the
// consumer has published one. Safe from any goroutine.
func (e *Engine) Snapshot() *snapshot.Snapshot {
	return e.snapshots.Load()
}

func (e *Engine) Stats() Stats {
	bid, bidOK := e.book.BestBid()
	ask, askOK := e.book.BestAsk()
	return Stats{
		Processed:    e.processed.Load(),
		Dropped:      e.dropped.Load(),
		Matched:      e.matched.Load(),
		Fills:        e.fillCount.Load(),
		FillsDropped: e.fillsDropped.Load(),
		Resident:     e.book.Resident(),
		BestBid:      tickOrNone(bid, bidOK),
		BestAsk:      tickOrNone(ask, askOK),
	}
}

func tickOrNone(p uint32, ok bool) int64 {
	if !ok {
		return -1
	}
	return int64(p)
}

// onFill runs on the consumer goroutine inside MatchBest.
func (e *Engine) onFill(f orderbook.Fill) {
	e.fillCount.Add(1)
	e.metrics.Fills.Inc()
	if e.fills == nil {
		return
	}
	f.Time = telemetry.Now()
	if !e.fills.Push(f) {
		e.fillsDropped.Add(1)
		e.metrics.FillsDropped.Inc()
	}
}

// RunConsumer drains every producer ring round-robin until ctx is done,
// then drains what is left and logs a final report. It is the only
// goroutine allowed to mutate the book.
func (e *Engine) RunConsumer(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrConsumerRunning
	}
	defer e.running.Store(false)

	e.log.Info("consumer started",
		logger.NewField("producers", len(e.inputs)),
		logger.NewField("max_price", e.book.MaxPrice()),
		logger.NewField("pool_capacity", e.book.PoolCapacity()),
		logger.NewField("priority", e.book.Priority().String()),
	)

	idle := time.NewTimer(time.Hour)
	idle.Stop()
	defer idle.Stop()

	for ctx.Err() == nil {
		if e.drainOnce() > 0 {
			continue
		}
		if n := e.processed.Load(); n != e.snapSeen {
			e.takeSnapshot(n)
		}
		idle.Reset(e.opts.IdleBackoff)
		select {
		case <-ctx.Done():
		case <-idle.C:
		}
	}

	for e.drainOnce() > 0 {
	}
	e.report("final")
	e.log.Info("consumer stopped", logger.NewField("processed", e.processed.Load()))
	return nil
}

// drainOnce pops at most one order from each ring.
func (e *Engine) drainOnce() int {
	n := 0
	for _, in := range e.inputs {
		o, ok := in.Pop()
		if !ok {
			continue
		}
		n++
		e.process(o)
	}
	return n
}

func (e *Engine) process(o orderbook.Order) {
	if err := e.book.AddOrder(o); err != nil {
		e.drop(o, err)
	}
	if q := e.book.MatchBest(); q > 0 {
		e.matched.Add(q)
		e.metrics.MatchedQty.Add(float64(q))
	}

	lat := telemetry.Now() - o.CreatedNs
	e.tracker.Record(lat)
	e.metrics.ObserveLatency(lat)
	e.metrics.OrdersProcessed.Inc()

	n := e.processed.Add(1)
	if e.opts.ReportInterval > 0 && n%e.opts.ReportInterval == 0 {
		e.report("snapshot")
	}
}

func (e *Engine) drop(o orderbook.Order, err error) {
	err = errors.Wrapf(err, "add order %d", o.ID)
	e.dropped.Add(1)
	reason := telemetry.ReasonInvalid
	if errors.Is(err, orderbook.ErrPoolExhausted) {
		reason = telemetry.ReasonPoolExhausted
	}
	e.metrics.OrdersDropped.WithLabelValues(reason).Inc()
	e.log.Warn("order dropped",
		logger.NewField("order_id", o.ID),
		logger.NewField("side", o.Side.String()),
		logger.NewField("price", o.Price),
		logger.NewField("qty", o.Qty),
		logger.NewField("reason", err.Error()),
	)
}

func (e *Engine) takeSnapshot(processed uint64) {
	e.snapshots.Take(e.book, e.opts.SnapshotDepth, processed)
	e.snapSeen = processed
}

func (e *Engine) report(tag string) {
	st := e.Stats()
	e.takeSnapshot(st.Processed)
	e.metrics.PoolInUse.Set(float64(st.Resident))
	e.metrics.SetBest(st.BestBid, st.BestAsk)

	fields := []logger.Field{
		logger.NewField("tag", tag),
		logger.NewField("processed", st.Processed),
		logger.NewField("dropped", st.Dropped),
		logger.NewField("matched_qty", st.Matched),
		logger.NewField("pool_capacity", e.book.PoolCapacity()),
		logger.NewField("pool_in_use", st.Resident),
		logger.NewField("best_bid", st.BestBid),
		logger.NewField("best_ask", st.BestAsk),
	}
	if lat, ok := e.tracker.Snapshot(); ok {
		fields = append(fields,
			logger.NewField("lat_count", lat.Count),
			logger.NewField("lat_avg", lat.Avg),
			logger.NewField("lat_p50", lat.P50),
			logger.NewField("lat_p95", lat.P95),
			logger.NewField("lat_p99", lat.P99),
			logger.NewField("lat_p999", lat.P999),
		)
	}
	e.log.Info("report", fields...)
}
