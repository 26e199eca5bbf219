package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Drop reasons used as the "reason" label on OrdersDropped.
const (
	ReasonPoolExhausted = "pool_exhausted"
	ReasonInvalid       = "invalid"
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	OrderLatency    prometheus.Histogram
	OrdersProcessed prometheus.Counter
	OrdersDropped   *prometheus.CounterVec
	MatchedQty      prometheus.Counter
	Fills           prometheus.Counter
	FillsDropped    prometheus.Counter
	FillsPublished  prometheus.Counter
	BestBid         prometheus.Gauge
	BestAsk         prometheus.Gauge
	PoolInUse       prometheus.Gauge
}

// NewMetrics registers every collector on reg. Pass a fresh
// prometheus.NewRegistry() in tests to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		OrderLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ringbook_order_latency_seconds",
			Help:    "Time from order creation by a producer to the end of its matching pass",
			Buckets: prometheus.ExponentialBuckets(0.000001, 2, 20), // 1µs to ~0.5s
		}),
		OrdersProcessed: f.NewCounter(prometheus.CounterOpts{
			Name: "ringbook_orders_processed_total",
			Help: "Orders popped from producer channels and handed to the book",
		}),
		OrdersDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ringbook_orders_dropped_total",
			Help: "Orders the book refused",
		}, []string{"reason"}),
		MatchedQty: f.NewCounter(prometheus.CounterOpts{
			Name: "ringbook_matched_quantity_total",
			Help: "Quantity traded",
		}),
		Fills: f.NewCounter(prometheus.CounterOpts{
			Name: "ringbook_fills_total",
			Help: "Fill events emitted by the book",
		}),
		FillsDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "ringbook_fills_dropped_total",
			Help: "Fill events lost because the broadcast ring was full",
		}),
		FillsPublished: f.NewCounter(prometheus.CounterOpts{
			Name: "ringbook_fills_published_total",
			Help: "Fill events acknowledged by the broker",
		}),
		BestBid: f.NewGauge(prometheus.GaugeOpts{
			Name: "ringbook_best_bid_tick",
			Help: "Best bid tick, -1 when the bid side is empty",
		}),
		BestAsk: f.NewGauge(prometheus.GaugeOpts{
			Name: "ringbook_best_ask_tick",
			Help: "Best ask tick, -1 when the ask side is empty",
		}),
		PoolInUse: f.NewGauge(prometheus.GaugeOpts{
			Name: "ringbook_pool_in_use",
			Help: "Order pool slots currently allocated",
		}),
	}
}

func (m *Metrics) ObserveLatency(ns int64) {
	m.OrderLatency.Observe(time.Duration(ns).Seconds())
}

// SetBest publishes the cursors; pass -1 for an empty side.
func (m *Metrics) SetBest(bid, ask int64) {
	m.BestBid.Set(float64(bid))
	m.BestAsk.Set(float64(ask))
}
