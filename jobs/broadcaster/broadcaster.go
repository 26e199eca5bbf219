package broadcaster

import (
	"context"
	"sync/atomic"
	"time"

	"ringbook/domain/orderbook"
	"ringbook/infra/kafka"
	"ringbook/infra/logger"
	"ringbook/infra/memory"
	"ringbook/infra/telemetry"
)

const (
	defaultInterval  = 250 * time.Millisecond
	defaultBatchSize = 512
	pendingBatches   = 16
	shutdownTimeout  = 5 * time.Second
)

type Options struct {
	Interval  time.Duration
	BatchSize int
	Key       string // record key, normally the engine id
}

// Broadcaster ships fills from the engine's fill ring to Kafka.
//
// It is the ring's only consumer. Publishing never blocks the engine: while
// the broker is unavailable fills accumulate in a bounded pending buffer,
// then in the ring, and past that the engine drops and counts them.
type Broadcaster struct {
	fills   *memory.Ring[orderbook.Fill]
	pub     kafka.Publisher
	opts    Options
	log     *logger.Logger
	metrics *telemetry.Metrics

	pending   []kafka.Message
	published atomic.Uint64
	failures  atomic.Uint64
}

func New(fills *memory.Ring[orderbook.Fill], pub kafka.Publisher, opts Options, log *logger.Logger, metrics *telemetry.Metrics) *Broadcaster {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Broadcaster{
		fills:   fills,
		pub:     pub,
		opts:    opts,
		log:     log,
		metrics: metrics,
	}
}

func (b *Broadcaster) Published() uint64 { return b.published.Load() }
func (b *Broadcaster) Failures() uint64  { return b.failures.Load() }
func (b *Broadcaster) Pending() int      { return len(b.pending) }

// Run flushes on every tick until ctx is done. It then waits for upstream
// to close, so fills the engine emits while draining its rings are not
// stranded, and makes a last flush with a bounded timeout. A nil upstream
// skips the wait.
func (b *Broadcaster) Run(ctx context.Context, upstream <-chan struct{}) error {
	b.log.Info("broadcaster started",
		logger.NewField("interval", b.opts.Interval),
		logger.NewField("batch_size", b.opts.BatchSize),
	)

	ticker := time.NewTicker(b.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.shutdown(ctx, upstream)
			return nil
		case <-ticker.C:
			b.Flush(ctx)
		}
	}
}

func (b *Broadcaster) shutdown(ctx context.Context, upstream <-chan struct{}) {
	final, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if upstream != nil {
		select {
		case <-upstream:
		case <-final.Done():
			b.log.Warn("upstream did not stop before the shutdown timeout")
			final, cancel = context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
		}
	}
	b.Flush(final)
	b.log.Info("broadcaster stopped",
		logger.NewField("published", b.published.Load()),
		logger.NewField("unsent", len(b.pending)+b.fills.Len()),
	)
}

// Flush drains the ring and publishes in batches. A failed batch and
// everything after it stay pending for the next call. Run goroutine only.
func (b *Broadcaster) Flush(ctx context.Context) {
	b.collect()

	for len(b.pending) > 0 {
		n := min(len(b.pending), b.opts.BatchSize)
		if err := b.pub.Publish(ctx, b.pending[:n]...); err != nil {
			b.failures.Add(1)
			b.log.Error(err, logger.NewField("pending", len(b.pending)))
			return
		}
		b.published.Add(uint64(n))
		if b.metrics != nil {
			b.metrics.FillsPublished.Add(float64(n))
		}
		b.pending = append(b.pending[:0], b.pending[n:]...)
		b.collect()
	}
}

func (b *Broadcaster) collect() {
	limit := b.opts.BatchSize * pendingBatches
	for len(b.pending) < limit {
		f, ok := b.fills.Pop()
		if !ok {
			return
		}
		b.pending = append(b.pending, kafka.Message{
			Key:   []byte(b.opts.Key),
			Value: AppendFill(nil, f),
		})
	}
}
