package broadcaster

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama/mocks"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ringbook/domain/orderbook"
	"ringbook/infra/kafka"
	"ringbook/infra/memory"
	"ringbook/infra/telemetry"
)

type fakePublisher struct {
	mu      sync.Mutex
	batches [][]kafka.Message
	fail    int // next n calls fail; -1 fails forever
	closed  bool
}

func (p *fakePublisher) Publish(_ context.Context, msgs ...kafka.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != 0 {
		if p.fail > 0 {
			p.fail--
		}
		return errors.New("broker unavailable")
	}
	p.batches = append(p.batches, append([]kafka.Message(nil), msgs...))
	return nil
}

func (p *fakePublisher) Close() error {
	p.closed = true
	return nil
}

func (p *fakePublisher) sizes() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]int, len(p.batches))
	for i, b := range p.batches {
		out[i] = len(b)
	}
	return out
}

func pushFills(t *testing.T, r *memory.Ring[orderbook.Fill], n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		require.True(t, r.Push(orderbook.Fill{BuyID: uint64(i), SellID: uint64(1000 + i), Price: 100, Qty: 1, Time: int64(i)}))
	}
}

func TestFlushPublishesInBatches(t *testing.T) {
	ring := memory.NewRing[orderbook.Fill](16)
	pub := &fakePublisher{}
	metrics := telemetry.NewMetrics(prometheus.NewRegistry())
	b := New(ring, pub, Options{BatchSize: 2, Key: "e1"}, nil, metrics)

	pushFills(t, ring, 5)
	b.Flush(context.Background())

	assert.Equal(t, []int{2, 2, 1}, pub.sizes())
	assert.Equal(t, uint64(5), b.Published())
	assert.Zero(t, b.Pending())
	assert.Equal(t, 5.0, testutil.ToFloat64(metrics.FillsPublished))

	first := pub.batches[0][0]
	assert.Equal(t, []byte("e1"), first.Key)
	f, err := DecodeFill(first.Value)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), f.BuyID)
	assert.Equal(t, uint64(1001), f.SellID)
}

func TestFlushKeepsPendingOnFailure(t *testing.T) {
	ring := memory.NewRing[orderbook.Fill](16)
	pub := &fakePublisher{fail: 1}
	b := New(ring, pub, Options{BatchSize: 10}, nil, nil)

	pushFills(t, ring, 3)
	b.Flush(context.Background())
	assert.Equal(t, uint64(1), b.Failures())
	assert.Equal(t, 3, b.Pending())
	assert.Empty(t, pub.sizes())

	b.Flush(context.Background())
	assert.Equal(t, []int{3}, pub.sizes())
	assert.Zero(t, b.Pending())
	for i, m := range pub.batches[0] {
		f, err := DecodeFill(m.Value)
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), f.BuyID, "order must survive a retry")
	}
}

func TestPendingIsBounded(t *testing.T) {
	ring := memory.NewRing[orderbook.Fill](64)
	pub := &fakePublisher{fail: -1}
	b := New(ring, pub, Options{BatchSize: 1}, nil, nil)

	pushFills(t, ring, 40)
	b.Flush(context.Background())

	assert.Equal(t, pendingBatches, b.Pending())
	assert.Equal(t, 40-pendingBatches, ring.Len(), "the rest stays in the ring")
}

func TestRunFlushesOnTick(t *testing.T) {
	ring := memory.NewRing[orderbook.Fill](16)
	pub := &fakePublisher{}
	b := New(ring, pub, Options{Interval: 5 * time.Millisecond}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx, nil) }()

	pushFills(t, ring, 3)
	require.Eventually(t, func() bool { return b.Published() == 3 }, 5*time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestRunFlushesOnShutdown(t *testing.T) {
	ring := memory.NewRing[orderbook.Fill](16)
	pub := &fakePublisher{}
	b := New(ring, pub, Options{Interval: time.Hour}, nil, nil)
	pushFills(t, ring, 2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, b.Run(ctx, nil))
	assert.Equal(t, uint64(2), b.Published())
}

func TestRunWaitsForUpstreamBeforeFinalFlush(t *testing.T) {
	ring := memory.NewRing[orderbook.Fill](16)
	pub := &fakePublisher{}
	b := New(ring, pub, Options{Interval: time.Hour}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	upstream := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx, upstream) }()

	cancel()
	// fills produced while the engine drains after cancellation
	pushFills(t, ring, 4)
	select {
	case <-done:
		t.Fatal("broadcaster returned before upstream stopped")
	case <-time.After(20 * time.Millisecond):
	}

	close(upstream)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("broadcaster did not stop")
	}
	assert.Equal(t, uint64(4), b.Published())
	assert.Zero(t, ring.Len())
}

func TestFlushThroughSarama(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	for i := 1; i <= 2; i++ {
		want := uint64(i)
		producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
			f, err := DecodeFill(val)
			if err != nil {
				return err
			}
			if f.BuyID != want {
				return errors.Errorf("buy id %d, want %d", f.BuyID, want)
			}
			return nil
		})
	}

	ring := memory.NewRing[orderbook.Fill](8)
	pub := kafka.NewSyncPublisherFrom(producer, "fills")
	b := New(ring, pub, Options{}, nil, nil)

	pushFills(t, ring, 2)
	b.Flush(context.Background())
	assert.Equal(t, uint64(2), b.Published())
	require.NoError(t, pub.Close())
}
