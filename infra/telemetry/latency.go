package telemetry

import (
	"slices"
	"time"
)

var epoch = time.Now()

// Now returns monotonic nanoseconds since process start. Orders stamp
// their creation time with it and the consumer subtracts on completion.
func Now() int64 {
	return int64(time.Since(epoch))
}

// Stats summarizes one batch of latency samples.
type Stats struct {
	Count int
	Avg   time.Duration
	P50   time.Duration
	P95   time.Duration
	P99   time.Duration
	P999  time.Duration
}

// LatencyTracker buffers samples between snapshots.
// Not safe for concurrent use; the consumer goroutine owns it.
//
// With a positive limit the buffer never grows past limit samples: once
// full, new samples overwrite the oldest, so a snapshot summarizes the
// most recent window.
type LatencyTracker struct {
	samples []int64
	limit   int
	next    int // overwrite position once full
}

func NewLatencyTracker(sizeHint, limit int) *LatencyTracker {
	if limit > 0 {
		sizeHint = min(sizeHint, limit)
	}
	return &LatencyTracker{
		samples: make([]int64, 0, max(sizeHint, 0)),
		limit:   max(limit, 0),
	}
}

func (t *LatencyTracker) Record(ns int64) {
	if t.limit == 0 || len(t.samples) < t.limit {
		t.samples = append(t.samples, ns)
		return
	}
	t.samples[t.next] = ns
	t.next = (t.next + 1) % t.limit
}

func (t *LatencyTracker) Len() int {
	return len(t.samples)
}

// Snapshot takes the buffered samples, leaving the tracker empty, and
// returns their summary. ok is false when nothing was recorded.
func (t *LatencyTracker) Snapshot() (Stats, bool) {
	n := len(t.samples)
	if n == 0 {
		return Stats{}, false
	}
	sorted := t.samples
	t.samples = make([]int64, 0, cap(sorted))
	t.next = 0
	slices.Sort(sorted)

	var sum float64
	for _, v := range sorted {
		sum += float64(v)
	}
	at := func(num, den int) time.Duration {
		return time.Duration(sorted[max(1, n*num/den)-1])
	}
	return Stats{
		Count: n,
		Avg:   time.Duration(sum / float64(n)),
		P50:   at(50, 100),
		P95:   at(95, 100),
		P99:   at(99, 100),
		P999:  at(999, 1000),
	}, true
}
