package runtime

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/drblury/outrigger/internal/runtime/api"
	"github.com/drblury/outrigger/internal/runtime/cloudevents"
)

const (
	latencySampleSize    = 256
	throughputWindowSize = time.Minute
)

// Outcome is how one delivery of a subscription ended.
type Outcome string

const (
	OutcomeDelivered    Outcome = "delivered"
	OutcomeFailed       Outcome = "failed"
	OutcomeDeadLettered Outcome = "dead_lettered"
	OutcomeDropped      Outcome = "dropped"
	OutcomeExpired      Outcome = "expired"
)

// subscriptionStats counts deliveries of one subscription.
type subscriptionStats struct {
	mu sync.Mutex

	delivered    int64
	failed       int64
	deadLettered int64
	dropped      int64
	expired      int64
	inFlight     int64
	lastError    string
	totalLatency time.Duration
	maxLatency   time.Duration
	lastDelivery time.Time

	latency    *latencyWindow
	throughput *throughputWindow
}

func newSubscriptionStats() *subscriptionStats {
	return &subscriptionStats{
		latency:    newLatencyWindow(latencySampleSize),
		throughput: newThroughputWindow(throughputWindowSize),
	}
}

func (st *subscriptionStats) start() {
	st.mu.Lock()
	st.inFlight++
	st.mu.Unlock()
}

// finish records the outcome of a delivery that took elapsed. err is the
// handler error, if any.
func (st *subscriptionStats) finish(outcome Outcome, elapsed time.Duration, err error, now time.Time) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.inFlight > 0 {
		st.inFlight--
	}
	switch outcome {
	case OutcomeDelivered:
		st.delivered++
	case OutcomeFailed:
		st.failed++
	case OutcomeDeadLettered:
		st.deadLettered++
	case OutcomeDropped:
		st.dropped++
	case OutcomeExpired:
		st.expired++
		return
	}
	if err != nil {
		st.lastError = err.Error()
	}
	st.totalLatency += elapsed
	if elapsed > st.maxLatency {
		st.maxLatency = elapsed
	}
	st.lastDelivery = now
	st.latency.Add(elapsed)
	st.throughput.AddAndSnapshot(now)
}

func (st *subscriptionStats) snapshot(now time.Time) *api.SubscriptionStats {
	st.mu.Lock()
	defer st.mu.Unlock()

	out := &api.SubscriptionStats{
		Delivered:    st.delivered,
		Failed:       st.failed,
		DeadLettered: st.deadLettered,
		Dropped:      st.dropped,
		Expired:      st.expired,
		InFlight:     st.inFlight,
		LastError:    st.lastError,
		MaxLatencyMs: millis(st.maxLatency),
	}
	if n := st.delivered + st.failed + st.deadLettered + st.dropped; n > 0 {
		out.AvgLatencyMs = millis(st.totalLatency / time.Duration(n))
	}
	out.P95LatencyMs = millis(time.Duration(st.latency.Snapshot().P95Ns))
	st.throughput.cleanup(now)
	out.RatePerSecond = st.throughput.snapshot(now).CurrentRPS
	if !st.lastDelivery.IsZero() {
		out.LastDeliveryAt = cloudevents.FormatTime(st.lastDelivery)
	}
	return out
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

type latencySnapshot struct {
	P50Ns      int64
	P95Ns      int64
	P99Ns      int64
	SampleSize int
}

type latencyWindow struct {
	samples []int64
	next    int
	filled  int
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = latencySampleSize
	}
	return &latencyWindow{samples: make([]int64, size)}
}

func (lw *latencyWindow) Add(d time.Duration) {
	if lw == nil || len(lw.samples) == 0 {
		return
	}
	lw.samples[lw.next] = int64(d)
	lw.next = (lw.next + 1) % len(lw.samples)
	if lw.filled < len(lw.samples) {
		lw.filled++
	}
}

func (lw *latencyWindow) Snapshot() latencySnapshot {
	var out latencySnapshot
	if lw == nil || lw.filled == 0 {
		return out
	}
	samples := make([]int64, lw.filled)
	for i := 0; i < lw.filled; i++ {
		idx := lw.next - lw.filled + i
		if idx < 0 {
			idx += len(lw.samples)
		}
		samples[i] = lw.samples[idx]
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	out.SampleSize = lw.filled
	out.P50Ns = percentile(samples, 0.50)
	out.P95Ns = percentile(samples, 0.95)
	out.P99Ns = percentile(samples, 0.99)
	return out
}

func percentile(samples []int64, quantile float64) int64 {
	if len(samples) == 0 {
		return 0
	}
	if quantile <= 0 {
		return samples[0]
	}
	if quantile >= 1 {
		return samples[len(samples)-1]
	}
	pos := quantile * float64(len(samples)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return samples[lower]
	}
	frac := pos - float64(lower)
	return samples[lower] + int64(float64(samples[upper]-samples[lower])*frac)
}

// throughputWindow keeps delivery timestamps of the last horizon.
type throughputWindow struct {
	horizon time.Duration
	samples []time.Time
}

type throughputSnapshot struct {
	Count         int
	WindowSeconds float64
	CurrentRPS    float64
}

func newThroughputWindow(horizon time.Duration) *throughputWindow {
	return &throughputWindow{
		horizon: horizon,
		samples: make([]time.Time, 0, 64),
	}
}

func (tw *throughputWindow) AddAndSnapshot(now time.Time) throughputSnapshot {
	if tw == nil {
		return throughputSnapshot{}
	}
	tw.samples = append(tw.samples, now)
	tw.cleanup(now)
	return tw.snapshot(now)
}

func (tw *throughputWindow) cleanup(now time.Time) {
	if tw == nil || len(tw.samples) == 0 {
		return
	}
	cutoff := now.Add(-tw.horizon)
	idx := 0
	for idx < len(tw.samples) && tw.samples[idx].Before(cutoff) {
		idx++
	}
	if idx > 0 {
		copy(tw.samples, tw.samples[idx:])
		tw.samples = tw.samples[:len(tw.samples)-idx]
	}
}

func (tw *throughputWindow) snapshot(now time.Time) throughputSnapshot {
	if tw == nil || len(tw.samples) == 0 {
		return throughputSnapshot{}
	}
	span := now.Sub(tw.samples[0])
	if span < time.Second {
		span = time.Second
	}
	count := len(tw.samples)
	return throughputSnapshot{
		Count:         count,
		WindowSeconds: span.Seconds(),
		CurrentRPS:    float64(count) / span.Seconds(),
	}
}
