package pipeline

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// latencyWindow bounds the per-stage latency reservoir; percentiles are
// computed over the most recent window.
const latencyWindow = 512

// StageMetricsSnapshot is a point-in-time view of one stage's counters and
// queue statistics.
type StageMetricsSnapshot struct {
	Stage            string        `json:"stage"`
	State            string        `json:"state"`
	ItemsIn          int64         `json:"items_in"`
	ItemsOut         int64         `json:"items_out"`
	ItemsErrored     int64         `json:"items_errored"`
	ItemsRetried     int64         `json:"items_retried"`
	ErrorRate        float64       `json:"error_rate"`
	ThroughputPerSec float64       `json:"throughput_per_sec"`
	LatencyP50       time.Duration `json:"latency_p50"`
	LatencyP95       time.Duration `json:"latency_p95"`
	LatencyP99       time.Duration `json:"latency_p99"`
	QueueDepth       int           `json:"queue_depth"`
	QueueUtilization float64       `json:"queue_utilization"`
	SampledAt        time.Time     `json:"sampled_at"`
}

// InFlight derives the number of items pulled but not yet resolved.
func (s StageMetricsSnapshot) InFlight() int64 {
	return s.ItemsIn - s.ItemsOut - s.ItemsErrored
}

type stageMetrics struct {
	itemsIn      atomic.Int64
	itemsOut     atomic.Int64
	itemsErrored atomic.Int64
	itemsRetried atomic.Int64

	mu        sync.Mutex
	latencies []time.Duration
	next      int
}

func newStageMetrics() *stageMetrics {
	return &stageMetrics{latencies: make([]time.Duration, 0, latencyWindow)}
}

func (m *stageMetrics) recordLatency(d time.Duration) {
	m.mu.Lock()
	if len(m.latencies) < latencyWindow {
		m.latencies = append(m.latencies, d)
	} else {
		m.latencies[m.next] = d
		m.next = (m.next + 1) % latencyWindow
	}
	m.mu.Unlock()
}

func (m *stageMetrics) latencyPercentiles() (p50, p95, p99 time.Duration) {
	m.mu.Lock()
	sorted := make([]time.Duration, len(m.latencies))
	copy(sorted, m.latencies)
	m.mu.Unlock()

	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return percentile(sorted, 0.50), percentile(sorted, 0.95), percentile(sorted, 0.99)
}

func (m *stageMetrics) snapshot(stage, state string, depth, capacity int, elapsed time.Duration, at time.Time) StageMetricsSnapshot {
	in := m.itemsIn.Load()
	out := m.itemsOut.Load()
	errored := m.itemsErrored.Load()
	retried := m.itemsRetried.Load()

	var errorRate float64
	if in > 0 {
		errorRate = float64(errored) / float64(in)
	}
	var throughput float64
	if secs := elapsed.Seconds(); secs > 0 {
		throughput = float64(out) / secs
	}
	var utilization float64
	if capacity > 0 {
		utilization = float64(depth) / float64(capacity)
	}

	p50, p95, p99 := m.latencyPercentiles()

	return StageMetricsSnapshot{
		Stage:            stage,
		State:            state,
		ItemsIn:          in,
		ItemsOut:         out,
		ItemsErrored:     errored,
		ItemsRetried:     retried,
		ErrorRate:        errorRate,
		ThroughputPerSec: throughput,
		LatencyP50:       p50,
		LatencyP95:       p95,
		LatencyP99:       p99,
		QueueDepth:       depth,
		QueueUtilization: utilization,
		SampledAt:        at,
	}
}

// percentile returns the q-th percentile of an ascending-sorted sample using
// the nearest-rank method.
func percentile(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(q*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
