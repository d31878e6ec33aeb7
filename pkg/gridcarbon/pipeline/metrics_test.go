package pipeline

import (
	"testing"
	"time"
)

func TestPercentile(t *testing.T) {
	sorted := []time.Duration{
		1 * time.Millisecond,
		2 * time.Millisecond,
		3 * time.Millisecond,
		4 * time.Millisecond,
		5 * time.Millisecond,
		6 * time.Millisecond,
		7 * time.Millisecond,
		8 * time.Millisecond,
		9 * time.Millisecond,
		10 * time.Millisecond,
	}

	if got := percentile(sorted, 0.50); got != 5*time.Millisecond {
		t.Errorf("p50 = %v, want 5ms", got)
	}
	if got := percentile(sorted, 0.95); got != 10*time.Millisecond {
		t.Errorf("p95 = %v, want 10ms", got)
	}
	if got := percentile(sorted, 0.99); got != 10*time.Millisecond {
		t.Errorf("p99 = %v, want 10ms", got)
	}
	if got := percentile(nil, 0.95); got != 0 {
		t.Errorf("Expected 0 for empty sample, got %v", got)
	}
	if got := percentile(sorted[:1], 0.99); got != 1*time.Millisecond {
		t.Errorf("Expected single sample value, got %v", got)
	}
}

func TestStageMetricsSnapshot(t *testing.T) {
	m := newStageMetrics()
	m.itemsIn.Add(10)
	m.itemsOut.Add(7)
	m.itemsErrored.Add(2)
	m.itemsRetried.Add(3)
	m.recordLatency(5 * time.Millisecond)
	m.recordLatency(10 * time.Millisecond)

	now := time.Now()
	snap := m.snapshot("persist", string(StageRunning), 12, 16, 10*time.Second, now)

	if snap.ItemsIn != 10 || snap.ItemsOut != 7 || snap.ItemsErrored != 2 || snap.ItemsRetried != 3 {
		t.Errorf("Counters not carried into snapshot: %+v", snap)
	}
	if snap.ErrorRate != 0.2 {
		t.Errorf("Expected error rate 0.2, got %f", snap.ErrorRate)
	}
	if snap.ThroughputPerSec != 0.7 {
		t.Errorf("Expected throughput 0.7/s, got %f", snap.ThroughputPerSec)
	}
	if snap.QueueDepth != 12 {
		t.Errorf("Expected queue depth 12, got %d", snap.QueueDepth)
	}
	if snap.QueueUtilization != 0.75 {
		t.Errorf("Expected utilization 0.75, got %f", snap.QueueUtilization)
	}
	if snap.InFlight() != 1 {
		t.Errorf("Expected 1 in flight, got %d", snap.InFlight())
	}
	if !snap.SampledAt.Equal(now) {
		t.Errorf("Expected sample time %v, got %v", now, snap.SampledAt)
	}
}

func TestLatencyWindowWraps(t *testing.T) {
	m := newStageMetrics()
	for i := 0; i < latencyWindow+100; i++ {
		m.recordLatency(time.Duration(i) * time.Microsecond)
	}
	if len(m.latencies) != latencyWindow {
		t.Errorf("Expected reservoir capped at %d, got %d", latencyWindow, len(m.latencies))
	}
	p50, p95, p99 := m.latencyPercentiles()
	if p50 <= 0 || p95 < p50 || p99 < p95 {
		t.Errorf("Percentiles not ordered: p50=%v p95=%v p99=%v", p50, p95, p99)
	}
}
