package pipeline

import (
	"fmt"
	"strings"
	"time"
)

// FailedItem packages an item whose processing failed with a routed error
// kind after exhausting its retries.
type FailedItem[T any] struct {
	Item      T
	StageName string
	Err       error
	Attempts  int
}

// Result describes a finished pipeline run.
type Result[T any] struct {
	PipelineName    string
	RunID           string
	Completed       bool
	Duration        time.Duration
	StageMetrics    []StageMetricsSnapshot
	DeadLetterCount int
	// DeadLetters holds up to the configured dead-letter limit of failed
	// items; DeadLetterCount is the unbounded total.
	DeadLetters []FailedItem[T]
	Topology    string
	Err         error
}

// Summary renders a human-readable account of the run.
func (r *Result[T]) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Pipeline %s (run %s): completed=%t duration=%.1fs\n",
		r.PipelineName, r.RunID, r.Completed, r.Duration.Seconds())
	fmt.Fprintf(&b, "  topology: %s\n", r.Topology)
	for _, m := range r.StageMetrics {
		fmt.Fprintf(&b, "  stage %-14s state=%-8s in=%-6d out=%-6d errored=%-4d retried=%-4d %.1f items/s p95=%s\n",
			m.Stage, m.State, m.ItemsIn, m.ItemsOut, m.ItemsErrored, m.ItemsRetried,
			m.ThroughputPerSec, m.LatencyP95)
	}
	fmt.Fprintf(&b, "  dead letters: %d", r.DeadLetterCount)
	if r.Err != nil {
		fmt.Fprintf(&b, "\n  error: %v", r.Err)
	}
	return b.String()
}
