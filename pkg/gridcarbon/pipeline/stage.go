package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"k8s.io/klog/v2"
)

// StageState tracks a stage through its lifecycle.
type StageState string

const (
	StagePending  StageState = "pending"
	StageRunning  StageState = "running"
	StageDraining StageState = "draining"
	StageClosed   StageState = "closed"
	StageFailed   StageState = "failed"
)

type stageConfig struct {
	name         string
	concurrency  int
	retries      int
	retryBase    time.Duration
	batchSize    int
	flushTimeout time.Duration
}

type stage[T any] struct {
	cfg     stageConfig
	fn      StageFunc[T]
	batchFn BatchFunc[T]

	in  chan T
	out chan T

	metrics *stageMetrics

	stateMu   sync.Mutex
	state     StageState
	startedAt time.Time
	startOnce sync.Once
}

func newStage[T any](cfg stageConfig) *stage[T] {
	return &stage[T]{
		cfg:     cfg,
		metrics: newStageMetrics(),
		state:   StagePending,
	}
}

func (s *stage[T]) markRunning(p *Pipeline[T]) {
	s.startOnce.Do(func() {
		s.stateMu.Lock()
		s.state = StageRunning
		s.startedAt = p.clk.Now()
		s.stateMu.Unlock()
		p.safeHook(func(h Hooks) { h.OnStart(s.cfg.name) })
	})
}

// setState ignores transitions out of the terminal closed/failed states.
func (s *stage[T]) setState(next StageState) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.state == StageClosed || s.state == StageFailed {
		return
	}
	s.state = next
}

// State returns the stage's current lifecycle state.
func (s *stage[T]) State() StageState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

func (s *stage[T]) snapshot(now time.Time) StageMetricsSnapshot {
	s.stateMu.Lock()
	state := s.state
	startedAt := s.startedAt
	s.stateMu.Unlock()

	var elapsed time.Duration
	if !startedAt.IsZero() {
		elapsed = now.Sub(startedAt)
	}
	return s.metrics.snapshot(s.cfg.name, string(state), len(s.in), cap(s.in), elapsed, now)
}

// runWorker is the loop for a plain stage worker: pull, process, forward.
func (p *Pipeline[T]) runWorker(ctx context.Context, s *stage[T]) {
	for {
		select {
		case <-p.fatalCh:
			return
		case item, ok := <-s.in:
			if !ok {
				return
			}
			s.metrics.itemsIn.Add(1)
			out, forward := p.processItem(ctx, s, item)
			if !forward {
				continue
			}
			select {
			case s.out <- out:
				s.metrics.itemsOut.Add(1)
			case <-p.fatalCh:
				return
			}
		}
	}
}

// processItem runs the stage function with retries. The second return value
// is false when the item's final disposition is a dead letter or a fatal
// error; items_errored has been incremented in that case.
func (p *Pipeline[T]) processItem(ctx context.Context, s *stage[T], item T) (T, bool) {
	var zero T
	attempts := 0
	for {
		attempts++
		began := p.clk.Now()
		out, err := s.fn(ctx, item)
		s.metrics.recordLatency(p.clk.Since(began))
		if err == nil {
			return out, true
		}

		p.safeHook(func(h Hooks) { h.OnError(s.cfg.name, item, err) })

		route, matched := p.routeFor(err)
		if !matched {
			klog.ErrorS(err, "Unrouted pipeline error, terminating",
				"pipeline", p.name, "stage", s.cfg.name)
			s.metrics.itemsErrored.Add(1)
			s.setState(StageFailed)
			p.setFatal(fmt.Errorf("stage %s: %w", s.cfg.name, err))
			return zero, false
		}

		if attempts <= s.cfg.retries {
			s.metrics.itemsRetried.Add(1)
			klog.V(2).InfoS("Retrying item",
				"pipeline", p.name,
				"stage", s.cfg.name,
				"attempt", attempts,
				"error", err)
			if !p.backoff(s.cfg.retryBase, attempts) {
				s.metrics.itemsErrored.Add(1)
				return zero, false
			}
			continue
		}

		s.metrics.itemsErrored.Add(1)
		p.deadLetter(FailedItem[T]{Item: item, StageName: s.cfg.name, Err: err, Attempts: attempts}, route.handler)
		return zero, false
	}
}

// runBatchWorker accumulates items up to batchSize or flushTimeout, whichever
// comes first, and flushes each group through the batch function.
func (p *Pipeline[T]) runBatchWorker(ctx context.Context, s *stage[T]) {
	batch := make([]T, 0, s.cfg.batchSize)
	for {
		var first T
		var ok bool
		select {
		case <-p.fatalCh:
			return
		case first, ok = <-s.in:
			if !ok {
				return
			}
		}
		batch = append(batch[:0], first)
		s.metrics.itemsIn.Add(1)

		timer := time.NewTimer(s.cfg.flushTimeout)
		drained := false
	fill:
		for len(batch) < s.cfg.batchSize {
			select {
			case <-p.fatalCh:
				timer.Stop()
				return
			case item, ok := <-s.in:
				if !ok {
					drained = true
					break fill
				}
				batch = append(batch, item)
				s.metrics.itemsIn.Add(1)
			case <-timer.C:
				break fill
			}
		}
		timer.Stop()

		p.flushBatch(ctx, s, batch)

		if drained {
			return
		}
	}
}

func (p *Pipeline[T]) flushBatch(ctx context.Context, s *stage[T], batch []T) {
	attempts := 0
	for {
		attempts++
		began := p.clk.Now()
		err := s.batchFn(ctx, batch)
		s.metrics.recordLatency(p.clk.Since(began))
		if err == nil {
			for _, item := range batch {
				select {
				case s.out <- item:
					s.metrics.itemsOut.Add(1)
				case <-p.fatalCh:
					return
				}
			}
			return
		}

		p.safeHook(func(h Hooks) { h.OnError(s.cfg.name, batch, err) })

		route, matched := p.routeFor(err)
		if !matched {
			klog.ErrorS(err, "Unrouted pipeline error in batch stage, terminating",
				"pipeline", p.name, "stage", s.cfg.name, "batchSize", len(batch))
			s.metrics.itemsErrored.Add(int64(len(batch)))
			s.setState(StageFailed)
			p.setFatal(fmt.Errorf("stage %s: %w", s.cfg.name, err))
			return
		}

		if attempts <= s.cfg.retries {
			s.metrics.itemsRetried.Add(1)
			klog.V(2).InfoS("Retrying batch",
				"pipeline", p.name,
				"stage", s.cfg.name,
				"attempt", attempts,
				"batchSize", len(batch),
				"error", err)
			if !p.backoff(s.cfg.retryBase, attempts) {
				s.metrics.itemsErrored.Add(int64(len(batch)))
				return
			}
			continue
		}

		s.metrics.itemsErrored.Add(int64(len(batch)))
		for _, item := range batch {
			p.deadLetter(FailedItem[T]{Item: item, StageName: s.cfg.name, Err: err, Attempts: attempts}, route.handler)
		}
		return
	}
}

// backoff sleeps base * 2^(attempt-1). Shutdown aborts the wait early so the
// in-flight item proceeds to its next attempt immediately; fatal abort
// abandons the item and returns false.
func (p *Pipeline[T]) backoff(base time.Duration, attempt int) bool {
	if base <= 0 {
		return true
	}
	delay := base * time.Duration(1<<uint(attempt-1))
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-p.shutdownCh:
	case <-p.fatalCh:
		return false
	}
	return true
}
