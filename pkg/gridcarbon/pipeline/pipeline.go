// Package pipeline implements a linear staged pipeline runtime: a single
// source feeding an ordered sequence of named stages over bounded channels,
// with per-stage concurrency, retries with exponential backoff, typed error
// routing into a dead-letter buffer, periodic metrics snapshots, lifecycle
// hooks, and cooperative shutdown with a drain timeout.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/elevated-systems/grid-carbon/pkg/gridcarbon/clock"
)

// Defaults applied by NewBuilder; override per pipeline as needed.
const (
	DefaultChannelCapacity = 128
	DefaultDrainTimeout    = 60 * time.Second
	DefaultMetricsInterval = 10 * time.Second
	DefaultDeadLetterLimit = 1000
)

// SourceFunc produces items into the pipeline. It should call emit for each
// item and stop when emit returns false or ctx is cancelled; both happen when
// the pipeline shuts down. A non-nil return other than ctx.Err() is treated
// as a pipeline failure.
type SourceFunc[T any] func(ctx context.Context, emit func(T) bool) error

// StageFunc transforms one item. Returning an error triggers retry and error
// routing per the stage configuration.
type StageFunc[T any] func(ctx context.Context, item T) (T, error)

// BatchFunc processes one accumulated batch; used by batch stages.
type BatchFunc[T any] func(ctx context.Context, items []T) error

// MetricsObserver receives periodic batches of per-stage snapshots.
type MetricsObserver func(pipeline string, snapshots []StageMetricsSnapshot)

type sourceSpec[T any] struct {
	name string
	fn   SourceFunc[T]
}

type errorRoute[T any] struct {
	matches ErrorMatcher
	handler ErrorHandler[T]
}

// Pipeline is a built, runnable pipeline. Run may be called at most once.
type Pipeline[T any] struct {
	name            string
	source          sourceSpec[T]
	stages          []*stage[T]
	channelCapacity int
	drainTimeout    time.Duration
	metricsInterval time.Duration
	deadLetterLimit int
	hooks           Hooks
	observer        MetricsObserver
	routes          []errorRoute[T]
	clk             clock.Clock

	runID        string
	shutdownCh   chan struct{}
	fatalCh      chan struct{}
	doneCh       chan struct{}
	shutdownOnce sync.Once
	fatalOnce    sync.Once

	fatalMu  sync.Mutex
	fatalErr error

	dlMu            sync.Mutex
	deadLetters     []FailedItem[T]
	deadLetterCount int
}

// Name returns the pipeline name.
func (p *Pipeline[T]) Name() string {
	return p.name
}

// Topology renders the source and stage chain, e.g. "fetch -> validate -> persist".
func (p *Pipeline[T]) Topology() string {
	s := p.source.name
	for _, st := range p.stages {
		s += " -> " + st.cfg.name
	}
	return s
}

// Shutdown asks the source to stop producing. Items already queued drain
// through the remaining stages; Run returns once drained or after the drain
// timeout.
func (p *Pipeline[T]) Shutdown() {
	p.initiateShutdown("shutdown requested")
}

// Run executes the pipeline until the source completes, ctx is cancelled,
// Shutdown is called, or an unrouted error occurs. The returned result is
// always non-nil; the error mirrors Result.Err.
func (p *Pipeline[T]) Run(ctx context.Context) (*Result[T], error) {
	p.runID = uuid.NewString()
	start := p.clk.Now()
	klog.V(2).InfoS("Starting pipeline",
		"pipeline", p.name,
		"runID", p.runID,
		"topology", p.Topology(),
		"channelCapacity", p.channelCapacity)

	defer close(p.doneCh)

	// Stage functions get a context detached from the caller so that
	// graceful shutdown lets in-flight items finish their I/O; it is only
	// cancelled on fatal abort or when Run returns.
	stageCtx, cancelStages := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelStages()

	sourceCtx, cancelSource := context.WithCancel(ctx)
	defer cancelSource()

	go func() {
		select {
		case <-p.shutdownCh:
			cancelSource()
		case <-p.doneCh:
		}
	}()
	go func() {
		select {
		case <-p.fatalCh:
			cancelStages()
		case <-p.doneCh:
		}
	}()

	// Wire bounded channels between source, stages and the terminal sink.
	chans := make([]chan T, len(p.stages)+1)
	for i := range chans {
		chans[i] = make(chan T, p.channelCapacity)
	}
	for i, s := range p.stages {
		s.in = chans[i]
		s.out = chans[i+1]
	}

	var srcWG sync.WaitGroup
	srcWG.Add(1)
	go func() {
		defer srcWG.Done()
		emit := func(v T) bool {
			select {
			case chans[0] <- v:
				return true
			case <-p.shutdownCh:
				return false
			case <-p.fatalCh:
				return false
			}
		}
		if err := p.source.fn(sourceCtx, emit); err != nil && !errors.Is(err, context.Canceled) {
			klog.ErrorS(err, "Pipeline source failed", "pipeline", p.name, "source", p.source.name)
			p.setFatal(fmt.Errorf("source %s: %w", p.source.name, err))
		}
	}()

	wgs := make([]sync.WaitGroup, len(p.stages))
	for i, s := range p.stages {
		wgs[i].Add(s.cfg.concurrency)
		for w := 0; w < s.cfg.concurrency; w++ {
			go func(s *stage[T], wg *sync.WaitGroup) {
				defer wg.Done()
				s.markRunning(p)
				if s.batchFn != nil {
					p.runBatchWorker(stageCtx, s)
				} else {
					p.runWorker(stageCtx, s)
				}
			}(s, &wgs[i])
		}
	}

	// Cascade: when a stage's upstream closes, the stage drains and then
	// closes its own output, moving pending -> running -> draining -> closed.
	allDone := make(chan struct{})
	go func() {
		srcWG.Wait()
		close(chans[0])
		p.stages[0].setState(StageDraining)
		for i, s := range p.stages {
			wgs[i].Wait()
			s.setState(StageClosed)
			p.safeHook(func(h Hooks) { h.OnComplete(s.cfg.name) })
			close(chans[i+1])
			if i+1 < len(p.stages) {
				p.stages[i+1].setState(StageDraining)
			}
		}
		close(allDone)
	}()

	// Sink discards the final stage's outputs.
	go func() {
		for range chans[len(chans)-1] {
		}
	}()

	metricsStop := make(chan struct{})
	if p.observer != nil {
		go p.metricsLoop(metricsStop)
	}

	drained := p.waitForCompletion(ctx, allDone)

	close(metricsStop)
	if p.observer != nil {
		p.deliverMetrics()
	}

	err := p.fatalError()
	completed := drained && err == nil
	duration := p.clk.Since(start)

	p.dlMu.Lock()
	letters := make([]FailedItem[T], len(p.deadLetters))
	copy(letters, p.deadLetters)
	letterCount := p.deadLetterCount
	p.dlMu.Unlock()

	res := &Result[T]{
		PipelineName:    p.name,
		RunID:           p.runID,
		Completed:       completed,
		Duration:        duration,
		StageMetrics:    p.snapshotAll(),
		DeadLetterCount: letterCount,
		DeadLetters:     letters,
		Topology:        p.Topology(),
		Err:             err,
	}

	klog.V(2).InfoS("Pipeline finished",
		"pipeline", p.name,
		"runID", p.runID,
		"completed", completed,
		"durationSeconds", duration.Seconds(),
		"deadLetters", letterCount)

	return res, err
}

func (p *Pipeline[T]) waitForCompletion(ctx context.Context, allDone <-chan struct{}) bool {
	select {
	case <-allDone:
		return true
	case <-ctx.Done():
		p.initiateShutdown("context cancelled")
	case <-p.shutdownCh:
	}

	timer := time.NewTimer(p.drainTimeout)
	defer timer.Stop()
	select {
	case <-allDone:
		return true
	case <-timer.C:
		klog.ErrorS(nil, "Drain timeout exceeded, abandoning in-flight items",
			"pipeline", p.name,
			"drainTimeout", p.drainTimeout)
		p.abort()
		return false
	}
}

func (p *Pipeline[T]) initiateShutdown(reason string) {
	p.shutdownOnce.Do(func() {
		klog.V(2).InfoS("Pipeline shutdown initiated", "pipeline", p.name, "reason", reason)
		close(p.shutdownCh)
	})
}

// abort releases workers blocked on channel operations without waiting for a
// drain; used on fatal errors and drain timeout.
func (p *Pipeline[T]) abort() {
	p.fatalOnce.Do(func() { close(p.fatalCh) })
}

func (p *Pipeline[T]) setFatal(err error) {
	p.fatalMu.Lock()
	if p.fatalErr == nil {
		p.fatalErr = err
	}
	p.fatalMu.Unlock()
	p.initiateShutdown("fatal error")
	p.abort()
}

func (p *Pipeline[T]) fatalError() error {
	p.fatalMu.Lock()
	defer p.fatalMu.Unlock()
	return p.fatalErr
}

func (p *Pipeline[T]) routeFor(err error) (errorRoute[T], bool) {
	for _, r := range p.routes {
		if r.matches(err) {
			return r, true
		}
	}
	return errorRoute[T]{}, false
}

func (p *Pipeline[T]) deadLetter(failed FailedItem[T], handler ErrorHandler[T]) {
	p.dlMu.Lock()
	p.deadLetterCount++
	if len(p.deadLetters) < p.deadLetterLimit {
		p.deadLetters = append(p.deadLetters, failed)
	}
	p.dlMu.Unlock()

	klog.V(2).InfoS("Dead-lettered item",
		"pipeline", p.name,
		"stage", failed.StageName,
		"attempts", failed.Attempts,
		"error", failed.Err)

	if handler == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			klog.ErrorS(nil, "Error handler panicked",
				"pipeline", p.name, "stage", failed.StageName, "panic", r)
		}
	}()
	handler(failed)
}

func (p *Pipeline[T]) safeHook(fn func(Hooks)) {
	if p.hooks == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			klog.ErrorS(nil, "Lifecycle hook panicked", "pipeline", p.name, "panic", r)
		}
	}()
	fn(p.hooks)
}

func (p *Pipeline[T]) metricsLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(p.metricsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.deliverMetrics()
		}
	}
}

func (p *Pipeline[T]) deliverMetrics() {
	snaps := p.snapshotAll()
	defer func() {
		if r := recover(); r != nil {
			klog.ErrorS(nil, "Metrics observer panicked", "pipeline", p.name, "panic", r)
		}
	}()
	p.observer(p.name, snaps)
}

func (p *Pipeline[T]) snapshotAll() []StageMetricsSnapshot {
	now := p.clk.Now()
	snaps := make([]StageMetricsSnapshot, 0, len(p.stages))
	for _, s := range p.stages {
		snaps = append(snaps, s.snapshot(now))
	}
	return snaps
}
