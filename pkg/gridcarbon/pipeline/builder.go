package pipeline

import (
	"fmt"
	"time"

	"github.com/elevated-systems/grid-carbon/pkg/gridcarbon/clock"
)

// StageOption tunes one stage declaration.
type StageOption func(*stageConfig)

// WithConcurrency sets the number of worker goroutines for the stage.
// Concurrency above 1 may reorder items; 1 preserves FIFO order.
func WithConcurrency(n int) StageOption {
	return func(c *stageConfig) { c.concurrency = n }
}

// WithRetries sets how many times a failed item is retried when its error
// matches a registered kind.
func WithRetries(n int) StageOption {
	return func(c *stageConfig) { c.retries = n }
}

// WithRetryBaseDelay sets the base for the exponential retry backoff,
// base * 2^(attempt-1).
func WithRetryBaseDelay(d time.Duration) StageOption {
	return func(c *stageConfig) { c.retryBase = d }
}

// Builder assembles a Pipeline. Configuration errors surface from Build.
type Builder[T any] struct {
	p   *Pipeline[T]
	err error
}

// NewBuilder starts a pipeline declaration with the given name.
func NewBuilder[T any](name string) *Builder[T] {
	return &Builder[T]{p: &Pipeline[T]{
		name:            name,
		channelCapacity: DefaultChannelCapacity,
		drainTimeout:    DefaultDrainTimeout,
		metricsInterval: DefaultMetricsInterval,
		deadLetterLimit: DefaultDeadLetterLimit,
		clk:             clock.RealClock{},
		shutdownCh:      make(chan struct{}),
		fatalCh:         make(chan struct{}),
		doneCh:          make(chan struct{}),
	}}
}

func (b *Builder[T]) fail(format string, args ...any) *Builder[T] {
	if b.err == nil {
		b.err = fmt.Errorf(format, args...)
	}
	return b
}

// Source sets the pipeline's single item producer.
func (b *Builder[T]) Source(name string, fn SourceFunc[T]) *Builder[T] {
	if b.p.source.fn != nil {
		return b.fail("pipeline %s: source already set", b.p.name)
	}
	if fn == nil {
		return b.fail("pipeline %s: source function must not be nil", b.p.name)
	}
	b.p.source = sourceSpec[T]{name: name, fn: fn}
	return b
}

// Stage appends a one-in one-out stage.
func (b *Builder[T]) Stage(name string, fn StageFunc[T], opts ...StageOption) *Builder[T] {
	if fn == nil {
		return b.fail("stage %s: function must not be nil", name)
	}
	cfg := stageConfig{name: name, concurrency: 1}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := newStage[T](cfg)
	s.fn = fn
	b.p.stages = append(b.p.stages, s)
	return b
}

// BatchStage appends a stage that accumulates items into groups of batchSize,
// flushing a partial group after flushTimeout. Batch stages run at
// concurrency 1.
func (b *Builder[T]) BatchStage(name string, batchSize int, flushTimeout time.Duration, fn BatchFunc[T], opts ...StageOption) *Builder[T] {
	if fn == nil {
		return b.fail("stage %s: batch function must not be nil", name)
	}
	cfg := stageConfig{
		name:         name,
		concurrency:  1,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := newStage[T](cfg)
	s.batchFn = fn
	b.p.stages = append(b.p.stages, s)
	return b
}

// OnError registers an error kind. Matching errors are retryable per stage
// configuration and dead-letter on exhaustion; handler, when non-nil, is
// additionally invoked for each dead letter. Unregistered error kinds
// terminate the pipeline. Registrations are matched in order.
func (b *Builder[T]) OnError(matches ErrorMatcher, handler ErrorHandler[T]) *Builder[T] {
	if matches == nil {
		return b.fail("pipeline %s: error matcher must not be nil", b.p.name)
	}
	b.p.routes = append(b.p.routes, errorRoute[T]{matches: matches, handler: handler})
	return b
}

// WithHooks installs lifecycle hooks.
func (b *Builder[T]) WithHooks(h Hooks) *Builder[T] {
	b.p.hooks = h
	return b
}

// OnMetrics registers a metrics observer sampled every metrics interval.
func (b *Builder[T]) OnMetrics(observer MetricsObserver) *Builder[T] {
	b.p.observer = observer
	return b
}

// WithMetricsInterval overrides the sampling interval for OnMetrics.
func (b *Builder[T]) WithMetricsInterval(d time.Duration) *Builder[T] {
	b.p.metricsInterval = d
	return b
}

// WithChannelCapacity sets the bounded capacity of every inter-stage channel.
func (b *Builder[T]) WithChannelCapacity(n int) *Builder[T] {
	b.p.channelCapacity = n
	return b
}

// WithDrainTimeout bounds how long Run waits for in-flight items after
// shutdown is triggered.
func (b *Builder[T]) WithDrainTimeout(d time.Duration) *Builder[T] {
	b.p.drainTimeout = d
	return b
}

// WithDeadLetterLimit caps how many failed items Result retains.
func (b *Builder[T]) WithDeadLetterLimit(n int) *Builder[T] {
	b.p.deadLetterLimit = n
	return b
}

// WithClock substitutes the time source, for tests.
func (b *Builder[T]) WithClock(c clock.Clock) *Builder[T] {
	b.p.clk = c
	return b
}

// Build validates the declaration and returns the runnable pipeline.
func (b *Builder[T]) Build() (*Pipeline[T], error) {
	if b.err != nil {
		return nil, b.err
	}
	p := b.p
	if p.name == "" {
		return nil, fmt.Errorf("pipeline name must not be empty")
	}
	if p.source.fn == nil {
		return nil, fmt.Errorf("pipeline %s: a source is required", p.name)
	}
	if len(p.stages) == 0 {
		return nil, fmt.Errorf("pipeline %s: at least one stage is required", p.name)
	}
	if p.channelCapacity < 1 {
		return nil, fmt.Errorf("pipeline %s: channel capacity must be >= 1", p.name)
	}
	if p.drainTimeout <= 0 {
		return nil, fmt.Errorf("pipeline %s: drain timeout must be positive", p.name)
	}
	if p.metricsInterval <= 0 {
		return nil, fmt.Errorf("pipeline %s: metrics interval must be positive", p.name)
	}

	seen := make(map[string]bool, len(p.stages))
	for _, s := range p.stages {
		cfg := s.cfg
		if cfg.name == "" {
			return nil, fmt.Errorf("pipeline %s: stage names must not be empty", p.name)
		}
		if seen[cfg.name] {
			return nil, fmt.Errorf("pipeline %s: duplicate stage name %q", p.name, cfg.name)
		}
		seen[cfg.name] = true
		if cfg.concurrency < 1 {
			return nil, fmt.Errorf("stage %s: concurrency must be >= 1", cfg.name)
		}
		if cfg.retries < 0 {
			return nil, fmt.Errorf("stage %s: retries must be >= 0", cfg.name)
		}
		if s.batchFn != nil {
			if cfg.batchSize < 1 {
				return nil, fmt.Errorf("stage %s: batch size must be >= 1", cfg.name)
			}
			if cfg.flushTimeout <= 0 {
				return nil, fmt.Errorf("stage %s: flush timeout must be positive", cfg.name)
			}
			if cfg.concurrency != 1 {
				return nil, fmt.Errorf("stage %s: batch stages run at concurrency 1", cfg.name)
			}
		}
	}

	return p, nil
}
