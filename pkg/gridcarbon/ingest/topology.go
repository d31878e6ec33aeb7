package ingest

import (
	"context"
	"time"

	"k8s.io/klog/v2"

	"github.com/elevated-systems/grid-carbon/pkg/gridcarbon/carbon"
	"github.com/elevated-systems/grid-carbon/pkg/gridcarbon/config"
	"github.com/elevated-systems/grid-carbon/pkg/gridcarbon/metrics"
	"github.com/elevated-systems/grid-carbon/pkg/gridcarbon/pipeline"
	"github.com/elevated-systems/grid-carbon/pkg/gridcarbon/store"
)

// failureHandler records a dead-lettered item in ingestion_events as
// "<stage>_failure". Event writes are best-effort; a handler can never take
// the pipeline down. The background context keeps records flowing while the
// run context unwinds during drain.
func failureHandler[T any](st Store) pipeline.ErrorHandler[T] {
	return func(item pipeline.FailedItem[T]) {
		eventType := item.StageName + "_failure"
		metrics.RecordEvent(eventType)
		st.LogEvent(context.Background(), eventType, item.StageName, item.Err.Error(),
			map[string]any{
				"attempts": item.Attempts,
				"error":    item.Err.Error(),
			})
	}
}

// eventHooks mirrors stage lifecycle transitions into ingestion_events on
// continuous pipelines.
type eventHooks struct {
	st Store
}

func (h *eventHooks) OnStart(stage string) {
	metrics.RecordEvent("stage_start")
	h.st.LogEvent(context.Background(), "stage_start", stage, "", nil)
}

func (h *eventHooks) OnError(stage string, _ any, err error) {
	metrics.RecordEvent("stage_error")
	h.st.LogEvent(context.Background(), "stage_error", stage, err.Error(), nil)
}

func (h *eventHooks) OnComplete(stage string) {
	metrics.RecordEvent("stage_complete")
	h.st.LogEvent(context.Background(), "stage_complete", stage, "", nil)
}

// metricsRecorder persists each metrics sample batch to pipeline_metrics.
func metricsRecorder(st Store) pipeline.MetricsObserver {
	return func(pipelineName string, snaps []pipeline.StageMetricsSnapshot) {
		if err := st.SavePipelineMetrics(context.Background(), pipelineName, snaps); err != nil {
			klog.V(2).InfoS("Failed to record pipeline metrics",
				"pipeline", pipelineName, "error", err)
		}
	}
}

func composeObservers(observers ...pipeline.MetricsObserver) pipeline.MetricsObserver {
	return func(pipelineName string, snaps []pipeline.StageMetricsSnapshot) {
		for _, obs := range observers {
			obs(pipelineName, snaps)
		}
	}
}

// NewFuelSeedPipeline builds the historical fuel mix backfill:
// nyiso-days → validate → persist, validation and store failures
// dead-lettered.
func NewFuelSeedPipeline(st Store, fetcher FuelMixFetcher, cfg config.IngestConfig, start, end time.Time, progress ProgressFunc) (*pipeline.Pipeline[carbon.FuelMix], error) {
	return pipeline.NewBuilder[carbon.FuelMix]("fuelmix-seed").
		Source("nyiso-days", FuelMixSeedSource(fetcher, start, end, cfg.RateLimitDelayFuel, progress)).
		Stage("validate", ValidateFuelMix).
		Stage("persist", PersistFuelMix(st),
			pipeline.WithRetries(persistRetries),
			pipeline.WithRetryBaseDelay(persistRetryBase)).
		OnError(pipeline.Kind[*ValidationError](), failureHandler[carbon.FuelMix](st)).
		OnError(pipeline.Kind[*store.StoreError](), failureHandler[carbon.FuelMix](st)).
		WithChannelCapacity(cfg.ChannelCapacitySeed).
		WithDrainTimeout(cfg.DrainTimeoutSeed).
		Build()
}

// NewFuelContinuousPipeline builds the polling fuel mix pipeline. On top of
// the seed shape it mirrors stage lifecycle into ingestion_events and
// samples stage metrics into pipeline_metrics; extra observers (Prometheus)
// receive the same samples.
func NewFuelContinuousPipeline(st Store, fetcher FuelMixFetcher, cfg config.IngestConfig, extra ...pipeline.MetricsObserver) (*pipeline.Pipeline[carbon.FuelMix], error) {
	observers := append([]pipeline.MetricsObserver{metricsRecorder(st)}, extra...)
	return pipeline.NewBuilder[carbon.FuelMix]("fuelmix-continuous").
		Source("nyiso-poll", FuelMixPollSource(fetcher, cfg.FuelMixPollInterval)).
		Stage("validate", ValidateFuelMix).
		Stage("persist", PersistFuelMix(st),
			pipeline.WithRetries(persistRetries),
			pipeline.WithRetryBaseDelay(persistRetryBase)).
		OnError(pipeline.Kind[*ValidationError](), failureHandler[carbon.FuelMix](st)).
		OnError(pipeline.Kind[*store.StoreError](), failureHandler[carbon.FuelMix](st)).
		WithHooks(&eventHooks{st: st}).
		OnMetrics(composeObservers(observers...)).
		WithMetricsInterval(cfg.MetricsInterval).
		WithChannelCapacity(cfg.ChannelCapacityContinuous).
		WithDrainTimeout(cfg.DrainTimeoutContinuous).
		Build()
}

// NewWeatherSeedPipeline builds the historical weather backfill:
// archive-days → validate → persist (batched).
func NewWeatherSeedPipeline(st Store, fetcher WeatherFetcher, cfg config.IngestConfig, start, end time.Time, progress ProgressFunc) (*pipeline.Pipeline[carbon.WeatherSnapshot], error) {
	return pipeline.NewBuilder[carbon.WeatherSnapshot]("weather-seed").
		Source("archive-days", WeatherSeedSource(fetcher, start, end, cfg.RateLimitDelayWeather, progress)).
		Stage("validate", ValidateWeather).
		BatchStage("persist", weatherBatchSize, weatherFlushTimeout, PersistWeather(st),
			pipeline.WithRetries(persistRetries),
			pipeline.WithRetryBaseDelay(persistRetryBase)).
		OnError(pipeline.Kind[*ValidationError](), failureHandler[carbon.WeatherSnapshot](st)).
		OnError(pipeline.Kind[*store.StoreError](), failureHandler[carbon.WeatherSnapshot](st)).
		WithChannelCapacity(cfg.ChannelCapacitySeed).
		WithDrainTimeout(cfg.DrainTimeoutSeed).
		Build()
}

// NewWeatherContinuousPipeline builds the forecast polling pipeline with
// the continuous observability set.
func NewWeatherContinuousPipeline(st Store, fetcher WeatherFetcher, cfg config.IngestConfig, extra ...pipeline.MetricsObserver) (*pipeline.Pipeline[carbon.WeatherSnapshot], error) {
	observers := append([]pipeline.MetricsObserver{metricsRecorder(st)}, extra...)
	return pipeline.NewBuilder[carbon.WeatherSnapshot]("weather-continuous").
		Source("forecast-poll", WeatherPollSource(fetcher, cfg.WeatherPollInterval)).
		Stage("validate", ValidateWeather).
		BatchStage("persist", weatherBatchSize, weatherFlushTimeout, PersistWeather(st),
			pipeline.WithRetries(persistRetries),
			pipeline.WithRetryBaseDelay(persistRetryBase)).
		OnError(pipeline.Kind[*ValidationError](), failureHandler[carbon.WeatherSnapshot](st)).
		OnError(pipeline.Kind[*store.StoreError](), failureHandler[carbon.WeatherSnapshot](st)).
		WithHooks(&eventHooks{st: st}).
		OnMetrics(composeObservers(observers...)).
		WithMetricsInterval(cfg.MetricsInterval).
		WithChannelCapacity(cfg.ChannelCapacityContinuous).
		WithDrainTimeout(cfg.DrainTimeoutContinuous).
		Build()
}

// RunFuelSeed builds and runs the fuel mix backfill for [start, end].
func RunFuelSeed(ctx context.Context, st Store, fetcher FuelMixFetcher, cfg config.IngestConfig, start, end time.Time, progress ProgressFunc) (*pipeline.Result[carbon.FuelMix], error) {
	p, err := NewFuelSeedPipeline(st, fetcher, cfg, start, end, progress)
	if err != nil {
		return nil, err
	}
	klog.V(2).InfoS("Starting fuel mix seed", "topology", p.Topology(),
		"start", start.Format("2006-01-02"), "end", end.Format("2006-01-02"))
	res, err := p.Run(ctx)
	logRunResult("fuel mix seed", res)
	return res, err
}

// RunWeatherSeed builds and runs the weather backfill for [start, end].
func RunWeatherSeed(ctx context.Context, st Store, fetcher WeatherFetcher, cfg config.IngestConfig, start, end time.Time, progress ProgressFunc) (*pipeline.Result[carbon.WeatherSnapshot], error) {
	p, err := NewWeatherSeedPipeline(st, fetcher, cfg, start, end, progress)
	if err != nil {
		return nil, err
	}
	klog.V(2).InfoS("Starting weather seed", "topology", p.Topology(),
		"start", start.Format("2006-01-02"), "end", end.Format("2006-01-02"))
	res, err := p.Run(ctx)
	logRunResult("weather seed", res)
	return res, err
}

// RunFuelContinuous runs the polling fuel mix pipeline until ctx is
// cancelled or the pipeline is shut down.
func RunFuelContinuous(ctx context.Context, st Store, fetcher FuelMixFetcher, cfg config.IngestConfig, extra ...pipeline.MetricsObserver) (*pipeline.Result[carbon.FuelMix], error) {
	p, err := NewFuelContinuousPipeline(st, fetcher, cfg, extra...)
	if err != nil {
		return nil, err
	}
	klog.InfoS("Starting continuous fuel mix ingestion",
		"topology", p.Topology(), "pollInterval", cfg.FuelMixPollInterval)
	res, err := p.Run(ctx)
	logRunResult("fuel mix ingestion", res)
	return res, err
}

// RunWeatherContinuous runs the forecast polling pipeline until ctx is
// cancelled or the pipeline is shut down.
func RunWeatherContinuous(ctx context.Context, st Store, fetcher WeatherFetcher, cfg config.IngestConfig, extra ...pipeline.MetricsObserver) (*pipeline.Result[carbon.WeatherSnapshot], error) {
	p, err := NewWeatherContinuousPipeline(st, fetcher, cfg, extra...)
	if err != nil {
		return nil, err
	}
	klog.InfoS("Starting continuous weather ingestion",
		"topology", p.Topology(), "pollInterval", cfg.WeatherPollInterval)
	res, err := p.Run(ctx)
	logRunResult("weather ingestion", res)
	return res, err
}

func logRunResult[T any](what string, res *pipeline.Result[T]) {
	if res == nil {
		return
	}
	klog.InfoS("Pipeline finished",
		"pipeline", res.PipelineName,
		"what", what,
		"completed", res.Completed,
		"duration", res.Duration.Round(time.Millisecond),
		"deadLetters", res.DeadLetterCount)
	klog.V(2).Info(res.Summary())
}
