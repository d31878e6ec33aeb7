// Package metrics exposes Prometheus collectors for grid telemetry,
// pipeline health and the REST surface.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/elevated-systems/grid-carbon/pkg/gridcarbon/carbon"
	"github.com/elevated-systems/grid-carbon/pkg/gridcarbon/pipeline"
)

const (
	namespace         = "grid_carbon"
	pipelineSubsystem = "pipeline"
	apiSubsystem      = "api"
)

var (
	// CarbonIntensity reports the latest computed intensity for a region.
	CarbonIntensity = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "carbon_intensity_grams_per_kwh",
			Help:      "Latest carbon intensity (gCO2/kWh) for a region",
		},
		[]string{"region", "source"},
	)

	// CleanPercentage reports the zero-carbon share of generation.
	CleanPercentage = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "clean_generation_percent",
			Help:      "Share of generation from zero-carbon fuels",
		},
		[]string{"region"},
	)

	// FuelGeneration reports per-fuel generation in MW.
	FuelGeneration = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fuel_generation_mw",
			Help:      "Latest generation in MW by fuel category",
		},
		[]string{"region", "fuel"},
	)

	// WeatherTemperature reports the most recent forecast temperature.
	WeatherTemperature = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "weather_temperature_fahrenheit",
			Help:      "Most recently ingested temperature in degrees F",
		},
		[]string{"region"},
	)

	// WeatherWindSpeed reports the most recent 80m wind speed.
	WeatherWindSpeed = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "weather_wind_speed_mph",
			Help:      "Most recently ingested 80m wind speed in mph",
		},
		[]string{"region"},
	)

	// WeatherCloudCover reports the most recent cloud cover.
	WeatherCloudCover = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "weather_cloud_cover_percent",
			Help:      "Most recently ingested cloud cover percentage",
		},
		[]string{"region"},
	)

	// PipelineItems mirrors the cumulative stage counters from the most
	// recent metrics snapshot.
	PipelineItems = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: pipelineSubsystem,
			Name:      "stage_items",
			Help:      "Cumulative items through a stage by direction (in, out, errored, retried)",
		},
		[]string{"pipeline", "stage", "direction"},
	)

	// PipelineErrorRate reports errored/in per stage.
	PipelineErrorRate = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: pipelineSubsystem,
			Name:      "stage_error_rate",
			Help:      "Fraction of stage inputs that errored",
		},
		[]string{"pipeline", "stage"},
	)

	// PipelineThroughput reports stage throughput in items per second.
	PipelineThroughput = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: pipelineSubsystem,
			Name:      "stage_throughput_items_per_second",
			Help:      "Stage throughput in items per second",
		},
		[]string{"pipeline", "stage"},
	)

	// PipelineLatency reports stage latency quantiles in seconds.
	PipelineLatency = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: pipelineSubsystem,
			Name:      "stage_latency_seconds",
			Help:      "Per-item stage latency quantiles (p50, p95, p99)",
		},
		[]string{"pipeline", "stage", "quantile"},
	)

	// PipelineQueueDepth reports items waiting in a stage's input channel.
	PipelineQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: pipelineSubsystem,
			Name:      "stage_queue_depth",
			Help:      "Items waiting in a stage's input channel",
		},
		[]string{"pipeline", "stage"},
	)

	// PipelineQueueUtilization reports queue depth over capacity.
	PipelineQueueUtilization = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: pipelineSubsystem,
			Name:      "stage_queue_utilization",
			Help:      "Stage input channel utilization between 0 and 1",
		},
		[]string{"pipeline", "stage"},
	)

	// IngestionEvents counts ingestion lifecycle and failure events.
	IngestionEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingestion_events_total",
			Help:      "Ingestion lifecycle and failure events by type",
		},
		[]string{"event_type"},
	)

	// HTTPRequestDuration measures REST request latency.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: apiSubsystem,
			Name:      "request_duration_seconds",
			Help:      "REST request latency by route, method and status code",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"route", "method", "code"},
	)
)

func init() {
	prometheus.MustRegister(
		CarbonIntensity,
		CleanPercentage,
		FuelGeneration,
		WeatherTemperature,
		WeatherWindSpeed,
		WeatherCloudCover,
		PipelineItems,
		PipelineErrorRate,
		PipelineThroughput,
		PipelineLatency,
		PipelineQueueDepth,
		PipelineQueueUtilization,
		IngestionEvents,
		HTTPRequestDuration,
	)
}

// RecordFuelMix publishes the gauges derived from one fuel-mix snapshot.
// source distinguishes live feed data from stored fallbacks.
func RecordFuelMix(region, source string, mix *carbon.FuelMix) {
	if mix == nil {
		return
	}
	if intensity, err := mix.CarbonIntensity(); err == nil {
		CarbonIntensity.WithLabelValues(region, source).Set(intensity.GramsCO2PerKWh)
	}
	CleanPercentage.WithLabelValues(region).Set(mix.CleanPercentage())
	for _, fg := range mix.FuelBreakdown() {
		FuelGeneration.WithLabelValues(region, string(fg.Fuel)).Set(fg.Value)
	}
}

// RecordWeather publishes the current-weather gauges.
func RecordWeather(region string, snap carbon.WeatherSnapshot) {
	WeatherTemperature.WithLabelValues(region).Set(snap.TemperatureF)
	WeatherWindSpeed.WithLabelValues(region).Set(snap.WindSpeed80mMph)
	WeatherCloudCover.WithLabelValues(region).Set(snap.CloudCoverPct)
}

// RecordEvent counts one ingestion event.
func RecordEvent(eventType string) {
	IngestionEvents.WithLabelValues(eventType).Inc()
}

// ObserveRequest records one served REST request.
func ObserveRequest(route, method string, status int, elapsed time.Duration) {
	HTTPRequestDuration.WithLabelValues(route, method, strconv.Itoa(status)).Observe(elapsed.Seconds())
}

// Observer exports pipeline stage snapshots to the Prometheus gauges.
// Register it on continuous pipelines next to the store observer.
func Observer() pipeline.MetricsObserver {
	return func(pipelineName string, snaps []pipeline.StageMetricsSnapshot) {
		for _, s := range snaps {
			PipelineItems.WithLabelValues(pipelineName, s.Stage, "in").Set(float64(s.ItemsIn))
			PipelineItems.WithLabelValues(pipelineName, s.Stage, "out").Set(float64(s.ItemsOut))
			PipelineItems.WithLabelValues(pipelineName, s.Stage, "errored").Set(float64(s.ItemsErrored))
			PipelineItems.WithLabelValues(pipelineName, s.Stage, "retried").Set(float64(s.ItemsRetried))
			PipelineErrorRate.WithLabelValues(pipelineName, s.Stage).Set(s.ErrorRate)
			PipelineThroughput.WithLabelValues(pipelineName, s.Stage).Set(s.ThroughputPerSec)
			PipelineQueueDepth.WithLabelValues(pipelineName, s.Stage).Set(float64(s.QueueDepth))
			PipelineQueueUtilization.WithLabelValues(pipelineName, s.Stage).Set(s.QueueUtilization)
			PipelineLatency.WithLabelValues(pipelineName, s.Stage, "p50").Set(s.LatencyP50.Seconds())
			PipelineLatency.WithLabelValues(pipelineName, s.Stage, "p95").Set(s.LatencyP95.Seconds())
			PipelineLatency.WithLabelValues(pipelineName, s.Stage, "p99").Set(s.LatencyP99.Seconds())
		}
	}
}
