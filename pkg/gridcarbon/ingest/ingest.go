// Package ingest wires the upstream fetchers, validation, and the store
// into staged pipelines. Two data streams exist, each in two shapes:
//
//	fuel mix:  nyiso-days source → validate → persist   (seed, finite)
//	           nyiso-poll source → validate → persist   (continuous)
//	weather:   archive-days source → validate → persist (seed, finite)
//	           forecast-poll source → validate → persist (continuous)
//
// ValidationError and StoreError are routed to dead letters and recorded in
// ingestion_events; fetch failures are absorbed at the source (a bad day or
// tick is skipped, the pipeline keeps running); anything else is fatal.
package ingest

import (
	"context"
	"time"

	"github.com/elevated-systems/grid-carbon/pkg/gridcarbon/carbon"
	"github.com/elevated-systems/grid-carbon/pkg/gridcarbon/pipeline"
)

// Store is the persistence surface the ingestion pipelines need. The
// concrete PostgreSQL store satisfies it; tests substitute fakes.
type Store interface {
	SaveFuelMix(ctx context.Context, mix *carbon.FuelMix) error
	SaveWeatherBatch(ctx context.Context, snaps []carbon.WeatherSnapshot) error
	LogEvent(ctx context.Context, eventType, stageName, message string, details map[string]any)
	SavePipelineMetrics(ctx context.Context, pipeline string, snaps []pipeline.StageMetricsSnapshot) error
}

// FuelMixFetcher is the NYISO client surface the fuel mix sources need.
type FuelMixFetcher interface {
	FetchDay(ctx context.Context, day time.Time) ([]carbon.FuelMix, error)
	FetchLatest(ctx context.Context) (*carbon.FuelMix, error)
}

// WeatherFetcher is the Open-Meteo client surface the weather sources need.
type WeatherFetcher interface {
	FetchForecast(ctx context.Context, days int) ([]carbon.WeatherSnapshot, error)
	FetchHistorical(ctx context.Context, start, end time.Time) ([]carbon.WeatherSnapshot, error)
}

// ProgressFunc is invoked by seed sources after each successfully fetched
// day with the day and the number of records it yielded.
type ProgressFunc func(day time.Time, records int)
