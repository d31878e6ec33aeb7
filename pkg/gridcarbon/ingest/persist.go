package ingest

import (
	"context"
	"errors"
	"time"

	"k8s.io/klog/v2"

	"github.com/elevated-systems/grid-carbon/pkg/gridcarbon/carbon"
	"github.com/elevated-systems/grid-carbon/pkg/gridcarbon/pipeline"
	"github.com/elevated-systems/grid-carbon/pkg/gridcarbon/store"
)

// Persist stage tuning shared by all pipelines. Transient store failures
// are retried with a short backoff before the item dead-letters.
const (
	persistRetries   = 2
	persistRetryBase = 100 * time.Millisecond

	weatherBatchSize    = 24
	weatherFlushTimeout = 5 * time.Second
)

// PersistFuelMix writes one validated snapshot per call. Errors that are
// not already StoreError are rewrapped so the pipeline's error routing
// treats every persistence failure uniformly.
func PersistFuelMix(st Store) pipeline.StageFunc[carbon.FuelMix] {
	return func(ctx context.Context, mix carbon.FuelMix) (carbon.FuelMix, error) {
		if err := st.SaveFuelMix(ctx, &mix); err != nil {
			var storeErr *store.StoreError
			if errors.As(err, &storeErr) {
				return mix, err
			}
			return mix, &store.StoreError{Op: "save_fuel_mix", Err: err}
		}
		return mix, nil
	}
}

// PersistWeather writes an accumulated batch of hourly observations in one
// transaction.
func PersistWeather(st Store) pipeline.BatchFunc[carbon.WeatherSnapshot] {
	return func(ctx context.Context, snaps []carbon.WeatherSnapshot) error {
		if err := st.SaveWeatherBatch(ctx, snaps); err != nil {
			var storeErr *store.StoreError
			if errors.As(err, &storeErr) {
				return err
			}
			return &store.StoreError{Op: "save_weather_batch", Err: err}
		}
		klog.V(4).InfoS("Persisted weather batch", "observations", len(snaps))
		return nil
	}
}
