package ingest

import (
	"context"
	"time"

	"golang.org/x/time/rate"
	"k8s.io/klog/v2"

	"github.com/elevated-systems/grid-carbon/pkg/gridcarbon/carbon"
	"github.com/elevated-systems/grid-carbon/pkg/gridcarbon/metrics"
	"github.com/elevated-systems/grid-carbon/pkg/gridcarbon/pipeline"
)

// FuelMixSeedSource yields every snapshot for the inclusive day range
// [start, end], one day per fetch, paced by delay between requests. A day
// that fails to fetch is logged and skipped so one missing file cannot stop
// a backfill. Yields individual snapshots, not day batches, so downstream
// backpressure works per item.
func FuelMixSeedSource(fetcher FuelMixFetcher, start, end time.Time, delay time.Duration, progress ProgressFunc) pipeline.SourceFunc[carbon.FuelMix] {
	return func(ctx context.Context, emit func(carbon.FuelMix) bool) error {
		limiter := rate.NewLimiter(rate.Every(delay), 1)
		daysFetched := 0

		for day := dayOf(start); !day.After(dayOf(end)); day = day.AddDate(0, 0, 1) {
			if err := limiter.Wait(ctx); err != nil {
				return ctx.Err()
			}

			mixes, err := fetcher.FetchDay(ctx, day)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				klog.InfoS("Source skipping day after fetch failure",
					"day", day.Format("2006-01-02"), "error", err)
				continue
			}
			daysFetched++

			if progress != nil {
				progress(day, len(mixes))
			}
			for _, mix := range mixes {
				if !emit(mix) {
					return nil
				}
			}
			klog.V(3).InfoS("Source yielded day",
				"day", day.Format("2006-01-02"), "records", len(mixes))
		}

		klog.V(2).InfoS("Fuel mix source exhausted", "daysFetched", daysFetched)
		return nil
	}
}

// FuelMixPollSource polls for the latest snapshot every interval, forever.
// Fetch failures and empty polls are logged and the loop continues; the
// source only stops on pipeline shutdown.
func FuelMixPollSource(fetcher FuelMixFetcher, interval time.Duration) pipeline.SourceFunc[carbon.FuelMix] {
	return func(ctx context.Context, emit func(carbon.FuelMix) bool) error {
		klog.InfoS("Continuous fuel mix source starting", "pollInterval", interval)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			latest, err := fetcher.FetchLatest(ctx)
			switch {
			case err != nil:
				if ctx.Err() != nil {
					return ctx.Err()
				}
				klog.ErrorS(err, "Fuel mix poll failed")
			case latest == nil:
				klog.InfoS("Fuel mix poll returned no data")
			default:
				metrics.RecordFuelMix(carbon.DefaultRegion, "live", latest)
				if !emit(*latest) {
					return nil
				}
				klog.V(3).InfoS("Polled fuel mix",
					"timestamp", latest.Timestamp(), "totalMW", latest.TotalMW())
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
	}
}

// WeatherSeedSource yields hourly observations for the inclusive day range
// [start, end] from the archive endpoint, one day per fetch, paced by delay.
// Failed days are skipped like the fuel mix seed source.
func WeatherSeedSource(fetcher WeatherFetcher, start, end time.Time, delay time.Duration, progress ProgressFunc) pipeline.SourceFunc[carbon.WeatherSnapshot] {
	return func(ctx context.Context, emit func(carbon.WeatherSnapshot) bool) error {
		limiter := rate.NewLimiter(rate.Every(delay), 1)
		daysFetched := 0

		for day := dayOf(start); !day.After(dayOf(end)); day = day.AddDate(0, 0, 1) {
			if err := limiter.Wait(ctx); err != nil {
				return ctx.Err()
			}

			snaps, err := fetcher.FetchHistorical(ctx, day, day)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				klog.InfoS("Weather source skipping day after fetch failure",
					"day", day.Format("2006-01-02"), "error", err)
				continue
			}
			daysFetched++

			if progress != nil {
				progress(day, len(snaps))
			}
			for _, snap := range snaps {
				if !emit(snap) {
					return nil
				}
			}
		}

		klog.V(2).InfoS("Weather source exhausted", "daysFetched", daysFetched)
		return nil
	}
}

// WeatherPollSource fetches the two-day forecast every interval and yields
// each hourly observation. Re-yielding hours already stored is harmless
// because weather writes are upserts.
func WeatherPollSource(fetcher WeatherFetcher, interval time.Duration) pipeline.SourceFunc[carbon.WeatherSnapshot] {
	return func(ctx context.Context, emit func(carbon.WeatherSnapshot) bool) error {
		klog.InfoS("Continuous weather source starting", "pollInterval", interval)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			snaps, err := fetcher.FetchForecast(ctx, 2)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				klog.ErrorS(err, "Weather poll failed")
			} else {
				if len(snaps) > 0 {
					// First snapshot is the nearest hour, the closest
					// thing to current conditions.
					metrics.RecordWeather(carbon.DefaultRegion, snaps[0])
				}
				for _, snap := range snaps {
					if !emit(snap) {
						return nil
					}
				}
				klog.V(3).InfoS("Polled weather forecast", "hours", len(snaps))
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
	}
}

func dayOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
