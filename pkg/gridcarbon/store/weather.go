package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"k8s.io/klog/v2"

	"github.com/elevated-systems/grid-carbon/pkg/gridcarbon/carbon"
)

const upsertWeatherSQL = `INSERT INTO weather (timestamp, temperature_f, wind_speed_80m_mph, cloud_cover_pct)
	 VALUES ($1, $2, $3, $4)
	 ON CONFLICT (timestamp)
	 DO UPDATE SET temperature_f = EXCLUDED.temperature_f,
	               wind_speed_80m_mph = EXCLUDED.wind_speed_80m_mph,
	               cloud_cover_pct = EXCLUDED.cloud_cover_pct`

// SaveWeather upserts a single weather observation keyed by timestamp.
func (s *Store) SaveWeather(ctx context.Context, snap carbon.WeatherSnapshot) error {
	_, err := s.pool.Exec(ctx, upsertWeatherSQL,
		snap.Timestamp, snap.TemperatureF, snap.WindSpeed80mMph, snap.CloudCoverPct)
	if err != nil {
		return &StoreError{Op: "save_weather", Err: err}
	}
	return nil
}

// SaveWeatherBatch upserts a batch of observations inside one transaction,
// used by the batched weather persist stage.
func (s *Store) SaveWeatherBatch(ctx context.Context, snaps []carbon.WeatherSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return &StoreError{Op: "save_weather_batch", Err: err}
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, snap := range snaps {
		batch.Queue(upsertWeatherSQL,
			snap.Timestamp, snap.TemperatureF, snap.WindSpeed80mMph, snap.CloudCoverPct)
	}

	results := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return &StoreError{Op: "save_weather_batch", Err: err}
		}
	}
	if err := results.Close(); err != nil {
		return &StoreError{Op: "save_weather_batch", Err: err}
	}

	if err := tx.Commit(ctx); err != nil {
		return &StoreError{Op: "save_weather_batch", Err: err}
	}

	klog.V(4).InfoS("Saved weather batch", "observations", len(snaps))
	return nil
}

// GetWeather returns weather rows newer than now minus hours, ascending.
func (s *Store) GetWeather(ctx context.Context, hours int) ([]WeatherRecord, error) {
	cutoff := s.clk.Now().Add(-time.Duration(hours) * time.Hour)
	rows, err := s.pool.Query(ctx,
		`SELECT timestamp, temperature_f, wind_speed_80m_mph, cloud_cover_pct
		 FROM weather
		 WHERE timestamp > $1
		 ORDER BY timestamp ASC`, cutoff)
	if err != nil {
		return nil, &StoreError{Op: "get_weather", Err: err}
	}
	defer rows.Close()

	var records []WeatherRecord
	for rows.Next() {
		var rec WeatherRecord
		if err := rows.Scan(&rec.Timestamp, &rec.TemperatureF, &rec.WindSpeed80mMph, &rec.CloudCoverPct); err != nil {
			return nil, &StoreError{Op: "get_weather", Err: err}
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &StoreError{Op: "get_weather", Err: err}
	}
	return records, nil
}

// GetForecastWeather returns stored observations at or after now, ascending,
// which for forecast rows covers the hours ahead.
func (s *Store) GetForecastWeather(ctx context.Context, hours int) ([]WeatherRecord, error) {
	now := s.clk.Now()
	horizon := now.Add(time.Duration(hours) * time.Hour)
	rows, err := s.pool.Query(ctx,
		`SELECT timestamp, temperature_f, wind_speed_80m_mph, cloud_cover_pct
		 FROM weather
		 WHERE timestamp >= $1 AND timestamp < $2
		 ORDER BY timestamp ASC`, now.Truncate(time.Hour), horizon)
	if err != nil {
		return nil, &StoreError{Op: "get_forecast_weather", Err: err}
	}
	defer rows.Close()

	var records []WeatherRecord
	for rows.Next() {
		var rec WeatherRecord
		if err := rows.Scan(&rec.Timestamp, &rec.TemperatureF, &rec.WindSpeed80mMph, &rec.CloudCoverPct); err != nil {
			return nil, &StoreError{Op: "get_forecast_weather", Err: err}
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &StoreError{Op: "get_forecast_weather", Err: err}
	}
	return records, nil
}

// GetLatestWeather returns the newest weather row, or nil when none exist.
func (s *Store) GetLatestWeather(ctx context.Context) (*WeatherRecord, error) {
	var rec WeatherRecord
	err := s.pool.QueryRow(ctx,
		`SELECT timestamp, temperature_f, wind_speed_80m_mph, cloud_cover_pct
		 FROM weather
		 ORDER BY timestamp DESC
		 LIMIT 1`).Scan(&rec.Timestamp, &rec.TemperatureF, &rec.WindSpeed80mMph, &rec.CloudCoverPct)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, &StoreError{Op: "get_latest_weather", Err: err}
	}
	return &rec, nil
}
