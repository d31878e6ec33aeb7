package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"k8s.io/klog/v2"

	"github.com/elevated-systems/grid-carbon/pkg/gridcarbon/carbon"
)

// SaveFuelMix transactionally upserts every fuel row of the mix and the
// derived intensity row. Replaying the same mix yields identical state.
func (s *Store) SaveFuelMix(ctx context.Context, mix *carbon.FuelMix) error {
	ci, err := mix.CarbonIntensity()
	if err != nil {
		return &StoreError{Op: "save_fuel_mix", Err: err}
	}

	breakdown, err := json.Marshal(mix.BreakdownMap())
	if err != nil {
		return &StoreError{Op: "save_fuel_mix", Err: err}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return &StoreError{Op: "save_fuel_mix", Err: err}
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, fg := range mix.Fuels() {
		batch.Queue(
			`INSERT INTO fuel_mix (timestamp, fuel_category, generation_mw)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (timestamp, fuel_category)
			 DO UPDATE SET generation_mw = EXCLUDED.generation_mw`,
			mix.Timestamp(), string(fg.Fuel), fg.GenerationMW)
	}
	batch.Queue(
		`INSERT INTO carbon_intensity
		   (timestamp, grams_co2_per_kwh, total_generation_mw, clean_percentage, fuel_breakdown_json)
		 VALUES ($1, $2, $3, $4, $5::jsonb)
		 ON CONFLICT (timestamp)
		 DO UPDATE SET grams_co2_per_kwh = EXCLUDED.grams_co2_per_kwh,
		               total_generation_mw = EXCLUDED.total_generation_mw,
		               clean_percentage = EXCLUDED.clean_percentage,
		               fuel_breakdown_json = EXCLUDED.fuel_breakdown_json`,
		mix.Timestamp(), ci.GramsCO2PerKWh, mix.TotalMW(), mix.CleanPercentage(), string(breakdown))

	results := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return &StoreError{Op: "save_fuel_mix", Err: err}
		}
	}
	if err := results.Close(); err != nil {
		return &StoreError{Op: "save_fuel_mix", Err: err}
	}

	if err := tx.Commit(ctx); err != nil {
		return &StoreError{Op: "save_fuel_mix", Err: err}
	}

	klog.V(4).InfoS("Saved fuel mix",
		"timestamp", mix.Timestamp(),
		"fuels", len(mix.Fuels()),
		"intensity", ci.GramsCO2PerKWh)
	return nil
}

// GetCarbonIntensity returns intensity rows newer than now minus hours,
// ascending by timestamp.
func (s *Store) GetCarbonIntensity(ctx context.Context, hours int) ([]IntensityRecord, error) {
	cutoff := s.clk.Now().Add(-time.Duration(hours) * time.Hour)
	rows, err := s.pool.Query(ctx,
		`SELECT timestamp, grams_co2_per_kwh, total_generation_mw, clean_percentage, fuel_breakdown_json
		 FROM carbon_intensity
		 WHERE timestamp > $1
		 ORDER BY timestamp ASC`, cutoff)
	if err != nil {
		return nil, &StoreError{Op: "get_carbon_intensity", Err: err}
	}
	defer rows.Close()

	return scanIntensityRows(rows)
}

// GetLatestIntensity returns the most recent intensity row, or nil when the
// store is empty.
func (s *Store) GetLatestIntensity(ctx context.Context) (*IntensityRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT timestamp, grams_co2_per_kwh, total_generation_mw, clean_percentage, fuel_breakdown_json
		 FROM carbon_intensity
		 ORDER BY timestamp DESC
		 LIMIT 1`)

	rec, err := scanIntensityRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, &StoreError{Op: "get_latest_intensity", Err: err}
	}
	return rec, nil
}

// GetHourlyAverages groups stored intensities by hour of day in the region
// timezone, optionally filtered by month (1-12) and day of week (0=Monday).
// Hours with no data are absent from the result.
func (s *Store) GetHourlyAverages(ctx context.Context, month, dayOfWeek *int) (map[int]float64, error) {
	// Postgres EXTRACT(DOW) uses 0=Sunday; callers use 0=Monday.
	var pgDow *int
	if dayOfWeek != nil {
		translated := (*dayOfWeek + 1) % 7
		pgDow = &translated
	}

	rows, err := s.pool.Query(ctx,
		`SELECT EXTRACT(HOUR FROM timestamp AT TIME ZONE $1)::int AS hour,
		        AVG(grams_co2_per_kwh)
		 FROM carbon_intensity
		 WHERE ($2::int IS NULL OR EXTRACT(MONTH FROM timestamp AT TIME ZONE $1)::int = $2)
		   AND ($3::int IS NULL OR EXTRACT(DOW FROM timestamp AT TIME ZONE $1)::int = $3)
		 GROUP BY hour
		 ORDER BY hour`, s.timezone, month, pgDow)
	if err != nil {
		return nil, &StoreError{Op: "get_hourly_averages", Err: err}
	}
	defer rows.Close()

	averages := make(map[int]float64)
	for rows.Next() {
		var hour int
		var avg float64
		if err := rows.Scan(&hour, &avg); err != nil {
			return nil, &StoreError{Op: "get_hourly_averages", Err: err}
		}
		averages[hour] = avg
	}
	if err := rows.Err(); err != nil {
		return nil, &StoreError{Op: "get_hourly_averages", Err: err}
	}
	return averages, nil
}

// RecordCount returns the number of stored intensity rows.
func (s *Store) RecordCount(ctx context.Context) (int64, error) {
	var count int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM carbon_intensity`).Scan(&count); err != nil {
		return 0, &StoreError{Op: "record_count", Err: err}
	}
	return count, nil
}

// DateRange returns the oldest and newest intensity timestamps; both nil on
// an empty store.
func (s *Store) DateRange(ctx context.Context) (oldest, newest *time.Time, err error) {
	var lo, hi *time.Time
	if err := s.pool.QueryRow(ctx,
		`SELECT MIN(timestamp), MAX(timestamp) FROM carbon_intensity`).Scan(&lo, &hi); err != nil {
		return nil, nil, &StoreError{Op: "date_range", Err: err}
	}
	return lo, hi, nil
}

type intensityScanner interface {
	Scan(dest ...any) error
}

func scanIntensityRow(row intensityScanner) (*IntensityRecord, error) {
	var rec IntensityRecord
	var breakdown []byte
	if err := row.Scan(&rec.Timestamp, &rec.GramsCO2PerKWh, &rec.TotalGenerationMW,
		&rec.CleanPercentage, &breakdown); err != nil {
		return nil, err
	}
	if len(breakdown) > 0 {
		if err := json.Unmarshal(breakdown, &rec.FuelBreakdown); err != nil {
			klog.V(2).InfoS("Failed to unmarshal fuel breakdown, leaving empty",
				"timestamp", rec.Timestamp, "error", err)
		}
	}
	return &rec, nil
}

func scanIntensityRows(rows pgx.Rows) ([]IntensityRecord, error) {
	var records []IntensityRecord
	for rows.Next() {
		rec, err := scanIntensityRow(rows)
		if err != nil {
			return nil, &StoreError{Op: "scan_intensity", Err: err}
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &StoreError{Op: "scan_intensity", Err: err}
	}
	return records, nil
}
