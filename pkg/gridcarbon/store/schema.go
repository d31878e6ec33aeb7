package store

import (
	"context"

	"k8s.io/klog/v2"
)

// schemaStatements is the full DDL, idempotent so Migrate can run on every
// start. Statements execute one at a time; pgx's extended protocol does not
// accept multi-statement strings.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS fuel_mix (
		timestamp TIMESTAMPTZ NOT NULL,
		fuel_category TEXT NOT NULL,
		generation_mw DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (timestamp, fuel_category)
	)`,
	`CREATE TABLE IF NOT EXISTS carbon_intensity (
		timestamp TIMESTAMPTZ PRIMARY KEY,
		grams_co2_per_kwh DOUBLE PRECISION NOT NULL,
		total_generation_mw DOUBLE PRECISION NOT NULL,
		clean_percentage DOUBLE PRECISION NOT NULL,
		fuel_breakdown_json JSONB
	)`,
	`CREATE TABLE IF NOT EXISTS weather (
		timestamp TIMESTAMPTZ PRIMARY KEY,
		temperature_f DOUBLE PRECISION NOT NULL,
		wind_speed_80m_mph DOUBLE PRECISION NOT NULL,
		cloud_cover_pct DOUBLE PRECISION NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ingestion_events (
		id BIGSERIAL PRIMARY KEY,
		timestamp TIMESTAMPTZ NOT NULL DEFAULT now(),
		event_type TEXT NOT NULL,
		stage_name TEXT,
		message TEXT,
		details_json JSONB
	)`,
	`CREATE TABLE IF NOT EXISTS pipeline_metrics (
		id BIGSERIAL PRIMARY KEY,
		sampled_at TIMESTAMPTZ NOT NULL,
		pipeline TEXT NOT NULL,
		stage TEXT NOT NULL,
		state TEXT NOT NULL,
		items_in BIGINT NOT NULL,
		items_out BIGINT NOT NULL,
		items_errored BIGINT NOT NULL,
		items_retried BIGINT NOT NULL,
		error_rate DOUBLE PRECISION NOT NULL,
		throughput_per_sec DOUBLE PRECISION NOT NULL,
		latency_p50_ms DOUBLE PRECISION NOT NULL,
		latency_p95_ms DOUBLE PRECISION NOT NULL,
		latency_p99_ms DOUBLE PRECISION NOT NULL,
		queue_depth INTEGER NOT NULL,
		queue_utilization DOUBLE PRECISION NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ingestion_events_timestamp ON ingestion_events (timestamp DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_ingestion_events_event_type ON ingestion_events (event_type)`,
	`CREATE INDEX IF NOT EXISTS idx_pipeline_metrics_sampled_at ON pipeline_metrics (sampled_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_pipeline_metrics_pipeline ON pipeline_metrics (pipeline)`,
	`CREATE INDEX IF NOT EXISTS idx_weather_timestamp ON weather (timestamp DESC)`,
}

// Migrate creates or upgrades the schema. Safe to call repeatedly.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return &StoreError{Op: "migrate", Err: err}
		}
	}
	klog.V(2).InfoS("Schema migration complete", "statements", len(schemaStatements))
	return nil
}
