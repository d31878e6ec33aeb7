package store

import (
	"time"

	"github.com/elevated-systems/grid-carbon/pkg/gridcarbon/carbon"
)

// IntensityRecord is one stored carbon intensity row.
type IntensityRecord struct {
	Timestamp         time.Time          `json:"timestamp"`
	GramsCO2PerKWh    float64            `json:"grams_co2_per_kwh"`
	TotalGenerationMW float64            `json:"total_generation_mw"`
	CleanPercentage   float64            `json:"clean_percentage"`
	FuelBreakdown     map[string]float64 `json:"fuel_breakdown,omitempty"`
}

// Intensity converts the record to the domain value.
func (r IntensityRecord) Intensity() carbon.Intensity {
	return carbon.Intensity{GramsCO2PerKWh: r.GramsCO2PerKWh, Timestamp: r.Timestamp}
}

// WeatherRecord is one stored weather row.
type WeatherRecord struct {
	Timestamp       time.Time `json:"timestamp"`
	TemperatureF    float64   `json:"temperature_f"`
	WindSpeed80mMph float64   `json:"wind_speed_80m_mph"`
	CloudCoverPct   float64   `json:"cloud_cover_pct"`
}

// Snapshot converts the record to the domain value.
func (r WeatherRecord) Snapshot() carbon.WeatherSnapshot {
	return carbon.WeatherSnapshot{
		Timestamp:       r.Timestamp,
		TemperatureF:    r.TemperatureF,
		WindSpeed80mMph: r.WindSpeed80mMph,
		CloudCoverPct:   r.CloudCoverPct,
	}
}

// EventRecord is one ingestion event row.
type EventRecord struct {
	ID        int64          `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	EventType string         `json:"event_type"`
	StageName string         `json:"stage_name,omitempty"`
	Message   string         `json:"message,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// MetricsRecord is one stored pipeline metrics snapshot row.
type MetricsRecord struct {
	ID               int64     `json:"id"`
	SampledAt        time.Time `json:"sampled_at"`
	Pipeline         string    `json:"pipeline"`
	Stage            string    `json:"stage"`
	State            string    `json:"state"`
	ItemsIn          int64     `json:"items_in"`
	ItemsOut         int64     `json:"items_out"`
	ItemsErrored     int64     `json:"items_errored"`
	ItemsRetried     int64     `json:"items_retried"`
	ErrorRate        float64   `json:"error_rate"`
	ThroughputPerSec float64   `json:"throughput_per_sec"`
	LatencyP50Ms     float64   `json:"latency_p50_ms"`
	LatencyP95Ms     float64   `json:"latency_p95_ms"`
	LatencyP99Ms     float64   `json:"latency_p99_ms"`
	QueueDepth       int       `json:"queue_depth"`
	QueueUtilization float64   `json:"queue_utilization"`
}

// IngestionStatus summarizes how fresh the ingested data is.
type IngestionStatus struct {
	IsActive            bool       `json:"is_active"`
	LatestIntensityTime *time.Time `json:"latest_intensity_time,omitempty"`
	LatestIntensity     *float64   `json:"latest_intensity,omitempty"`
	IntensityRecords    int64      `json:"intensity_records"`
	WeatherRecords      int64      `json:"weather_records"`
	RecentFailures      int64      `json:"recent_failures"`
	LastEventTime       *time.Time `json:"last_event_time,omitempty"`
}
