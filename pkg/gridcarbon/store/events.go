package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"k8s.io/klog/v2"
)

// LogEvent records an operational event. Logging is best-effort: failures are
// logged and swallowed so event recording can never break an ingestion path.
func (s *Store) LogEvent(ctx context.Context, eventType, stageName, message string, details map[string]any) {
	var detailsJSON any
	if len(details) > 0 {
		encoded, err := json.Marshal(details)
		if err != nil {
			klog.ErrorS(err, "Failed to encode event details", "eventType", eventType)
		} else {
			detailsJSON = string(encoded)
		}
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO ingestion_events (timestamp, event_type, stage_name, message, details_json)
		 VALUES ($1, $2, $3, $4, $5::jsonb)`,
		s.clk.Now(), eventType, nullable(stageName), nullable(message), detailsJSON)
	if err != nil {
		klog.ErrorS(err, "Failed to record ingestion event", "eventType", eventType, "stage", stageName)
	}
}

// GetRecentEvents returns the newest events, optionally filtered by type.
func (s *Store) GetRecentEvents(ctx context.Context, limit int, eventType string) ([]EventRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, timestamp, event_type, COALESCE(stage_name, ''), COALESCE(message, ''), details_json
		 FROM ingestion_events
		 ORDER BY timestamp DESC, id DESC
		 LIMIT $1`
	args := []any{limit}
	if eventType != "" {
		query = `SELECT id, timestamp, event_type, COALESCE(stage_name, ''), COALESCE(message, ''), details_json
		 FROM ingestion_events
		 WHERE event_type = $2
		 ORDER BY timestamp DESC, id DESC
		 LIMIT $1`
		args = append(args, eventType)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, &StoreError{Op: "get_recent_events", Err: err}
	}
	defer rows.Close()

	var events []EventRecord
	for rows.Next() {
		var rec EventRecord
		var detailsRaw []byte
		if err := rows.Scan(&rec.ID, &rec.Timestamp, &rec.EventType, &rec.StageName, &rec.Message, &detailsRaw); err != nil {
			return nil, &StoreError{Op: "get_recent_events", Err: err}
		}
		if len(detailsRaw) > 0 {
			if err := json.Unmarshal(detailsRaw, &rec.Details); err != nil {
				klog.V(2).InfoS("Skipping malformed event details", "id", rec.ID, "error", err)
			}
		}
		events = append(events, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &StoreError{Op: "get_recent_events", Err: err}
	}
	return events, nil
}

// GetIngestionStatus summarizes ingestion health: whether data is fresh,
// row counts, and recent failure count.
func (s *Store) GetIngestionStatus(ctx context.Context) (*IngestionStatus, error) {
	status := &IngestionStatus{}
	now := s.clk.Now()

	var ts time.Time
	var ci float64
	err := s.pool.QueryRow(ctx,
		`SELECT timestamp, grams_co2_per_kwh FROM carbon_intensity ORDER BY timestamp DESC LIMIT 1`).Scan(&ts, &ci)
	switch {
	case err == pgx.ErrNoRows:
		// No data yet; IsActive stays false.
	case err != nil:
		return nil, &StoreError{Op: "get_ingestion_status", Err: err}
	default:
		status.LatestIntensityTime = &ts
		status.LatestIntensity = &ci
		status.IsActive = now.Sub(ts) <= activeWindow
	}

	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM carbon_intensity`).Scan(&status.IntensityRecords); err != nil {
		return nil, &StoreError{Op: "get_ingestion_status", Err: err}
	}
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM weather`).Scan(&status.WeatherRecords); err != nil {
		return nil, &StoreError{Op: "get_ingestion_status", Err: err}
	}

	failureCutoff := now.Add(-24 * time.Hour)
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM ingestion_events
		 WHERE event_type IN ('validate_failure', 'persist_failure') AND timestamp > $1`,
		failureCutoff).Scan(&status.RecentFailures); err != nil {
		return nil, &StoreError{Op: "get_ingestion_status", Err: err}
	}

	var lastEvent time.Time
	err = s.pool.QueryRow(ctx,
		`SELECT timestamp FROM ingestion_events ORDER BY timestamp DESC LIMIT 1`).Scan(&lastEvent)
	switch {
	case err == pgx.ErrNoRows:
		// No events recorded yet.
	case err != nil:
		return nil, &StoreError{Op: "get_ingestion_status", Err: err}
	default:
		status.LastEventTime = &lastEvent
	}

	return status, nil
}

// PruneEvents deletes events older than retentionDays.
func (s *Store) PruneEvents(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := s.clk.Now().AddDate(0, 0, -retentionDays)
	tag, err := s.pool.Exec(ctx, `DELETE FROM ingestion_events WHERE timestamp < $1`, cutoff)
	if err != nil {
		return 0, &StoreError{Op: "prune_events", Err: err}
	}
	deleted := tag.RowsAffected()
	if deleted > 0 {
		klog.V(2).InfoS("Pruned ingestion events", "deleted", deleted, "retentionDays", retentionDays)
	}
	return deleted, nil
}
