package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"k8s.io/klog/v2"

	"github.com/elevated-systems/grid-carbon/pkg/gridcarbon/pipeline"
)

// SavePipelineMetrics stores one row per stage snapshot inside a transaction.
func (s *Store) SavePipelineMetrics(ctx context.Context, pipelineName string, snaps []pipeline.StageMetricsSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return &StoreError{Op: "save_pipeline_metrics", Err: err}
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, snap := range snaps {
		batch.Queue(
			`INSERT INTO pipeline_metrics (sampled_at, pipeline, stage, state,
			     items_in, items_out, items_errored, items_retried,
			     error_rate, throughput_per_sec,
			     latency_p50_ms, latency_p95_ms, latency_p99_ms,
			     queue_depth, queue_utilization)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
			snap.SampledAt, pipelineName, snap.Stage, snap.State,
			snap.ItemsIn, snap.ItemsOut, snap.ItemsErrored, snap.ItemsRetried,
			snap.ErrorRate, snap.ThroughputPerSec,
			durationMs(snap.LatencyP50), durationMs(snap.LatencyP95), durationMs(snap.LatencyP99),
			snap.QueueDepth, snap.QueueUtilization)
	}

	results := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return &StoreError{Op: "save_pipeline_metrics", Err: err}
		}
	}
	if err := results.Close(); err != nil {
		return &StoreError{Op: "save_pipeline_metrics", Err: err}
	}

	if err := tx.Commit(ctx); err != nil {
		return &StoreError{Op: "save_pipeline_metrics", Err: err}
	}

	klog.V(4).InfoS("Saved pipeline metrics", "pipeline", pipelineName, "stages", len(snaps))
	return nil
}

// GetPipelineMetrics returns rows for a pipeline newer than now minus hours,
// newest first.
func (s *Store) GetPipelineMetrics(ctx context.Context, pipelineName string, hours int) ([]MetricsRecord, error) {
	cutoff := s.clk.Now().Add(-time.Duration(hours) * time.Hour)
	rows, err := s.pool.Query(ctx,
		`SELECT id, sampled_at, pipeline, stage, state,
		        items_in, items_out, items_errored, items_retried,
		        error_rate, throughput_per_sec,
		        latency_p50_ms, latency_p95_ms, latency_p99_ms,
		        queue_depth, queue_utilization
		 FROM pipeline_metrics
		 WHERE pipeline = $1 AND sampled_at > $2
		 ORDER BY sampled_at DESC, id DESC`, pipelineName, cutoff)
	if err != nil {
		return nil, &StoreError{Op: "get_pipeline_metrics", Err: err}
	}
	defer rows.Close()

	var records []MetricsRecord
	for rows.Next() {
		var rec MetricsRecord
		if err := rows.Scan(&rec.ID, &rec.SampledAt, &rec.Pipeline, &rec.Stage, &rec.State,
			&rec.ItemsIn, &rec.ItemsOut, &rec.ItemsErrored, &rec.ItemsRetried,
			&rec.ErrorRate, &rec.ThroughputPerSec,
			&rec.LatencyP50Ms, &rec.LatencyP95Ms, &rec.LatencyP99Ms,
			&rec.QueueDepth, &rec.QueueUtilization); err != nil {
			return nil, &StoreError{Op: "get_pipeline_metrics", Err: err}
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &StoreError{Op: "get_pipeline_metrics", Err: err}
	}
	return records, nil
}

// PruneMetrics deletes metric rows older than retentionDays.
func (s *Store) PruneMetrics(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := s.clk.Now().AddDate(0, 0, -retentionDays)
	tag, err := s.pool.Exec(ctx, `DELETE FROM pipeline_metrics WHERE sampled_at < $1`, cutoff)
	if err != nil {
		return 0, &StoreError{Op: "prune_metrics", Err: err}
	}
	deleted := tag.RowsAffected()
	if deleted > 0 {
		klog.V(2).InfoS("Pruned pipeline metrics", "deleted", deleted, "retentionDays", retentionDays)
	}
	return deleted, nil
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
