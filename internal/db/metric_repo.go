package db

import (
	"context"

	"github.com/jackc/pgx/v5"

	"speculator/internal/types"
)

// StreamMetricRepository provides data access for real-time stream metric
// samples. One row exists per (channel, metric type); samples overwrite in
// place since only the latest value matters to readers.
type StreamMetricRepository struct {
	db DBTX
}

// NewStreamMetricRepository creates a StreamMetricRepository backed by the
// given database connection (pool or transaction).
func NewStreamMetricRepository(db DBTX) *StreamMetricRepository {
	return &StreamMetricRepository{db: db}
}

const upsertMetricSQL = `
	INSERT INTO stream_metrics (channel_id, metric_type, value, updated_at)
	VALUES ($1, $2, $3, to_timestamp($4::double precision / 1000))
	ON CONFLICT (channel_id, metric_type) DO UPDATE
	  SET value      = EXCLUDED.value,
	      updated_at = EXCLUDED.updated_at`

// Upsert writes a single metric sample.
func (r *StreamMetricRepository) Upsert(ctx context.Context, m types.StreamMetric) error {
	_, err := r.db.Exec(ctx, upsertMetricSQL, m.ChannelID, int(m.Type), m.Value, m.Timestamp)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to upsert stream metric", err)
	}
	return nil
}

// UpsertBatch writes a set of metric samples in one round trip using a pgx
// batch. Collector results arrive up to a full page at a time, so per-row
// round trips would dominate the write cost.
func (r *StreamMetricRepository) UpsertBatch(ctx context.Context, metrics []types.StreamMetric) error {
	if len(metrics) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, m := range metrics {
		batch.Queue(upsertMetricSQL, m.ChannelID, int(m.Type), m.Value, m.Timestamp)
	}

	results := r.db.SendBatch(ctx, batch)
	defer results.Close()

	for range metrics {
		if _, err := results.Exec(); err != nil {
			return types.NewAppError(types.ErrCodeInternalDB, "failed to write stream metric batch", err)
		}
	}
	return nil
}
