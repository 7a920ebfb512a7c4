package db

import (
	"context"
	"time"

	"speculator/internal/types"
)

// PredictionRepository provides data access for mirrored predictions.
// Terminal rows (resolved/canceled) are never overwritten: task delivery is
// at-least-once and prediction events can arrive late or twice, so every
// write carries a status guard.
type PredictionRepository struct {
	db DBTX
}

// NewPredictionRepository creates a PredictionRepository backed by the given
// database connection (pool or transaction).
func NewPredictionRepository(db DBTX) *PredictionRepository {
	return &PredictionRepository{db: db}
}

// Upsert creates or refreshes a prediction from a lifecycle snapshot.
// Used by begin (insert), progress (aggregate refresh), and lock (status
// change) events. The conflict branch skips rows already in a terminal state.
func (r *PredictionRepository) Upsert(ctx context.Context, p types.Prediction) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO predictions
		   (id, channel_id, title, outcomes, status, winning_outcome_id,
		    started_at, locks_at, ended_at)
		 VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''),
		         to_timestamp($7::double precision / 1000),
		         to_timestamp($8::double precision / 1000),
		         CASE WHEN $9::bigint = 0 THEN NULL
		              ELSE to_timestamp($9::double precision / 1000) END)
		 ON CONFLICT (id) DO UPDATE
		   SET title              = EXCLUDED.title,
		       outcomes           = EXCLUDED.outcomes,
		       status             = EXCLUDED.status,
		       winning_outcome_id = EXCLUDED.winning_outcome_id,
		       locks_at           = EXCLUDED.locks_at,
		       ended_at           = EXCLUDED.ended_at
		   WHERE predictions.status NOT IN ('resolved', 'canceled')`,
		p.ID,
		p.ChannelID,
		p.Title,
		p.Outcomes,
		string(p.Status),
		p.WinningOutcomeID,
		p.StartedAt,
		p.LocksAt,
		p.EndedAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to upsert prediction", err)
	}
	return nil
}

// UpdateStatus moves a prediction to a new lifecycle state, optionally
// recording the winning outcome and end time. The guard keeps terminal rows
// immutable; updating an absent or already-terminal row is a no-op.
func (r *PredictionRepository) UpdateStatus(ctx context.Context, id string, status types.PredictionStatus, winningOutcomeID string, endedAt time.Time) error {
	_, err := r.db.Exec(ctx,
		`UPDATE predictions
		 SET status             = $2,
		     winning_outcome_id = NULLIF($3, ''),
		     ended_at           = CASE WHEN $4::timestamptz = 'epoch'::timestamptz
		                               THEN ended_at ELSE $4 END
		 WHERE id = $1 AND status NOT IN ('resolved', 'canceled')`,
		id,
		string(status),
		winningOutcomeID,
		endedAt.UTC(),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update prediction status", err)
	}
	return nil
}

// ActiveIDsForChannel returns the ids of all still-active predictions for a
// channel. Used to fan out cancellation events when the channel goes offline.
func (r *PredictionRepository) ActiveIDsForChannel(ctx context.Context, channelID string) ([]string, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id FROM predictions
		 WHERE channel_id = $1 AND status = 'active'
		 ORDER BY started_at`,
		channelID,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query active predictions", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan prediction id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate active predictions", err)
	}
	return ids, nil
}
