package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"speculator/internal/types"
)

// TaskRecordRepository manages chain dedup records in the scheduled_tasks
// table. A row's existence means "this chain is active"; the streams_changed
// column is the flag the monitoring chain test-and-clears on every tick.
//
// The task type space is small and fixed, so a single row per task type is
// sufficient to guarantee at most one active chain per type.
type TaskRecordRepository struct {
	db DBTX
}

// NewTaskRecordRepository creates a TaskRecordRepository backed by the given
// database connection (pool or transaction).
func NewTaskRecordRepository(db DBTX) *TaskRecordRepository {
	return &TaskRecordRepository{db: db}
}

// CreateIfAbsent attempts to create the dedup record for a task type.
// Returns true if the row was created (the caller owns the new chain) and
// false if a live record already existed, in which case the payload is
// refreshed and a streamsChanged flag in the losing payload is folded into
// the record. Folding matters: a channel coming online while a chain is
// already running loses the initiator race, and its flag is the only signal
// telling the running chain to rescan the live set. Concurrent initiators
// collapse into exactly one winner because the INSERT .. ON CONFLICT
// statement is atomic.
//
// The RETURNING (xmax = 0) expression distinguishes insert from update:
// xmax is zero on a freshly inserted row version and non-zero when the
// conflict branch updated an existing row.
func (r *TaskRecordRepository) CreateIfAbsent(ctx context.Context, taskType types.TaskType, payload []byte) (bool, error) {
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	var created bool
	err := r.db.QueryRow(ctx,
		`INSERT INTO scheduled_tasks (task_type, payload, streams_changed)
		 VALUES ($1, $2, COALESCE(($2::jsonb->>'streamsChanged')::boolean, FALSE))
		 ON CONFLICT (task_type) DO UPDATE
		   SET payload = EXCLUDED.payload,
		       streams_changed = scheduled_tasks.streams_changed
		         OR COALESCE((EXCLUDED.payload->>'streamsChanged')::boolean, FALSE)
		 RETURNING (xmax = 0)`,
		taskType.Key(),
		payload,
	).Scan(&created)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to create task dedup record", err)
	}
	return created, nil
}

// TestAndClearStreamsChanged atomically reads the streams_changed flag,
// clears it, and returns the pre-clear value. The row is locked for the
// duration of the statement so concurrent ticks cannot both observe true.
//
// A missing record returns ErrCodeNotFoundTaskRecord; the monitoring chain
// treats any error here as "changed" (fail open).
func (r *TaskRecordRepository) TestAndClearStreamsChanged(ctx context.Context, taskType types.TaskType) (bool, error) {
	var prior bool
	err := r.db.QueryRow(ctx,
		`UPDATE scheduled_tasks s
		 SET streams_changed = FALSE
		 FROM (
		   SELECT streams_changed AS prior
		   FROM scheduled_tasks
		   WHERE task_type = $1
		   FOR UPDATE
		 ) p
		 WHERE s.task_type = $1
		 RETURNING p.prior`,
		taskType.Key(),
	).Scan(&prior)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, types.NewAppError(types.ErrCodeNotFoundTaskRecord, "task dedup record not found", err)
	}
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to test-and-clear streams_changed", err)
	}
	return prior, nil
}

// SetStreamsChanged sets the streams_changed flag on the dedup record.
// A missing record is a no-op: when no chain is running there is nothing to
// notify, and the next chain initiation carries the flag in its payload.
func (r *TaskRecordRepository) SetStreamsChanged(ctx context.Context, taskType types.TaskType, changed bool) error {
	_, err := r.db.Exec(ctx,
		`UPDATE scheduled_tasks SET streams_changed = $2 WHERE task_type = $1`,
		taskType.Key(),
		changed,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to set streams_changed", err)
	}
	return nil
}

// Delete removes the dedup record for a task type, ending the chain.
// Deleting an absent record is a no-op, making chain termination idempotent.
func (r *TaskRecordRepository) Delete(ctx context.Context, taskType types.TaskType) error {
	_, err := r.db.Exec(ctx,
		`DELETE FROM scheduled_tasks WHERE task_type = $1`,
		taskType.Key(),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to delete task dedup record", err)
	}
	return nil
}
