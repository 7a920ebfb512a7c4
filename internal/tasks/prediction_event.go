package tasks

import (
	"context"
	"fmt"
	"time"

	"speculator/internal/types"
)

// HandlePredictionEvent applies one prediction lifecycle transition to the
// mirrored prediction row.
//
// Begin, progress, and lock carry a full snapshot and upsert it; end only
// moves the row to its terminal status with the winning outcome and end
// time. The repository's status guard makes every path safe against
// duplicate or late deliveries.
func (s *Services) HandlePredictionEvent(ctx context.Context, task types.ScheduledTask) error {
	var payload types.PredictionEventPayload
	if err := task.DecodeData(&payload); err != nil {
		return err
	}
	p := payload.Prediction

	switch payload.Type {
	case types.PredictionEventBegin, types.PredictionEventProgress:
		if p.Status == "" {
			p.Status = types.PredictionActive
		}
		return s.Predictions.Upsert(ctx, p)

	case types.PredictionEventLock:
		p.Status = types.PredictionLocked
		return s.Predictions.Upsert(ctx, p)

	case types.PredictionEventEnd:
		status := p.Status
		if !status.Terminal() {
			status = types.PredictionCanceled
		}
		endedAt := time.UnixMilli(p.EndedAt).UTC()
		if p.EndedAt == 0 {
			endedAt = s.Clock().UTC()
		}
		return s.Predictions.UpdateStatus(ctx, p.ID, status, p.WinningOutcomeID, endedAt)

	default:
		return fmt.Errorf("unknown prediction event type %q", payload.Type)
	}
}
