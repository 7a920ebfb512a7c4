package tasks

import (
	"context"
	"fmt"

	"speculator/internal/types"
)

// HandleStreamMetrics harvests one polling window of viewer counts for a
// page of live channels and persists whatever arrived. Channels that did not
// report inside the window are picked up by the next tick's page.
func (s *Services) HandleStreamMetrics(ctx context.Context, task types.ScheduledTask) error {
	var payload types.StreamMetricsPayload
	if err := task.DecodeData(&payload); err != nil {
		return err
	}
	if len(payload.ChannelIDs) == 0 {
		return nil
	}

	metrics, err := s.Collector.Collect(ctx, payload.ChannelIDs)
	if err != nil {
		return fmt.Errorf("collecting viewer counts: %w", err)
	}
	if len(metrics) == 0 {
		s.Logger.InfoContext(ctx, "polling window closed with no samples",
			"channels", len(payload.ChannelIDs))
		return nil
	}

	if err := s.Metrics.UpsertBatch(ctx, metrics); err != nil {
		return fmt.Errorf("persisting %d metrics: %w", len(metrics), err)
	}
	return nil
}
