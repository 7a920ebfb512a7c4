package tasks

import (
	"context"
	"fmt"

	"speculator/internal/types"
)

// HandleMonitorStreams runs one tick of the stream-monitoring chain.
//
// The tick consults the streams-changed flag on the chain's dedup record:
// when set (or when this is the first tick and no sub-tasks were carried
// over) it rebuilds the metric-collection pages from the live channel set,
// otherwise it reuses the previous tick's pages. An empty live set ends the
// chain; otherwise the pages plus the next continuation tick are enqueued in
// one batch.
func (s *Services) HandleMonitorStreams(ctx context.Context, task types.ScheduledTask) error {
	var payload types.MonitorStreamsPayload
	if err := task.DecodeData(&payload); err != nil {
		return err
	}

	changed, err := s.TaskRecords.TestAndClearStreamsChanged(ctx, types.TaskMonitorStreams)
	if err != nil {
		// A missing or unreadable record must not stall the chain. Rebuild
		// pages from the database as if the set had changed.
		s.Logger.WarnContext(ctx, "could not read streams-changed flag, rescanning",
			"error", err)
		changed = true
	}

	subTasks := payload.SubTasks
	if changed || len(subTasks) == 0 {
		subTasks, err = s.buildMetricTasks(ctx)
		if err != nil {
			return fmt.Errorf("building metric pages: %w", err)
		}
	}

	if len(subTasks) == 0 {
		s.Logger.InfoContext(ctx, "no live channels, ending monitoring chain")
		return s.Scheduler.End(ctx, task)
	}

	next := types.NewTask(types.TaskMonitorStreams, types.MonitorStreamsPayload{SubTasks: subTasks})
	next.When = append([]types.FireTime(nil), types.MonitorStreamsAnchors...)
	next.Repeats = true
	next.IsRepeat = true

	batch := make([]types.ScheduledTask, 0, len(subTasks)+1)
	batch = append(batch, subTasks...)
	batch = append(batch, next)
	return s.Scheduler.ScheduleBatch(ctx, batch)
}

// buildMetricTasks pages through the live channel set and emits one
// metric-collection task per page. The page size matches the platform's
// per-connection topic limit so each task maps to a single polling
// connection.
func (s *Services) buildMetricTasks(ctx context.Context) ([]types.ScheduledTask, error) {
	var out []types.ScheduledTask
	cursor := ""
	for {
		ids, next, err := s.Channels.LiveChannelIDs(ctx, cursor, s.Cfg.LiveChannelPageSize)
		if err != nil {
			return nil, err
		}
		if len(ids) > 0 {
			out = append(out, types.NewTask(types.TaskGetRealTimeStreamMetrics,
				types.StreamMetricsPayload{ChannelIDs: ids}))
		}
		if next == "" {
			break
		}
		cursor = next
	}
	return out, nil
}
