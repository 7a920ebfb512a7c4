package tasks

import (
	"context"
	"fmt"
	"time"

	"speculator/internal/types"
)

// HandleStreamEvent applies a stream.online or stream.offline notification.
//
// Online fetches the live stream from the platform so the stored descriptor
// carries title and viewer count, marks the channel live, and enqueues the
// chain-initiating monitoring task (a no-op if a chain is already running)
// and the delayed synthetic-prediction task anchored to stream start plus
// the warm-up period; a channel the store has never seen also gets a
// monitor-channel task so its identity and subscriptions are reconciled.
// Offline marks the channel down, flags the live set as changed so the next
// monitoring tick rescans, and fans out a cancellation event for every
// still-active prediction on the channel.
func (s *Services) HandleStreamEvent(ctx context.Context, task types.ScheduledTask) error {
	var payload types.StreamEventPayload
	if err := task.DecodeData(&payload); err != nil {
		return err
	}

	switch payload.Type {
	case types.StreamEventOnline:
		return s.handleStreamOnline(ctx, payload)
	case types.StreamEventOffline:
		return s.handleStreamOffline(ctx, payload)
	default:
		return fmt.Errorf("unknown stream event type %q", payload.Type)
	}
}

func (s *Services) handleStreamOnline(ctx context.Context, payload types.StreamEventPayload) error {
	startedAt := s.Clock()
	if payload.StartedAt != "" {
		parsed, err := time.Parse(time.RFC3339, payload.StartedAt)
		if err != nil {
			s.Logger.WarnContext(ctx, "unparseable stream start time, using now",
				"channelId", payload.ChannelID, "startedAt", payload.StartedAt)
		} else {
			startedAt = parsed
		}
	}

	stream := types.StreamInfo{
		ID:        payload.StreamID,
		StartedAt: startedAt.UnixMilli(),
	}
	if live, err := s.Streams.GetStream(ctx, payload.ChannelID); err != nil || live == nil {
		// The webhook already proves the channel is live; a failed lookup
		// only costs the title and viewer count on the descriptor.
		s.Logger.WarnContext(ctx, "could not fetch live stream, storing webhook descriptor",
			"channelId", payload.ChannelID, "error", err)
	} else {
		stream.Title = live.Title
		stream.ViewerCount = live.ViewerCount
		if stream.ID == "" {
			stream.ID = live.ID
		}
	}

	existing, err := s.Channels.Get(ctx, payload.ChannelID)
	firstSeen := err != nil || existing == nil

	err = s.Channels.MarkOnline(ctx, types.Channel{
		ID:          payload.ChannelID,
		DisplayName: payload.UserName,
		UserName:    payload.UserLogin,
		IsLive:      true,
		Stream:      &stream,
	})
	if err != nil {
		return fmt.Errorf("marking channel %s online: %w", payload.ChannelID, err)
	}

	createPrediction := types.NewTask(types.TaskCreatePrediction,
		types.CreatePredictionPayload{ChannelID: payload.ChannelID})
	createPrediction.When = []types.FireTime{
		{Timestamp: startedAt.Add(s.Cfg.PredictionWarmup).UnixMilli()},
	}

	batch := []types.ScheduledTask{
		types.StreamMonitoringInitialTask(),
		createPrediction,
	}
	if firstSeen {
		batch = append(batch, types.NewTask(types.TaskMonitorChannel,
			types.MonitorChannelPayload{ChannelID: payload.ChannelID}))
	}
	return s.Scheduler.ScheduleBatch(ctx, batch)
}

func (s *Services) handleStreamOffline(ctx context.Context, payload types.StreamEventPayload) error {
	if err := s.Channels.MarkOffline(ctx, payload.ChannelID); err != nil {
		return fmt.Errorf("marking channel %s offline: %w", payload.ChannelID, err)
	}

	if err := s.TaskRecords.SetStreamsChanged(ctx, types.TaskMonitorStreams, true); err != nil {
		// The next tick falls back to a rescan if the flag is unreadable, so
		// a failed write here only risks one stale polling cycle.
		s.Logger.WarnContext(ctx, "could not flag live set as changed",
			"channelId", payload.ChannelID, "error", err)
	}

	activeIDs, err := s.Predictions.ActiveIDsForChannel(ctx, payload.ChannelID)
	if err != nil {
		return fmt.Errorf("listing active predictions for %s: %w", payload.ChannelID, err)
	}
	if len(activeIDs) == 0 {
		return nil
	}

	now := s.Clock().UnixMilli()
	cancellations := make([]types.ScheduledTask, 0, len(activeIDs))
	for _, id := range activeIDs {
		cancellations = append(cancellations, types.NewTask(types.TaskPredictionEvent,
			types.PredictionEventPayload{
				Type: types.PredictionEventEnd,
				Prediction: types.Prediction{
					ID:        id,
					ChannelID: payload.ChannelID,
					Status:    types.PredictionCanceled,
					EndedAt:   now,
				},
			}))
	}
	return s.Scheduler.ScheduleBatch(ctx, cancellations)
}
