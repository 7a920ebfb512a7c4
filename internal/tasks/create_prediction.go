package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"speculator/internal/types"
)

// predictionWindow is how long a synthetic prediction accepts wagers.
const predictionWindow = 5 * time.Minute

// HandleCreatePrediction opens a synthetic viewer-count prediction for a
// channel that has completed its warm-up period. The task fires on a delay,
// so the channel may have gone offline in the meantime; that case is a
// silent no-op rather than an error.
func (s *Services) HandleCreatePrediction(ctx context.Context, task types.ScheduledTask) error {
	var payload types.CreatePredictionPayload
	if err := task.DecodeData(&payload); err != nil {
		return err
	}

	channel, err := s.Channels.Get(ctx, payload.ChannelID)
	if err != nil {
		return fmt.Errorf("fetching channel %s: %w", payload.ChannelID, err)
	}
	if channel == nil || !channel.IsLive || channel.Stream == nil {
		s.Logger.InfoContext(ctx, "channel no longer live, skipping synthetic prediction",
			"channelId", payload.ChannelID)
		return nil
	}

	now := s.Clock()
	threshold := channel.Stream.ViewerCount
	aboveID := uuid.NewString()
	belowID := uuid.NewString()
	prediction := types.Prediction{
		ID:        uuid.NewString(),
		ChannelID: channel.ID,
		Title:     fmt.Sprintf("Will %s have more than %d viewers?", channel.DisplayName, threshold),
		Status:    types.PredictionActive,
		Outcomes: types.OutcomeMap{
			aboveID: {ID: aboveID, Title: fmt.Sprintf("More than %d", threshold), Color: "blue"},
			belowID: {ID: belowID, Title: fmt.Sprintf("%d or fewer", threshold), Color: "pink"},
		},
		StartedAt: now.UnixMilli(),
		LocksAt:   now.Add(predictionWindow).UnixMilli(),
	}

	event := types.NewTask(types.TaskPredictionEvent, types.PredictionEventPayload{
		Type:       types.PredictionEventBegin,
		Prediction: prediction,
	})
	if _, err := s.Scheduler.Schedule(ctx, event); err != nil {
		return fmt.Errorf("scheduling synthetic prediction for %s: %w", channel.ID, err)
	}
	return nil
}
