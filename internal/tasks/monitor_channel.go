package tasks

import (
	"context"
	"fmt"

	"speculator/internal/types"
)

// HandleMonitorChannel reconciles a channel's platform state: it resolves
// the channel's display identity and registers EventSub lifecycle
// subscriptions. Local mode has no public callback URL, so both steps are
// skipped there and stream events are injected by hand instead.
func (s *Services) HandleMonitorChannel(ctx context.Context, task types.ScheduledTask) error {
	var payload types.MonitorChannelPayload
	if err := task.DecodeData(&payload); err != nil {
		return err
	}

	if s.Local {
		s.Logger.InfoContext(ctx, "local mode, skipping eventsub registration",
			"channelId", payload.ChannelID)
		return nil
	}

	if user, err := s.Streams.GetUser(ctx, payload.ChannelID); err != nil {
		// Identity is cosmetic; subscriptions must still be registered.
		s.Logger.WarnContext(ctx, "could not resolve channel identity",
			"channelId", payload.ChannelID, "error", err)
	} else if err := s.Channels.SaveIdentity(ctx, *user); err != nil {
		s.Logger.WarnContext(ctx, "could not save channel identity",
			"channelId", payload.ChannelID, "error", err)
	}

	if err := s.Subscriber.SubscribeToChannelEvents(ctx, payload.ChannelID); err != nil {
		return fmt.Errorf("subscribing channel %s: %w", payload.ChannelID, err)
	}
	return nil
}
