package tasks

import (
	"context"
	"errors"
	"testing"

	"speculator/internal/types"
)

func monitorChannelTask(channelID string) types.ScheduledTask {
	return types.NewTask(types.TaskMonitorChannel, types.MonitorChannelPayload{ChannelID: channelID})
}

func TestMonitorChannel_RegistersSubscriptionsAndIdentity(t *testing.T) {
	env := newTestEnv(t)
	env.streams.user = &types.Channel{ID: "ch1", DisplayName: "StreamerOne", UserName: "streamer_one"}

	err := env.services.HandleMonitorChannel(context.Background(), monitorChannelTask("ch1"))
	if err != nil {
		t.Fatalf("handler returned unexpected error: %v", err)
	}
	if len(env.subscriber.channels) != 1 || env.subscriber.channels[0] != "ch1" {
		t.Errorf("expected subscription for ch1, got %v", env.subscriber.channels)
	}
	if len(env.channels.identities) != 1 || env.channels.identities[0].DisplayName != "StreamerOne" {
		t.Errorf("expected resolved identity saved, got %v", env.channels.identities)
	}
}

func TestMonitorChannel_IdentityLookupFailure_StillSubscribes(t *testing.T) {
	env := newTestEnv(t)
	env.streams.userErr = errors.New("helix down")

	err := env.services.HandleMonitorChannel(context.Background(), monitorChannelTask("ch1"))
	if err != nil {
		t.Fatalf("identity failure must not block registration, got %v", err)
	}
	if len(env.subscriber.channels) != 1 {
		t.Error("expected subscription despite identity failure")
	}
	if len(env.channels.identities) != 0 {
		t.Error("no identity should be saved on lookup failure")
	}
}

func TestMonitorChannel_LocalMode_SkipsRegistration(t *testing.T) {
	env := newTestEnv(t)
	env.services.Local = true

	err := env.services.HandleMonitorChannel(context.Background(), monitorChannelTask("ch1"))
	if err != nil {
		t.Fatalf("handler returned unexpected error: %v", err)
	}
	if len(env.subscriber.channels) != 0 {
		t.Error("local mode must not call the platform")
	}
}

func TestMonitorChannel_SubscribeFailure_Propagated(t *testing.T) {
	env := newTestEnv(t)
	env.subscriber.err = errors.New("twitch down")

	if err := env.services.HandleMonitorChannel(context.Background(), monitorChannelTask("ch1")); err == nil {
		t.Fatal("expected subscription failure to propagate")
	}
}
