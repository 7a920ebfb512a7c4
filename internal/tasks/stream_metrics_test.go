package tasks

import (
	"context"
	"errors"
	"testing"

	"speculator/internal/types"
)

func metricsTask(channelIDs ...string) types.ScheduledTask {
	return types.NewTask(types.TaskGetRealTimeStreamMetrics, types.StreamMetricsPayload{ChannelIDs: channelIDs})
}

func TestStreamMetrics_PersistsCollectedSamples(t *testing.T) {
	env := newTestEnv(t)
	env.collector.metrics = []types.StreamMetric{
		{ChannelID: "ch1", Type: types.MetricViewerCount, Value: 100, Timestamp: testClock.UnixMilli()},
		{ChannelID: "ch2", Type: types.MetricViewerCount, Value: 250, Timestamp: testClock.UnixMilli()},
	}

	err := env.services.HandleStreamMetrics(context.Background(), metricsTask("ch1", "ch2", "ch3"))
	if err != nil {
		t.Fatalf("handler returned unexpected error: %v", err)
	}

	if len(env.collector.collected) != 1 || len(env.collector.collected[0]) != 3 {
		t.Errorf("expected one collection over 3 channels, got %v", env.collector.collected)
	}
	if len(env.metrics.batches) != 1 {
		t.Fatalf("expected 1 persisted batch, got %d", len(env.metrics.batches))
	}
	// Partial harvest (2 of 3) is persisted as-is.
	if len(env.metrics.batches[0]) != 2 {
		t.Errorf("expected 2 samples persisted, got %d", len(env.metrics.batches[0]))
	}
}

func TestStreamMetrics_EmptyPage_NoCollection(t *testing.T) {
	env := newTestEnv(t)

	err := env.services.HandleStreamMetrics(context.Background(), metricsTask())
	if err != nil {
		t.Fatalf("handler returned unexpected error: %v", err)
	}
	if len(env.collector.collected) != 0 {
		t.Error("empty page must not open a collection window")
	}
}

func TestStreamMetrics_EmptyHarvest_NoWrite(t *testing.T) {
	env := newTestEnv(t)
	env.collector.metrics = nil

	err := env.services.HandleStreamMetrics(context.Background(), metricsTask("ch1"))
	if err != nil {
		t.Fatalf("handler returned unexpected error: %v", err)
	}
	if len(env.metrics.batches) != 0 {
		t.Error("empty harvest must not touch the metric store")
	}
}

func TestStreamMetrics_CollectorFailure_Propagated(t *testing.T) {
	env := newTestEnv(t)
	env.collector.err = errors.New("pubsub refused")

	if err := env.services.HandleStreamMetrics(context.Background(), metricsTask("ch1")); err == nil {
		t.Fatal("expected collector failure to propagate")
	}
}

func TestStreamMetrics_StoreFailure_Propagated(t *testing.T) {
	env := newTestEnv(t)
	env.collector.metrics = []types.StreamMetric{{ChannelID: "ch1", Type: types.MetricViewerCount, Value: 5}}
	env.metrics.err = errors.New("db down")

	if err := env.services.HandleStreamMetrics(context.Background(), metricsTask("ch1")); err == nil {
		t.Fatal("expected store failure to propagate")
	}
}
