package tasks

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"speculator/internal/types"
)

func monitorTick(subTasks []types.ScheduledTask) types.ScheduledTask {
	task := types.NewTask(types.TaskMonitorStreams, types.MonitorStreamsPayload{SubTasks: subTasks})
	task.When = append([]types.FireTime(nil), types.MonitorStreamsAnchors...)
	task.Repeats = true
	task.IsRepeat = true
	return task
}

func decodeMetricsPayload(t *testing.T, task types.ScheduledTask) types.StreamMetricsPayload {
	t.Helper()
	if task.Type != types.TaskGetRealTimeStreamMetrics {
		t.Fatalf("expected metrics task, got %s", task.Type)
	}
	var p types.StreamMetricsPayload
	if err := task.DecodeData(&p); err != nil {
		t.Fatalf("decoding metrics payload: %v", err)
	}
	return p
}

func TestMonitorStreams_ChangedSet_RebuildsPagesFromDB(t *testing.T) {
	env := newTestEnv(t)
	env.taskRecords.changed = true
	env.channels.liveIDs = []string{"ch1", "ch2", "ch3"}

	stale := []types.ScheduledTask{
		types.NewTask(types.TaskGetRealTimeStreamMetrics, types.StreamMetricsPayload{ChannelIDs: []string{"old"}}),
	}
	err := env.services.HandleMonitorStreams(context.Background(), monitorTick(stale))
	if err != nil {
		t.Fatalf("handler returned unexpected error: %v", err)
	}

	if len(env.scheduler.batches) != 1 {
		t.Fatalf("expected 1 scheduled batch, got %d", len(env.scheduler.batches))
	}
	batch := env.scheduler.batches[0]
	// One metrics page + the continuation tick.
	if len(batch) != 2 {
		t.Fatalf("expected 2 tasks in batch, got %d", len(batch))
	}
	page := decodeMetricsPayload(t, batch[0])
	if len(page.ChannelIDs) != 3 || page.ChannelIDs[0] != "ch1" {
		t.Errorf("expected fresh page [ch1 ch2 ch3], got %v", page.ChannelIDs)
	}
}

func TestMonitorStreams_UnchangedSet_ReusesCarriedSubTasks(t *testing.T) {
	env := newTestEnv(t)
	env.taskRecords.changed = false
	env.channels.liveIDs = []string{"ch9"}

	carried := []types.ScheduledTask{
		types.NewTask(types.TaskGetRealTimeStreamMetrics, types.StreamMetricsPayload{ChannelIDs: []string{"ch1", "ch2"}}),
	}
	err := env.services.HandleMonitorStreams(context.Background(), monitorTick(carried))
	if err != nil {
		t.Fatalf("handler returned unexpected error: %v", err)
	}

	if env.channels.pageCalls != 0 {
		t.Errorf("unchanged set must not rescan the database, got %d page calls", env.channels.pageCalls)
	}
	batch := env.scheduler.batches[0]
	page := decodeMetricsPayload(t, batch[0])
	if len(page.ChannelIDs) != 2 || page.ChannelIDs[0] != "ch1" {
		t.Errorf("expected carried page [ch1 ch2], got %v", page.ChannelIDs)
	}
}

func TestMonitorStreams_ContinuationCarriesCurrentPages(t *testing.T) {
	env := newTestEnv(t)
	env.taskRecords.changed = true
	env.channels.liveIDs = []string{"ch1"}

	err := env.services.HandleMonitorStreams(context.Background(), monitorTick(nil))
	if err != nil {
		t.Fatalf("handler returned unexpected error: %v", err)
	}

	batch := env.scheduler.batches[0]
	next := batch[len(batch)-1]
	if next.Type != types.TaskMonitorStreams {
		t.Fatalf("last batch entry should be the continuation, got %s", next.Type)
	}
	if !next.Repeats || !next.IsRepeat {
		t.Error("continuation must be marked as a repeating repeat")
	}
	if len(next.When) != 2 || next.When[0].At == nil || next.When[0].At.Second != 25 {
		t.Errorf("continuation must fire at the monitoring anchors, got %+v", next.When)
	}
	var p types.MonitorStreamsPayload
	if err := next.DecodeData(&p); err != nil {
		t.Fatalf("decoding continuation payload: %v", err)
	}
	if len(p.SubTasks) != 1 {
		t.Errorf("continuation must carry the current pages, got %d", len(p.SubTasks))
	}
}

func TestMonitorStreams_NoLiveChannels_EndsChain(t *testing.T) {
	env := newTestEnv(t)
	env.taskRecords.changed = true
	env.channels.liveIDs = nil

	err := env.services.HandleMonitorStreams(context.Background(), monitorTick(nil))
	if err != nil {
		t.Fatalf("handler returned unexpected error: %v", err)
	}

	if len(env.scheduler.ended) != 1 {
		t.Fatalf("expected chain to end, got %d End calls", len(env.scheduler.ended))
	}
	if len(env.scheduler.batches) != 0 {
		t.Error("no batch may be scheduled when the chain ends")
	}
}

func TestMonitorStreams_PagesSplitAtPageSize(t *testing.T) {
	env := newTestEnv(t)
	env.taskRecords.changed = true
	env.services.Cfg.LiveChannelPageSize = 2
	for i := 0; i < 5; i++ {
		env.channels.liveIDs = append(env.channels.liveIDs, fmt.Sprintf("ch%d", i))
	}

	err := env.services.HandleMonitorStreams(context.Background(), monitorTick(nil))
	if err != nil {
		t.Fatalf("handler returned unexpected error: %v", err)
	}

	batch := env.scheduler.batches[0]
	// Three pages (2+2+1) plus the continuation.
	if len(batch) != 4 {
		t.Fatalf("expected 4 tasks in batch, got %d", len(batch))
	}
	sizes := []int{2, 2, 1}
	for i, want := range sizes {
		page := decodeMetricsPayload(t, batch[i])
		if len(page.ChannelIDs) != want {
			t.Errorf("page %d: expected %d channels, got %d", i, want, len(page.ChannelIDs))
		}
	}
}

func TestMonitorStreams_FlagReadFailure_FailsOpenToRescan(t *testing.T) {
	env := newTestEnv(t)
	env.taskRecords.testErr = errors.New("record missing")
	env.channels.liveIDs = []string{"ch1"}

	carried := []types.ScheduledTask{
		types.NewTask(types.TaskGetRealTimeStreamMetrics, types.StreamMetricsPayload{ChannelIDs: []string{"stale"}}),
	}
	err := env.services.HandleMonitorStreams(context.Background(), monitorTick(carried))
	if err != nil {
		t.Fatalf("flag failure must not fail the tick, got %v", err)
	}

	if env.channels.pageCalls == 0 {
		t.Error("expected a rescan when the flag is unreadable")
	}
	page := decodeMetricsPayload(t, env.scheduler.batches[0][0])
	if page.ChannelIDs[0] != "ch1" {
		t.Errorf("expected fresh page, got %v", page.ChannelIDs)
	}
}

func TestMonitorStreams_PageScanFailure_Propagated(t *testing.T) {
	env := newTestEnv(t)
	env.taskRecords.changed = true
	env.channels.pageErr = errors.New("db down")

	err := env.services.HandleMonitorStreams(context.Background(), monitorTick(nil))
	if err == nil {
		t.Fatal("expected page scan failure to propagate")
	}
	if len(env.scheduler.batches) != 0 {
		t.Error("nothing may be scheduled when the scan fails")
	}
}
