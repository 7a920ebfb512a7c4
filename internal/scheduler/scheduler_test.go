package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"speculator/internal/types"
)

// --- Mocks ---

// mockDedupStore simulates the dedup record table: first CreateIfAbsent per
// type wins, later ones lose. Safe for concurrent use.
type mockDedupStore struct {
	mu        sync.Mutex
	records   map[types.TaskType][]byte
	createErr error
	deleteErr error
	creates   int
	deletes   []types.TaskType
}

func newMockDedupStore() *mockDedupStore {
	return &mockDedupStore{records: make(map[types.TaskType][]byte)}
}

func (m *mockDedupStore) CreateIfAbsent(_ context.Context, taskType types.TaskType, payload []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creates++
	if m.createErr != nil {
		return false, m.createErr
	}
	if _, exists := m.records[taskType]; exists {
		m.records[taskType] = payload
		return false, nil
	}
	m.records[taskType] = payload
	return true, nil
}

func (m *mockDedupStore) Delete(_ context.Context, taskType types.TaskType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return m.deleteErr
	}
	m.deletes = append(m.deletes, taskType)
	delete(m.records, taskType)
	return nil
}

// mockBackend records sends.
type mockBackend struct {
	mu      sync.Mutex
	sends   []BatchEntry
	batches [][]BatchEntry
	err     error
}

func (m *mockBackend) Send(_ context.Context, task types.ScheduledTask, delaySeconds int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sends = append(m.sends, BatchEntry{Task: task, DelaySeconds: delaySeconds})
	return nil
}

func (m *mockBackend) SendBatch(_ context.Context, entries []BatchEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.batches = append(m.batches, entries)
	return nil
}

func newTestScheduler(store *mockDedupStore, backend *mockBackend) *Scheduler {
	clock := func() time.Time {
		return time.Date(2024, 3, 15, 10, 20, 0, 0, time.UTC)
	}
	return New(store, backend, slog.Default(), WithClock(clock))
}

// --- Tests ---

func TestSchedule_SingleFireTask_Enqueued(t *testing.T) {
	store := newMockDedupStore()
	backend := &mockBackend{}
	s := newTestScheduler(store, backend)

	task := types.NewTask(types.TaskStreamEvent, types.StreamEventPayload{
		Type: types.StreamEventOnline, ChannelID: "ch1",
	})
	scheduled, err := s.Schedule(context.Background(), task)
	if err != nil {
		t.Fatalf("Schedule returned unexpected error: %v", err)
	}
	if !scheduled {
		t.Error("expected task to be scheduled")
	}
	if store.creates != 0 {
		t.Errorf("single-fire task must not touch the dedup store, got %d creates", store.creates)
	}
	if len(backend.sends) != 1 {
		t.Fatalf("expected 1 send, got %d", len(backend.sends))
	}
}

func TestSchedule_InitialTask_CreatesDedupRecord(t *testing.T) {
	store := newMockDedupStore()
	backend := &mockBackend{}
	s := newTestScheduler(store, backend)

	scheduled, err := s.Schedule(context.Background(), types.StreamMonitoringInitialTask())
	if err != nil {
		t.Fatalf("Schedule returned unexpected error: %v", err)
	}
	if !scheduled {
		t.Error("expected first initiator to be scheduled")
	}
	if _, exists := store.records[types.TaskMonitorStreams]; !exists {
		t.Error("expected dedup record to be created")
	}
}

func TestSchedule_InitialTask_SecondInitiatorSkipped(t *testing.T) {
	store := newMockDedupStore()
	backend := &mockBackend{}
	s := newTestScheduler(store, backend)

	ctx := context.Background()
	if _, err := s.Schedule(ctx, types.StreamMonitoringInitialTask()); err != nil {
		t.Fatalf("first Schedule failed: %v", err)
	}
	scheduled, err := s.Schedule(ctx, types.StreamMonitoringInitialTask())
	if err != nil {
		t.Fatalf("second Schedule failed: %v", err)
	}
	if scheduled {
		t.Error("expected second initiator to be skipped")
	}
	if len(backend.sends) != 1 {
		t.Errorf("expected exactly 1 enqueue, got %d", len(backend.sends))
	}
}

func TestSchedule_ConcurrentInitiators_ExactlyOneEnqueued(t *testing.T) {
	store := newMockDedupStore()
	backend := &mockBackend{}
	s := newTestScheduler(store, backend)

	const initiators = 16
	var wg sync.WaitGroup
	scheduledCount := make(chan bool, initiators)
	for i := 0; i < initiators; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.Schedule(context.Background(), types.StreamMonitoringInitialTask())
			if err != nil {
				t.Errorf("Schedule failed: %v", err)
				return
			}
			scheduledCount <- ok
		}()
	}
	wg.Wait()
	close(scheduledCount)

	wins := 0
	for ok := range scheduledCount {
		if ok {
			wins++
		}
	}
	if wins != 1 {
		t.Errorf("expected exactly 1 winning initiator, got %d", wins)
	}
	if len(backend.sends) != 1 {
		t.Errorf("expected exactly 1 enqueue, got %d", len(backend.sends))
	}
}

func TestSchedule_RepeatTask_SkipsDedup(t *testing.T) {
	store := newMockDedupStore()
	backend := &mockBackend{}
	s := newTestScheduler(store, backend)

	task := types.StreamMonitoringInitialTask()
	task.IsRepeat = true
	scheduled, err := s.Schedule(context.Background(), task)
	if err != nil {
		t.Fatalf("Schedule returned unexpected error: %v", err)
	}
	if !scheduled {
		t.Error("expected repeat task to be scheduled")
	}
	if store.creates != 0 {
		t.Errorf("repeat task must not attempt dedup creation, got %d", store.creates)
	}
}

func TestSchedule_DedupStoreError_Propagated(t *testing.T) {
	store := newMockDedupStore()
	store.createErr = errors.New("db down")
	backend := &mockBackend{}
	s := newTestScheduler(store, backend)

	_, err := s.Schedule(context.Background(), types.StreamMonitoringInitialTask())
	if err == nil {
		t.Fatal("expected error from dedup store")
	}
	if len(backend.sends) != 0 {
		t.Error("nothing must be enqueued when dedup creation fails")
	}
}

func TestScheduleBatch_DeduplicatesInitiatorsWithinBatch(t *testing.T) {
	store := newMockDedupStore()
	backend := &mockBackend{}
	s := newTestScheduler(store, backend)

	batch := []types.ScheduledTask{
		types.StreamMonitoringInitialTask(),
		types.StreamMonitoringInitialTask(),
		types.NewTask(types.TaskCreatePrediction, types.CreatePredictionPayload{ChannelID: "ch1"}),
	}
	if err := s.ScheduleBatch(context.Background(), batch); err != nil {
		t.Fatalf("ScheduleBatch returned unexpected error: %v", err)
	}
	if store.creates != 1 {
		t.Errorf("expected 1 dedup creation for duplicate initiators, got %d", store.creates)
	}
	if len(backend.batches) != 1 {
		t.Fatalf("expected 1 batch send, got %d", len(backend.batches))
	}
	// One winning initiator + the single-fire task.
	if got := len(backend.batches[0]); got != 2 {
		t.Errorf("expected 2 entries in batch, got %d", got)
	}
}

func TestScheduleBatch_AllInitiatorsLose_NoIO(t *testing.T) {
	store := newMockDedupStore()
	backend := &mockBackend{}
	s := newTestScheduler(store, backend)

	ctx := context.Background()
	if _, err := s.Schedule(ctx, types.StreamMonitoringInitialTask()); err != nil {
		t.Fatalf("seeding chain failed: %v", err)
	}
	backend.sends = nil

	err := s.ScheduleBatch(ctx, []types.ScheduledTask{types.StreamMonitoringInitialTask()})
	if err != nil {
		t.Fatalf("ScheduleBatch returned unexpected error: %v", err)
	}
	if len(backend.batches) != 0 {
		t.Error("an all-losers batch must perform no backend I/O")
	}
}

func TestScheduleBatch_EmptyBatch_NoIO(t *testing.T) {
	store := newMockDedupStore()
	backend := &mockBackend{}
	s := newTestScheduler(store, backend)

	if err := s.ScheduleBatch(context.Background(), nil); err != nil {
		t.Fatalf("ScheduleBatch returned unexpected error: %v", err)
	}
	if len(backend.batches) != 0 {
		t.Error("empty batch must perform no backend I/O")
	}
}

func TestScheduleBatch_BackendFailure_Propagated(t *testing.T) {
	store := newMockDedupStore()
	backend := &mockBackend{err: errors.New("queue unavailable")}
	s := newTestScheduler(store, backend)

	err := s.ScheduleBatch(context.Background(), []types.ScheduledTask{
		types.NewTask(types.TaskStreamEvent, types.StreamEventPayload{Type: types.StreamEventOffline, ChannelID: "ch1"}),
	})
	if err == nil {
		t.Fatal("expected backend failure to propagate")
	}
}

func TestEnd_DeletesDedupRecord(t *testing.T) {
	store := newMockDedupStore()
	backend := &mockBackend{}
	s := newTestScheduler(store, backend)

	ctx := context.Background()
	if _, err := s.Schedule(ctx, types.StreamMonitoringInitialTask()); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	if err := s.End(ctx, types.StreamMonitoringInitialTask()); err != nil {
		t.Fatalf("End returned unexpected error: %v", err)
	}
	if _, exists := store.records[types.TaskMonitorStreams]; exists {
		t.Error("expected dedup record to be deleted")
	}

	// A new chain can start after End.
	scheduled, err := s.Schedule(ctx, types.StreamMonitoringInitialTask())
	if err != nil {
		t.Fatalf("Schedule after End failed: %v", err)
	}
	if !scheduled {
		t.Error("expected a new chain to start after End")
	}
}

func TestEnd_Idempotent(t *testing.T) {
	store := newMockDedupStore()
	backend := &mockBackend{}
	s := newTestScheduler(store, backend)

	if err := s.End(context.Background(), types.StreamMonitoringInitialTask()); err != nil {
		t.Errorf("ending an already-ended chain must be a no-op, got %v", err)
	}
}
