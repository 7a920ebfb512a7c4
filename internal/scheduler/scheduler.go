package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"speculator/internal/types"
)

// DedupStore is the subset of the task record repository the scheduler needs:
// atomic conditional creation and idempotent deletion of chain dedup records.
type DedupStore interface {
	CreateIfAbsent(ctx context.Context, taskType types.TaskType, payload []byte) (bool, error)
	Delete(ctx context.Context, taskType types.TaskType) error
}

// BatchEntry pairs a task with its resolved delivery delay.
type BatchEntry struct {
	Task         types.ScheduledTask
	DelaySeconds int
}

// Backend delivers tasks after a delay. Implementations: SQSBackend for
// production, LocalBackend for development. Handlers never see which backend
// is active.
type Backend interface {
	Send(ctx context.Context, task types.ScheduledTask, delaySeconds int) error
	SendBatch(ctx context.Context, entries []BatchEntry) error
}

// Scheduler performs idempotent registration of chain-initiating tasks and
// hands all tasks to the delivery backend with their computed delay.
type Scheduler struct {
	store   DedupStore
	backend Backend
	clock   func() time.Time
	logger  *slog.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the clock used for delay computation. For tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Scheduler) {
		s.clock = clock
	}
}

// New creates a Scheduler.
func New(store DedupStore, backend Backend, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		store:   store,
		backend: backend,
		clock:   time.Now,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule registers a single task for delayed delivery.
//
// For a chain-initiating task (repeats, not a repeat) it first attempts the
// conditional dedup-record creation; if a live record already exists the
// chain is already running, nothing is enqueued, and Schedule returns false.
// In every other case the task is handed to the backend and Schedule returns
// true.
func (s *Scheduler) Schedule(ctx context.Context, task types.ScheduledTask) (bool, error) {
	if task.IsInitial() {
		created, err := s.store.CreateIfAbsent(ctx, task.Type, task.Data)
		if err != nil {
			return false, fmt.Errorf("scheduler: registering chain %s: %w", task.Type, err)
		}
		if !created {
			s.logger.InfoContext(ctx, "chain already active, skipping enqueue",
				"task_type", task.Type.String(),
			)
			return false, nil
		}
	}

	delay := DelaySeconds(task, s.clock())
	if err := s.backend.Send(ctx, task, delay); err != nil {
		return false, fmt.Errorf("scheduler: enqueuing %s: %w", task.Type, err)
	}

	s.logger.InfoContext(ctx, "task scheduled",
		"task_type", task.Type.String(),
		"delay_seconds", delay,
		"is_repeat", task.IsRepeat,
	)
	return true, nil
}

// ScheduleBatch registers a batch of tasks in a single backend call.
//
// Chain-initiating tasks are deduplicated by type within the batch, then one
// conditional dedup creation is issued per distinct type; initiators that
// lost the creation race are dropped from the batch. Non-initiating tasks
// are always kept. An empty resulting batch performs no I/O; a backend
// delivery failure is propagated to the caller.
func (s *Scheduler) ScheduleBatch(ctx context.Context, tasks []types.ScheduledTask) error {
	createdByType := make(map[types.TaskType]bool)
	attempted := make(map[types.TaskType]bool)

	for _, task := range tasks {
		if !task.IsInitial() || attempted[task.Type] {
			continue
		}
		attempted[task.Type] = true
		created, err := s.store.CreateIfAbsent(ctx, task.Type, task.Data)
		if err != nil {
			return fmt.Errorf("scheduler: registering chain %s: %w", task.Type, err)
		}
		createdByType[task.Type] = created
	}

	now := s.clock()
	entries := make([]BatchEntry, 0, len(tasks))
	for _, task := range tasks {
		if task.IsInitial() && !createdByType[task.Type] {
			continue
		}
		entries = append(entries, BatchEntry{
			Task:         task,
			DelaySeconds: DelaySeconds(task, now),
		})
	}

	if len(entries) == 0 {
		return nil
	}

	if err := s.backend.SendBatch(ctx, entries); err != nil {
		return fmt.Errorf("scheduler: enqueuing batch of %d: %w", len(entries), err)
	}

	s.logger.InfoContext(ctx, "task batch scheduled",
		"batch_size", len(entries),
		"dropped", len(tasks)-len(entries),
	)
	return nil
}

// End terminates a chain by deleting its dedup record. Idempotent: ending an
// already-ended chain is a no-op.
func (s *Scheduler) End(ctx context.Context, task types.ScheduledTask) error {
	if err := s.store.Delete(ctx, task.Type); err != nil {
		return fmt.Errorf("scheduler: ending chain %s: %w", task.Type, err)
	}
	s.logger.InfoContext(ctx, "chain ended", "task_type", task.Type.String())
	return nil
}
