package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"speculator/internal/types"
)

// DeliveryFunc receives a task when its delay elapses. In local mode this is
// the dispatcher's single-task entry point.
type DeliveryFunc func(ctx context.Context, task types.ScheduledTask)

// LocalBackend delivers tasks with in-process timers instead of a message
// queue. It exists for local development only; it provides no durability and
// pending deliveries are lost on shutdown.
//
// The delivery function is set after construction because the dispatcher and
// the scheduler reference each other: handlers schedule through the
// Scheduler, whose backend delivers back into the dispatcher.
type LocalBackend struct {
	mu      sync.Mutex
	deliver DeliveryFunc
	timers  map[*time.Timer]struct{}
	stopped bool
	logger  *slog.Logger
}

// NewLocalBackend creates a LocalBackend. SetDelivery must be called before
// the first Send.
func NewLocalBackend(logger *slog.Logger) *LocalBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalBackend{
		timers: make(map[*time.Timer]struct{}),
		logger: logger,
	}
}

// SetDelivery wires the function invoked when a task's delay elapses.
func (b *LocalBackend) SetDelivery(fn DeliveryFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deliver = fn
}

// Send arms a timer that delivers the task after the delay. The delivery
// runs on the timer goroutine with a background context, mirroring how a
// queue delivery would arrive detached from the scheduling request.
func (b *LocalBackend) Send(_ context.Context, task types.ScheduledTask, delaySeconds int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return nil
	}

	var timer *time.Timer
	timer = time.AfterFunc(time.Duration(delaySeconds)*time.Second, func() {
		b.mu.Lock()
		deliver := b.deliver
		delete(b.timers, timer)
		b.mu.Unlock()
		if deliver == nil {
			b.logger.Error("local backend has no delivery function", "task_type", task.Type.String())
			return
		}
		deliver(context.Background(), task)
	})
	b.timers[timer] = struct{}{}
	return nil
}

// SendBatch arms one timer per entry.
func (b *LocalBackend) SendBatch(ctx context.Context, entries []BatchEntry) error {
	for _, entry := range entries {
		if err := b.Send(ctx, entry.Task, entry.DelaySeconds); err != nil {
			return err
		}
	}
	return nil
}

// Stop cancels all pending deliveries.
func (b *LocalBackend) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = true
	for timer := range b.timers {
		timer.Stop()
	}
	b.timers = make(map[*time.Timer]struct{})
}
