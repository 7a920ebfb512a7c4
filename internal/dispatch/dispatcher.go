// Package dispatch routes delivered task messages to their handlers.
//
// A delivery batch fans out with isolated failure: every task in the batch
// executes regardless of sibling outcomes, each result is captured
// individually, and the dispatcher itself never retries. Redelivery is the
// queue's concern; idempotency is the handler's.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"speculator/internal/scheduler"
	"speculator/internal/telemetry"
	"speculator/internal/types"
)

// requeueSlackSeconds is the tolerance applied when deciding whether a
// delivered task arrived ahead of its absolute fire time. Tasks whose
// earliest timestamp descriptor is further out than this were clamped at the
// backend's delay ceiling and are re-scheduled instead of executed.
const requeueSlackSeconds = 2

// Handler executes one task.
type Handler interface {
	Handle(ctx context.Context, task types.ScheduledTask) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, task types.ScheduledTask) error

// Handle calls the wrapped function.
func (f HandlerFunc) Handle(ctx context.Context, task types.ScheduledTask) error {
	return f(ctx, task)
}

// Rescheduler is the scheduling capability the dispatcher needs for
// re-schedule chaining of not-yet-due tasks.
type Rescheduler interface {
	Schedule(ctx context.Context, task types.ScheduledTask) (bool, error)
}

// Result is the outcome of one task in a dispatch batch.
type Result struct {
	Task     types.ScheduledTask
	Err      error
	Requeued bool
}

// Dispatcher holds the fixed routing table and cross-cutting dependencies.
// It is constructed once at process start; handlers are never registered at
// runtime.
type Dispatcher struct {
	routes    map[types.TaskType]Handler
	scheduler Rescheduler
	metrics   telemetry.TaskMetrics
	clock     func() time.Time
	logger    *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithClock overrides the clock used for due-time checks. For tests.
func WithClock(clock func() time.Time) Option {
	return func(d *Dispatcher) {
		d.clock = clock
	}
}

// New creates a Dispatcher with the given routing table.
func New(routes map[types.TaskType]Handler, resched Rescheduler, metrics telemetry.TaskMetrics, logger *slog.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = telemetry.NoopTaskMetrics{}
	}
	d := &Dispatcher{
		routes:    routes,
		scheduler: resched,
		metrics:   metrics,
		clock:     time.Now,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch executes a delivery batch. Tasks run concurrently; one task's
// failure (error or panic) never prevents its siblings from executing. The
// returned slice has one Result per input task, in input order.
func (d *Dispatcher) Dispatch(ctx context.Context, tasks []types.ScheduledTask) []Result {
	results := make([]Result, len(tasks))

	var wg sync.WaitGroup
	for i, task := range tasks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = d.dispatchOne(ctx, task)
		}()
	}
	wg.Wait()

	for _, res := range results {
		switch {
		case res.Requeued:
			d.metrics.RecordTask(ctx, res.Task.Type, telemetry.OutcomeRequeued)
		case res.Err != nil:
			d.metrics.RecordTask(ctx, res.Task.Type, telemetry.OutcomeError)
			d.logger.ErrorContext(ctx, "task failed",
				"task_type", res.Task.Type.String(),
				"error", res.Err,
			)
		default:
			d.metrics.RecordTask(ctx, res.Task.Type, telemetry.OutcomeOK)
		}
	}
	return results
}

// DispatchOne executes a single locally-delivered task. Used by the local
// timer backend.
func (d *Dispatcher) DispatchOne(ctx context.Context, task types.ScheduledTask) {
	d.Dispatch(ctx, []types.ScheduledTask{task})
}

func (d *Dispatcher) dispatchOne(ctx context.Context, task types.ScheduledTask) (res Result) {
	res.Task = task
	defer func() {
		if r := recover(); r != nil {
			res.Err = fmt.Errorf("task %s panicked: %v", task.Type, r)
		}
	}()

	// Re-schedule chaining: a task whose absolute fire time exceeded the
	// backend's delay ceiling arrives early and goes back on the queue
	// until its real fire time is within reach.
	if remaining, ok := scheduler.RemainingTimestampDelay(task, d.clock()); ok && remaining > requeueSlackSeconds {
		if _, err := d.scheduler.Schedule(ctx, task); err != nil {
			res.Err = fmt.Errorf("requeuing not-yet-due task %s: %w", task.Type, err)
			return res
		}
		d.logger.InfoContext(ctx, "task requeued until fire time",
			"task_type", task.Type.String(),
			"remaining_seconds", remaining,
		)
		res.Requeued = true
		return res
	}

	handler, ok := d.routes[task.Type]
	if !ok {
		res.Err = fmt.Errorf("no handler registered for task type %s", task.Type)
		return res
	}

	res.Err = handler.Handle(ctx, task)
	return res
}
