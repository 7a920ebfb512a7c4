// Package tasks contains the handlers behind every scheduled task type. Each
// handler is one state transition of the monitoring or prediction machinery;
// the dispatcher routes dequeued tasks here.
package tasks

import (
	"context"
	"log/slog"
	"time"

	"speculator/internal/config"
	"speculator/internal/dispatch"
	"speculator/internal/types"
)

// TaskScheduler is the scheduling surface handlers use to perpetuate chains
// and fan out follow-up work.
type TaskScheduler interface {
	Schedule(ctx context.Context, task types.ScheduledTask) (bool, error)
	ScheduleBatch(ctx context.Context, tasks []types.ScheduledTask) error
	End(ctx context.Context, task types.ScheduledTask) error
}

// TaskRecordStore exposes the streams-changed flag on the chain dedup record.
type TaskRecordStore interface {
	TestAndClearStreamsChanged(ctx context.Context, taskType types.TaskType) (bool, error)
	SetStreamsChanged(ctx context.Context, taskType types.TaskType, changed bool) error
}

// ChannelStore is the channel persistence surface handlers need.
type ChannelStore interface {
	MarkOnline(ctx context.Context, ch types.Channel) error
	MarkOffline(ctx context.Context, channelID string) error
	SaveIdentity(ctx context.Context, ch types.Channel) error
	Get(ctx context.Context, channelID string) (*types.Channel, error)
	LiveChannelIDs(ctx context.Context, cursor string, pageSize int) ([]string, string, error)
}

// PredictionStore is the prediction persistence surface handlers need.
type PredictionStore interface {
	Upsert(ctx context.Context, p types.Prediction) error
	UpdateStatus(ctx context.Context, id string, status types.PredictionStatus, winningOutcomeID string, endedAt time.Time) error
	ActiveIDsForChannel(ctx context.Context, channelID string) ([]string, error)
}

// MetricStore persists harvested real-time metrics.
type MetricStore interface {
	UpsertBatch(ctx context.Context, metrics []types.StreamMetric) error
}

// EventSubscriber registers platform webhook subscriptions for a channel.
type EventSubscriber interface {
	SubscribeToChannelEvents(ctx context.Context, channelID string) error
}

// StreamSource reads live stream state and channel identity from the
// platform API.
type StreamSource interface {
	GetStream(ctx context.Context, channelID string) (*types.StreamInfo, error)
	GetUser(ctx context.Context, channelID string) (*types.Channel, error)
}

// MetricsCollector harvests one polling window of viewer counts.
type MetricsCollector interface {
	Collect(ctx context.Context, channelIDs []string) ([]types.StreamMetric, error)
}

// Services bundles every dependency the task handlers share.
type Services struct {
	Scheduler   TaskScheduler
	TaskRecords TaskRecordStore
	Channels    ChannelStore
	Predictions PredictionStore
	Metrics     MetricStore
	Subscriber  EventSubscriber
	Collector   MetricsCollector
	Streams     StreamSource

	Cfg    config.SchedulerConfig
	Local  bool
	Clock  func() time.Time
	Logger *slog.Logger
}

// Routes returns the dispatch table mapping each task type to its handler.
func (s *Services) Routes() map[types.TaskType]dispatch.Handler {
	if s.Clock == nil {
		s.Clock = time.Now
	}
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	return map[types.TaskType]dispatch.Handler{
		types.TaskMonitorChannel:           dispatch.HandlerFunc(s.HandleMonitorChannel),
		types.TaskMonitorStreams:           dispatch.HandlerFunc(s.HandleMonitorStreams),
		types.TaskGetRealTimeStreamMetrics: dispatch.HandlerFunc(s.HandleStreamMetrics),
		types.TaskPredictionEvent:          dispatch.HandlerFunc(s.HandlePredictionEvent),
		types.TaskStreamEvent:              dispatch.HandlerFunc(s.HandleStreamEvent),
		types.TaskCreatePrediction:         dispatch.HandlerFunc(s.HandleCreatePrediction),
	}
}
