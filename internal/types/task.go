package types

import (
	"encoding/json"
	"fmt"
)

// TaskType identifies which handler processes a ScheduledTask. The numeric
// values are part of the wire format (they appear in serialized queue messages
// and as dedup record keys) and must not be reordered.
type TaskType int

const (
	TaskMonitorChannel           TaskType = 0
	TaskMonitorStreams           TaskType = 1
	TaskGetRealTimeStreamMetrics TaskType = 2
	TaskPredictionEvent          TaskType = 3
	TaskStreamEvent              TaskType = 4
	TaskCreatePrediction         TaskType = 5
)

// String returns the human-readable task type name for logging.
func (t TaskType) String() string {
	switch t {
	case TaskMonitorChannel:
		return "monitor_channel"
	case TaskMonitorStreams:
		return "monitor_streams"
	case TaskGetRealTimeStreamMetrics:
		return "get_realtime_stream_metrics"
	case TaskPredictionEvent:
		return "prediction_event"
	case TaskStreamEvent:
		return "stream_event"
	case TaskCreatePrediction:
		return "create_prediction"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// Key returns the stringified task type used as the dedup record key.
func (t TaskType) Key() string {
	return fmt.Sprintf("%d", int(t))
}

// SecondAnchor is a recurring fire-time descriptor: the task fires at the
// next occurrence of the given second of the minute (0-59).
type SecondAnchor struct {
	Second int `json:"second"`
}

// FireTime describes one candidate fire time for a task. Exactly one of At
// (recurring second-of-minute anchor) or Timestamp (absolute Unix
// milliseconds) should be set; a descriptor with neither is ignored.
type FireTime struct {
	At        *SecondAnchor `json:"at,omitempty"`
	Timestamp int64         `json:"timestamp,omitempty"`
}

// ScheduledTask is the unit of work carried through the delayed delivery
// backend. Data is an opaque payload whose shape is determined by Type; the
// typed payload structs below define each variant.
//
// A task with Repeats set represents a self-perpetuating chain; the first
// delivery of a chain has IsRepeat unset and every continuation it schedules
// for itself has IsRepeat set. The scheduler uses this distinction to create
// the chain dedup record exactly once.
type ScheduledTask struct {
	Type     TaskType        `json:"type"`
	Data     json.RawMessage `json:"data,omitempty"`
	When     []FireTime      `json:"when,omitempty"`
	Repeats  bool            `json:"repeats,omitempty"`
	IsRepeat bool            `json:"isRepeat,omitempty"`
}

// IsInitial reports whether this task initiates a repeating chain (as opposed
// to continuing one or being a single-fire task).
func (t ScheduledTask) IsInitial() bool {
	return t.Repeats && !t.IsRepeat
}

// DecodeData unmarshals the task's opaque payload into the given value.
func (t ScheduledTask) DecodeData(v any) error {
	if len(t.Data) == 0 {
		return fmt.Errorf("task %s: empty payload", t.Type)
	}
	if err := json.Unmarshal(t.Data, v); err != nil {
		return fmt.Errorf("task %s: decoding payload: %w", t.Type, err)
	}
	return nil
}

// NewTask builds a ScheduledTask of the given type with a JSON-encoded
// payload. It panics on marshal failure, which can only happen for payload
// types that are not JSON-serializable (a programming error).
func NewTask(taskType TaskType, payload any) ScheduledTask {
	data, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("types: marshaling %s payload: %v", taskType, err))
	}
	return ScheduledTask{Type: taskType, Data: data}
}

// MonitorStreamsAnchors are the two second-of-minute anchors the monitoring
// chain fires at, chosen to land shortly before the platform's twice-a-minute
// viewer-count reporting points.
var MonitorStreamsAnchors = []FireTime{
	{At: &SecondAnchor{Second: 25}},
	{At: &SecondAnchor{Second: 55}},
}

// StreamMonitoringInitialTask returns the chain-initiating MonitorStreams
// task. Each call returns a fresh value so callers can safely modify it.
func StreamMonitoringInitialTask() ScheduledTask {
	task := NewTask(TaskMonitorStreams, MonitorStreamsPayload{StreamsChanged: true})
	task.When = append([]FireTime(nil), MonitorStreamsAnchors...)
	task.Repeats = true
	return task
}

// ---------------------------------------------------------------------------
// Typed task payloads (one variant per TaskType)
// ---------------------------------------------------------------------------

// MonitorChannelPayload asks for EventSub lifecycle subscriptions to be
// registered for a channel.
type MonitorChannelPayload struct {
	ChannelID string `json:"channelId"`
}

// MonitorStreamsPayload drives the monitoring chain state machine.
// StreamsChanged is only meaningful on the chain-initiating task (afterwards
// the flag lives on the dedup record); SubTasks carries the previous tick's
// metric-collection tasks so an unchanged live set can skip the page scan.
type MonitorStreamsPayload struct {
	StreamsChanged bool            `json:"streamsChanged,omitempty"`
	SubTasks       []ScheduledTask `json:"subTasks,omitempty"`
}

// StreamMetricsPayload is one page of live channel ids for a single polling
// connection, bounded by the platform's per-connection topic limit.
type StreamMetricsPayload struct {
	ChannelIDs []string `json:"channelIds"`
}

// StreamEventPayload mirrors a stream.online / stream.offline EventSub
// notification. StreamID and StartedAt are only set for online events;
// UserLogin and UserName carry the broadcaster identity the notification
// ships so the channel row gets a display name without an extra API call.
type StreamEventPayload struct {
	Type      string `json:"type"`
	ChannelID string `json:"channelId"`
	StreamID  string `json:"streamId,omitempty"`
	StartedAt string `json:"startedAt,omitempty"`
	UserLogin string `json:"userLogin,omitempty"`
	UserName  string `json:"userName,omitempty"`
}

// PredictionEventPayload carries a prediction lifecycle transition together
// with the normalized snapshot built from the raw webhook payload.
type PredictionEventPayload struct {
	Type       PredictionEventType `json:"type"`
	Prediction Prediction          `json:"prediction"`
}

// CreatePredictionPayload asks for a synthetic prediction to be opened for a
// channel that has been live for the warm-up period.
type CreatePredictionPayload struct {
	ChannelID string `json:"channelId"`
}

// Stream event type values as delivered by EventSub.
const (
	StreamEventOnline  = "stream.online"
	StreamEventOffline = "stream.offline"
)
