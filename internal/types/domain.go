package types

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// PredictionStatus is the lifecycle state of a prediction.
// Resolved and canceled are terminal.
type PredictionStatus string

const (
	PredictionActive   PredictionStatus = "active"
	PredictionLocked   PredictionStatus = "locked"
	PredictionResolved PredictionStatus = "resolved"
	PredictionCanceled PredictionStatus = "canceled"
)

// Terminal reports whether the status is an end state that must never be
// overwritten by late or redelivered events.
func (s PredictionStatus) Terminal() bool {
	return s == PredictionResolved || s == PredictionCanceled
}

// PredictionEventType is the lifecycle transition carried by a
// channel.prediction.* webhook notification.
type PredictionEventType string

const (
	PredictionEventBegin    PredictionEventType = "begin"
	PredictionEventProgress PredictionEventType = "progress"
	PredictionEventLock     PredictionEventType = "lock"
	PredictionEventEnd      PredictionEventType = "end"
)

// PredictionOutcome is one side of a prediction with its external (channel
// point) and internal (coin) wager aggregates.
type PredictionOutcome struct {
	ID                string `json:"id"`
	Title             string `json:"title"`
	Color             string `json:"color,omitempty"`
	ChannelPoints     int64  `json:"channelPoints"`
	ChannelPointUsers int64  `json:"channelPointUsers"`
	Coins             int64  `json:"coins"`
	CoinUsers         int64  `json:"coinUsers"`
}

// OutcomeMap maps outcome id to outcome and is stored as a JSONB column.
type OutcomeMap map[string]PredictionOutcome

var (
	_ sql.Scanner   = (*OutcomeMap)(nil)
	_ driver.Valuer = OutcomeMap(nil)
)

// Scan implements sql.Scanner for JSONB columns.
func (m *OutcomeMap) Scan(value any) error {
	return scanJSONB(m, value)
}

// Value implements driver.Valuer for JSONB columns.
func (m OutcomeMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Prediction mirrors an external prediction entity. Timestamps are Unix
// milliseconds to match the queue wire format.
type Prediction struct {
	ID               string           `json:"id"`
	ChannelID        string           `json:"channelId"`
	Title            string           `json:"title,omitempty"`
	Outcomes         OutcomeMap       `json:"outcomes,omitempty"`
	Status           PredictionStatus `json:"status"`
	WinningOutcomeID string           `json:"winningOutcomeId,omitempty"`
	StartedAt        int64            `json:"startedAt,omitempty"`
	LocksAt          int64            `json:"locksAt,omitempty"`
	EndedAt          int64            `json:"endedAt,omitempty"`
}

// StreamInfo is the nested stream descriptor on a live channel.
type StreamInfo struct {
	ID          string `json:"id"`
	Title       string `json:"title,omitempty"`
	StartedAt   int64  `json:"startedAt"`
	ViewerCount int    `json:"viewerCount"`
}

var (
	_ sql.Scanner   = (*StreamInfo)(nil)
	_ driver.Valuer = StreamInfo{}
)

// Scan implements sql.Scanner for JSONB columns.
func (s *StreamInfo) Scan(value any) error {
	return scanJSONB(s, value)
}

// Value implements driver.Valuer for JSONB columns.
func (s StreamInfo) Value() (driver.Value, error) {
	return json.Marshal(s)
}

// Channel is a tracked broadcast channel. Stream is nil while offline.
type Channel struct {
	ID          string      `json:"id"`
	DisplayName string      `json:"displayName"`
	UserName    string      `json:"userName"`
	IsLive      bool        `json:"isLive"`
	Stream      *StreamInfo `json:"stream,omitempty"`
}

// StreamMetricType identifies a real-time metric series. The numeric value is
// part of the stream_metrics primary key.
type StreamMetricType int

// MetricViewerCount is the concurrent viewer count series.
const MetricViewerCount StreamMetricType = 1

// StreamMetric is one sample of a real-time metric for a channel.
// Timestamp is the upstream server time in Unix milliseconds.
type StreamMetric struct {
	ChannelID string           `json:"channelId"`
	Type      StreamMetricType `json:"type"`
	Value     float64          `json:"value"`
	Timestamp int64            `json:"timestamp"`
}

// WebhookSubscription records an acknowledged EventSub subscription so that
// subsequent subscribe calls for the same channel/type can be skipped.
type WebhookSubscription struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	ChannelID string `json:"channelId"`
}

// scanJSONB scans a JSONB database value into a Go pointer, handling the
// []byte and string representations produced by different drivers.
func scanJSONB(dest any, value any) error {
	if value == nil {
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("jsonb: unsupported scan type %T", value)
	}
	return json.Unmarshal(data, dest)
}
