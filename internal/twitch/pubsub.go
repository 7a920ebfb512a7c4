package twitch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"speculator/internal/types"
)

const viewerCountTopicPrefix = "video-playback-by-id."

// pubSubMarginSeconds pads the collection window so updates published right
// at the half-minute boundary are not cut off mid-flight.
const pubSubMarginSeconds = 2

// Conn is the subset of a websocket connection the collector uses.
type Conn interface {
	WriteJSON(v any) error
	ReadMessage() (messageType int, p []byte, err error)
	SetReadDeadline(t time.Time) error
	Close() error
}

// Dialer opens a pubsub connection.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer dials real platform pubsub endpoints.
type WebsocketDialer struct{}

// Dial opens a websocket connection to the given url.
func (WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	c, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dialing pubsub: %w", err)
	}
	return c, nil
}

// ViewerCountCollector gathers one viewer-count sample per channel by
// listening on the platform's pubsub video-playback topics. The platform
// publishes viewer counts on a fixed half-minute cadence, so the collector
// holds the connection open only for the window ending at the next
// publication boundary.
type ViewerCountCollector struct {
	dialer Dialer
	url    string
	clock  func() time.Time
	logger *slog.Logger
}

// CollectorOption configures a ViewerCountCollector.
type CollectorOption func(*ViewerCountCollector)

// WithCollectorClock overrides the collector's clock. For tests.
func WithCollectorClock(clock func() time.Time) CollectorOption {
	return func(c *ViewerCountCollector) {
		c.clock = clock
	}
}

// NewViewerCountCollector builds a collector for the given pubsub endpoint.
func NewViewerCountCollector(url string, dialer Dialer, logger *slog.Logger, opts ...CollectorOption) *ViewerCountCollector {
	c := &ViewerCountCollector{
		dialer: dialer,
		url:    url,
		clock:  time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NextUpdateWindow returns how long to listen so that exactly one
// publication boundary (:00 or :30 of each minute) falls inside the window.
// Called at second s of a minute: if s is in the back half the next boundary
// is the top of the next minute, otherwise it is the half-minute mark.
func NextUpdateWindow(now time.Time) time.Duration {
	sec := now.Second()
	var until int
	if sec >= 30 {
		until = 60 - sec
	} else {
		until = 30 - sec
	}
	return time.Duration(until+pubSubMarginSeconds) * time.Second
}

type pubSubFrame struct {
	Type  string `json:"type"`
	Nonce string `json:"nonce,omitempty"`
	Error string `json:"error,omitempty"`
	Data  struct {
		Topics  []string `json:"topics,omitempty"`
		Topic   string   `json:"topic,omitempty"`
		Message string   `json:"message,omitempty"`
	} `json:"data,omitempty"`
}

type playbackMessage struct {
	Type    string  `json:"type"`
	Viewers int     `json:"viewers"`
	Time    float64 `json:"server_time"`
}

// Collect listens for one publication window and returns a viewer-count
// metric per channel that reported. Channels that publish nothing inside
// the window are simply absent from the result; a partial harvest is not
// an error. The connection is closed before returning in every path.
func (c *ViewerCountCollector) Collect(ctx context.Context, channelIDs []string) ([]types.StreamMetric, error) {
	if len(channelIDs) == 0 {
		return nil, nil
	}

	conn, err := c.dialer.Dial(ctx, c.url)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	topics := make([]string, len(channelIDs))
	for i, id := range channelIDs {
		topics[i] = viewerCountTopicPrefix + id
	}
	listen := map[string]any{
		"type":  "LISTEN",
		"nonce": uuid.NewString(),
		"data":  map[string]any{"topics": topics},
	}
	if err := conn.WriteJSON(listen); err != nil {
		return nil, fmt.Errorf("sending listen frame: %w", err)
	}

	now := c.clock()
	deadline := now.Add(NextUpdateWindow(now))
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}

	metrics := make([]types.StreamMetric, 0, len(channelIDs))
	seen := make(map[string]bool, len(channelIDs))

	for len(seen) < len(channelIDs) {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			// Deadline expiry ends the window; whatever arrived is the
			// harvest for this cycle.
			break
		}

		var frame pubSubFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.logger.WarnContext(ctx, "unparseable pubsub frame", "error", err)
			continue
		}

		switch frame.Type {
		case "RESPONSE":
			if frame.Error != "" {
				return nil, types.NewAppError(types.ErrCodeUpstreamTwitch,
					"pubsub listen rejected: "+frame.Error, nil)
			}
		case "MESSAGE":
			channelID, ok := strings.CutPrefix(frame.Data.Topic, viewerCountTopicPrefix)
			if !ok || seen[channelID] {
				continue
			}

			var msg playbackMessage
			if err := json.Unmarshal([]byte(frame.Data.Message), &msg); err != nil {
				c.logger.WarnContext(ctx, "unparseable playback message",
					"topic", frame.Data.Topic, "error", err)
				continue
			}
			if msg.Type != "viewcount" {
				continue
			}

			seen[channelID] = true
			metrics = append(metrics, types.StreamMetric{
				ChannelID: channelID,
				Type:      types.MetricViewerCount,
				Value:     float64(msg.Viewers),
				Timestamp: int64(msg.Time * 1000),
			})
		}
	}

	return metrics, nil
}
