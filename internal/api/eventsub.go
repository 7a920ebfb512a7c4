package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"speculator/internal/types"
)

// errUnhandledSubscription marks an authenticated notification whose
// subscription type has no task mapping. Such deliveries are acknowledged,
// not rejected: the platform retries and eventually disables delivery on
// repeated non-2xx responses.
var errUnhandledSubscription = errors.New("unhandled subscription type")

// EventSub message headers.
const (
	headerMessageID        = "Twitch-Eventsub-Message-Id"
	headerMessageTimestamp = "Twitch-Eventsub-Message-Timestamp"
	headerMessageSignature = "Twitch-Eventsub-Message-Signature"
	headerMessageType      = "Twitch-Eventsub-Message-Type"
	headerSubscriptionType = "Twitch-Eventsub-Subscription-Type"
)

// EventSub message types.
const (
	messageTypeNotification = "notification"
	messageTypeVerification = "webhook_callback_verification"
	messageTypeRevocation   = "revocation"
)

const signaturePrefix = "sha256="

const maxWebhookBodySize = 1 << 20

// TaskEnqueuer hands validated webhook notifications to the task pipeline.
type TaskEnqueuer interface {
	Schedule(ctx context.Context, task types.ScheduledTask) (bool, error)
}

// SubscriptionRecorder persists acknowledged subscriptions during the
// verification handshake.
type SubscriptionRecorder interface {
	Record(ctx context.Context, sub types.WebhookSubscription) error
}

// EventSubHandler is the webhook sink for platform notifications. It
// verifies the HMAC signature, answers verification handshakes, and converts
// notifications into scheduled tasks; all domain work happens later in the
// worker, keeping the webhook response fast.
type EventSubHandler struct {
	secret    []byte
	scheduler TaskEnqueuer
	subs      SubscriptionRecorder
	logger    *slog.Logger
}

// NewEventSubHandler builds the webhook handler with the shared HMAC secret.
func NewEventSubHandler(secret types.SecretString, scheduler TaskEnqueuer, subs SubscriptionRecorder, logger *slog.Logger) *EventSubHandler {
	return &EventSubHandler{
		secret:    []byte(secret.Reveal()),
		scheduler: scheduler,
		subs:      subs,
		logger:    logger,
	}
}

// ServeHTTP handles one EventSub delivery.
func (h *EventSubHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	messageID := r.Header.Get(headerMessageID)
	timestamp := r.Header.Get(headerMessageTimestamp)
	signature := r.Header.Get(headerMessageSignature)
	if messageID == "" || timestamp == "" || signature == "" {
		Error(w, r, types.NewAppError(types.ErrCodeValidationMissingHeader,
			"missing eventsub message headers", nil))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodySize))
	if err != nil {
		Error(w, r, types.NewAppError(types.ErrCodeValidationBadPayload,
			"unreadable request body", err))
		return
	}

	if err := h.verifySignature(messageID, timestamp, body, signature); err != nil {
		Error(w, r, err)
		return
	}

	switch r.Header.Get(headerMessageType) {
	case messageTypeVerification:
		h.handleVerification(w, r, body)
	case messageTypeNotification:
		h.handleNotification(w, r, body)
	case messageTypeRevocation:
		h.logger.WarnContext(r.Context(), "eventsub subscription revoked",
			"subscription_type", r.Header.Get(headerSubscriptionType))
		w.WriteHeader(http.StatusOK)
	default:
		Error(w, r, types.NewAppError(types.ErrCodeValidationBadPayload,
			"unknown eventsub message type", nil))
	}
}

// verifySignature checks the HMAC-SHA256 over message id, timestamp, and raw
// body against the signature header. Comparison is constant time.
func (h *EventSubHandler) verifySignature(messageID, timestamp string, body []byte, signature string) error {
	if !strings.HasPrefix(signature, signaturePrefix) {
		return types.NewAppError(types.ErrCodeAuthUnknownAlgorithm,
			"unsupported signature algorithm", nil)
	}

	mac := hmac.New(sha256.New, h.secret)
	mac.Write([]byte(messageID))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	expected := signaturePrefix + hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return types.NewAppError(types.ErrCodeAuthSignatureMismatch,
			"signature verification failed", nil)
	}
	return nil
}

// eventSubEnvelope is the common shape of verification and notification
// bodies. Event stays raw: its shape depends on the subscription type.
type eventSubEnvelope struct {
	Challenge    string `json:"challenge,omitempty"`
	Subscription struct {
		ID        string `json:"id"`
		Type      string `json:"type"`
		Condition struct {
			BroadcasterUserID string `json:"broadcaster_user_id"`
		} `json:"condition"`
	} `json:"subscription"`
	Event json.RawMessage `json:"event,omitempty"`
}

// handleVerification echoes the challenge back as plain text and records the
// now-confirmed subscription for registration dedup.
func (h *EventSubHandler) handleVerification(w http.ResponseWriter, r *http.Request, body []byte) {
	var env eventSubEnvelope
	if err := json.Unmarshal(body, &env); err != nil || env.Challenge == "" {
		Error(w, r, types.NewAppError(types.ErrCodeValidationBadPayload,
			"malformed verification payload", err))
		return
	}

	if err := h.subs.Record(r.Context(), types.WebhookSubscription{
		ID:        env.Subscription.ID,
		Type:      env.Subscription.Type,
		ChannelID: env.Subscription.Condition.BroadcasterUserID,
	}); err != nil {
		h.logger.ErrorContext(r.Context(), "failed to record verified subscription",
			"subscription_id", env.Subscription.ID, "error", err)
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(env.Challenge))
}

// handleNotification converts a notification into a scheduled task and
// acknowledges the delivery.
func (h *EventSubHandler) handleNotification(w http.ResponseWriter, r *http.Request, body []byte) {
	var env eventSubEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		Error(w, r, types.NewAppError(types.ErrCodeValidationBadPayload,
			"malformed notification payload", err))
		return
	}

	task, err := buildTask(env)
	if errors.Is(err, errUnhandledSubscription) {
		h.logger.WarnContext(r.Context(), "acknowledging unhandled subscription type",
			"subscription_type", env.Subscription.Type)
		w.WriteHeader(http.StatusOK)
		return
	}
	if err != nil {
		Error(w, r, err)
		return
	}

	if _, err := h.scheduler.Schedule(r.Context(), task); err != nil {
		Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "eventsub notification accepted",
		"subscription_type", env.Subscription.Type,
		"channel_id", env.Subscription.Condition.BroadcasterUserID)
	w.WriteHeader(http.StatusOK)
}

// streamEventBody is the event shape of stream.online and stream.offline.
type streamEventBody struct {
	ID                   string `json:"id,omitempty"`
	BroadcasterUserID    string `json:"broadcaster_user_id"`
	BroadcasterUserLogin string `json:"broadcaster_user_login"`
	BroadcasterUserName  string `json:"broadcaster_user_name"`
	StartedAt            string `json:"started_at,omitempty"`
}

// predictionEventBody is the event shape of channel.prediction.* messages.
type predictionEventBody struct {
	ID                string `json:"id"`
	BroadcasterUserID string `json:"broadcaster_user_id"`
	Title             string `json:"title"`
	WinningOutcomeID  string `json:"winning_outcome_id,omitempty"`
	Status            string `json:"status,omitempty"`
	StartedAt         string `json:"started_at,omitempty"`
	LocksAt           string `json:"locks_at,omitempty"`
	EndedAt           string `json:"ended_at,omitempty"`
	Outcomes          []struct {
		ID            string `json:"id"`
		Title         string `json:"title"`
		Color         string `json:"color"`
		Users         int64  `json:"users"`
		ChannelPoints int64  `json:"channel_points"`
	} `json:"outcomes"`
}

// buildTask maps a notification envelope to its scheduled task.
func buildTask(env eventSubEnvelope) (types.ScheduledTask, error) {
	subType := env.Subscription.Type
	switch {
	case subType == types.StreamEventOnline || subType == types.StreamEventOffline:
		var ev streamEventBody
		if err := json.Unmarshal(env.Event, &ev); err != nil {
			return types.ScheduledTask{}, types.NewAppError(types.ErrCodeValidationBadPayload,
				"malformed stream event", err)
		}
		return types.NewTask(types.TaskStreamEvent, types.StreamEventPayload{
			Type:      subType,
			ChannelID: ev.BroadcasterUserID,
			StreamID:  ev.ID,
			StartedAt: ev.StartedAt,
			UserLogin: ev.BroadcasterUserLogin,
			UserName:  ev.BroadcasterUserName,
		}), nil

	case strings.HasPrefix(subType, "channel.prediction."):
		eventType := types.PredictionEventType(strings.TrimPrefix(subType, "channel.prediction."))
		var ev predictionEventBody
		if err := json.Unmarshal(env.Event, &ev); err != nil {
			return types.ScheduledTask{}, types.NewAppError(types.ErrCodeValidationBadPayload,
				"malformed prediction event", err)
		}
		return types.NewTask(types.TaskPredictionEvent, types.PredictionEventPayload{
			Type:       eventType,
			Prediction: normalizePrediction(eventType, ev),
		}), nil

	default:
		return types.ScheduledTask{}, errUnhandledSubscription
	}
}

// normalizePrediction builds the internal prediction snapshot from a raw
// prediction event.
func normalizePrediction(eventType types.PredictionEventType, ev predictionEventBody) types.Prediction {
	outcomes := make(types.OutcomeMap, len(ev.Outcomes))
	for _, o := range ev.Outcomes {
		outcomes[o.ID] = types.PredictionOutcome{
			ID:                o.ID,
			Title:             o.Title,
			Color:             o.Color,
			ChannelPoints:     o.ChannelPoints,
			ChannelPointUsers: o.Users,
		}
	}

	status := types.PredictionActive
	switch eventType {
	case types.PredictionEventLock:
		status = types.PredictionLocked
	case types.PredictionEventEnd:
		// End events carry resolved or canceled explicitly.
		status = types.PredictionStatus(ev.Status)
		if !status.Terminal() {
			status = types.PredictionCanceled
		}
	}

	return types.Prediction{
		ID:               ev.ID,
		ChannelID:        ev.BroadcasterUserID,
		Title:            ev.Title,
		Outcomes:         outcomes,
		Status:           status,
		WinningOutcomeID: ev.WinningOutcomeID,
		StartedAt:        parseEventTime(ev.StartedAt),
		LocksAt:          parseEventTime(ev.LocksAt),
		EndedAt:          parseEventTime(ev.EndedAt),
	}
}

// parseEventTime converts an RFC3339 timestamp to Unix milliseconds, zero if
// absent or unparseable.
func parseEventTime(s string) int64 {
	if s == "" {
		return 0
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return 0
	}
	return t.UnixMilli()
}
