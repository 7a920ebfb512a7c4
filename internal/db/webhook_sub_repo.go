package db

import (
	"context"

	"speculator/internal/types"
)

// WebhookSubscriptionRepository records acknowledged EventSub subscriptions.
// Its contents are a dedup cache: before registering a subscription for a
// channel/type pair the platform client checks whether the handshake for an
// earlier registration already succeeded.
type WebhookSubscriptionRepository struct {
	db DBTX
}

// NewWebhookSubscriptionRepository creates a WebhookSubscriptionRepository
// backed by the given database connection (pool or transaction).
func NewWebhookSubscriptionRepository(db DBTX) *WebhookSubscriptionRepository {
	return &WebhookSubscriptionRepository{db: db}
}

// Record stores a verified subscription. Re-recording the same id is a no-op
// (the platform retries handshakes).
func (r *WebhookSubscriptionRepository) Record(ctx context.Context, sub types.WebhookSubscription) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO webhook_subscriptions (id, type, channel_id)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO NOTHING`,
		sub.ID,
		sub.Type,
		sub.ChannelID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to record webhook subscription", err)
	}
	return nil
}

// Exists reports whether a verified subscription of the given type exists
// for the channel.
func (r *WebhookSubscriptionRepository) Exists(ctx context.Context, channelID, subType string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM webhook_subscriptions
		   WHERE channel_id = $1 AND type = $2
		 )`,
		channelID,
		subType,
	).Scan(&exists)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to check webhook subscription", err)
	}
	return exists, nil
}
