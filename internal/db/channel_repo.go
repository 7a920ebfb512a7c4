package db

import (
	"context"

	"speculator/internal/types"
)

// ChannelRepository provides data access for tracked broadcast channels.
type ChannelRepository struct {
	db DBTX
}

// NewChannelRepository creates a ChannelRepository backed by the given
// database connection (pool or transaction).
func NewChannelRepository(db DBTX) *ChannelRepository {
	return &ChannelRepository{db: db}
}

// MarkOnline flips a channel live, records its stream descriptor, and merges
// the broadcaster identity. The upsert tolerates webhooks arriving for
// channels the store has not seen yet (EventSub subscriptions can outlive a
// channel row); empty identity fields never overwrite known names.
func (r *ChannelRepository) MarkOnline(ctx context.Context, ch types.Channel) error {
	var stream types.StreamInfo
	if ch.Stream != nil {
		stream = *ch.Stream
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO channels (id, display_name, user_name, is_live, stream)
		 VALUES ($1, $2, $3, TRUE, $4)
		 ON CONFLICT (id) DO UPDATE
		   SET display_name = COALESCE(NULLIF(EXCLUDED.display_name, ''), channels.display_name),
		       user_name    = COALESCE(NULLIF(EXCLUDED.user_name, ''), channels.user_name),
		       is_live      = TRUE,
		       stream       = EXCLUDED.stream`,
		ch.ID,
		ch.DisplayName,
		ch.UserName,
		stream,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark channel online", err)
	}
	return nil
}

// SaveIdentity records a channel's display identity without touching its
// live state or stream descriptor.
func (r *ChannelRepository) SaveIdentity(ctx context.Context, ch types.Channel) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO channels (id, display_name, user_name, is_live, stream)
		 VALUES ($1, $2, $3, FALSE, NULL)
		 ON CONFLICT (id) DO UPDATE
		   SET display_name = COALESCE(NULLIF(EXCLUDED.display_name, ''), channels.display_name),
		       user_name    = COALESCE(NULLIF(EXCLUDED.user_name, ''), channels.user_name)`,
		ch.ID,
		ch.DisplayName,
		ch.UserName,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to save channel identity", err)
	}
	return nil
}

// MarkOffline flips a channel not-live and clears its stream descriptor.
// A missing channel row is a no-op.
func (r *ChannelRepository) MarkOffline(ctx context.Context, channelID string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE channels SET is_live = FALSE, stream = NULL WHERE id = $1`,
		channelID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark channel offline", err)
	}
	return nil
}

// Get returns a channel by id, or ErrCodeNotFoundChannel.
func (r *ChannelRepository) Get(ctx context.Context, channelID string) (*types.Channel, error) {
	var ch types.Channel
	var stream *types.StreamInfo
	err := r.db.QueryRow(ctx,
		`SELECT id, display_name, user_name, is_live, stream
		 FROM channels WHERE id = $1`,
		channelID,
	).Scan(&ch.ID, &ch.DisplayName, &ch.UserName, &ch.IsLive, &stream)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeNotFoundChannel, "channel not found", err)
	}
	ch.Stream = stream
	return &ch, nil
}

// LiveChannelIDs returns one page of live channel ids using keyset
// pagination ordered by id. Pass an empty cursor for the first page; the
// returned cursor is empty when no further pages exist.
func (r *ChannelRepository) LiveChannelIDs(ctx context.Context, cursor string, pageSize int) ([]string, string, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id FROM channels
		 WHERE is_live AND id > $1
		 ORDER BY id
		 LIMIT $2`,
		cursor,
		pageSize,
	)
	if err != nil {
		return nil, "", types.NewAppError(types.ErrCodeInternalDB, "failed to page live channels", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, "", types.NewAppError(types.ErrCodeInternalDB, "failed to scan live channel id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, "", types.NewAppError(types.ErrCodeInternalDB, "failed to iterate live channels", err)
	}

	next := ""
	if len(ids) == pageSize {
		next = ids[len(ids)-1]
	}
	return ids, next, nil
}
