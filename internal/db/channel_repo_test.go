package db

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"speculator/internal/types"
)

func TestMarkOnline_UpsertsLiveStateAndIdentity(t *testing.T) {
	stream := types.StreamInfo{ID: "s1", Title: "speedrun", StartedAt: 1710500000000, ViewerCount: 120}

	db := &mockDBTX{}
	db.On("Exec", mock.Anything,
		mock.MatchedBy(func(sql string) bool {
			return strings.Contains(sql, "ON CONFLICT (id) DO UPDATE") &&
				strings.Contains(sql, "is_live      = TRUE") &&
				strings.Contains(sql, "COALESCE(NULLIF(EXCLUDED.display_name, ''), channels.display_name)")
		}),
		[]any{"ch1", "StreamerOne", "streamer_one", stream},
	).Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	repo := NewChannelRepository(db)
	err := repo.MarkOnline(context.Background(), types.Channel{
		ID:          "ch1",
		DisplayName: "StreamerOne",
		UserName:    "streamer_one",
		Stream:      &stream,
	})
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func TestSaveIdentity_LeavesLiveStateAlone(t *testing.T) {
	db := &mockDBTX{}
	db.On("Exec", mock.Anything,
		mock.MatchedBy(func(sql string) bool {
			return strings.Contains(sql, "ON CONFLICT (id) DO UPDATE") &&
				!strings.Contains(sql, "is_live      = TRUE") &&
				!strings.Contains(sql, "stream       = EXCLUDED.stream")
		}),
		[]any{"ch1", "StreamerOne", "streamer_one"},
	).Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	repo := NewChannelRepository(db)
	err := repo.SaveIdentity(context.Background(), types.Channel{
		ID:          "ch1",
		DisplayName: "StreamerOne",
		UserName:    "streamer_one",
	})
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func TestMarkOffline_ClearsStream(t *testing.T) {
	db := &mockDBTX{}
	db.On("Exec", mock.Anything,
		mock.MatchedBy(func(sql string) bool {
			return strings.Contains(sql, "is_live = FALSE") &&
				strings.Contains(sql, "stream = NULL")
		}),
		[]any{"ch1"},
	).Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	repo := NewChannelRepository(db)
	require.NoError(t, repo.MarkOffline(context.Background(), "ch1"))
	db.AssertExpectations(t)
}

func TestGet_MissingChannelIsNotFound(t *testing.T) {
	db := &mockDBTX{}
	db.On("QueryRow", mock.Anything, mock.Anything, []any{"ghost"}).
		Return(staticRow{err: errors.New("no rows in result set")})

	repo := NewChannelRepository(db)
	_, err := repo.Get(context.Background(), "ghost")

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, types.ErrCodeNotFoundChannel, appErr.Code)
}
