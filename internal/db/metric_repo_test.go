package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"speculator/internal/types"
)

func sampleMetrics(n int) []types.StreamMetric {
	out := make([]types.StreamMetric, n)
	for i := range out {
		out[i] = types.StreamMetric{
			ChannelID: "ch1",
			Type:      types.MetricViewerCount,
			Value:     float64(100 + i),
			Timestamp: 1710500000000,
		}
	}
	return out
}

func TestUpsertBatch_QueuesOneStatementPerSample(t *testing.T) {
	db := &mockDBTX{}
	results := &mockBatchResults{}
	db.On("SendBatch", mock.Anything, mock.MatchedBy(func(b *pgx.Batch) bool {
		return b.Len() == 3
	})).Return(results)

	repo := NewStreamMetricRepository(db)
	require.NoError(t, repo.UpsertBatch(context.Background(), sampleMetrics(3)))

	assert.Equal(t, 3, results.execCalls, "every queued statement must be drained")
	assert.True(t, results.closed, "batch results must be closed")
	db.AssertExpectations(t)
}

func TestUpsertBatch_EmptyInput_NoRoundTrip(t *testing.T) {
	db := &mockDBTX{}
	repo := NewStreamMetricRepository(db)

	require.NoError(t, repo.UpsertBatch(context.Background(), nil))
	db.AssertNotCalled(t, "SendBatch", mock.Anything, mock.Anything)
}

func TestUpsertBatch_StatementFailure_WrappedAsAppError(t *testing.T) {
	db := &mockDBTX{}
	results := &mockBatchResults{execErr: errors.New("constraint violation"), failAt: 2}
	db.On("SendBatch", mock.Anything, mock.Anything).Return(results)

	repo := NewStreamMetricRepository(db)
	err := repo.UpsertBatch(context.Background(), sampleMetrics(3))

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
	assert.True(t, results.closed, "batch results must be closed on failure too")
}
