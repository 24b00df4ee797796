package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/webshot/internal/pipeline"
)

func TestUpsertReplacesAndQueryOrders(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewStore()
	now := time.Unix(1700000000, 0).UTC()

	for _, ts := range []int64{30, 10, 20} {
		require.NoError(t, store.UpsertRecord(ctx, pipeline.AnalysisRecord{
			Domain: "example.com", CapturedAt: ts, Status: pipeline.StatusPartial, AnalyzedAt: now,
		}))
	}
	require.NoError(t, store.UpsertRecord(ctx, pipeline.AnalysisRecord{
		Domain: "other.org", CapturedAt: 15, Status: pipeline.StatusOK,
	}))
	require.NoError(t, store.UpsertRecord(ctx, pipeline.AnalysisRecord{
		Domain: "example.com", CapturedAt: 20, Status: pipeline.StatusOK, ExtractedContent: "hello",
	}))
	require.Equal(t, 4, store.Len())

	got, err := store.QueryRecords(ctx, pipeline.RecordQuery{Domain: "example.com"})
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, []int64{10, 20, 30}, []int64{got[0].CapturedAt, got[1].CapturedAt, got[2].CapturedAt})
	require.Equal(t, pipeline.StatusOK, got[1].Status)
	require.Equal(t, "hello", got[1].ExtractedContent)

	window, err := store.QueryRecords(ctx, pipeline.RecordQuery{Domain: "example.com", From: 15, To: 30, Limit: 1})
	require.NoError(t, err)
	require.Len(t, window, 1)
	require.Equal(t, int64(20), window[0].CapturedAt)
}

func TestStoreRejectsInvalidInput(t *testing.T) {
	t.Parallel()

	store := NewStore()
	require.Error(t, store.UpsertRecord(context.Background(), pipeline.AnalysisRecord{Domain: "example.com"}))
	_, err := store.QueryRecords(context.Background(), pipeline.RecordQuery{})
	require.Error(t, err)
}
