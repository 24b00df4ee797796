package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/webshot/internal/pipeline"
)

func TestUpsertRecordUsesOnConflict(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewStoreWithPool(mock, "")
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	rec := pipeline.AnalysisRecord{
		Domain:           "example.com",
		CapturedAt:       1700000000000,
		ObjectKey:        "example.com/1700000000000",
		ExtractedContent: "Example Domain",
		Status:           pipeline.StatusOK,
		AnalyzedAt:       now,
	}

	mock.ExpectExec(`INSERT INTO analysis_records \(domain,captured_at,object_key,extracted_content,status,analyzed_at\) VALUES \(\$1,\$2,\$3,\$4,\$5,\$6\) ON CONFLICT \(domain, captured_at\) DO UPDATE`).
		WithArgs(rec.Domain, rec.CapturedAt, rec.ObjectKey, rec.ExtractedContent, "ok", now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.UpsertRecord(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertRecordWrapsExecError(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewStoreWithPool(mock, "records")
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO records").WillReturnError(errors.New("connection reset"))

	err = store.UpsertRecord(context.Background(), pipeline.AnalysisRecord{
		Domain: "example.com", CapturedAt: 1, Status: pipeline.StatusFailed,
	})
	require.ErrorContains(t, err, "upsert record: connection reset")
	require.NoError(t, mock.ExpectationsWereMet())

	require.Error(t, store.UpsertRecord(context.Background(), pipeline.AnalysisRecord{}))
}

func TestQueryRecordsScansRows(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewStoreWithPool(mock, "analysis_records")
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	rows := pgxmock.NewRows(recordColumns).
		AddRow("example.com", int64(10), "example.com/10", "a", "ok", now).
		AddRow("example.com", int64(20), "example.com/20", "", "partial", now)

	mock.ExpectQuery(`SELECT domain, captured_at, object_key, extracted_content, status, analyzed_at FROM analysis_records WHERE domain = \$1 AND captured_at >= \$2 AND captured_at <= \$3 ORDER BY captured_at ASC LIMIT 5`).
		WithArgs("example.com", int64(5), int64(25)).
		WillReturnRows(rows)

	got, err := store.QueryRecords(context.Background(), pipeline.RecordQuery{
		Domain: "example.com", From: 5, To: 25, Limit: 5,
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, pipeline.StatusPartial, got[1].Status)
	require.Equal(t, "example.com/10", got[0].ObjectKey)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewStoreWithPoolValidatesTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewStoreWithPool(mock, "records; DROP TABLE x")
	require.Error(t, err)
	_, err = NewStoreWithPool(nil, "records")
	require.Error(t, err)

	_, err = NewStore(context.Background(), Config{})
	require.ErrorContains(t, err, "metadata.dsn")
}
