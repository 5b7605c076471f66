package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrapecache/internal/search"
)

func TestUpsertRecordsCommitsOneTransaction(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRecordStore(mock)
	require.NoError(t, err)
	now := time.Unix(1_700_000_000, 0).UTC()
	store.now = func() time.Time { return now }

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO search_records").
		WithArgs("r1", "honda/1-10", []byte(`{"id":"r1","title":"Civic","url":"u1"}`), now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO search_records").
		WithArgs("r2", "honda/1-10", []byte(`{"id":"r2","title":"Accord","url":"u2"}`), now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err = store.UpsertRecords(context.Background(), search.NewKey("honda", 1, 10), []search.Record{
		{ID: "r1", Title: "Civic", URL: "u1"},
		{Title: "skipped without id"},
		{ID: "r2", Title: "Accord", URL: "u2"},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertRecordsRollsBackOnFailure(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRecordStore(mock)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO search_records").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err = store.UpsertRecords(context.Background(), search.NewKey("honda", 1, 10), []search.Record{{ID: "r1"}})
	require.ErrorContains(t, err, "disk full")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertRecordsEmptyIsNoop(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRecordStore(mock)
	require.NoError(t, err)
	require.NoError(t, store.UpsertRecords(context.Background(), search.NewKey("honda", 1, 10), nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS jobs").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, EnsureSchema(context.Background(), mock))
	require.NoError(t, mock.ExpectationsWereMet())
}
