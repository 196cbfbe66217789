package watermark

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/medsync/worketl/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db), mock
}

func TestReadCreatesRowWhenAbsent(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT \* FROM etl_metadata WHERE table_name = \$1`).
		WithArgs("notification_text").
		WillReturnError(sql.ErrNoRows)

	mock.ExpectExec(`INSERT INTO etl_metadata`).
		WithArgs("notification_text", model.SyncPending).
		WillReturnResult(sqlmock.NewResult(1, 1))

	md, err := store.Read(context.Background(), "notification_text")
	require.NoError(t, err)
	assert.Equal(t, model.SyncPending, md.SyncStatus)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBeginRunConflictWhenAlreadyInProgress(t *testing.T) {
	store, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{
		"table_name", "last_watermark", "last_identity", "rows_processed", "status",
		"error_message", "checkpoint_blob", "checkpoint_at", "batch_size", "total_records",
		"processed_records", "updated_at",
	}).AddRow("notification_text", nil, nil, 10, "in_progress", nil, nil, nil, 1000, 0, 0, time.Now())

	mock.ExpectQuery(`SELECT \* FROM etl_metadata WHERE table_name = \$1`).
		WithArgs("notification_text").
		WillReturnRows(rows)

	mock.ExpectExec(`UPDATE etl_metadata SET status`).
		WithArgs("notification_text", model.SyncInProgress, model.SyncInProgress).
		WillReturnResult(sqlmock.NewResult(0, 0))

	_, err := store.BeginRun(context.Background(), "notification_text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MetadataConflict")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAbortRunNeverRewindsWatermark(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE etl_metadata SET status = \$2, error_message`).
		WithArgs("notification_text", model.SyncFailed, "boom").
		WillReturnResult(sqlmock.NewResult(0, 1))

	lease := model.Lease{TableName: "notification_text"}
	err := store.AbortRun(context.Background(), lease, assertableError("boom"))
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

type plainError string

func (e plainError) Error() string { return string(e) }

func assertableError(s string) error { return plainError(s) }
