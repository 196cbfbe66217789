package orchestrator

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/medsync/worketl/internal/model"
	"github.com/medsync/worketl/internal/progress"
	"github.com/medsync/worketl/internal/sink"
	"github.com/medsync/worketl/internal/source"
	"github.com/medsync/worketl/internal/watermark"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCursor hands out the given batches in order, then an empty slice.
type fakeCursor struct {
	batches [][]model.WorkOrder
	pos     int
	closed  bool
}

func (c *fakeCursor) FetchBatch(ctx context.Context) ([]model.WorkOrder, error) {
	if c.pos >= len(c.batches) {
		return nil, nil
	}
	b := c.batches[c.pos]
	c.pos++
	return b, nil
}

func (c *fakeCursor) Close(ctx context.Context) error {
	c.closed = true
	return nil
}

// fakeReader hands out a single pre-built cursor regardless of since.
type fakeReader struct {
	cursor *fakeCursor
	since  model.Cursor
}

func (r *fakeReader) OpenStream(ctx context.Context, table string, since model.Cursor, batchSize int) (source.Cursor, error) {
	r.since = since
	return r.cursor, nil
}

type fakeWriter struct {
	batches [][]model.WorkOrder
	result  sink.UpsertResult
	err     error
}

func (w *fakeWriter) UpsertBatch(ctx context.Context, table string, rows []model.WorkOrder) (sink.UpsertResult, error) {
	w.batches = append(w.batches, rows)
	if w.err != nil {
		return sink.UpsertResult{}, w.err
	}
	return w.result, nil
}

func (w *fakeWriter) UpdateMetadata(ctx context.Context, md model.ETLMetadata) error { return nil }

func (w *fakeWriter) AcquireTableLock(ctx context.Context, table string, timeout time.Duration) (sink.Unlock, error) {
	return func(ctx context.Context) error { return nil }, nil
}

func newMockWatermark(t *testing.T) (*watermark.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return watermark.New(db), mock
}

func newTestReporter() *progress.Reporter {
	reg := prometheus.NewRegistry()
	counters := progress.NewCounters(reg)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return progress.NewReporter(counters, log, progress.LogDelivery{Log: log})
}

func pendingMetadataRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"table_name", "last_watermark", "last_identity", "rows_processed", "status",
		"error_message", "checkpoint_blob", "checkpoint_at", "batch_size", "total_records",
		"processed_records", "updated_at",
	}).AddRow("notification_text", nil, nil, 0, "pending", nil, nil, nil, 0, 0, 0, time.Now())
}

func TestRunTableAdvancesWatermarkAndCommits(t *testing.T) {
	store, mock := newMockWatermark(t)

	mock.ExpectQuery(`SELECT \* FROM etl_metadata WHERE table_name = \$1`).
		WithArgs("notification_text").WillReturnRows(pendingMetadataRows())
	mock.ExpectExec(`UPDATE etl_metadata SET status`).
		WithArgs("notification_text", model.SyncInProgress, model.SyncInProgress).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE etl_metadata SET\s+last_watermark`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE etl_metadata SET\s+status = \$2, last_watermark`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	now := time.Now()
	batch := []model.WorkOrder{
		{Identity: "wo-1", Notified: now},
		{Identity: "wo-2", Notified: now.Add(time.Second)},
	}
	cursor := &fakeCursor{batches: [][]model.WorkOrder{batch}}
	writer := &fakeWriter{result: sink.UpsertResult{Inserted: 2}}

	inc := &Incremental{
		Source:    &fakeReader{cursor: cursor},
		Sink:      writer,
		Watermark: store,
		Log:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		Reporter:  newTestReporter(),
		BatchSize: 10,
	}

	result := inc.RunTable(context.Background(), "notification_text")

	require.NoError(t, result.Err)
	assert.Equal(t, model.SyncCompleted, result.Status)
	assert.EqualValues(t, 2, result.RowsProcessed)
	assert.Equal(t, "wo-2", result.FinalWatermark.Identity)
	assert.True(t, cursor.closed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunTableAbortsOnSinkFailure(t *testing.T) {
	store, mock := newMockWatermark(t)

	mock.ExpectQuery(`SELECT \* FROM etl_metadata WHERE table_name = \$1`).
		WithArgs("notification_text").WillReturnRows(pendingMetadataRows())
	mock.ExpectExec(`UPDATE etl_metadata SET status`).
		WithArgs("notification_text", model.SyncInProgress, model.SyncInProgress).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE etl_metadata SET status = \$2, error_message`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	batch := []model.WorkOrder{{Identity: "wo-1", Notified: time.Now()}}
	cursor := &fakeCursor{batches: [][]model.WorkOrder{batch}}
	writer := &fakeWriter{err: plainErr("constraint violation")}

	inc := &Incremental{
		Source:    &fakeReader{cursor: cursor},
		Sink:      writer,
		Watermark: store,
		Log:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		Reporter:  newTestReporter(),
		BatchSize: 10,
	}

	result := inc.RunTable(context.Background(), "notification_text")

	require.Error(t, result.Err)
	assert.Equal(t, model.SyncFailed, result.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunTableFiltersRowsAtOrBelowWatermark(t *testing.T) {
	store, mock := newMockWatermark(t)

	since := time.Now().Add(-time.Hour)
	rows := sqlmock.NewRows([]string{
		"table_name", "last_watermark", "last_identity", "rows_processed", "status",
		"error_message", "checkpoint_blob", "checkpoint_at", "batch_size", "total_records",
		"processed_records", "updated_at",
	}).AddRow("notification_text", since, "wo-0", 5, "pending", nil, nil, nil, 0, 0, 0, time.Now())

	mock.ExpectQuery(`SELECT \* FROM etl_metadata WHERE table_name = \$1`).
		WithArgs("notification_text").WillReturnRows(rows)
	mock.ExpectExec(`UPDATE etl_metadata SET status`).
		WithArgs("notification_text", model.SyncInProgress, model.SyncInProgress).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE etl_metadata SET\s+last_watermark`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE etl_metadata SET\s+status = \$2, last_watermark`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	// One row is stale (at the stored watermark), one is fresh.
	batch := []model.WorkOrder{
		{Identity: "wo-0", Notified: since},
		{Identity: "wo-1", Notified: since.Add(time.Minute)},
	}
	cursor := &fakeCursor{batches: [][]model.WorkOrder{batch}}
	writer := &fakeWriter{result: sink.UpsertResult{Inserted: 1}}

	inc := &Incremental{
		Source:    &fakeReader{cursor: cursor},
		Sink:      writer,
		Watermark: store,
		Log:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		Reporter:  newTestReporter(),
		BatchSize: 10,
	}

	result := inc.RunTable(context.Background(), "notification_text")

	require.NoError(t, result.Err)
	require.Len(t, writer.batches, 1)
	assert.Len(t, writer.batches[0], 1)
	assert.Equal(t, "wo-1", writer.batches[0][0].Identity)
	assert.EqualValues(t, 1, result.RowsProcessed)
	require.NoError(t, mock.ExpectationsWereMet())
}

type plainErr string

func (e plainErr) Error() string { return string(e) }
