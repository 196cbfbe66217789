package orchestrator

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/medsync/worketl/internal/model"
	"github.com/medsync/worketl/internal/sink"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackfillRunAccumulatesAcrossBatches(t *testing.T) {
	store, mock := newMockWatermark(t)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec(`UPDATE etl_metadata SET\s+last_watermark`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE etl_metadata SET\s+last_watermark`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	batch1 := []model.WorkOrder{{Identity: "wo-1", Notified: base}}
	batch2 := []model.WorkOrder{{Identity: "wo-2", Notified: base.Add(time.Hour)}}
	cursor := &fakeCursor{batches: [][]model.WorkOrder{batch1, batch2}}
	writer := &fakeWriter{result: sink.UpsertResult{Inserted: 1}}

	inc := &Incremental{
		Source:    &fakeReader{cursor: cursor},
		Sink:      writer,
		Watermark: store,
		Log:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	bf := &Backfill{
		Incremental: inc,
		Table:       "notification_text",
		Log:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		MaxWorkers:  1,
		BatchSize:   1,
	}

	result, err := bf.Run(context.Background(), model.Cursor{Time: base.Add(-time.Hour)}, base.Add(24*time.Hour))

	require.NoError(t, err)
	assert.EqualValues(t, 2, result.RowsProcessed)
	assert.Empty(t, result.FailedRanges)
	require.Len(t, writer.batches, 2)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBackfillRunQuarantinesFailedBatchWithoutStoppingPool(t *testing.T) {
	store, mock := newMockWatermark(t)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	// Only the second (successful) batch reaches checkpoint.
	mock.ExpectExec(`UPDATE etl_metadata SET\s+last_watermark`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	batch1 := []model.WorkOrder{{Identity: "wo-bad", Notified: base}}
	batch2 := []model.WorkOrder{{Identity: "wo-good", Notified: base.Add(time.Hour)}}
	cursor := &fakeCursor{batches: [][]model.WorkOrder{batch1, batch2}}
	writer := &failOnceWriter{failIdentity: "wo-bad", ok: sink.UpsertResult{Inserted: 1}}

	inc := &Incremental{
		Source:    &fakeReader{cursor: cursor},
		Sink:      writer,
		Watermark: store,
		Log:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	bf := &Backfill{
		Incremental: inc,
		Table:       "notification_text",
		Log:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		MaxWorkers:  1,
		BatchSize:   1,
	}

	result, err := bf.Run(context.Background(), model.Cursor{Time: base.Add(-time.Hour)}, base.Add(24*time.Hour))

	require.NoError(t, err)
	assert.EqualValues(t, 1, result.RowsProcessed)
	require.Len(t, result.FailedRanges, 1)
	assert.Equal(t, "wo-bad", result.FailedRanges[0].Start.Identity)
	require.NoError(t, mock.ExpectationsWereMet())
}

// failOnceWriter fails UpsertBatch whenever the batch contains
// failIdentity, succeeding otherwise.
type failOnceWriter struct {
	failIdentity string
	ok           sink.UpsertResult
}

func (w *failOnceWriter) UpsertBatch(ctx context.Context, table string, rows []model.WorkOrder) (sink.UpsertResult, error) {
	for _, r := range rows {
		if r.Identity == w.failIdentity {
			return sink.UpsertResult{}, plainErr("constraint violation")
		}
	}
	return w.ok, nil
}

func (w *failOnceWriter) UpdateMetadata(ctx context.Context, md model.ETLMetadata) error { return nil }

func (w *failOnceWriter) AcquireTableLock(ctx context.Context, table string, timeout time.Duration) (sink.Unlock, error) {
	return func(ctx context.Context) error { return nil }, nil
}
