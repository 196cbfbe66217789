package orchestrator

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/medsync/worketl/internal/model"
	"github.com/medsync/worketl/internal/sink"
	"github.com/medsync/worketl/internal/source"
	"golang.org/x/sync/errgroup"
)

// BackfillResult summarizes one backfill run.
type BackfillResult struct {
	RowsProcessed   int64
	RowsQuarantined int
	FailedRanges    []model.Range
	Duration        time.Duration
}

// Backfill implements the historical backfill orchestrator (C9):
// partitions [start, end] into batches, processes them through a
// bounded worker pool, and checkpoints a monotonically growing
// boundary (spec.md §4.9).
type Backfill struct {
	Incremental *Incremental // reuses the per-batch scrub→extract→embed→upsert pipeline
	Table       string
	Log         *slog.Logger

	MaxWorkers   int
	BatchSize    int
	MaxMemoryMB  int

	mu              sync.Mutex
	checkpointWrite sync.Mutex // serializes checkpoint writes to keep the boundary monotonic
}

// Run partitions the range into contiguous count-sized batches via a
// streaming cursor keyed by (watermark, identity), processes them
// through an errgroup bounded to MaxWorkers concurrent batches, and
// checkpoints after each commit.
//
// On resume (spec.md §4.9), the caller is expected to have already
// read the checkpoint blob via Watermark.Read and passed its boundary
// as resumeFrom; work starts from the highest committed (w, id).
func (b *Backfill) Run(ctx context.Context, resumeFrom model.Cursor, endBound time.Time) (BackfillResult, error) {
	start := time.Now()
	batchSize := b.BatchSize

	unlock, err := b.Incremental.Sink.AcquireTableLock(ctx, b.Table, b.Incremental.lockTimeout())
	if err != nil {
		return BackfillResult{}, err
	}
	defer func() { _ = unlock(ctx) }()

	var cursor source.Cursor
	err = callThrough(ctx, b.Incremental.SourceBreaker, b.Incremental.retryPolicy(), func(ctx context.Context) error {
		var err error
		cursor, err = b.Incremental.Source.OpenStream(ctx, b.Table, resumeFrom, batchSize)
		return err
	})
	if err != nil {
		return BackfillResult{}, err
	}
	defer func() { _ = cursor.Close(ctx) }()

	var (
		rowsProcessed   int64
		rowsQuarantined int64
		failedRanges    []model.Range
		failedMu        sync.Mutex
		committed       model.Cursor // highest checkpointed boundary; guarded by checkpointWrite
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, b.MaxWorkers))

	// memory-pressure sampler: halves/doubles batchSize (see
	// adjustBatchSize); the open cursor's fetch size does not change.
	memTicker := time.NewTicker(2 * time.Second)
	defer memTicker.Stop()
	go func() {
		for {
			select {
			case <-gctx.Done():
				return
			case <-memTicker.C:
				b.adjustBatchSize(&batchSize)
			}
		}
	}()

	for {
		if gctx.Err() != nil {
			break
		}
		var batch []model.WorkOrder
		err := callThrough(gctx, b.Incremental.SourceBreaker, b.Incremental.retryPolicy(), func(ctx context.Context) error {
			var err error
			batch, err = cursor.FetchBatch(ctx)
			return err
		})
		if err != nil {
			return BackfillResult{}, err
		}
		if len(batch) == 0 {
			break
		}
		// stop once the batch has moved past the requested end bound.
		last := batch[len(batch)-1]
		if last.Notified.After(endBound) {
			batch = truncateAtBound(batch, endBound)
			if len(batch) == 0 {
				break
			}
		}

		batchCopy := batch
		rangeStart := model.Cursor{Time: batchCopy[0].Notified, Identity: batchCopy[0].Identity}
		rangeEnd := batchCopy[len(batchCopy)-1].Watermark()

		g.Go(func() error {
			batchLog := b.Log.With("range_start", rangeStart.Time, "range_end", rangeEnd.Time)
			if err := b.Incremental.enrichBatch(gctx, batchCopy, batchLog); err != nil {
				failedMu.Lock()
				failedRanges = append(failedRanges, model.Range{Start: rangeStart, End: rangeEnd})
				failedMu.Unlock()
				batchLog.Error("worketl.backfill.batch.quarantined", "err", err)
				return nil // a worker's failure does not stop the pool (spec.md §4.9)
			}

			var result sink.UpsertResult
			err := callThrough(gctx, b.Incremental.SinkBreaker, b.Incremental.retryPolicy(), func(ctx context.Context) error {
				var err error
				result, err = b.Incremental.Sink.UpsertBatch(ctx, b.Table, batchCopy)
				return err
			})
			if err != nil {
				failedMu.Lock()
				failedRanges = append(failedRanges, model.Range{Start: rangeStart, End: rangeEnd})
				failedMu.Unlock()
				batchLog.Error("worketl.backfill.batch.upsert_failed", "err", err)
				return nil
			}

			b.mu.Lock()
			rowsProcessed += int64(result.Inserted + result.Updated)
			rowsQuarantined += int64(result.Conflicts)
			b.mu.Unlock()

			failedMu.Lock()
			failedSnapshot := append([]model.Range(nil), failedRanges...)
			failedMu.Unlock()

			b.checkpointWrite.Lock()
			defer b.checkpointWrite.Unlock()
			if committed.Less(rangeEnd) {
				committed = rangeEnd
			}
			md := model.ETLMetadata{
				TableName: b.Table, RowsProcessed: rowsProcessed, BatchSize: batchSize, ProcessedRecords: rowsProcessed,
				Checkpoint: model.Checkpoint{FailedRanges: failedSnapshot},
			}
			lease := model.Lease{TableName: b.Table}
			if err := b.Incremental.Watermark.Checkpoint(gctx, lease, committed.Time, committed.Identity, md); err != nil {
				batchLog.Error("worketl.backfill.checkpoint.failed", "err", err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return BackfillResult{}, err
	}

	elapsed := time.Since(start)
	if b.Incremental.Reporter != nil && b.Incremental.SLO > 0 {
		b.Incremental.Reporter.ReportSLOExceeded(b.Table, elapsed, b.Incremental.SLO)
	}

	return BackfillResult{
		RowsProcessed:   rowsProcessed,
		RowsQuarantined: int(rowsQuarantined),
		FailedRanges:    failedRanges,
		Duration:        elapsed,
	}, nil
}

// adjustBatchSize halves the batch size when the memory the Go runtime
// has obtained from the OS (runtime.MemStats.Sys, not RSS) exceeds 80%
// of MaxMemoryMB, and doubles it (up to the configured BatchSize)
// whenever a single sample is below 30%; there is no multi-sample
// window. The adjusted value is only recorded as the checkpoint's batch
// size: the source cursor keeps the batch size it was opened with.
func (b *Backfill) adjustBatchSize(batchSize *int) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	usedMB := int(ms.Sys / (1024 * 1024))
	limitMB := b.MaxMemoryMB
	if limitMB <= 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case usedMB > int(float64(limitMB)*0.8):
		if *batchSize > 1 {
			*batchSize /= 2
		}
	case usedMB < int(float64(limitMB)*0.3):
		if doubled := *batchSize * 2; doubled <= b.BatchSize {
			*batchSize = doubled
		}
	}
}

func truncateAtBound(rows []model.WorkOrder, bound time.Time) []model.WorkOrder {
	out := rows[:0:0]
	for _, r := range rows {
		if !r.Notified.After(bound) {
			out = append(out, r)
		}
	}
	return out
}
