// Package orchestrator implements the incremental sync orchestrator
// (C8) and the historical backfill orchestrator (C9): spec.md §4.8,
// §4.9. RunTable drives a phased, structured-logging pipeline —
// read → scrub → extract → embed → upsert → advance — with per-phase
// logging and counters at each step.
package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/medsync/worketl/internal/ai"
	"github.com/medsync/worketl/internal/breaker"
	werrors "github.com/medsync/worketl/internal/errors"
	"github.com/medsync/worketl/internal/model"
	"github.com/medsync/worketl/internal/progress"
	"github.com/medsync/worketl/internal/retry"
	"github.com/medsync/worketl/internal/scrub"
	"github.com/medsync/worketl/internal/sink"
	"github.com/medsync/worketl/internal/source"
	"github.com/medsync/worketl/internal/watermark"
	"golang.org/x/sync/errgroup"
)

// IncrementalResult summarizes one table's run.
type IncrementalResult struct {
	Table         string
	RunID         string
	Status        model.SyncStatus
	RowsProcessed int64
	RowsQuarantined int
	FinalWatermark model.Cursor
	Duration      time.Duration
	Err           error
}

// Incremental runs the C8 state machine: idle → leased → reading →
// writing → advancing → done | aborted.
type Incremental struct {
	Source     source.Reader
	Sink       sink.Writer
	Embeddings sink.EmbeddingStore
	Watermark  *watermark.Store
	Scrubber   *scrub.Scrubber
	AI         *ai.Client
	Reporter   *progress.Reporter
	Log        *slog.Logger

	// SourceBreaker and SinkBreaker fast-reject warehouse/sink calls once
	// either dependency trips (spec.md §4.5); nil disables the breaker
	// for that dependency (used by unit tests exercising fakes).
	SourceBreaker *breaker.Breaker
	SinkBreaker   *breaker.Breaker
	// RetryPolicy governs retries around Source/Sink calls; the zero
	// value falls back to retry.DefaultPolicy().
	RetryPolicy retry.Policy

	BatchSize    int
	MaxInFlightAI int
	// SLO bounds a table run's wall-clock duration before Reporter fires
	// AlertSLOExceeded (spec.md §4.10); zero disables the check.
	SLO time.Duration
	// LockTimeout bounds the sink's per-table advisory-lock call in
	// RunTable and Backfill.Run (spec.md §4.4); zero means 10s. The lock
	// is tried once rather than waited for.
	LockTimeout time.Duration
}

func (o *Incremental) retryPolicy() retry.Policy {
	if o.RetryPolicy == (retry.Policy{}) {
		return retry.DefaultPolicy()
	}
	return o.RetryPolicy
}

func (o *Incremental) lockTimeout() time.Duration {
	if o.LockTimeout <= 0 {
		return 10 * time.Second
	}
	return o.LockTimeout
}

// callThrough composes the circuit breaker (outer) with the retry
// policy (inner), matching internal/ai/client.go's Extract/Embed
// composition. A nil breaker skips the breaker wrap, for call sites
// that only carry a retry policy (or tests with no breaker wired).
func callThrough(ctx context.Context, br *breaker.Breaker, policy retry.Policy, fn func(ctx context.Context) error) error {
	wrapped := func(ctx context.Context) error { return retry.Do(ctx, policy, fn) }
	if br == nil {
		return wrapped(ctx)
	}
	return br.Do(ctx, wrapped)
}

// RunTable executes one table's incremental sync per spec.md §4.8.
func (o *Incremental) RunTable(ctx context.Context, table string) IncrementalResult {
	start := time.Now()
	runID := newRunID()
	log := o.Log.With("run_id", runID, "table", table)

	// The advisory lock (spec.md §4.4) is the actual single-writer
	// enforcement: two processes racing BeginRun's conditional UPDATE
	// can still both observe status != in_progress in the same instant,
	// but only one can hold pg_try_advisory_lock.
	unlock, err := o.Sink.AcquireTableLock(ctx, table, o.lockTimeout())
	if err != nil {
		log.Info("worketl.sync.lock.conflict", "err", err)
		return IncrementalResult{Table: table, RunID: runID, Status: model.SyncFailed, Err: err, Duration: time.Since(start)}
	}
	defer func() { _ = unlock(ctx) }()

	lease, err := o.Watermark.BeginRun(ctx, table)
	if err != nil {
		log.Info("worketl.sync.lease.conflict", "err", err)
		return IncrementalResult{Table: table, RunID: runID, Status: model.SyncFailed, Err: err, Duration: time.Since(start)}
	}

	since := model.Cursor{Time: lease.Metadata.LastSyncWatermark, Identity: lease.Metadata.LastSyncIdentity}
	log.Info("worketl.sync.step.open_cursor", "since_watermark", since.Time, "since_id", since.Identity)

	var cursor source.Cursor
	err = callThrough(ctx, o.SourceBreaker, o.retryPolicy(), func(ctx context.Context) error {
		var err error
		cursor, err = o.Source.OpenStream(ctx, table, since, o.BatchSize)
		return err
	})
	if err != nil {
		o.abort(ctx, lease, err, log)
		return IncrementalResult{Table: table, RunID: runID, Status: model.SyncFailed, Err: err, Duration: time.Since(start)}
	}
	defer func() { _ = cursor.Close(ctx) }()

	var (
		rowsProcessed   int64
		rowsQuarantined int
		maxWatermark    = since
	)

	for {
		if err := ctx.Err(); err != nil {
			o.abort(ctx, lease, err, log)
			return IncrementalResult{Table: table, RunID: runID, Status: model.SyncFailed, Err: err, Duration: time.Since(start)}
		}

		batchStart := time.Now()
		var batch []model.WorkOrder
		err := callThrough(ctx, o.SourceBreaker, o.retryPolicy(), func(ctx context.Context) error {
			var err error
			batch, err = cursor.FetchBatch(ctx)
			return err
		})
		if err != nil {
			o.abort(ctx, lease, err, log)
			return IncrementalResult{Table: table, RunID: runID, Status: model.SyncFailed, Err: err, Duration: time.Since(start)}
		}
		if len(batch) == 0 {
			break
		}

		// Clock skew defensive filter (spec.md §4.8): drop rows at or
		// below the stored watermark boundary.
		batch = filterAfter(batch, since)
		if len(batch) == 0 {
			continue
		}

		if err := o.enrichBatch(ctx, batch, log); err != nil {
			o.abort(ctx, lease, err, log)
			return IncrementalResult{Table: table, RunID: runID, Status: model.SyncFailed, Err: err, Duration: time.Since(start)}
		}

		var result sink.UpsertResult
		err = callThrough(ctx, o.SinkBreaker, o.retryPolicy(), func(ctx context.Context) error {
			var err error
			result, err = o.Sink.UpsertBatch(ctx, table, batch)
			return err
		})
		if err != nil {
			o.abort(ctx, lease, err, log)
			return IncrementalResult{Table: table, RunID: runID, Status: model.SyncFailed, Err: err, Duration: time.Since(start)}
		}
		rowsProcessed += int64(result.Inserted + result.Updated)
		rowsQuarantined += result.Conflicts

		// Watermark advances to max(row.watermark); the checkpoint blob
		// remembers the max identity at that watermark so a batch
		// boundary straddling equal watermarks resumes correctly
		// (spec.md §4.8 edge-case policy).
		for _, row := range batch {
			wc := row.Watermark()
			if maxWatermark.Less(wc) {
				maxWatermark = wc
			} else if wc.Time.Equal(maxWatermark.Time) && wc.Identity > maxWatermark.Identity {
				maxWatermark = wc
			}
		}

		md := lease.Metadata
		md.RowsProcessed = rowsProcessed
		md.BatchSize = o.BatchSize
		md.ProcessedRecords = rowsProcessed
		if err := o.Watermark.Checkpoint(ctx, lease, maxWatermark.Time, maxWatermark.Identity, md); err != nil {
			o.abort(ctx, lease, err, log)
			return IncrementalResult{Table: table, RunID: runID, Status: model.SyncFailed, Err: err, Duration: time.Since(start)}
		}

		o.Reporter.RecordBatch(table, true, time.Since(batchStart))
		log.Info("worketl.sync.batch.committed", "rows", len(batch), "quarantined", result.Conflicts, "watermark", maxWatermark.Time)
	}

	md := lease.Metadata
	md.RowsProcessed = rowsProcessed
	if err := o.Watermark.CommitRun(ctx, lease, maxWatermark.Time, maxWatermark.Identity, md); err != nil {
		return IncrementalResult{Table: table, RunID: runID, Status: model.SyncFailed, Err: err, Duration: time.Since(start)}
	}

	log.Info("worketl.sync.run.completed", "rows_processed", rowsProcessed, "rows_quarantined", rowsQuarantined)
	elapsed := time.Since(start)
	if o.SLO > 0 {
		o.Reporter.ReportSLOExceeded(table, elapsed, o.SLO)
	}
	return IncrementalResult{
		Table: table, RunID: runID, Status: model.SyncCompleted,
		RowsProcessed: rowsProcessed, RowsQuarantined: rowsQuarantined,
		FinalWatermark: maxWatermark, Duration: elapsed,
	}
}

func (o *Incremental) abort(ctx context.Context, lease model.Lease, cause error, log *slog.Logger) {
	log.Error("worketl.sync.run.aborted", "err", cause)
	if err := o.Watermark.AbortRun(ctx, lease, cause); err != nil {
		log.Error("worketl.sync.abort.persist_failed", "err", err)
	}
}

// enrichBatch scrubs every row, then runs extraction and embedding as
// two batched provider calls (spec.md §4.7, §4.8 step 4b): Client
// internally chunks the scrubbed texts by max_tokens_per_request, so a
// row batch costs a handful of provider round-trips rather than one
// per row. Writing each resulting embedding to the store still happens
// per row, bounded by MaxInFlightAI, since EmbeddingStore has no
// batched Put.
func (o *Incremental) enrichBatch(ctx context.Context, batch []model.WorkOrder, log *slog.Logger) error {
	if o.Scrubber == nil || o.AI == nil {
		return nil
	}

	scrubbed := make([]string, len(batch))
	for i := range batch {
		s, _ := o.Scrubber.Scrub(batch[i].Narrative)
		scrubbed[i] = s
	}

	// Extraction output is not yet persisted downstream; the call still
	// runs so its errors (and soft_degrade handling) match Embed's.
	if _, err := o.AI.ExtractBatch(ctx, scrubbed); err != nil {
		if werrors.Classify(err) == werrors.KindCircuitOpen || werrors.Classify(err) == werrors.KindBudget {
			// circuit open, or the hard_gate budget gate: record the raw
			// rows without enrichment rather than failing the batch
			// (spec.md §4.5, §8 scenario 5).
			log.Warn("worketl.ai.enrich.degraded", "rows", len(batch), "err", err)
			return nil
		}
		return err
	}

	vectors, err := o.AI.EmbedBatch(ctx, scrubbed)
	if err != nil {
		if werrors.Classify(err) == werrors.KindCircuitOpen || werrors.Classify(err) == werrors.KindBudget {
			log.Warn("worketl.ai.embed.degraded", "rows", len(batch), "err", err)
			return nil
		}
		return err
	}

	if o.Embeddings == nil {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, o.MaxInFlightAI))
	for i := range batch {
		i := i
		g.Go(func() error {
			_ = o.Embeddings.Put(gctx, model.Embedding{
				WorkOrderID: batch[i].Identity, ModelVersion: o.AI.ModelVersion(),
				SourceText: scrubbed[i], Vector: vectors[i], CreatedAt: time.Now(),
			})
			return nil
		})
	}
	return g.Wait()
}

func filterAfter(rows []model.WorkOrder, since model.Cursor) []model.WorkOrder {
	out := rows[:0:0]
	for _, r := range rows {
		if since.Less(r.Watermark()) {
			out = append(out, r)
		}
	}
	return out
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
