package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	werrors "github.com/medsync/worketl/internal/errors"
	"github.com/medsync/worketl/internal/model"
)

// PostgresWriter implements Writer against a relational sink exposing
// transactional upsert, advisory locks, and (optionally) a native
// vector column. Connection pooling and error-code classification rely
// on pgx/v5's pgconn.PgError to distinguish constraint violations from
// transient connection failures; hasVectorColumn is set once at
// startup by a capability probe and read thereafter under an RWMutex.
type PostgresWriter struct {
	pool *pgxpool.Pool
	mu   sync.RWMutex // guards hasVectorColumn, set once at startup by a capability probe
	hasVectorColumn bool
	log  *slog.Logger
}

// NewPostgresWriter probes the sink for a native vector column
// (pgvector extension) and returns a Writer plus its matching
// EmbeddingStore, chosen once at startup per spec.md §9's capability
// interface design note.
func NewPostgresWriter(ctx context.Context, pool *pgxpool.Pool, log *slog.Logger) (*PostgresWriter, EmbeddingStore, error) {
	w := &PostgresWriter{pool: pool, log: log}

	var hasVector bool
	err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'vector')`).Scan(&hasVector)
	if err != nil {
		return nil, nil, werrors.NewDatabaseError("Cannot probe sink capabilities", "failed to query pg_extension", "", err)
	}
	w.hasVectorColumn = hasVector

	var store EmbeddingStore
	if hasVector {
		store = &nativeVectorStore{pool: pool}
	} else {
		store = &byteVectorStore{pool: pool}
	}
	return w, store, nil
}

// UpsertBatch writes rows within a single transaction. On conflict,
// every non-identity column is overwritten from the incoming row and
// updated_at is refreshed to the transaction time (spec.md §4.3). On
// SinkConstraintError the batch is bisected down to the individual
// offending rows, which are quarantined to dead_letters while the rest
// commit, rather than failing the whole batch.
func (w *PostgresWriter) UpsertBatch(ctx context.Context, table string, rows []model.WorkOrder) (UpsertResult, error) {
	if len(rows) == 0 {
		return UpsertResult{}, nil
	}

	result, deadLetters, err := w.tryUpsert(ctx, table, rows)
	if err == nil {
		return result, nil
	}

	var pgErr *pgconn.PgError
	if !asPgError(err, &pgErr) || !isConstraintViolation(pgErr) {
		return UpsertResult{}, classifyPgError(err)
	}

	// Poison batch: bisect and quarantine (spec.md §4.3, §8 scenario 4).
	bisected, dl, berr := w.bisectAndUpsert(ctx, table, rows)
	deadLetters = append(deadLetters, dl...)
	if berr != nil {
		return UpsertResult{}, berr
	}
	if len(deadLetters) > 0 {
		if err := w.writeDeadLetters(ctx, deadLetters); err != nil {
			w.log.Error("worketl.sink.dead_letter.write_failed", "table", table, "err", err)
		}
	}
	bisected.Conflicts += len(deadLetters)
	return bisected, nil
}

func (w *PostgresWriter) tryUpsert(ctx context.Context, table string, rows []model.WorkOrder) (UpsertResult, []DeadLetter, error) {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return UpsertResult{}, nil, werrors.NewTransientError("Cannot begin transaction", "", "", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var result UpsertResult
	stmt := fmt.Sprintf(`
		INSERT INTO %s (id, notified_at, assigned_at, closed_at, category, country, eq_id,
			mat_id, serial_id, trend_l1, trend_l2, trend_l3, issue_type, medium_text, long_text,
			created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,now(),now())
		ON CONFLICT (id) DO UPDATE SET
			notified_at = EXCLUDED.notified_at, assigned_at = EXCLUDED.assigned_at,
			closed_at = EXCLUDED.closed_at, category = EXCLUDED.category, country = EXCLUDED.country,
			eq_id = EXCLUDED.eq_id, mat_id = EXCLUDED.mat_id, serial_id = EXCLUDED.serial_id,
			trend_l1 = EXCLUDED.trend_l1, trend_l2 = EXCLUDED.trend_l2, trend_l3 = EXCLUDED.trend_l3,
			issue_type = EXCLUDED.issue_type, medium_text = EXCLUDED.medium_text,
			long_text = EXCLUDED.long_text, updated_at = now()
		RETURNING (xmax = 0) AS inserted`, pgx.Identifier{table}.Sanitize())

	for _, r := range rows {
		var inserted bool
		err := tx.QueryRow(ctx, stmt,
			r.Identity, r.Notified, r.AssignedAt, r.ClosedAt, r.Category, r.Country,
			r.EquipmentID, r.MaterialID, r.SerialID, r.TrendL1, r.TrendL2, r.TrendL3,
			r.IssueType, r.Summary, r.Narrative,
		).Scan(&inserted)
		if err != nil {
			return UpsertResult{}, nil, err
		}
		if inserted {
			result.Inserted++
		} else {
			result.Updated++
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return UpsertResult{}, nil, werrors.NewTransientError("Commit failed", "", "", err)
	}
	return result, nil, nil
}

// bisectAndUpsert recursively halves rows, committing whichever half
// succeeds and quarantining the rows that individually violate a
// constraint, per spec.md §4.3's bisection-quarantine algorithm.
func (w *PostgresWriter) bisectAndUpsert(ctx context.Context, table string, rows []model.WorkOrder) (UpsertResult, []DeadLetter, error) {
	if len(rows) == 1 {
		single, _, err := w.tryUpsert(ctx, table, rows)
		if err != nil {
			var pgErr *pgconn.PgError
			if asPgError(err, &pgErr) && isConstraintViolation(pgErr) {
				return UpsertResult{}, []DeadLetter{{
					Table: table, Identity: rows[0].Identity, SinkErrorCode: pgErr.Code,
					SinkErrorText: pgErr.Message, Payload: rows[0], QuarantinedAt: time.Now(),
				}}, nil
			}
			return UpsertResult{}, nil, classifyPgError(err)
		}
		return single, nil, nil
	}

	mid := len(rows) / 2
	left, leftDL, err := w.attemptHalf(ctx, table, rows[:mid])
	if err != nil {
		return UpsertResult{}, nil, err
	}
	right, rightDL, err := w.attemptHalf(ctx, table, rows[mid:])
	if err != nil {
		return UpsertResult{}, nil, err
	}
	left.Inserted += right.Inserted
	left.Updated += right.Updated
	return left, append(leftDL, rightDL...), nil
}

func (w *PostgresWriter) attemptHalf(ctx context.Context, table string, rows []model.WorkOrder) (UpsertResult, []DeadLetter, error) {
	result, _, err := w.tryUpsert(ctx, table, rows)
	if err == nil {
		return result, nil, nil
	}
	var pgErr *pgconn.PgError
	if !asPgError(err, &pgErr) || !isConstraintViolation(pgErr) {
		return UpsertResult{}, nil, classifyPgError(err)
	}
	return w.bisectAndUpsert(ctx, table, rows)
}

func (w *PostgresWriter) writeDeadLetters(ctx context.Context, dls []DeadLetter) error {
	for _, dl := range dls {
		payload, _ := json.Marshal(dl.Payload)
		_, err := w.pool.Exec(ctx, `
			INSERT INTO dead_letters (table_name, identity, sink_error_code, sink_error_text, payload, quarantined_at)
			VALUES ($1,$2,$3,$4,$5,$6)`,
			dl.Table, dl.Identity, dl.SinkErrorCode, dl.SinkErrorText, payload, dl.QuarantinedAt)
		if err != nil {
			return err
		}
	}
	return nil
}

// UpdateMetadata writes the etl_metadata row's mutable counters.
func (w *PostgresWriter) UpdateMetadata(ctx context.Context, md model.ETLMetadata) error {
	checkpoint, err := json.Marshal(md.Checkpoint)
	if err != nil {
		return werrors.NewInternalError("Cannot encode checkpoint", "", "", err)
	}
	_, err = w.pool.Exec(ctx, `
		UPDATE etl_metadata SET
			last_watermark = $2, rows_processed = $3, status = $4, error_message = $5,
			checkpoint_blob = $6, checkpoint_at = now(), batch_size = $7,
			total_records = $8, processed_records = $9, updated_at = now()
		WHERE table_name = $1`,
		md.TableName, md.LastSyncWatermark, md.RowsProcessed, md.SyncStatus, md.ErrorMessage,
		checkpoint, md.BatchSize, md.TotalRecords, md.ProcessedRecords,
	)
	if err != nil {
		return classifyPgError(err)
	}
	return nil
}

// AcquireTableLock takes a session-level advisory lock keyed by the
// table name's hash, per spec.md §4.1/§4.4's single-writer invariant.
// The lock is released by calling Unlock, or automatically when the
// holding session/connection terminates (spec.md §5).
func (w *PostgresWriter) AcquireTableLock(ctx context.Context, table string, timeout time.Duration) (Unlock, error) {
	conn, err := w.pool.Acquire(ctx)
	if err != nil {
		return nil, werrors.NewTransientError("Cannot acquire connection for lock", "", "", err)
	}

	key := advisoryLockKey(table)
	lockCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var acquired bool
	err = conn.QueryRow(lockCtx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&acquired)
	if err != nil {
		conn.Release()
		return nil, classifyPgError(err)
	}
	if !acquired {
		conn.Release()
		return nil, werrors.NewPersistentError("Table lock unavailable", fmt.Sprintf("table %q is owned by another run", table), "wait for the other run to finish", nil)
	}

	return func(ctx context.Context) error {
		defer conn.Release()
		_, err := conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, key)
		return err
	}, nil
}

func advisoryLockKey(table string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte("worketl:" + table))
	return int64(h.Sum64())
}

func isConstraintViolation(e *pgconn.PgError) bool {
	switch e.Code {
	case "23502", "23503", "23505", "23514": // not_null, fk, unique, check
		return true
	}
	return false
}

func isTransientCode(e *pgconn.PgError) bool {
	switch e.Code {
	case "40001", "40P01", "08000", "08003", "08006": // serialization, deadlock, connection errors
		return true
	}
	return false
}

func classifyPgError(err error) error {
	var pgErr *pgconn.PgError
	if asPgError(err, &pgErr) {
		if isConstraintViolation(pgErr) {
			return werrors.NewDataError("Constraint violation", pgErr.Message, "", err)
		}
		if isTransientCode(pgErr) {
			return werrors.NewTransientError("Transient sink error", pgErr.Message, "", err)
		}
		return werrors.NewPersistentError("Sink error", pgErr.Message, "", err)
	}
	return werrors.NewTransientError("Sink error", "connection-level failure", "", err)
}

func asPgError(err error, target **pgconn.PgError) bool {
	for err != nil {
		if e, ok := err.(*pgconn.PgError); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
