// Package watermark implements the watermark / metadata store (C4):
// read/begin_run/checkpoint/commit_run/abort_run over the etl_metadata
// table. BeginRun guards the single-writer invariant from spec.md §4.4
// with a conditional UPDATE on status; the advisory lock itself is
// taken by sink.Writer.AcquireTableLock. Built on jmoiron/sqlx over database/sql so it can be exercised
// with DATA-DOG/go-sqlmock in tests.
package watermark

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	werrors "github.com/medsync/worketl/internal/errors"
	"github.com/medsync/worketl/internal/model"
)

// Store is the C4 capability C8/C9 depend on.
type Store struct {
	db *sqlx.DB
}

// New wraps an already-opened *sql.DB (typically via pgx's stdlib
// driver) in sqlx for struct-scanning reads.
func New(db *sql.DB) *Store {
	return &Store{db: sqlx.NewDb(db, "pgx")}
}

type metadataRow struct {
	TableName        string         `db:"table_name"`
	LastWatermark    sql.NullTime   `db:"last_watermark"`
	LastIdentity     sql.NullString `db:"last_identity"`
	RowsProcessed    int64          `db:"rows_processed"`
	Status           string         `db:"status"`
	ErrorMessage     sql.NullString `db:"error_message"`
	CheckpointBlob   []byte         `db:"checkpoint_blob"`
	CheckpointAt     sql.NullTime   `db:"checkpoint_at"`
	BatchSize        int            `db:"batch_size"`
	TotalRecords     int64          `db:"total_records"`
	ProcessedRecords int64          `db:"processed_records"`
	UpdatedAt        time.Time      `db:"updated_at"`
}

func (r metadataRow) toModel() (model.ETLMetadata, error) {
	md := model.ETLMetadata{
		TableName:        r.TableName,
		RowsProcessed:    r.RowsProcessed,
		SyncStatus:       model.SyncStatus(r.Status),
		ErrorMessage:     r.ErrorMessage.String,
		BatchSize:        r.BatchSize,
		TotalRecords:     r.TotalRecords,
		ProcessedRecords: r.ProcessedRecords,
		UpdatedAt:        r.UpdatedAt,
	}
	if r.LastWatermark.Valid {
		md.LastSyncWatermark = r.LastWatermark.Time
	}
	md.LastSyncIdentity = r.LastIdentity.String
	if r.CheckpointAt.Valid {
		md.CheckpointAt = r.CheckpointAt.Time
	}
	if len(r.CheckpointBlob) > 0 {
		if err := json.Unmarshal(r.CheckpointBlob, &md.Checkpoint); err != nil {
			return model.ETLMetadata{}, werrors.NewDataError("Corrupt checkpoint blob", "checkpoint_blob did not parse as JSON", "", err)
		}
	}
	return md, nil
}

// Read returns the current metadata row, creating it with
// sync_status=pending and an empty watermark if absent (spec.md §4.4).
func (s *Store) Read(ctx context.Context, table string) (model.ETLMetadata, error) {
	var row metadataRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM etl_metadata WHERE table_name = $1`, table)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO etl_metadata (table_name, status, rows_processed, batch_size, updated_at)
			VALUES ($1, $2, 0, 0, now())
			ON CONFLICT (table_name) DO NOTHING`, table, model.SyncPending); err != nil {
			return model.ETLMetadata{}, classifyErr(err)
		}
		return model.ETLMetadata{TableName: table, SyncStatus: model.SyncPending}, nil
	}
	if err != nil {
		return model.ETLMetadata{}, classifyErr(err)
	}
	return row.toModel()
}

// BeginRun sets sync_status=in_progress, only if the row is not already
// in_progress, and returns an opaque Lease handle. Returns
// MetadataConflict (a Persistent error) when no row was updated because
// another run is in progress. It takes no advisory lock; the
// orchestrators take that through sink.Writer.AcquireTableLock first.
func (s *Store) BeginRun(ctx context.Context, table string) (model.Lease, error) {
	md, err := s.Read(ctx, table)
	if err != nil {
		return model.Lease{}, err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE etl_metadata SET status = $2, updated_at = now()
		WHERE table_name = $1 AND status != $3`,
		table, model.SyncInProgress, model.SyncInProgress)
	if err != nil {
		return model.Lease{}, classifyErr(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return model.Lease{}, werrors.NewPersistentError(
			"MetadataConflict",
			fmt.Sprintf("table %q already has a run in progress", table),
			"wait for the other run to finish or verify it is not stuck",
			nil,
		)
	}

	return model.Lease{Token: uuid.NewString(), TableName: table, Metadata: md, StartedAt: time.Now()}, nil
}

// Checkpoint persists incremental progress without ending the run
// (spec.md §4.4, §4.8 step 4e).
func (s *Store) Checkpoint(ctx context.Context, lease model.Lease, watermark time.Time, identity string, counters model.ETLMetadata) error {
	cp := model.Checkpoint{
		LastWatermark:     watermark,
		LastIdentity:      identity,
		FailedRanges:      counters.Checkpoint.FailedRanges,
		BatchSizeInEffect: counters.BatchSize,
	}
	blob, err := json.Marshal(cp)
	if err != nil {
		return werrors.NewInternalError("Cannot encode checkpoint", "", "", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE etl_metadata SET
			last_watermark = $2, last_identity = $3, rows_processed = $4,
			checkpoint_blob = $5, checkpoint_at = now(), batch_size = $6,
			processed_records = $7, updated_at = now()
		WHERE table_name = $1`,
		lease.TableName, watermark, identity, counters.RowsProcessed, blob, counters.BatchSize, counters.ProcessedRecords)
	if err != nil {
		return classifyErr(err)
	}
	return nil
}

// CommitRun sets sync_status=completed and releases the lease. The
// watermark never rewinds: callers must pass a value ≥ the previously
// committed watermark (enforced by the orchestrator's own max()
// computation, not re-validated here).
func (s *Store) CommitRun(ctx context.Context, lease model.Lease, finalWatermark time.Time, finalIdentity string, counters model.ETLMetadata) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE etl_metadata SET
			status = $2, last_watermark = $3, last_identity = $4,
			rows_processed = $5, updated_at = now()
		WHERE table_name = $1`,
		lease.TableName, model.SyncCompleted, finalWatermark, finalIdentity, counters.RowsProcessed)
	if err != nil {
		return classifyErr(err)
	}
	return nil
}

// AbortRun sets sync_status=failed and writes error_message without
// touching last_watermark, so a failed run never rewinds the committed
// watermark (spec.md §4.4 invariant).
func (s *Store) AbortRun(ctx context.Context, lease model.Lease, cause error) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE etl_metadata SET status = $2, error_message = $3, updated_at = now()
		WHERE table_name = $1`,
		lease.TableName, model.SyncFailed, cause.Error())
	if err != nil {
		return classifyErr(err)
	}
	return nil
}

func classifyErr(err error) error {
	return werrors.NewTransientError("Metadata store error", "", "", err)
}
