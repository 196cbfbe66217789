package source

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	werrors "github.com/medsync/worketl/internal/errors"
	"github.com/medsync/worketl/internal/model"
)

// PostgresReader implements Reader against a SQL dialect supporting
// server-side cursors, window functions, and date arithmetic (spec.md
// §6). No Snowflake driver exists anywhere in the retrieved corpus
// (see DESIGN.md); the warehouse is therefore addressed through the
// same generic SQL interface the sink uses, pgx/v5, so a
// Snowflake-dialect Reader can be added later without touching the
// orchestrators.
type PostgresReader struct {
	pool *pgxpool.Pool
}

// NewPostgresReader wraps an already-established pool. Authentication
// (password, externalbrowser, oauth) is resolved by the caller when
// building the pgx connection string; PostgresReader itself is
// authenticator-agnostic.
func NewPostgresReader(pool *pgxpool.Pool) *PostgresReader {
	return &PostgresReader{pool: pool}
}

func (r *PostgresReader) OpenStream(ctx context.Context, table string, since model.Cursor, batchSize int) (Cursor, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, werrors.NewTransientError("Cannot open warehouse cursor", "failed to begin read-only transaction", "", err)
	}

	query := fmt.Sprintf(`
		DECLARE worketl_cursor NO SCROLL CURSOR FOR
		SELECT id, notified_at, assigned_at, closed_at, category, country, eq_id,
		       mat_id, serial_id, trend_l1, trend_l2, trend_l3, issue_type,
		       medium_text, long_text, created_at, updated_at
		FROM %s
		WHERE (notified_at, id) > ($1, $2)
		ORDER BY notified_at ASC, id ASC`, pgx.Identifier{table}.Sanitize())

	if _, err := tx.Exec(ctx, query, since.Time, since.Identity); err != nil {
		_ = tx.Rollback(ctx)
		return nil, werrors.NewPersistentError("Cannot declare cursor", "warehouse rejected the cursor query; check schema", "", err)
	}

	return &postgresCursor{tx: tx, batchSize: batchSize}, nil
}

type postgresCursor struct {
	tx        pgx.Tx
	batchSize int
	closed    bool
}

// FetchBatch returns up to batchSize rows ordered by (notified_at, id),
// the total order spec.md §4.2 mandates. An empty slice signals EOF.
func (c *postgresCursor) FetchBatch(ctx context.Context) ([]model.WorkOrder, error) {
	rows, err := c.tx.Query(ctx, fmt.Sprintf("FETCH FORWARD %d FROM worketl_cursor", c.batchSize))
	if err != nil {
		return nil, werrors.NewTransientError("Cannot fetch batch", "cursor FETCH failed", "", err)
	}
	defer rows.Close()

	var out []model.WorkOrder
	for rows.Next() {
		var w model.WorkOrder
		var assignedAt, closedAt *time.Time
		if err := rows.Scan(
			&w.Identity, &w.Notified, &assignedAt, &closedAt, &w.Category, &w.Country,
			&w.EquipmentID, &w.MaterialID, &w.SerialID, &w.TrendL1, &w.TrendL2, &w.TrendL3,
			&w.IssueType, &w.Summary, &w.Narrative, &w.CreatedAt, &w.SinkUpdatedAt,
		); err != nil {
			return nil, werrors.NewDataError("Row scan failed", "a row did not match the expected shape", "", err)
		}
		w.AssignedAt = assignedAt
		w.ClosedAt = closedAt
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, werrors.NewTransientError("Cursor read failed mid-batch", "", "", err)
	}
	return out, nil
}

// Close releases the cursor and transaction; idempotent per spec.md §4.2.
func (c *postgresCursor) Close(ctx context.Context) error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.tx.Rollback(ctx) // read-only cursor, nothing to commit
}
