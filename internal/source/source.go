// Package source implements the source reader (C2): a streaming,
// bounded-memory cursor over the warehouse's work-order table, ordered
// by (watermark, identity) for total ordering across pagination.
package source

import (
	"context"

	"github.com/medsync/worketl/internal/model"
)

// Reader is the capability interface C8/C9 depend on. A concrete
// implementation owns exactly one cursor per call to OpenStream; the
// cursor is never shared between goroutines.
type Reader interface {
	// OpenStream opens a server-side cursor over table, returning rows
	// whose watermark strictly exceeds since.Time, or — when
	// since.Time equals a prior boundary — whose (watermark, identity)
	// strictly exceeds since (spec.md §4.8 equal-watermark handling).
	OpenStream(ctx context.Context, table string, since model.Cursor, batchSize int) (Cursor, error)
}

// Cursor streams batches of rows. FetchBatch returns up to batchSize
// rows and an empty slice at EOF; Close releases server resources and
// is idempotent.
type Cursor interface {
	FetchBatch(ctx context.Context) ([]model.WorkOrder, error)
	Close(ctx context.Context) error
}
