// Package sink implements the sink writer (C3): idempotent batch
// upsert under one transaction, advisory table locking, and bisection
// quarantine of poison batches into a dead-letter log (spec.md §4.3).
package sink

import (
	"context"
	"time"

	"github.com/medsync/worketl/internal/model"
)

// UpsertResult reports what a batch upsert did.
type UpsertResult struct {
	Inserted  int
	Updated   int
	Conflicts int
}

// Writer is the capability interface C8/C9 depend on.
type Writer interface {
	UpsertBatch(ctx context.Context, table string, rows []model.WorkOrder) (UpsertResult, error)
	UpdateMetadata(ctx context.Context, md model.ETLMetadata) error
	AcquireTableLock(ctx context.Context, table string, timeout time.Duration) (Unlock, error)
}

// Unlock releases an advisory table lock acquired by AcquireTableLock.
type Unlock func(ctx context.Context) error

// EmbeddingStore is the capability interface from spec.md §9's
// "Polymorphism over storage mode" design note: two implementations
// chosen at startup based on a capability probe (native pgvector
// column vs opaque byte storage), so callers never observe the
// distinction (spec.md §4.3).
type EmbeddingStore interface {
	Put(ctx context.Context, e model.Embedding) error
	Get(ctx context.Context, workOrderID, modelVersion string) (model.Embedding, bool, error)
	ANNSearch(ctx context.Context, query []float32, k int) ([]string, error)
}

// DeadLetter is one quarantined row from a poison batch (spec.md §4.3).
type DeadLetter struct {
	Table          string
	Identity       string
	SinkErrorCode  string
	SinkErrorText  string
	Payload        model.WorkOrder
	QuarantinedAt  time.Time
}
