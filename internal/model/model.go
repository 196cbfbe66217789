// Package model defines the data shapes that flow between worketl's
// components: the ingested work order, its AI-derived extraction and
// embedding, and the per-table ETL metadata row. These mirror the
// sink schema (spec.md §6).
package model

import "time"

// WorkOrder is a single ingested medical work-order record. Identity and
// Notified are non-null by invariant; UpdatedAt is monotonic per Identity.
type WorkOrder struct {
	Identity string

	CreatedAt  time.Time
	Notified   time.Time // the watermark column
	AssignedAt *time.Time
	ClosedAt   *time.Time

	Category   string
	Country    string
	EquipmentID string
	MaterialID  string
	SerialID    string
	TrendL1     string
	TrendL2     string
	TrendL3     string
	IssueType   string

	Summary  string
	Narrative string

	SinkCreatedAt time.Time
	SinkUpdatedAt time.Time
}

// Watermark returns the (notified, identity) pair used for total
// ordering per spec.md §4.2 and §4.8.
func (w WorkOrder) Watermark() Cursor {
	return Cursor{Time: w.Notified, Identity: w.Identity}
}

// Cursor is the total-order pagination key: (watermark, identity).
type Cursor struct {
	Time     time.Time
	Identity string
}

// Less reports whether c sorts strictly before other under the spec's
// total ordering: ascending by Time, tie-broken by Identity.
func (c Cursor) Less(other Cursor) bool {
	if !c.Time.Equal(other.Time) {
		return c.Time.Before(other.Time)
	}
	return c.Identity < other.Identity
}

// ExtractionReplaceByVersion records that extraction is always
// replace-by-version per spec.md §3.
const ExtractionReplaceByVersion = true

// AIExtraction is the structured-extraction result for one work order,
// at most one current row per (WorkOrderID, ModelVersion).
type AIExtraction struct {
	WorkOrderID string

	Keywords       []string
	PrimarySymptom string
	RootCause      string
	Summary        string
	Solution       string
	SolutionType   string
	Components     []string
	Processes      []string
	MainComponent  string
	MainProcess    string

	Confidence   float64// [0,1]
	ModelVersion string
	ExtractedAt  time.Time
}

// Embedding is the semantic-vector row for one work order, one row per
// (WorkOrderID, ModelVersion). Vector has fixed length D.
type Embedding struct {
	WorkOrderID  string
	SourceText   string
	ModelVersion string
	Vector       []float32
	CreatedAt    time.Time
}

// EmbeddingDimension is the design value D from spec.md §3.
const EmbeddingDimension = 1536

// SyncStatus enumerates etl_metadata.sync_status.
type SyncStatus string

const (
	SyncPending    SyncStatus = "pending"
	SyncInProgress SyncStatus = "in_progress"
	SyncCompleted  SyncStatus = "completed"
	SyncFailed     SyncStatus = "failed"
)

// Checkpoint is the narrowly-typed checkpoint record from spec.md §9,
// replacing a free-form JSON blob with a fixed in-memory shape. It is
// still persisted as an opaque JSON column at the sink.
type Checkpoint struct {
	LastWatermark     time.Time `json:"last_watermark"`
	LastIdentity      string    `json:"last_id"`
	FailedRanges      []Range   `json:"failed_ranges,omitempty"`
	BatchSizeInEffect int       `json:"batch_size_in_effect"`
}

// Range is a closed [Start, End] boundary over the total order (backfill
// records a batch's first and last row, both inclusive), used both for
// backfill partitioning and for recording quarantined (failed) ranges
// in a Checkpoint.
type Range struct {
	Start Cursor `json:"start"`
	End   Cursor `json:"end"`
}

// ETLMetadata is the per-table recovery row described in spec.md §3.
type ETLMetadata struct {
	TableName string

	LastSyncWatermark time.Time
	LastSyncIdentity  string
	RowsProcessed     int64
	SyncStatus        SyncStatus
	ErrorMessage      string

	Checkpoint         Checkpoint
	CheckpointAt       time.Time
	BatchSize          int
	TotalRecords       int64
	ProcessedRecords   int64
	UpdatedAt          time.Time
}

// Lease is the opaque handle returned by begin_run; it marks the run
// that moved the table's sync_status to in_progress. The advisory lock
// is held separately, through sink.Writer.AcquireTableLock.
type Lease struct {
	Token     string
	TableName string
	Metadata  ETLMetadata
	StartedAt time.Time
}
