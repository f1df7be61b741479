/*
store.go - Persistence interfaces for the report engine

PURPOSE:
  Defines the boundary between the domain logic and whatever holds the
  data. The production implementation is SQLite; the reconciled order
  table mirrors the semantics of a spreadsheet-backed store (ordered
  positions, explicit capacity, no uniqueness enforcement), so the same
  reconciler works against either backing.

KEY INTERFACES:
  RecordTable:  The reconciled transaction store (positioned rows)
  TargetSource: Read-only monthly targets reference table
  StatSink:     Monthly per-service rollup reference table
  StatusStore:  Run status with compare-and-swap acquisition
  HistoryStore: Append-only execution history
  SummaryStore: Last published aggregation result

UNIQUENESS CONTRACT:
  RecordTable does NOT enforce one-row-per-id; a sheet cannot. Logical
  uniqueness is the reconciler's invariant: after any merge, no two live
  positions share a record id.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: Production store
  - store/memory/memory.go: In-memory table for tests

SEE ALSO:
  - ingest/merge.go: The reconciler that maintains the uniqueness invariant
  - aggregate.go: Read-side consumer
*/
package report

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Row is one positioned entry of the record table. Positions are stable
// and never reused; clearing a row retires its position.
type Row struct {
	Position int64
	Record   TransactionRecord
}

// RecordTable is the persistent, append-friendly transaction store.
type RecordTable interface {
	// Rows returns all live rows in position order.
	Rows(ctx context.Context) ([]Row, error)

	// RowsInRange returns live rows with CreatedAt in [from, to].
	RowsInRange(ctx context.Context, from, to time.Time) ([]Row, error)

	// UpdateRow replaces the record at an existing position.
	UpdateRow(ctx context.Context, position int64, rec TransactionRecord) error

	// AppendRows adds records after the last live position. Callers must
	// ensure capacity first; AppendRows never grows the table itself.
	AppendRows(ctx context.Context, recs []TransactionRecord) error

	// ClearRows blanks the given positions. Used only by overwrite-mode
	// duplicate repair; the core never deletes reconciled data otherwise.
	ClearRows(ctx context.Context, positions []int64) error

	// RowCount returns the number of live rows.
	RowCount(ctx context.Context) (int, error)

	// EnsureCapacity grows the table so it can hold at least rows entries.
	// Growing never truncates; shrinking is not supported.
	EnsureCapacity(ctx context.Context, rows int) error
}

// TargetSource is the read-only monthly target reference table.
type TargetSource interface {
	// MonthlyTargets returns the target amount per service for a month.
	// Services without a row are absent from the map.
	MonthlyTargets(ctx context.Context, year int, month time.Month) (map[ServiceTag]decimal.Decimal, error)
}

// StatSink receives the monthly per-service rollups recomputed each run.
type StatSink interface {
	UpsertServiceStats(ctx context.Context, stats []ServiceStat) error
}

// StatusStore persists the orchestrator state with check-and-set
// semantics. TryAcquire must be atomic with respect to concurrent callers
// in separate processes.
type StatusStore interface {
	// Status returns the current run status, or an idle default if none
	// has ever been persisted.
	Status(ctx context.Context) (RunStatus, error)

	// TryAcquire transitions to "running" iff the current state is not a
	// fresh "running" (younger than StaleRunThreshold). A stale running
	// status is treated as a crashed run and overwritten. Returns a
	// ConflictError when another run holds the status.
	TryAcquire(ctx context.Context, now time.Time, message string) error

	// Release records the terminal state of the run that holds the status.
	Release(ctx context.Context, state RunState, message string, now time.Time) error
}

// HistoryStore is the append-only execution log.
type HistoryStore interface {
	AppendExecution(ctx context.Context, rec ExecutionRecord) error

	// History returns up to limit records, newest first.
	History(ctx context.Context, limit int) ([]ExecutionRecord, error)
}

// SummaryStore keeps the last published aggregation result for the
// dashboard endpoint.
type SummaryStore interface {
	SaveSummary(ctx context.Context, result *AggregationResult) error

	// LatestSummary returns the last published result, or nil if none.
	LatestSummary(ctx context.Context) (*AggregationResult, error)
}
