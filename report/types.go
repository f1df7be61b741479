/*
Package report contains the core weekly-report domain.

PURPOSE:
  This package holds the domain types and algorithms shared by the whole
  pipeline: the closed set of service tags, the transaction record shape,
  the merge report returned by the reconciling uploader, and the
  aggregation result rendered into the weekly summary.

KEY CONCEPTS IN THIS FILE (types.go):
  - ServiceTag: which storefront/business line a record belongs to
  - TransactionRecord: one order/sale event, keyed by its external id
  - MergeReport: outcome of reconciling a batch into the store
  - AggregationResult: the three-section weekly report payload

DESIGN PRINCIPLES:
  1. Precision: all money is decimal.Decimal, never float64
  2. Closed enumeration: an unknown service tag is a data-integrity
     error, never silently summed away
  3. The store guarantees nothing about uniqueness; the reconciler does

SEE ALSO:
  - errors.go: Error taxonomy
  - aggregate.go: AggregationResult construction
  - format.go: Rendering
*/
package report

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SERVICE TAG - Closed enumeration of business lines
// =============================================================================

type ServiceTag string

const (
	ServiceArtgraph ServiceTag = "#A"
	ServicePhotopri ServiceTag = "#P"
	ServiceE1Print  ServiceTag = "#E"
	ServiceQoo      ServiceTag = "#Q"
	ServiceTette    ServiceTag = "#T"
)

// TrackedServices are the four services that participate in targets and
// section totals. ServiceTette is recognized but reported separately and
// never contributes to totals or the weekend section.
var TrackedServices = []ServiceTag{ServiceArtgraph, ServicePhotopri, ServiceE1Print, ServiceQoo}

// DisplayOrder is the fixed rendering order expected by the chat consumer.
var DisplayOrder = []ServiceTag{ServicePhotopri, ServiceE1Print, ServiceArtgraph, ServiceQoo}

// ParseServiceTag validates a tag against the closed set.
func ParseServiceTag(s string) (ServiceTag, error) {
	switch ServiceTag(s) {
	case ServiceArtgraph, ServicePhotopri, ServiceE1Print, ServiceQoo, ServiceTette:
		return ServiceTag(s), nil
	}
	return "", &UnknownServiceError{Tag: s}
}

// Tracked reports whether the tag counts toward section totals.
func (s ServiceTag) Tracked() bool {
	for _, t := range TrackedServices {
		if s == t {
			return true
		}
	}
	return false
}

// =============================================================================
// TRANSACTION RECORD - One order event from a storefront export
// =============================================================================

// TransactionRecord is a single order as fetched from a storefront.
// ID is the external order identifier and is globally unique across the
// store: re-ingesting the same id must update in place, never duplicate.
type TransactionRecord struct {
	ID         string
	Service    ServiceTag
	Amount     decimal.Decimal
	CreatedAt  time.Time // normalized to the reporting timezone
	CustomerID string
	Email      string
}

// Equal compares the fields the store persists. Used by the reconciler to
// skip rewriting rows that have not changed.
func (r TransactionRecord) Equal(o TransactionRecord) bool {
	return r.ID == o.ID &&
		r.Service == o.Service &&
		r.Amount.Equal(o.Amount) &&
		r.CreatedAt.Equal(o.CreatedAt) &&
		r.CustomerID == o.CustomerID &&
		r.Email == o.Email
}

// MergeMode selects how the reconciler treats the existing table.
type MergeMode string

const (
	// MergeAppend updates matched rows and appends new ones.
	MergeAppend MergeMode = "append"

	// MergeOverwrite additionally sweeps the batch's time window for
	// duplicate rows left behind by earlier partial runs and repairs them.
	MergeOverwrite MergeMode = "overwrite"
)

// MergeReport summarizes one reconciliation pass.
type MergeReport struct {
	Inserted  int
	Updated   int
	Unchanged int
	// Repaired counts surplus duplicate positions cleared in overwrite mode.
	Repaired int
	// TimedOut is set when the final store write timed out after the merge
	// was computed. Per the upload policy such writes are treated as
	// likely-succeeded; callers may re-verify before trusting the store.
	TimedOut bool
}

// =============================================================================
// AGGREGATION RESULT - The weekly report payload
// =============================================================================

// Stat is one aggregation cell: a money amount and an order count.
// Target entries carry an amount only (Orders stays zero).
type Stat struct {
	Amount decimal.Decimal `json:"amount"`
	Orders int             `json:"orders"`
}

func (s Stat) Add(o Stat) Stat {
	return Stat{Amount: s.Amount.Add(o.Amount), Orders: s.Orders + o.Orders}
}

// Section maps service tags to stats plus a synthetic total over the four
// tracked services.
type Section struct {
	Services map[ServiceTag]Stat `json:"services"`
	Total    Stat                `json:"total"`
}

// AggregationResult is the structured weekly summary: monthly target,
// month-to-date sales, and weekend-window orders for one calendar month.
type AggregationResult struct {
	MonthlyTarget Section   `json:"monthly_target"`
	MonthlySales  Section   `json:"monthly_sales"`
	WeekendOrders Section   `json:"weekend_orders"`
	WeekendWindow Window    `json:"weekend_window"`
	GeneratedAt   time.Time `json:"generated_at"`
	Year          int       `json:"year"`
	Month         int       `json:"month"`
}

// =============================================================================
// SERVICE STAT ROLLUP - Monthly per-service actuals (reference table feed)
// =============================================================================

// ServiceStat is one row of the monthly per-service rollup written back to
// the reference table after each run.
type ServiceStat struct {
	Year    int
	Month   int
	Service ServiceTag
	Amount  decimal.Decimal
	Orders  int
}

// =============================================================================
// RUN STATUS & EXECUTION HISTORY
// =============================================================================

type RunState string

const (
	StateIdle    RunState = "idle"
	StateRunning RunState = "running"
	StateSuccess RunState = "success"
	StateError   RunState = "error"
)

// RunStatus is the persisted orchestrator state. It doubles as the
// cross-process mutual-exclusion flag: acquisition is a compare-and-swap
// on the status store, never an in-memory lock.
type RunStatus struct {
	Status      RunState  `json:"status"`
	Message     string    `json:"message"`
	LastUpdated time.Time `json:"last_updated"`
}

// StaleRunThreshold is how old a "running" status must be before a new run
// may assume the previous process crashed and take over.
const StaleRunThreshold = time.Hour

type RunMode string

const (
	RunScheduled RunMode = "scheduled"
	RunManual    RunMode = "manual"
)

// ExecutionRecord is one append-only history entry per pipeline run.
type ExecutionRecord struct {
	ID         string    `json:"id"`
	Mode       RunMode   `json:"mode"`
	Status     RunState  `json:"status"`
	Message    string    `json:"message"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}
