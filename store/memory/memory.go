/*
Package memory provides an in-memory implementation of the report
persistence interfaces for tests.

PURPOSE:
  Mirrors the semantics of the production store closely enough to test
  the reconciler and aggregator without SQLite: positioned rows, explicit
  capacity that must be grown before appends, no uniqueness enforcement.

FAULT INJECTION:
  Table.FailAppendWith lets tests simulate a write timeout on the final
  commit, exercising the likely-succeeded policy. When set, AppendRows
  applies the write and then returns the injected error, matching a
  timeout that fires after the store committed.

SEE ALSO:
  - report/store.go: Interface contracts
  - store/sqlite: Production implementation
*/
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/printworks/report-engine/report"
)

// Table is an in-memory report.RecordTable with explicit capacity.
type Table struct {
	mu       sync.RWMutex
	rows     []report.Row
	capacity int
	nextPos  int64

	// FailAppendWith, when non-nil, is returned by the next AppendRows
	// call AFTER the rows have been written (ambiguous-commit simulation).
	FailAppendWith error
}

// NewTable creates a table with an initial row capacity.
func NewTable(capacity int) *Table {
	return &Table{capacity: capacity, nextPos: 1}
}

func (t *Table) Rows(ctx context.Context) ([]report.Row, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]report.Row, len(t.rows))
	copy(out, t.rows)
	return out, nil
}

func (t *Table) RowsInRange(ctx context.Context, from, to time.Time) ([]report.Row, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []report.Row
	for _, row := range t.rows {
		at := row.Record.CreatedAt
		if !at.Before(from) && !at.After(to) {
			out = append(out, row)
		}
	}
	return out, nil
}

func (t *Table) UpdateRow(ctx context.Context, position int64, rec report.TransactionRecord) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.rows {
		if t.rows[i].Position == position {
			t.rows[i].Record = rec
			return nil
		}
	}
	return fmt.Errorf("update: no row at position %d", position)
}

func (t *Table) AppendRows(ctx context.Context, recs []report.TransactionRecord) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.rows)+len(recs) > t.capacity {
		return fmt.Errorf("append: capacity %d exceeded (have %d, adding %d)",
			t.capacity, len(t.rows), len(recs))
	}
	for _, rec := range recs {
		t.rows = append(t.rows, report.Row{Position: t.nextPos, Record: rec})
		t.nextPos++
	}
	if err := t.FailAppendWith; err != nil {
		t.FailAppendWith = nil
		return err
	}
	return nil
}

func (t *Table) ClearRows(ctx context.Context, positions []int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	retired := make(map[int64]bool, len(positions))
	for _, p := range positions {
		retired[p] = true
	}
	kept := t.rows[:0]
	for _, row := range t.rows {
		if !retired[row.Position] {
			kept = append(kept, row)
		}
	}
	t.rows = kept
	return nil
}

func (t *Table) RowCount(ctx context.Context) (int, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rows), nil
}

func (t *Table) EnsureCapacity(ctx context.Context, rows int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rows > t.capacity {
		t.capacity = rows
	}
	return nil
}

// Capacity reports the current capacity (test assertion helper).
func (t *Table) Capacity() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.capacity
}

// Targets is an in-memory report.TargetSource.
type Targets struct {
	// Entries maps "YYYY-MM" to per-service target amounts.
	Entries map[string]map[report.ServiceTag]decimal.Decimal
}

func monthKey(year int, month time.Month) string {
	return fmt.Sprintf("%04d-%02d", year, int(month))
}

func NewTargets() *Targets {
	return &Targets{Entries: make(map[string]map[report.ServiceTag]decimal.Decimal)}
}

func (t *Targets) Set(year int, month time.Month, svc report.ServiceTag, amount decimal.Decimal) {
	key := monthKey(year, month)
	if t.Entries[key] == nil {
		t.Entries[key] = make(map[report.ServiceTag]decimal.Decimal)
	}
	t.Entries[key][svc] = amount
}

func (t *Targets) MonthlyTargets(ctx context.Context, year int, month time.Month) (map[report.ServiceTag]decimal.Decimal, error) {
	out := make(map[report.ServiceTag]decimal.Decimal)
	for svc, amount := range t.Entries[monthKey(year, month)] {
		out[svc] = amount
	}
	return out, nil
}
