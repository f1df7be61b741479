/*
merge.go - Reconciling uploader

PURPOSE:
  Merges a batch of freshly fetched transaction records into the
  persistent record table without ever duplicating a logical record. The
  table itself enforces nothing; this file is where the one-row-per-id
  invariant lives.

ALGORITHM:
  1. One pass over the existing table builds an id -> positions index.
  2. Each incoming record either updates its existing position (only when
     the fields actually changed), or is queued for append.
  3. Overwrite mode sweeps the batch's time window for ids occupying more
     than one position - damage from earlier partial runs - and repairs
     them: the first position survives, surplus positions are cleared.
  4. Capacity is grown before appending; the table is never truncated.

FAILURE SEMANTICS:
  A write timeout after the merge has been computed is treated as
  LIKELY-SUCCEEDED: the store commit may have landed before the timeout
  fired, so retrying the batch would risk duplicate inserts. The merge
  logs a warning, sets MergeReport.TimedOut, and does not retry. Known
  weak point: a stricter implementation would re-read the affected rows
  to confirm the write landed before reporting success.

IDEMPOTENCE:
  Merging an identical batch again performs no writes: every record
  compares equal to its stored row and is counted as unchanged.

SEE ALSO:
  - report/store.go: RecordTable contract
  - fetch.go: Produces the batches merged here
*/
package ingest

import (
	"context"
	"errors"
	"net"
	"sort"

	"github.com/rs/zerolog"

	"github.com/printworks/report-engine/report"
)

// Reconciler merges record batches into a RecordTable.
type Reconciler struct {
	Table report.RecordTable
	Log   zerolog.Logger
}

func NewReconciler(table report.RecordTable, log zerolog.Logger) *Reconciler {
	return &Reconciler{Table: table, Log: log}
}

// Merge reconciles records into the table. See the file header for the
// full contract. The returned report is valid even when TimedOut is set.
func (r *Reconciler) Merge(ctx context.Context, records []report.TransactionRecord, mode report.MergeMode) (report.MergeReport, error) {
	var rep report.MergeReport

	batch := dedupeBatch(records)
	if len(batch) == 0 {
		return rep, nil
	}

	rows, err := r.Table.Rows(ctx)
	if err != nil {
		return rep, err
	}

	index := make(map[string][]report.Row, len(rows))
	for _, row := range rows {
		index[row.Record.ID] = append(index[row.Record.ID], row)
	}

	var appends []report.TransactionRecord
	for _, rec := range batch {
		existing, ok := index[rec.ID]
		if !ok {
			appends = append(appends, rec)
			continue
		}
		if existing[0].Record.Equal(rec) {
			rep.Unchanged++
			continue
		}
		if err := r.Table.UpdateRow(ctx, existing[0].Position, rec); err != nil {
			if !r.handleWriteError(err, &rep, "update") {
				return rep, err
			}
			return rep, nil
		}
		rep.Updated++
	}

	liveRows := len(rows)
	if mode == report.MergeOverwrite {
		repaired, err := r.repairDuplicates(ctx, index, batchWindow(batch))
		if err != nil {
			return rep, err
		}
		rep.Repaired = repaired
		liveRows -= repaired
	}

	if len(appends) > 0 {
		if err := r.Table.EnsureCapacity(ctx, liveRows+len(appends)); err != nil {
			return rep, err
		}
		if err := r.Table.AppendRows(ctx, appends); err != nil {
			if !r.handleWriteError(err, &rep, "append") {
				return rep, err
			}
			rep.Inserted = len(appends) // likely landed; see file header
			return rep, nil
		}
		rep.Inserted = len(appends)
	}

	r.Log.Info().
		Int("inserted", rep.Inserted).
		Int("updated", rep.Updated).
		Int("unchanged", rep.Unchanged).
		Int("repaired", rep.Repaired).
		Str("mode", string(mode)).
		Msg("merge complete")

	return rep, nil
}

// repairDuplicates clears surplus positions for ids that occupy more than
// one row inside the window. The earliest position keeps the record.
func (r *Reconciler) repairDuplicates(ctx context.Context, index map[string][]report.Row, window report.Window) (int, error) {
	var surplus []int64
	for _, rows := range index {
		if len(rows) < 2 {
			continue
		}
		inWindow := false
		for _, row := range rows {
			if window.Contains(row.Record.CreatedAt) {
				inWindow = true
				break
			}
		}
		if !inWindow {
			continue
		}
		sort.Slice(rows, func(i, j int) bool { return rows[i].Position < rows[j].Position })
		for _, row := range rows[1:] {
			surplus = append(surplus, row.Position)
		}
	}

	if len(surplus) == 0 {
		return 0, nil
	}
	if err := r.Table.ClearRows(ctx, surplus); err != nil {
		return 0, err
	}
	r.Log.Warn().Int("positions", len(surplus)).Msg("repaired duplicate rows from earlier partial run")
	return len(surplus), nil
}

// handleWriteError applies the likely-succeeded policy. Returns true when
// the error was an ambiguous timeout and the merge should report success
// with TimedOut set; false when the caller must propagate the error.
func (r *Reconciler) handleWriteError(err error, rep *report.MergeReport, op string) bool {
	if !isTimeout(err) {
		return false
	}
	rep.TimedOut = true
	r.Log.Warn().Err(err).Str("op", op).
		Msg("store write timed out after merge was computed; treating as likely-succeeded, not retrying")
	return true
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, report.ErrPersistenceTimeout) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// dedupeBatch collapses duplicate ids within one batch, keeping the last
// occurrence (pages can overlap at their boundaries).
func dedupeBatch(records []report.TransactionRecord) []report.TransactionRecord {
	seen := make(map[string]int, len(records))
	out := make([]report.TransactionRecord, 0, len(records))
	for _, rec := range records {
		if i, ok := seen[rec.ID]; ok {
			out[i] = rec
			continue
		}
		seen[rec.ID] = len(out)
		out = append(out, rec)
	}
	return out
}

// batchWindow is the time span covered by a batch, used to scope
// overwrite-mode duplicate repair.
func batchWindow(records []report.TransactionRecord) report.Window {
	w := report.Window{Start: records[0].CreatedAt, End: records[0].CreatedAt}
	for _, rec := range records[1:] {
		if rec.CreatedAt.Before(w.Start) {
			w.Start = rec.CreatedAt
		}
		if rec.CreatedAt.After(w.End) {
			w.End = rec.CreatedAt
		}
	}
	return w
}
