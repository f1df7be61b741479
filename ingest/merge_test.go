package ingest_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/printworks/report-engine/ingest"
	"github.com/printworks/report-engine/report"
	"github.com/printworks/report-engine/store/memory"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newReconciler(table *memory.Table) *ingest.Reconciler {
	return ingest.NewReconciler(table, zerolog.Nop())
}

func order(id string, amount int64, day int) report.TransactionRecord {
	return report.TransactionRecord{
		ID:        id,
		Service:   report.ServicePhotopri,
		Amount:    decimal.NewFromInt(amount),
		CreatedAt: time.Date(2025, time.June, day, 12, 0, 0, 0, time.UTC),
	}
}

func tableIDs(t *testing.T, table *memory.Table) []string {
	rows, err := table.Rows(context.Background())
	require.NoError(t, err)
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.Record.ID)
	}
	return ids
}

// =============================================================================
// NO-DUPLICATION / IDEMPOTENCE
// =============================================================================

func TestMerge_NewRecordsAppended(t *testing.T) {
	table := memory.NewTable(10)
	r := newReconciler(table)

	rep, err := r.Merge(context.Background(), []report.TransactionRecord{
		order("o-1", 1000, 2), order("o-2", 2000, 3),
	}, report.MergeAppend)

	require.NoError(t, err)
	assert.Equal(t, 2, rep.Inserted)
	assert.Equal(t, []string{"o-1", "o-2"}, tableIDs(t, table))
}

func TestMerge_IdenticalBatchIsNoop(t *testing.T) {
	// GIVEN: A batch already merged
	// WHEN: The same batch is merged again
	// THEN: No row is written; every record counts as unchanged

	table := memory.NewTable(10)
	r := newReconciler(table)
	batch := []report.TransactionRecord{order("o-1", 1000, 2), order("o-2", 2000, 3)}

	_, err := r.Merge(context.Background(), batch, report.MergeAppend)
	require.NoError(t, err)

	rep, err := r.Merge(context.Background(), batch, report.MergeAppend)
	require.NoError(t, err)

	assert.Equal(t, 0, rep.Inserted)
	assert.Equal(t, 0, rep.Updated)
	assert.Equal(t, 2, rep.Unchanged)
	assert.Len(t, tableIDs(t, table), 2)
}

func TestMerge_ChangedRecordUpdatedInPlace(t *testing.T) {
	// A refund changes the amount of an already-stored order: the existing
	// position is rewritten, never a second row added.

	table := memory.NewTable(10)
	r := newReconciler(table)

	_, err := r.Merge(context.Background(), []report.TransactionRecord{order("o-1", 1000, 2)}, report.MergeAppend)
	require.NoError(t, err)

	rep, err := r.Merge(context.Background(), []report.TransactionRecord{order("o-1", 800, 2)}, report.MergeAppend)
	require.NoError(t, err)

	assert.Equal(t, 1, rep.Updated)
	assert.Equal(t, 0, rep.Inserted)

	rows, err := table.Rows(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, decimal.NewFromInt(800).Equal(rows[0].Record.Amount))
	assert.Equal(t, int64(1), rows[0].Position, "update must keep the original position")
}

func TestMerge_DuplicateIDsWithinBatchCollapse(t *testing.T) {
	// Overlapping pages can repeat an order; the last occurrence wins.

	table := memory.NewTable(10)
	r := newReconciler(table)

	rep, err := r.Merge(context.Background(), []report.TransactionRecord{
		order("o-1", 1000, 2),
		order("o-1", 1200, 2),
	}, report.MergeAppend)
	require.NoError(t, err)

	assert.Equal(t, 1, rep.Inserted)
	rows, err := table.Rows(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, decimal.NewFromInt(1200).Equal(rows[0].Record.Amount))
}

// =============================================================================
// OVERWRITE-MODE DUPLICATE REPAIR
// =============================================================================

func TestMerge_OverwriteRepairsDuplicateRows(t *testing.T) {
	// GIVEN: An earlier partial run left the same order on two positions
	// WHEN: An overwrite merge covers that time window
	// THEN: The first position keeps the fresh record, the surplus position
	//       is cleared and never reused

	table := memory.NewTable(10)
	// Simulate the damage directly: two rows for o-1.
	require.NoError(t, table.AppendRows(context.Background(), []report.TransactionRecord{
		order("o-1", 1000, 2),
		order("o-2", 2000, 3),
		order("o-1", 1000, 2),
	}))

	r := newReconciler(table)
	rep, err := r.Merge(context.Background(), []report.TransactionRecord{
		order("o-1", 1100, 2), order("o-2", 2000, 3),
	}, report.MergeOverwrite)
	require.NoError(t, err)

	assert.Equal(t, 1, rep.Repaired)
	assert.Equal(t, 1, rep.Updated)
	assert.Equal(t, 1, rep.Unchanged)

	rows, err := table.Rows(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(1), rows[0].Position)
	assert.True(t, decimal.NewFromInt(1100).Equal(rows[0].Record.Amount))
	assert.Equal(t, int64(2), rows[1].Position)

	// A later append must not resurrect position 3.
	rep, err = r.Merge(context.Background(), []report.TransactionRecord{order("o-3", 3000, 4)}, report.MergeAppend)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Inserted)

	rows, err = table.Rows(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), rows[2].Position, "cleared positions must stay retired")
}

func TestMerge_AppendModeLeavesDuplicatesAlone(t *testing.T) {
	table := memory.NewTable(10)
	require.NoError(t, table.AppendRows(context.Background(), []report.TransactionRecord{
		order("o-1", 1000, 2),
		order("o-1", 1000, 2),
	}))

	r := newReconciler(table)
	rep, err := r.Merge(context.Background(), []report.TransactionRecord{order("o-1", 1000, 2)}, report.MergeAppend)
	require.NoError(t, err)

	assert.Equal(t, 0, rep.Repaired)
	assert.Len(t, tableIDs(t, table), 2)
}

func TestMerge_OverwriteIgnoresDuplicatesOutsideWindow(t *testing.T) {
	// Duplicate rows from another month are out of the batch's time window
	// and must not be touched.

	table := memory.NewTable(10)
	old := report.TransactionRecord{
		ID: "o-old", Service: report.ServicePhotopri,
		Amount:    decimal.NewFromInt(500),
		CreatedAt: time.Date(2025, time.January, 10, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, table.AppendRows(context.Background(), []report.TransactionRecord{old, old}))

	r := newReconciler(table)
	rep, err := r.Merge(context.Background(), []report.TransactionRecord{order("o-1", 1000, 2)}, report.MergeOverwrite)
	require.NoError(t, err)

	assert.Equal(t, 0, rep.Repaired)
	assert.Len(t, tableIDs(t, table), 3)
}

// =============================================================================
// CAPACITY
// =============================================================================

func TestMerge_GrowsCapacityBeforeAppend(t *testing.T) {
	// GIVEN: A table with room for two rows
	// WHEN: A batch of five is merged
	// THEN: Capacity is grown first and the append succeeds

	table := memory.NewTable(2)
	r := newReconciler(table)

	batch := []report.TransactionRecord{
		order("o-1", 1, 2), order("o-2", 2, 2), order("o-3", 3, 2),
		order("o-4", 4, 2), order("o-5", 5, 2),
	}
	rep, err := r.Merge(context.Background(), batch, report.MergeAppend)
	require.NoError(t, err)

	assert.Equal(t, 5, rep.Inserted)
	assert.GreaterOrEqual(t, table.Capacity(), 5)
}

// =============================================================================
// LIKELY-SUCCEEDED TIMEOUT POLICY
// =============================================================================

func TestMerge_PersistenceTimeoutReportedNotRetried(t *testing.T) {
	// GIVEN: The store commit times out after the write was sent
	// WHEN: The merge hits the timeout
	// THEN: The merge reports TimedOut without error and does NOT retry -
	//       a retry could duplicate the committed rows

	table := memory.NewTable(10)
	table.FailAppendWith = report.ErrPersistenceTimeout

	r := newReconciler(table)
	rep, err := r.Merge(context.Background(), []report.TransactionRecord{order("o-1", 1000, 2)}, report.MergeAppend)

	require.NoError(t, err, "likely-succeeded timeouts must not fail the merge")
	assert.True(t, rep.TimedOut)
	assert.Equal(t, 1, rep.Inserted)

	// Exactly one write reached the store: no retry happened.
	assert.Len(t, tableIDs(t, table), 1)

	// The next merge of the same batch sees the committed row.
	rep, err = r.Merge(context.Background(), []report.TransactionRecord{order("o-1", 1000, 2)}, report.MergeAppend)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Unchanged)
	assert.Len(t, tableIDs(t, table), 1)
}

func TestMerge_EmptyBatchIsNoop(t *testing.T) {
	table := memory.NewTable(10)
	r := newReconciler(table)

	rep, err := r.Merge(context.Background(), nil, report.MergeOverwrite)
	require.NoError(t, err)
	assert.Equal(t, report.MergeReport{}, rep)
}
