package pipeline_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/printworks/report-engine/ingest"
	"github.com/printworks/report-engine/pipeline"
	"github.com/printworks/report-engine/report"
	"github.com/printworks/report-engine/store/memory"
	"github.com/printworks/report-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type stubFetcher struct {
	batch []report.TransactionRecord
	err   error
}

func (s *stubFetcher) FetchAll(context.Context, ingest.FetchRange) ([]report.TransactionRecord, error) {
	return s.batch, s.err
}

type captureNotifier struct {
	sent []string
	err  error
}

func (c *captureNotifier) Send(_ context.Context, text string) error {
	c.sent = append(c.sent, text)
	return c.err
}

type runnerFixture struct {
	runner   *pipeline.Runner
	store    *sqlite.Store
	table    *memory.Table
	fetcher  *stubFetcher
	notifier *captureNotifier
	now      time.Time
}

func newRunnerFixture(t *testing.T) *runnerFixture {
	loc, err := report.LoadReportingLocation("")
	require.NoError(t, err)

	store, err := sqlite.New(":memory:", loc)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	table := memory.NewTable(100)
	fetcher := &stubFetcher{}
	notifier := &captureNotifier{}
	now := time.Date(2025, time.June, 16, 9, 0, 0, 0, loc)

	runner := &pipeline.Runner{
		Fetcher:    fetcher,
		Merger:     ingest.NewReconciler(table, zerolog.Nop()),
		Aggregator: report.NewAggregator(table, memory.NewTargets(), loc, zerolog.Nop()),
		Table:      table,
		Stats:      store,
		Status:     store,
		History:    store,
		Summaries:  store,
		Notify:     notifier,
		Loc:        loc,
		Log:        zerolog.Nop(),
		Now:        func() time.Time { return now },
	}
	return &runnerFixture{runner: runner, store: store, table: table, fetcher: fetcher, notifier: notifier, now: now}
}

func juneOrder(id string, amount int64, day int, loc *time.Location) report.TransactionRecord {
	return report.TransactionRecord{
		ID:        id,
		Service:   report.ServicePhotopri,
		Amount:    decimal.NewFromInt(amount),
		CreatedAt: time.Date(2025, time.June, day, 10, 0, 0, 0, loc),
	}
}

// =============================================================================
// SUCCESS PATH
// =============================================================================

func TestRun_SuccessPublishesAndNotifies(t *testing.T) {
	// GIVEN: Two fresh June orders
	// WHEN: A scheduled run executes
	// THEN: Status ends "success", one history record is appended, the
	//       summary is persisted and the rendered text goes to the chat

	f := newRunnerFixture(t)
	loc := f.now.Location()
	f.fetcher.batch = []report.TransactionRecord{
		juneOrder("o-1", 1000, 3, loc),
		juneOrder("o-2", 2000, 10, loc),
	}

	result, err := f.runner.Run(context.Background(), report.RunScheduled, pipeline.DefaultOptions())
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, 2, result.MonthlySales.Total.Orders)

	status, err := f.store.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, report.StateSuccess, status.Status)

	history, err := f.store.History(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, report.RunScheduled, history[0].Mode)
	assert.Equal(t, report.StateSuccess, history[0].Status)
	assert.NotEmpty(t, history[0].ID)

	saved, err := f.store.LatestSummary(context.Background())
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, 2, saved.MonthlySales.Total.Orders)

	require.Len(t, f.notifier.sent, 1)
	assert.True(t, strings.HasPrefix(f.notifier.sent[0], "📈"))
	assert.Contains(t, f.notifier.sent[0], "3,000円")

	stats, err := f.store.ServiceStats(context.Background(), 2025, time.June)
	require.NoError(t, err)
	assert.Len(t, stats, 5, "rollup runs as part of the pipeline")
}

func TestRun_NotifyDisabledSkipsDelivery(t *testing.T) {
	f := newRunnerFixture(t)
	f.fetcher.batch = []report.TransactionRecord{juneOrder("o-1", 1000, 3, f.now.Location())}

	opts := pipeline.DefaultOptions()
	opts.Notify = false
	_, err := f.runner.Run(context.Background(), report.RunManual, opts)
	require.NoError(t, err)

	assert.Empty(t, f.notifier.sent)

	// The summary is still persisted for the dashboard.
	saved, err := f.store.LatestSummary(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, saved)
}

func TestRun_NotificationFailureDoesNotFailRun(t *testing.T) {
	// The summary is already persisted when delivery happens; a down
	// webhook must not turn a completed run into a failure.

	f := newRunnerFixture(t)
	f.fetcher.batch = []report.TransactionRecord{juneOrder("o-1", 1000, 3, f.now.Location())}
	f.notifier.err = errors.New("webhook down")

	_, err := f.runner.Run(context.Background(), report.RunScheduled, pipeline.DefaultOptions())
	require.NoError(t, err)

	status, err := f.store.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, report.StateSuccess, status.Status)
}

// =============================================================================
// MUTUAL EXCLUSION
// =============================================================================

func TestRun_RejectedWhileAnotherRunHoldsStatus(t *testing.T) {
	// GIVEN: Another process acquired the status ten minutes ago
	// WHEN: A manual run is triggered
	// THEN: It is rejected with no side effects - no history entry, no
	//       fetch, no notification

	f := newRunnerFixture(t)
	require.NoError(t, f.store.TryAcquire(context.Background(), f.now.Add(-10*time.Minute), "other run"))
	f.fetcher.err = errors.New("fetch must never be called")

	_, err := f.runner.Run(context.Background(), report.RunManual, pipeline.DefaultOptions())

	require.Error(t, err)
	assert.ErrorIs(t, err, report.ErrRunInProgress)

	history, histErr := f.store.History(context.Background(), 10)
	require.NoError(t, histErr)
	assert.Empty(t, history)
	assert.Empty(t, f.notifier.sent)
}

func TestRun_TakesOverStaleRunning(t *testing.T) {
	f := newRunnerFixture(t)
	require.NoError(t, f.store.TryAcquire(context.Background(), f.now.Add(-2*time.Hour), "crashed run"))
	f.fetcher.batch = []report.TransactionRecord{juneOrder("o-1", 1000, 3, f.now.Location())}

	_, err := f.runner.Run(context.Background(), report.RunScheduled, pipeline.DefaultOptions())
	require.NoError(t, err)

	status, err := f.store.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, report.StateSuccess, status.Status)
}

// =============================================================================
// FAILURE PATH
// =============================================================================

func TestRun_FetchFailureRecordsErrorAndNotifies(t *testing.T) {
	// GIVEN: Every storefront fetch fails after retries
	// THEN: Status ends "error", the history entry carries the message,
	//       and a failure notice goes to the chat

	f := newRunnerFixture(t)
	f.fetcher.err = &report.FetchError{Store: "artgraph", Attempts: 5, Err: errors.New("status 502")}

	_, err := f.runner.Run(context.Background(), report.RunScheduled, pipeline.DefaultOptions())
	require.Error(t, err)
	assert.ErrorIs(t, err, report.ErrTransientFetch)

	status, statusErr := f.store.Status(context.Background())
	require.NoError(t, statusErr)
	assert.Equal(t, report.StateError, status.Status)
	assert.Contains(t, status.Message, "artgraph")

	history, histErr := f.store.History(context.Background(), 10)
	require.NoError(t, histErr)
	require.Len(t, history, 1)
	assert.Equal(t, report.StateError, history[0].Status)

	require.Len(t, f.notifier.sent, 1)
	assert.True(t, strings.HasPrefix(f.notifier.sent[0], "❌"))
	assert.Contains(t, f.notifier.sent[0], "artgraph")
}

func TestRun_UnknownTagAbortsBeforePublishing(t *testing.T) {
	// A record with a foreign tag must fail the run, not be summed away.

	f := newRunnerFixture(t)
	bad := juneOrder("o-bad", 1000, 3, f.now.Location())
	bad.Service = report.ServiceTag("#Z")
	f.fetcher.batch = []report.TransactionRecord{bad}

	_, err := f.runner.Run(context.Background(), report.RunScheduled, pipeline.DefaultOptions())

	require.Error(t, err)
	assert.ErrorIs(t, err, report.ErrDataIntegrity)

	saved, sumErr := f.store.LatestSummary(context.Background())
	require.NoError(t, sumErr)
	assert.Nil(t, saved, "no summary may be published from bad data")
}
