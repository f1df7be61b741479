/*
Package pipeline orchestrates one weekly report run end to end.

PURPOSE:
  The Runner owns the run lifecycle: acquire the cross-process run
  status, fetch, reconcile, roll up, aggregate, publish, notify, release.
  Every run appends one execution-history record whatever its outcome.

STATE MACHINE:
  idle/success/error -> running -> success | error

  Acquisition is a compare-and-swap on the status store, so two processes
  (the scheduler and a manual API trigger, or two replicas) cannot both
  run. A "running" status older than report.StaleRunThreshold is treated
  as a crashed run and taken over.

FAILURE POLICY:
  - Fetch, merge, rollup and aggregation errors abort the run: status
    "error", history "error", and a failure notice to the chat webhook.
  - A persistence timeout during merge does NOT abort (likely-succeeded,
    see ingest/merge.go); the run continues and the history message
    carries the warning.
  - Notification delivery failure never fails a completed run; the
    summary is already persisted and the error is logged.

SEE ALSO:
  - trigger.go: The weekly schedule that calls Run
  - api: The manual trigger endpoint
*/
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/printworks/report-engine/ingest"
	"github.com/printworks/report-engine/report"
)

// Fetcher yields the full normalized batch for a range.
type Fetcher interface {
	FetchAll(ctx context.Context, rng ingest.FetchRange) ([]report.TransactionRecord, error)
}

// Merger reconciles a batch into the record table.
type Merger interface {
	Merge(ctx context.Context, records []report.TransactionRecord, mode report.MergeMode) (report.MergeReport, error)
}

// Aggregator builds the weekly summary from the reconciled store.
type Aggregator interface {
	Generate(ctx context.Context, now time.Time) (*report.AggregationResult, error)
}

// Notifier delivers rendered text to the chat channel.
type Notifier interface {
	Send(ctx context.Context, text string) error
}

// Runner wires the pipeline stages together.
type Runner struct {
	Fetcher    Fetcher
	Merger     Merger
	Aggregator Aggregator
	Table      report.RecordTable
	Stats      report.StatSink
	Status     report.StatusStore
	History    report.HistoryStore
	Summaries  report.SummaryStore
	Notify     Notifier
	Loc        *time.Location
	Log        zerolog.Logger

	// Now is swappable in tests; defaults to time.Now.
	Now func() time.Time
}

// Options tunes one run.
type Options struct {
	// Range selects the fetch window. Zero value means the current month.
	Range ingest.FetchRange

	// MergeMode defaults to overwrite, the weekly run's repair mode.
	MergeMode report.MergeMode

	// Notify controls delivery of the rendered summary. Failure notices
	// are always attempted.
	Notify bool
}

// DefaultOptions is what the weekly schedule runs with.
func DefaultOptions() Options {
	return Options{
		Range:     ingest.FetchRange{Mode: ingest.RangeRecentMonths, Months: 1},
		MergeMode: report.MergeOverwrite,
		Notify:    true,
	}
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now().In(r.Loc)
	}
	return time.Now().In(r.Loc)
}

// Run executes one complete pipeline pass. It returns ErrRunInProgress
// (via ConflictError) without side effects when another run holds the
// status.
func (r *Runner) Run(ctx context.Context, mode report.RunMode, opts Options) (*report.AggregationResult, error) {
	startedAt := r.now()

	if err := r.Status.TryAcquire(ctx, startedAt, fmt.Sprintf("%s run", mode)); err != nil {
		if report.IsConflict(err) {
			r.Log.Warn().Err(err).Str("mode", string(mode)).Msg("run rejected, another run in progress")
			return nil, err
		}
		return nil, fmt.Errorf("acquire run status: %w", err)
	}

	r.Log.Info().Str("mode", string(mode)).Time("started_at", startedAt).Msg("run started")

	result, runErr := r.execute(ctx, opts)

	finishedAt := r.now()
	state := report.StateSuccess
	message := "weekly report published"
	if runErr != nil {
		state = report.StateError
		message = runErr.Error()
	}

	if err := r.Status.Release(ctx, state, message, finishedAt); err != nil {
		r.Log.Error().Err(err).Msg("failed to release run status")
	}
	r.appendHistory(ctx, mode, state, message, startedAt, finishedAt)

	if runErr != nil {
		r.sendFailureNotice(ctx, runErr, finishedAt)
		return nil, runErr
	}

	r.Log.Info().Str("mode", string(mode)).Dur("took", finishedAt.Sub(startedAt)).Msg("run finished")
	return result, nil
}

// execute runs the data stages. The status row is already held.
func (r *Runner) execute(ctx context.Context, opts Options) (*report.AggregationResult, error) {
	now := r.now()
	if opts.MergeMode == "" {
		opts.MergeMode = report.MergeOverwrite
	}
	if opts.Range.Mode == "" {
		opts.Range = ingest.FetchRange{Mode: ingest.RangeRecentMonths, Months: 1}
	}

	batch, err := r.Fetcher.FetchAll(ctx, opts.Range)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}

	rep, err := r.Merger.Merge(ctx, batch, opts.MergeMode)
	if err != nil {
		return nil, fmt.Errorf("merge: %w", err)
	}
	if rep.TimedOut {
		r.Log.Warn().Msg("merge reported a persistence timeout; continuing on likely-succeeded policy")
	}

	if _, err := report.RollupAndStore(ctx, r.Table, r.Stats, now); err != nil {
		return nil, fmt.Errorf("rollup: %w", err)
	}

	result, err := r.Aggregator.Generate(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("aggregate: %w", err)
	}

	if err := r.Summaries.SaveSummary(ctx, result); err != nil {
		return nil, fmt.Errorf("save summary: %w", err)
	}

	if opts.Notify {
		text := report.Format(result)
		if err := r.Notify.Send(ctx, text); err != nil {
			// The summary is persisted; a down webhook must not fail the run.
			r.Log.Error().Err(err).Msg("summary notification failed")
		}
	}

	return result, nil
}

func (r *Runner) appendHistory(ctx context.Context, mode report.RunMode, state report.RunState, message string, startedAt, finishedAt time.Time) {
	rec := report.ExecutionRecord{
		ID:         uuid.NewString(),
		Mode:       mode,
		Status:     state,
		Message:    message,
		StartedAt:  startedAt,
		FinishedAt: finishedAt,
	}
	if err := r.History.AppendExecution(ctx, rec); err != nil {
		r.Log.Error().Err(err).Msg("failed to append execution history")
	}
}

// sendFailureNotice posts the error summary to the chat channel. The
// notice carries the error message only; tokens and URLs never leave the
// process.
func (r *Runner) sendFailureNotice(ctx context.Context, runErr error, at time.Time) {
	if r.Notify == nil {
		return
	}
	text := report.FormatFailure(runErr.Error(), at)
	if err := r.Notify.Send(ctx, text); err != nil {
		r.Log.Error().Err(err).Msg("failure notification could not be delivered")
	}
}

// IsConflict reports whether err is a run-in-progress rejection, for
// callers that map it to a transport status.
func IsConflict(err error) bool {
	return errors.Is(err, report.ErrRunInProgress)
}
