/*
errors.go - Centralized error types for the report engine

PURPOSE:
  All error categories in one place. Components wrap these with context;
  the orchestrator classifies them to decide between retry, abort, and
  warn-and-continue.

ERROR CATEGORIES:
  1. Transient fetch errors  - rate limits / network, retried with backoff
  2. Data integrity errors   - invariant violations, always fatal
  3. Concurrency conflicts   - run already in progress, returned to caller
  4. Persistence timeouts    - ambiguous commit outcome, warn and continue
  5. Authentication errors   - bad trigger token, rejected with no side effects

USAGE:
  if errors.Is(err, report.ErrTransientFetch) {
      // bounded retry already exhausted upstream; abort the run
  }

SEE ALSO:
  - ingest/fetch.go: Produces transient fetch errors
  - ingest/merge.go: Produces persistence timeout reports
  - pipeline/runner.go: Classification at the orchestration boundary
*/
package report

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrTransientFetch is returned when a storefront fetch failed after
	// bounded retries (rate limit or network). The whole fetch fails; a
	// partially-filled result is never returned silently.
	ErrTransientFetch = errors.New("transient fetch failure")

	// ErrDataIntegrity is returned when an aggregation invariant is
	// violated or a malformed reference row is encountered. Never
	// auto-corrected.
	ErrDataIntegrity = errors.New("data integrity violation")

	// ErrRunInProgress is returned when a run is triggered while another
	// holds a fresh "running" status.
	ErrRunInProgress = errors.New("run already in progress")

	// ErrPersistenceTimeout marks a store write whose outcome is unknown:
	// the commit may have landed before the timeout fired.
	ErrPersistenceTimeout = errors.New("persistence timeout: commit outcome unknown")

	// ErrUnauthorized is returned when a trigger token is not on the
	// configured allow-list.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrMissingColumn is returned when a reference table does not carry
	// an expected column. Fatal at startup.
	ErrMissingColumn = errors.New("reference table missing expected column")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// UnknownServiceError reports a tag outside the closed service set. It is
// a data-integrity error: a leaked tag must surface, not be summed away.
type UnknownServiceError struct {
	Tag      string
	RecordID string
}

func (e *UnknownServiceError) Error() string {
	if e.RecordID != "" {
		return fmt.Sprintf("unknown service tag %q on record %s", e.Tag, e.RecordID)
	}
	return fmt.Sprintf("unknown service tag %q", e.Tag)
}

func (e *UnknownServiceError) Unwrap() error { return ErrDataIntegrity }

// TotalMismatchError reports a section whose total diverged from the sum
// of its per-service counts.
type TotalMismatchError struct {
	Section     string
	TotalOrders int
	SumOrders   int
}

func (e *TotalMismatchError) Error() string {
	return fmt.Sprintf("section %s: total orders %d != per-service sum %d",
		e.Section, e.TotalOrders, e.SumOrders)
}

func (e *TotalMismatchError) Unwrap() error { return ErrDataIntegrity }

// FetchError wraps the terminal failure of one storefront fetch.
type FetchError struct {
	Store    string
	Attempts int
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s failed after %d attempts: %v", e.Store, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error { return ErrTransientFetch }

// ConflictError reports a rejected trigger with the age of the run that
// holds the status.
type ConflictError struct {
	Since time.Time
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("run already in progress since %s", e.Since.Format(time.RFC3339))
}

func (e *ConflictError) Unwrap() error { return ErrRunInProgress }

// MissingColumnError names the table and column that failed validation.
type MissingColumnError struct {
	Table  string
	Column string
}

func (e *MissingColumnError) Error() string {
	return fmt.Sprintf("table %s: missing expected column %q", e.Table, e.Column)
}

func (e *MissingColumnError) Unwrap() error { return ErrMissingColumn }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsFatal reports whether the error must abort the run (everything except
// the ambiguous persistence timeout, which is warn-and-continue).
func IsFatal(err error) bool {
	return err != nil && !errors.Is(err, ErrPersistenceTimeout)
}

// IsConflict reports whether the error is a run-in-progress rejection.
func IsConflict(err error) bool {
	return errors.Is(err, ErrRunInProgress)
}
