/*
handlers.go - HTTP handler implementations

PURPOSE:
  Implements the control-surface endpoints: status, manual trigger,
  execution history, latest summary.

MANUAL TRIGGER:
  POST /api/run requires an X-API-Key on the configured allow-list; a
  missing or unknown key is rejected with 401 before any side effect.
  The handler pre-checks the status store and rejects with 409 when a
  fresh run holds it, then acks 202 and detaches the run. The pre-check
  is advisory: the authoritative mutual exclusion is the status store's
  compare-and-swap inside the runner, so a race between two triggers
  still ends with exactly one run.

SEE ALSO:
  - server.go: Route wiring
  - pipeline/runner.go: The run the trigger detaches
*/
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/printworks/report-engine/pipeline"
	"github.com/printworks/report-engine/report"
)

// runTimeout bounds a detached manual run.
const runTimeout = 10 * time.Minute

// Handler holds the dependencies for all endpoints.
type Handler struct {
	Runner    *pipeline.Runner
	Status    report.StatusStore
	History   report.HistoryStore
	Summaries report.SummaryStore

	// APIKeys is the trigger allow-list. Empty means the trigger is
	// disabled, not open.
	APIKeys []string

	Loc *time.Location
	Log zerolog.Logger
}

// =============================================================================
// STATUS
// =============================================================================

// GetStatus returns the current run status.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.Status.Status(r.Context())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "failed to read run status")
		return
	}

	h.writeJSON(w, http.StatusOK, StatusDTO{
		Status:      string(status.Status),
		Message:     status.Message,
		LastUpdated: status.LastUpdated.In(h.Loc).Format(time.RFC3339),
	})
}

// =============================================================================
// MANUAL TRIGGER
// =============================================================================

// TriggerRun starts a manual pipeline run in the background.
// Query parameter notify=false suppresses the chat delivery.
func (h *Handler) TriggerRun(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		h.writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	status, err := h.Status.Status(r.Context())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "failed to read run status")
		return
	}
	if status.Status == report.StateRunning &&
		time.Since(status.LastUpdated) < report.StaleRunThreshold {
		h.writeError(w, http.StatusConflict, "run already in progress")
		return
	}

	notify := true
	if v := r.URL.Query().Get("notify"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "notify must be a boolean")
			return
		}
		notify = parsed
	}

	opts := pipeline.DefaultOptions()
	opts.Notify = notify

	startedAt := time.Now().In(h.Loc)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
		defer cancel()
		if _, err := h.Runner.Run(ctx, report.RunManual, opts); err != nil {
			if pipeline.IsConflict(err) {
				h.Log.Warn().Err(err).Msg("manual trigger lost the acquisition race")
				return
			}
			h.Log.Error().Err(err).Msg("manual run failed")
		}
	}()

	h.writeJSON(w, http.StatusAccepted, RunAcceptedDTO{
		Accepted:  true,
		Notify:    notify,
		StartedAt: startedAt.Format(time.RFC3339),
	})
}

// authorized checks the X-API-Key header against the allow-list using a
// constant-time comparison.
func (h *Handler) authorized(r *http.Request) bool {
	key := r.Header.Get("X-API-Key")
	if key == "" {
		return false
	}
	for _, allowed := range h.APIKeys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(allowed)) == 1 {
			return true
		}
	}
	return false
}

// =============================================================================
// HISTORY
// =============================================================================

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// GetHistory returns recent execution records, newest first.
// Query parameter limit caps the result (default 20, max 100).
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			h.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	records, err := h.History.History(r.Context(), limit)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "failed to read history")
		return
	}

	out := make([]ExecutionDTO, 0, len(records))
	for _, rec := range records {
		out = append(out, executionDTO(rec))
	}
	h.writeJSON(w, http.StatusOK, out)
}

// =============================================================================
// LATEST SUMMARY
// =============================================================================

// GetLatestSummary returns the last published aggregation result along
// with its rendered text. 404 when no run has published yet.
func (h *Handler) GetLatestSummary(w http.ResponseWriter, r *http.Request) {
	result, err := h.Summaries.LatestSummary(r.Context())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "failed to read summary")
		return
	}
	if result == nil {
		h.writeError(w, http.StatusNotFound, "no summary published yet")
		return
	}

	h.writeJSON(w, http.StatusOK, SummaryDTO{
		GeneratedAt: result.GeneratedAt.Format(time.RFC3339),
		Year:        result.Year,
		Month:       result.Month,
		Result:      result,
		Text:        report.Format(result),
	})
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.Log.Error().Err(err).Msg("failed to encode response")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, ErrorDTO{Error: msg})
}
