/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication, decoupling the
  internal domain model from the external contract.

TYPES:
  StatusDTO:      Run status for dashboards
  RunAcceptedDTO: Ack for a manual trigger
  ExecutionDTO:   One execution-history entry
  SummaryDTO:     The latest published summary plus its rendered text

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/printworks/report-engine/report"
)

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// StatusDTO is the current run status.
type StatusDTO struct {
	Status      string `json:"status"`
	Message     string `json:"message,omitempty"`
	LastUpdated string `json:"last_updated"`
}

// RunAcceptedDTO acknowledges a manual trigger. The run continues in the
// background; poll /api/status for its outcome.
type RunAcceptedDTO struct {
	Accepted  bool   `json:"accepted"`
	Notify    bool   `json:"notify"`
	StartedAt string `json:"started_at"`
}

// ExecutionDTO is one execution-history entry.
type ExecutionDTO struct {
	ID         string `json:"id"`
	Mode       string `json:"mode"`
	Status     string `json:"status"`
	Message    string `json:"message,omitempty"`
	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at"`
}

// SummaryDTO is the latest published aggregation result plus the exact
// text that was (or would be) delivered to the chat channel.
type SummaryDTO struct {
	GeneratedAt string                    `json:"generated_at"`
	Year        int                       `json:"year"`
	Month       int                       `json:"month"`
	Result      *report.AggregationResult `json:"result"`
	Text        string                    `json:"text"`
}

// ErrorDTO is the uniform error envelope.
type ErrorDTO struct {
	Error string `json:"error"`
}

func executionDTO(rec report.ExecutionRecord) ExecutionDTO {
	return ExecutionDTO{
		ID:         rec.ID,
		Mode:       string(rec.Mode),
		Status:     string(rec.Status),
		Message:    rec.Message,
		StartedAt:  rec.StartedAt.Format(time.RFC3339),
		FinishedAt: rec.FinishedAt.Format(time.RFC3339),
	}
}
