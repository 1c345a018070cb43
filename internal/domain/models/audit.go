package models

import "time"

// Audit operation types.
const (
	OpResolve         = "resolve"
	OpComputeAnalysis = "compute_analysis"
	OpRefresh         = "refresh"
	OpBackfill        = "backfill"
)

// AuditEntry is one operational record for the write-only audit sink.
// Entries are fire-and-forget: the core never reads them back.
type AuditEntry struct {
	Timestamp    time.Time `json:"ts"`
	Ticker       string    `json:"ticker"`
	Operation    string    `json:"operation"`
	RowsAffected int64     `json:"rows_affected"`
	Success      bool      `json:"success"`
	Error        string    `json:"error,omitempty"`
	DurationMS   int64     `json:"duration_ms"`
}
