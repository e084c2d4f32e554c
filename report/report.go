// Package report defines the progress and result contracts shared by the warm
// and enrichment pipelines: per-item statuses, run outcome aggregation, and an
// optional persisted JSON report.
package report

import (
	"time"

	"github.com/google/uuid"
)

// ProgressFunc receives per-item progress synchronously from a pipeline.
// Implementations must be cheap and non-blocking; the pipeline will not yield
// for them. The backoff sentinel (see BackoffSentinel) must not advance any
// user-facing "items processed" counter.
type ProgressFunc func(entityID, status string)

// BackoffSentinel is the in-band entity id and status used to announce a
// rate-limit backoff on the progress stream.
const BackoffSentinel = "__backoff__"

// Item statuses delivered on the progress stream.
const (
	StatusDownloaded   = "downloaded"
	StatusDryRun       = "dry_run"
	StatusSkipped      = "skipped"
	StatusLimitReached = "limit_reached"
	StatusFailedPrefix = "failed:" // followed by an error kind
)

// OutcomeKind tags a single enrichment item outcome.
type OutcomeKind string

const (
	OutcomeUpdated OutcomeKind = "updated"
	OutcomeDeleted OutcomeKind = "deleted"
	OutcomeSkipped OutcomeKind = "skipped"
	OutcomeFailed  OutcomeKind = "failed"
)

// Outcome is one enrichment item's result, appended in input order.
type Outcome struct {
	ID            string      `json:"id"`
	Kind          OutcomeKind `json:"status"`
	FieldsChanged []string    `json:"fields_changed,omitempty"`
	Reason        string      `json:"reason,omitempty"`
	ErrorKind     string      `json:"error_kind,omitempty"`
	Error         string      `json:"error,omitempty"`
	Old           string      `json:"old,omitempty"`
	New           string      `json:"new,omitempty"`
	DryRun        bool        `json:"dry_run,omitempty"`
}

// Summary holds the per-kind totals of a run.
type Summary struct {
	Updated    int `json:"updated"`
	Deleted    int `json:"deleted"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
	Total      int `json:"total"`
	Batches    int `json:"batches"`
	QuotaUnits int `json:"quota_units"`
}

// RunResult is the final artifact of an enrichment run.
type RunResult struct {
	RunID       string    `json:"run_id"`
	StartedAt   time.Time `json:"timestamp"`
	CompletedAt time.Time `json:"completed_at"`
	Duration    float64   `json:"duration_seconds"`
	Priority    string    `json:"priority"`
	DryRun      bool      `json:"dry_run,omitempty"`

	Summary Summary `json:"summary"`

	// Verbose-only ID lists.
	UpdatedIDs []string `json:"updated_ids,omitempty"`
	DeletedIDs []string `json:"deleted_ids,omitempty"`
	FailedIDs  []string `json:"failed_ids,omitempty"`

	Details []Outcome `json:"details,omitempty"`

	ConsecutiveFailures       int  `json:"consecutive_failures"`
	NetworkInstabilityWarning bool `json:"network_instability_warning"`
	WasInterrupted            bool `json:"was_interrupted"`
}

// NewRunResult starts a result with a fresh run id.
func NewRunResult(priority string, started time.Time) *RunResult {
	return &RunResult{RunID: uuid.NewString(), StartedAt: started.UTC(), Priority: priority}
}

// Record appends an outcome, updates totals, and tracks verbose ID lists when
// verbose is set.
func (r *RunResult) Record(o Outcome, verbose bool) {
	r.Details = append(r.Details, o)
	r.Summary.Total++
	switch o.Kind {
	case OutcomeUpdated:
		r.Summary.Updated++
		if verbose {
			r.UpdatedIDs = append(r.UpdatedIDs, o.ID)
		}
	case OutcomeDeleted:
		r.Summary.Deleted++
		if verbose {
			r.DeletedIDs = append(r.DeletedIDs, o.ID)
		}
	case OutcomeSkipped:
		r.Summary.Skipped++
	case OutcomeFailed:
		r.Summary.Failed++
		if verbose {
			r.FailedIDs = append(r.FailedIDs, o.ID)
		}
	}
}

// Finish stamps completion time and duration.
func (r *RunResult) Finish(completed time.Time) {
	r.CompletedAt = completed.UTC()
	r.Duration = r.CompletedAt.Sub(r.StartedAt).Seconds()
}

// WarmResult accumulates the outcome of one warm pass.
type WarmResult struct {
	Downloaded int `json:"downloaded"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
	NoURL      int `json:"no_url"`
	Total      int `json:"total"`

	WasInterrupted            bool `json:"was_interrupted"`
	NetworkInstabilityWarning bool `json:"network_instability_warning"`

	// Errors holds up to MaxErrorLog item error messages; the rest are counted
	// in Failed only.
	Errors []string `json:"errors,omitempty"`
}

// MaxErrorLog bounds the per-run error log carried in results.
const MaxErrorLog = 5

// NetworkInstabilityThreshold is the number of consecutive transport-level
// failures after which a run flags network instability. Shared by both
// pipelines; the run is never aborted, the operator decides.
const NetworkInstabilityThreshold = 3

// AddError appends msg to the bounded error log.
func (w *WarmResult) AddError(msg string) {
	if len(w.Errors) < MaxErrorLog {
		w.Errors = append(w.Errors, msg)
	}
}
