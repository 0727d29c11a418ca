package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound signals that no progress row exists for the job.
	ErrNotFound = errors.New("progress record not found")
	// ErrJobFinished signals a count update against a job in a terminal status.
	ErrJobFinished = errors.New("progress record is finalized")
)

// Status mirrors the sync_progress.status column.
type Status string

// Job statuses persisted in sync_progress.status.
const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is one of the final statuses.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusRunning || s.Terminal()
}

// Snapshot is the persisted state of one tracked job.
type Snapshot struct {
	// JobID is the caller-assigned identifier; primary key of sync_progress.
	JobID string `json:"job_id"`
	// OrgID scopes the job to a tenant.
	OrgID string `json:"org_id"`
	// TotalItems is the expected unit of work.
	TotalItems int64 `json:"total_items"`
	// ProcessedCount and FailedCount are absolute values reported by the worker.
	ProcessedCount int64 `json:"processed_count"`
	FailedCount    int64 `json:"failed_count"`
	// Status is running until the worker finalizes the job.
	Status Status `json:"status"`
	// StartedAt is refreshed on every (re)start.
	StartedAt time.Time `json:"started_at"`
	// UpdatedAt is refreshed on every write.
	UpdatedAt time.Time `json:"updated_at"`
	// CompletedAt is nil until the first terminal transition.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// Metadata is an open bag merged on re-start. Stores return a non-nil map.
	Metadata map[string]any `json:"metadata"`
}

// Duration returns the wall time between start and completion, or zero while
// the job is still running.
func (s Snapshot) Duration() time.Duration {
	if s.CompletedAt == nil {
		return 0
	}
	d := s.CompletedAt.Sub(s.StartedAt)
	if d < 0 {
		return 0
	}
	return d
}

// Counts is the result of a progress update.
type Counts struct {
	ProcessedCount int64 `json:"processed_count"`
	FailedCount    int64 `json:"failed_count"`
}

// StartParams describes a (re)start of a tracked job.
type StartParams struct {
	JobID      string
	OrgID      string
	TotalItems int64
	Metadata   map[string]any
	StartedAt  time.Time
}

// ProgressRepository persists job progress. Every method is a single store
// round trip for the write it performs; implementations do not retry.
type ProgressRepository interface {
	// UpsertStart inserts a running row or re-initializes an existing one:
	// status running, counts zero, completed_at cleared, total_items and
	// started_at replaced, metadata merged.
	UpsertStart(ctx context.Context, params StartParams) (Snapshot, error)
	// UpdateCounts overwrites the absolute counts of a running job. It returns
	// ErrNotFound when no row exists and ErrJobFinished for terminal rows.
	UpdateCounts(ctx context.Context, jobID string, processed, failed int64, at time.Time) (Counts, error)
	// Finish moves a running job to a terminal status and stamps completed_at.
	// A job that is already terminal keeps its status and completed_at.
	Finish(ctx context.Context, jobID string, status Status, at time.Time) (Snapshot, error)
	// Get loads a single job or returns ErrNotFound.
	Get(ctx context.Context, jobID string) (Snapshot, error)
	// ListActive returns the running jobs of an org, newest start first.
	ListActive(ctx context.Context, orgID string) ([]Snapshot, error)
}
