package progress

import (
	"time"

	"github.com/JakeFAU/sync-progress/internal/store"
)

// MessageKind tags the concrete type of a Message on the wire.
type MessageKind string

// Message kinds delivered to listeners.
const (
	KindProgressUpdate MessageKind = "progress_update"
	KindStatusChange   MessageKind = "status_change"
)

// Message is delivered to listeners. The only implementations are
// ProgressUpdate and StatusChange.
type Message interface {
	Kind() MessageKind
	Job() string
	Time() time.Time
	sealed()
}

// ProgressUpdate carries the counts written by an update.
type ProgressUpdate struct {
	JobID          string    `json:"job_id"`
	ProcessedCount int64     `json:"processed_count"`
	FailedCount    int64     `json:"failed_count"`
	TotalItems     int64     `json:"total_items,omitempty"`
	At             time.Time `json:"timestamp"`
}

// Kind implements Message.
func (ProgressUpdate) Kind() MessageKind { return KindProgressUpdate }

// Job implements Message.
func (m ProgressUpdate) Job() string { return m.JobID }

// Time implements Message.
func (m ProgressUpdate) Time() time.Time { return m.At }

func (ProgressUpdate) sealed() {}

// StatusChange reports a job reaching a terminal status.
type StatusChange struct {
	JobID          string       `json:"job_id"`
	Status         store.Status `json:"status"`
	ProcessedCount int64        `json:"processed_count"`
	FailedCount    int64        `json:"failed_count"`
	TotalItems     int64        `json:"total_items"`
	CompletedAt    *time.Time   `json:"completed_at,omitempty"`
	At             time.Time    `json:"timestamp"`
}

// Kind implements Message.
func (StatusChange) Kind() MessageKind { return KindStatusChange }

// Job implements Message.
func (m StatusChange) Job() string { return m.JobID }

// Time implements Message.
func (m StatusChange) Time() time.Time { return m.At }

func (StatusChange) sealed() {}

// MessageFor describes the current state of a snapshot as a Message, stamped
// with the snapshot's last write time.
func MessageFor(snap store.Snapshot) Message {
	if snap.Status.Terminal() {
		return statusChange(snap, snap.UpdatedAt)
	}
	return ProgressUpdate{
		JobID:          snap.JobID,
		ProcessedCount: snap.ProcessedCount,
		FailedCount:    snap.FailedCount,
		TotalItems:     snap.TotalItems,
		At:             snap.UpdatedAt,
	}
}

func statusChange(snap store.Snapshot, at time.Time) StatusChange {
	return StatusChange{
		JobID:          snap.JobID,
		Status:         snap.Status,
		ProcessedCount: snap.ProcessedCount,
		FailedCount:    snap.FailedCount,
		TotalItems:     snap.TotalItems,
		CompletedAt:    snap.CompletedAt,
		At:             at,
	}
}
