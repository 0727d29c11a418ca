package progress

import (
	"math"
	"time"

	"github.com/JakeFAU/sync-progress/internal/store"
)

// Metrics are the throughput figures derived from a snapshot.
type Metrics struct {
	JobID             string  `json:"job_id"`
	ElapsedSeconds    float64 `json:"elapsed_seconds"`
	ItemsPerMinute    float64 `json:"items_per_minute"`
	ItemsPerSecond    float64 `json:"items_per_second"`
	RemainingItems    int64   `json:"remaining_items"`
	ETASeconds        int64   `json:"eta_seconds"`
	FailureRate       float64 `json:"failure_rate"`
	CompletionPercent float64 `json:"completion_percent"`
}

// Calculate derives Metrics from snap as of now. Terminal jobs are measured up
// to their completion time. Elapsed time is floored at one second, and
// completion is not capped at 100 when callers report more items than planned.
func Calculate(snap store.Snapshot, now time.Time) Metrics {
	end := now
	if snap.CompletedAt != nil {
		end = *snap.CompletedAt
	}
	elapsed := math.Max(float64(end.Sub(snap.StartedAt).Milliseconds())/1000, 1)

	processed := float64(snap.ProcessedCount)
	perMinute := processed / elapsed * 60
	remaining := snap.TotalItems - snap.ProcessedCount
	if remaining < 0 {
		remaining = 0
	}

	m := Metrics{
		JobID:          snap.JobID,
		ElapsedSeconds: round2(elapsed),
		ItemsPerMinute: round2(perMinute),
		ItemsPerSecond: round2(processed / elapsed),
		RemainingItems: remaining,
	}
	if perMinute > 0 {
		m.ETASeconds = int64(math.Ceil(float64(remaining) / perMinute * 60))
	}
	if snap.ProcessedCount > 0 {
		m.FailureRate = round2(float64(snap.FailedCount) / processed * 100)
	}
	if snap.TotalItems > 0 {
		m.CompletionPercent = round2(processed / float64(snap.TotalItems) * 100)
	}
	return m
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
