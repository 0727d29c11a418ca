package progress

import "github.com/JakeFAU/sync-progress/internal/store"

// Observer is notified of tracker activity, typically to export metrics or
// audit logs. Implementations must be fast and safe for concurrent use; they
// run on the write path.
type Observer interface {
	JobStarted(snap store.Snapshot)
	ProgressUpdated(jobID string, counts store.Counts)
	JobEnded(snap store.Snapshot)
	ListenerFailed(jobID string, err error)
	CleanupEvicted(jobID string)
}

type observers []Observer

func (o observers) JobStarted(snap store.Snapshot) {
	for _, obs := range o {
		obs.JobStarted(snap)
	}
}

func (o observers) ProgressUpdated(jobID string, counts store.Counts) {
	for _, obs := range o {
		obs.ProgressUpdated(jobID, counts)
	}
}

func (o observers) JobEnded(snap store.Snapshot) {
	for _, obs := range o {
		obs.JobEnded(snap)
	}
}

func (o observers) ListenerFailed(jobID string, err error) {
	for _, obs := range o {
		obs.ListenerFailed(jobID, err)
	}
}

func (o observers) CleanupEvicted(jobID string) {
	for _, obs := range o {
		obs.CleanupEvicted(jobID)
	}
}
