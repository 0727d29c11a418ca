package sinks

import (
	"go.uber.org/zap"

	"github.com/JakeFAU/sync-progress/internal/progress"
	"github.com/JakeFAU/sync-progress/internal/store"
)

// LogSink emits structured logs for job lifecycle activity. Count updates log
// at debug level since workers report them frequently.
type LogSink struct {
	logger *zap.Logger
}

var _ progress.Observer = (*LogSink)(nil)

// NewLogSink wires a Zap logger to the observer interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// JobStarted logs a (re)started job.
func (s *LogSink) JobStarted(snap store.Snapshot) {
	s.logger.Info("sync job started",
		zap.String("job_id", snap.JobID),
		zap.String("org_id", snap.OrgID),
		zap.Int64("total_items", snap.TotalItems),
		zap.Any("metadata", snap.Metadata),
	)
}

// ProgressUpdated logs new counts.
func (s *LogSink) ProgressUpdated(jobID string, counts store.Counts) {
	s.logger.Debug("sync job progress",
		zap.String("job_id", jobID),
		zap.Int64("processed", counts.ProcessedCount),
		zap.Int64("failed", counts.FailedCount),
	)
}

// JobEnded logs the terminal snapshot.
func (s *LogSink) JobEnded(snap store.Snapshot) {
	s.logger.Info("sync job ended",
		zap.String("job_id", snap.JobID),
		zap.String("org_id", snap.OrgID),
		zap.String("status", string(snap.Status)),
		zap.Int64("processed", snap.ProcessedCount),
		zap.Int64("failed", snap.FailedCount),
		zap.Duration("duration", snap.Duration()),
	)
}

// ListenerFailed logs a failed delivery.
func (s *LogSink) ListenerFailed(jobID string, err error) {
	s.logger.Warn("progress listener failed", zap.String("job_id", jobID), zap.Error(err))
}

// CleanupEvicted logs the deferred eviction of a finished job.
func (s *LogSink) CleanupEvicted(jobID string) {
	s.logger.Debug("finished job evicted", zap.String("job_id", jobID))
}
