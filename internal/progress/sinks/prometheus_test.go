package sinks

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sync-progress/internal/cache"
	"github.com/JakeFAU/sync-progress/internal/store"
)

func finishedSnapshot(jobID string, status store.Status, runtime time.Duration) store.Snapshot {
	started := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	done := started.Add(runtime)
	return store.Snapshot{
		JobID:          jobID,
		OrgID:          "org-A",
		TotalItems:     100,
		ProcessedCount: 100,
		Status:         status,
		StartedAt:      started,
		UpdatedAt:      done,
		CompletedAt:    &done,
	}
}

// TestPrometheusSinkRecordsLifecycle ensures counters and histograms follow a job.
func TestPrometheusSinkRecordsLifecycle(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	running := finishedSnapshot("job-1", store.StatusRunning, 0)
	running.CompletedAt = nil
	sink.JobStarted(running)
	sink.JobStarted(running)
	require.Equal(t, 2.0, testutil.ToFloat64(sink.jobsStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.jobsRunning))

	sink.ProgressUpdated("job-1", store.Counts{ProcessedCount: 50})
	sink.ProgressUpdated("job-1", store.Counts{ProcessedCount: 100})
	require.Equal(t, 2.0, testutil.ToFloat64(sink.updates))

	sink.JobEnded(finishedSnapshot("job-1", store.StatusCompleted, 15*time.Second))
	sink.JobEnded(finishedSnapshot("job-1", store.StatusCompleted, 15*time.Second))
	require.Equal(t, 2.0, testutil.ToFloat64(sink.jobsEnded.WithLabelValues("completed")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.jobsRunning))
	require.Equal(t, 1, testutil.CollectAndCount(sink.jobDuration, "sync_progress_job_duration_seconds"))
	require.Equal(t, 1, testutil.CollectAndCount(sink.itemsProcessed, "sync_progress_job_items_processed"))

	sink.ListenerFailed("job-1", errors.New("client gone"))
	sink.CleanupEvicted("job-1")
	require.Equal(t, 1.0, testutil.ToFloat64(sink.listenerFailures))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.evictions))
}

// TestPrometheusSinkCountsCacheOps checks the cache observer labels.
func TestPrometheusSinkCountsCacheOps(t *testing.T) {
	t.Parallel()

	sink, err := NewPrometheusSink(prometheus.NewRegistry())
	require.NoError(t, err)

	sink.CacheOp(cache.OpGet, cache.ResultHit)
	sink.CacheOp(cache.OpGet, cache.ResultHit)
	sink.CacheOp(cache.OpGet, cache.ResultSkipped)
	require.Equal(t, 2.0, testutil.ToFloat64(sink.cacheOps.WithLabelValues("get", "hit")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.cacheOps.WithLabelValues("get", "skipped")))
}

// TestPrometheusSinkRegistersOnce ensures duplicate registration is reported.
func TestPrometheusSinkRegistersOnce(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
