package sinks

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/sync-progress/internal/cache"
	"github.com/JakeFAU/sync-progress/internal/progress"
	"github.com/JakeFAU/sync-progress/internal/store"
)

// PrometheusSink exports tracker activity via Prometheus. It owns the
// collectors for job lifecycle, update volume, listener failures and cache
// outcomes.
type PrometheusSink struct {
	jobsStarted      prometheus.Counter
	jobsEnded        *prometheus.CounterVec
	jobsRunning      prometheus.Gauge
	jobDuration      *prometheus.HistogramVec
	updates          prometheus.Counter
	itemsProcessed   prometheus.Histogram
	listenerFailures prometheus.Counter
	evictions        prometheus.Counter
	cacheOps         *prometheus.CounterVec

	running *runningJobs
}

var (
	_ progress.Observer = (*PrometheusSink)(nil)
	_ cache.Observer    = (*PrometheusSink)(nil)
)

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sync_progress_jobs_started_total",
			Help: "Total jobs that have started or restarted.",
		}),
		jobsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sync_progress_jobs_ended_total",
			Help: "Total end calls partitioned by resulting status.",
		}, []string{"status"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sync_progress_jobs_running",
			Help: "Jobs started by this process that have not ended.",
		}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sync_progress_job_duration_seconds",
			Help:    "Wall time per finished job.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"status"}),
		updates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sync_progress_updates_total",
			Help: "Progress updates accepted.",
		}),
		itemsProcessed: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sync_progress_job_items_processed",
			Help:    "Processed item count of finished jobs.",
			Buckets: prometheus.ExponentialBuckets(10, 10, 6),
		}),
		listenerFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sync_progress_listener_failures_total",
			Help: "Listener deliveries that returned an error or panicked.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sync_progress_cleanup_evictions_total",
			Help: "Finished jobs evicted by deferred cleanup.",
		}),
		cacheOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sync_progress_cache_operations_total",
			Help: "Cache operations partitioned by operation and result.",
		}, []string{"op", "result"}),
		running: newRunningJobs(),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsStarted,
		s.jobsEnded,
		s.jobsRunning,
		s.jobDuration,
		s.updates,
		s.itemsProcessed,
		s.listenerFailures,
		s.evictions,
		s.cacheOps,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// JobStarted counts a start and marks the job running.
func (s *PrometheusSink) JobStarted(snap store.Snapshot) {
	s.jobsStarted.Inc()
	if snap.Status == store.StatusRunning && s.running.start(snap.JobID) {
		s.jobsRunning.Inc()
	}
}

// ProgressUpdated counts an accepted update.
func (s *PrometheusSink) ProgressUpdated(string, store.Counts) {
	s.updates.Inc()
}

// JobEnded records the outcome. Repeated end calls are counted but the
// duration is observed only for the first one seen by this process.
func (s *PrometheusSink) JobEnded(snap store.Snapshot) {
	status := string(snap.Status)
	s.jobsEnded.WithLabelValues(status).Inc()
	if !s.running.complete(snap.JobID) {
		return
	}
	s.jobsRunning.Dec()
	if d := snap.Duration(); d > 0 {
		s.jobDuration.WithLabelValues(status).Observe(d.Seconds())
	}
	s.itemsProcessed.Observe(float64(snap.ProcessedCount))
}

// ListenerFailed counts a failed delivery.
func (s *PrometheusSink) ListenerFailed(string, error) {
	s.listenerFailures.Inc()
}

// CleanupEvicted counts a deferred eviction.
func (s *PrometheusSink) CleanupEvicted(string) {
	s.evictions.Inc()
}

// CacheOp counts a cache operation outcome.
func (s *PrometheusSink) CacheOp(op cache.Op, result cache.Result) {
	s.cacheOps.WithLabelValues(string(op), string(result)).Inc()
}

type runningJobs struct {
	mu   sync.Mutex
	jobs map[string]struct{}
}

func newRunningJobs() *runningJobs {
	return &runningJobs{jobs: make(map[string]struct{})}
}

func (r *runningJobs) start(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[jobID]; ok {
		return false
	}
	r.jobs[jobID] = struct{}{}
	return true
}

func (r *runningJobs) complete(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[jobID]; !ok {
		return false
	}
	delete(r.jobs, jobID)
	return true
}
