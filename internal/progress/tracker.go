package progress

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sync-progress/internal/cache"
	"github.com/JakeFAU/sync-progress/internal/clock"
	"github.com/JakeFAU/sync-progress/internal/clock/system"
	"github.com/JakeFAU/sync-progress/internal/store"
)

// Config wires a Tracker.
//   - Store: durable repository (required).
//   - Cache: optional fail-open cache; nil runs in store-only mode.
//   - Clock: time source for timestamps and timers (defaults to system time).
//   - CleanupDelay: delay between a terminal status and eviction (default 5m).
//   - PollInterval: when > 0 subscribers also receive writes made by other
//     processes, read from the store on this interval.
//   - Observers: notified of lifecycle activity.
//   - Logger: optional structured logger.
type Config struct {
	Store        store.ProgressRepository
	Cache        *cache.ProgressCache
	Clock        clock.Clock
	CleanupDelay time.Duration
	PollInterval time.Duration
	Observers    []Observer
	Logger       *zap.Logger
}

// Tracker is the entry point for workers reporting job progress and for
// readers observing it. It is safe for concurrent use.
type Tracker struct {
	store     store.ProgressRepository
	cache     *cache.ProgressCache
	clock     clock.Clock
	hub       *Hub
	cleanup   *CleanupScheduler
	observers observers
	logger    *zap.Logger
}

// New constructs a Tracker.
func New(cfg Config) (*Tracker, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("progress store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = system.New()
	}
	progressCache := cfg.Cache
	if progressCache == nil {
		progressCache = cache.NewProgressCache(nil, cache.Options{Logger: logger})
	}
	t := &Tracker{
		store:     cfg.Store,
		cache:     progressCache,
		clock:     clk,
		observers: observers(append([]Observer(nil), cfg.Observers...)),
		logger:    logger,
	}
	t.hub = NewHub(HubConfig{
		PollInterval:    cfg.PollInterval,
		Poll:            t.pollMessage,
		Clock:           clk,
		OnListenerError: t.observers.ListenerFailed,
		Logger:          logger.Named("hub"),
	})
	t.cleanup = NewCleanupScheduler(clk, cfg.CleanupDelay, t.evictNow, logger.Named("cleanup"))
	return t, nil
}

// StartTracking creates a running job or re-initializes an existing one: counts
// reset to zero, status returns to running, total items and start time are
// replaced and metadata is merged. A pending cleanup from an earlier end is
// cancelled. The fresh snapshot is written through to the cache.
func (t *Tracker) StartTracking(
	ctx context.Context,
	jobID string,
	totalItems int64,
	orgID string,
	metadata map[string]any,
) (store.Snapshot, error) {
	if jobID == "" {
		return store.Snapshot{}, fmt.Errorf("job id is required: %w", ErrInvalidArgument)
	}
	if orgID == "" {
		return store.Snapshot{}, fmt.Errorf("org id is required: %w", ErrInvalidArgument)
	}
	if totalItems < 0 {
		return store.Snapshot{}, fmt.Errorf("total items must be >= 0: %w", ErrInvalidArgument)
	}
	snap, err := t.store.UpsertStart(ctx, store.StartParams{
		JobID:      jobID,
		OrgID:      orgID,
		TotalItems: totalItems,
		Metadata:   metadata,
		StartedAt:  t.clock.Now(),
	})
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("start tracking %s: %w", jobID, err)
	}
	t.cleanup.Cancel(jobID)
	t.cache.Put(ctx, snap)
	t.observers.JobStarted(snap)
	t.logger.Debug("tracking started",
		zap.String("job_id", jobID),
		zap.String("org_id", orgID),
		zap.Int64("total_items", totalItems),
	)
	return snap, nil
}

// UpdateProgress overwrites the absolute counts of a running job, then
// notifies its listeners. Concurrent writers race: the last write wins.
func (t *Tracker) UpdateProgress(ctx context.Context, jobID string, processed, failed int64) (store.Counts, error) {
	if jobID == "" {
		return store.Counts{}, fmt.Errorf("job id is required: %w", ErrInvalidArgument)
	}
	if processed < 0 || failed < 0 {
		return store.Counts{}, fmt.Errorf("counts must be >= 0: %w", ErrInvalidArgument)
	}
	now := t.clock.Now()
	counts, err := t.store.UpdateCounts(ctx, jobID, processed, failed, now)
	if err != nil {
		return store.Counts{}, fmt.Errorf("update progress %s: %w", jobID, err)
	}
	t.cache.Invalidate(ctx, jobID)
	t.hub.Notify(jobID, ProgressUpdate{
		JobID:          jobID,
		ProcessedCount: counts.ProcessedCount,
		FailedCount:    counts.FailedCount,
		At:             now,
	})
	t.observers.ProgressUpdated(jobID, counts)
	return counts, nil
}

// EndTracking moves a job to a terminal status. Ending an already finished job
// keeps its original status and completion time but still notifies listeners
// and re-arms cleanup.
func (t *Tracker) EndTracking(ctx context.Context, jobID string, status store.Status) (store.Snapshot, error) {
	if jobID == "" {
		return store.Snapshot{}, fmt.Errorf("job id is required: %w", ErrInvalidArgument)
	}
	if !status.Terminal() {
		return store.Snapshot{}, fmt.Errorf("status %q is not terminal: %w", status, ErrInvalidArgument)
	}
	now := t.clock.Now()
	snap, err := t.store.Finish(ctx, jobID, status, now)
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("end tracking %s: %w", jobID, err)
	}
	t.cache.Invalidate(ctx, jobID)
	t.hub.Notify(jobID, statusChange(snap, now))
	t.cleanup.Schedule(jobID)
	t.observers.JobEnded(snap)
	t.logger.Debug("tracking ended",
		zap.String("job_id", jobID),
		zap.String("status", string(snap.Status)),
		zap.Duration("duration", snap.Duration()),
	)
	return snap, nil
}

// GetProgress returns the current snapshot of a job, or nil when it does not
// exist. The cache is consulted first and repopulated from the store on a
// miss, unless the job was written while the store was being read.
func (t *Tracker) GetProgress(ctx context.Context, jobID string) (*store.Snapshot, error) {
	if snap, ok := t.cache.Get(ctx, jobID); ok {
		return &snap, nil
	}
	gen := t.cache.Generation(jobID)
	snap, err := t.store.Get(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get progress %s: %w", jobID, err)
	}
	t.cache.Fill(ctx, snap, gen)
	return &snap, nil
}

// CalculateMetrics derives throughput metrics for a job as of now.
func (t *Tracker) CalculateMetrics(ctx context.Context, jobID string) (Metrics, error) {
	snap, err := t.GetProgress(ctx, jobID)
	if err != nil {
		return Metrics{}, err
	}
	if snap == nil {
		return Metrics{}, fmt.Errorf("calculate metrics %s: %w", jobID, store.ErrNotFound)
	}
	return Calculate(*snap, t.clock.Now()), nil
}

// GetActiveJobs lists the running jobs of an org, newest first. The cache is
// not consulted.
func (t *Tracker) GetActiveJobs(ctx context.Context, orgID string) ([]store.Snapshot, error) {
	if orgID == "" {
		return nil, fmt.Errorf("org id is required: %w", ErrInvalidArgument)
	}
	jobs, err := t.store.ListActive(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("list active jobs for %s: %w", orgID, err)
	}
	return jobs, nil
}

// Subscribe registers fn for messages about jobID. Late subscribers receive
// only messages produced after registration.
func (t *Tracker) Subscribe(jobID string, fn Listener) func() {
	return t.hub.Subscribe(jobID, fn)
}

// Evict immediately drops the cached entry and listeners of a job and cancels
// its pending cleanup. The store row is untouched.
func (t *Tracker) Evict(ctx context.Context, jobID string) {
	t.cleanup.Cancel(jobID)
	t.cache.Invalidate(ctx, jobID)
	t.hub.Remove(jobID)
}

// PendingCleanups returns the number of jobs waiting for deferred eviction.
func (t *Tracker) PendingCleanups() int {
	return t.cleanup.Pending()
}

// Subscribers returns the number of listeners registered for jobID.
func (t *Tracker) Subscribers(jobID string) int {
	return t.hub.Listeners(jobID)
}

// Shutdown cancels every cleanup timer and poller and clears all listeners.
func (t *Tracker) Shutdown() {
	t.cleanup.Shutdown()
	t.hub.Shutdown()
}

func (t *Tracker) evictNow(jobID string) {
	t.cache.Invalidate(context.Background(), jobID)
	t.hub.Remove(jobID)
	t.observers.CleanupEvicted(jobID)
	t.logger.Debug("finished job evicted", zap.String("job_id", jobID))
}

func (t *Tracker) pollMessage(ctx context.Context, jobID string) (Message, bool, error) {
	snap, err := t.store.Get(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return MessageFor(snap), true, nil
}
