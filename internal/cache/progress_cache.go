package cache

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/sync-progress/internal/store"
)

// KeyPrefix namespaces progress entries in the shared cache.
const KeyPrefix = "sync_progress:"

// Default TTLs and breaker settings.
const (
	DefaultRunningTTL       = 600 * time.Second
	DefaultTerminalTTL      = 300 * time.Second
	DefaultFailureThreshold = 5
	DefaultCooldown         = 30 * time.Second
)

// genSlots is the number of write generation counters shared by all jobs.
const genSlots = 256

// Options tunes a ProgressCache. Zero values fall back to the defaults.
type Options struct {
	RunningTTL  time.Duration
	TerminalTTL time.Duration
	// FailureThreshold is the number of consecutive backend failures that
	// opens the breaker.
	FailureThreshold uint32
	// Cooldown is how long the breaker stays open before probing again.
	Cooldown time.Duration
	Logger   *zap.Logger
	Observer Observer
}

// ProgressCache stores job snapshots in a backend Cache. It fails open: a
// broken or absent backend only ever produces misses.
type ProgressCache struct {
	backend     Cache
	breaker     *gobreaker.CircuitBreaker[[]byte]
	logger      *zap.Logger
	observer    Observer
	runningTTL  time.Duration
	terminalTTL time.Duration

	// mu orders writes against fills from the store.
	mu   sync.Mutex
	gens [genSlots]uint64
}

// NewProgressCache wraps backend. A nil backend yields a cache that is always
// empty, which is how the tracker runs in store-only mode.
func NewProgressCache(backend Cache, opts Options) *ProgressCache {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("cache")
	c := &ProgressCache{
		backend:     backend,
		logger:      logger,
		observer:    opts.Observer,
		runningTTL:  opts.RunningTTL,
		terminalTTL: opts.TerminalTTL,
	}
	if c.runningTTL <= 0 {
		c.runningTTL = DefaultRunningTTL
	}
	if c.terminalTTL <= 0 {
		c.terminalTTL = DefaultTerminalTTL
	}
	threshold := opts.FailureThreshold
	if threshold == 0 {
		threshold = DefaultFailureThreshold
	}
	cooldown := opts.Cooldown
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	c.breaker = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "progress-cache",
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrMiss)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("cache breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return c
}

// Enabled reports whether a backend is configured.
func (c *ProgressCache) Enabled() bool {
	return c != nil && c.backend != nil
}

// Key returns the cache key of a job.
func Key(jobID string) string {
	return KeyPrefix + jobID
}

// TTLFor returns the lifetime of an entry with the given status.
func (c *ProgressCache) TTLFor(status store.Status) time.Duration {
	if status.Terminal() {
		return c.terminalTTL
	}
	return c.runningTTL
}

// Get returns the cached snapshot of a job. Any failure reads as a miss.
func (c *ProgressCache) Get(ctx context.Context, jobID string) (store.Snapshot, bool) {
	if !c.Enabled() {
		return store.Snapshot{}, false
	}
	raw, err := c.breaker.Execute(func() ([]byte, error) {
		return c.backend.Get(ctx, Key(jobID))
	})
	switch {
	case errors.Is(err, ErrMiss):
		c.report(OpGet, ResultMiss)
		return store.Snapshot{}, false
	case err != nil:
		c.fail(OpGet, jobID, err)
		return store.Snapshot{}, false
	}
	var snap store.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		c.fail(OpGet, jobID, err)
		return store.Snapshot{}, false
	}
	if snap.Metadata == nil {
		snap.Metadata = map[string]any{}
	}
	c.report(OpGet, ResultHit)
	return snap, true
}

// Put stores snap with the TTL matching its status. It is the write-through
// path and supersedes any fill still in flight.
func (c *ProgressCache) Put(ctx context.Context, snap store.Snapshot) {
	if !c.Enabled() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gens[slot(snap.JobID)]++
	c.set(ctx, snap)
}

// Generation returns the write generation of a job. Take it before reading
// the store and pass it to Fill.
func (c *ProgressCache) Generation(jobID string) uint64 {
	if !c.Enabled() {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gens[slot(jobID)]
}

// Fill stores a snapshot read from the store unless a Put or Invalidate for
// the job happened after gen was taken. It reports whether the entry was
// written.
func (c *ProgressCache) Fill(ctx context.Context, snap store.Snapshot, gen uint64) bool {
	if !c.Enabled() {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[slot(snap.JobID)] != gen {
		c.report(OpSet, ResultStale)
		return false
	}
	return c.set(ctx, snap)
}

// Invalidate drops the cached snapshot of a job. The delete bypasses the
// breaker: a skipped delete would leave a stale entry behind once the
// backend recovers.
func (c *ProgressCache) Invalidate(ctx context.Context, jobID string) {
	if !c.Enabled() {
		return
	}
	c.mu.Lock()
	c.gens[slot(jobID)]++
	c.mu.Unlock()
	if err := c.backend.Delete(ctx, Key(jobID)); err != nil {
		c.fail(OpDelete, jobID, err)
		return
	}
	c.report(OpDelete, ResultOK)
}

// set writes through the breaker. Callers hold mu.
func (c *ProgressCache) set(ctx context.Context, snap store.Snapshot) bool {
	raw, err := json.Marshal(snap)
	if err != nil {
		c.fail(OpSet, snap.JobID, err)
		return false
	}
	ttl := c.TTLFor(snap.Status)
	_, err = c.breaker.Execute(func() ([]byte, error) {
		return nil, c.backend.Set(ctx, Key(snap.JobID), raw, ttl)
	})
	if err != nil {
		c.fail(OpSet, snap.JobID, err)
		return false
	}
	c.report(OpSet, ResultOK)
	return true
}

func slot(jobID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(jobID))
	return int(h.Sum32() % genSlots)
}

func (c *ProgressCache) fail(op Op, jobID string, err error) {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		c.logger.Debug("cache skipped", zap.String("op", string(op)), zap.String("job_id", jobID), zap.Error(err))
		c.report(op, ResultSkipped)
		return
	}
	c.logger.Warn("cache operation failed", zap.String("op", string(op)), zap.String("job_id", jobID), zap.Error(err))
	c.report(op, ResultError)
}

func (c *ProgressCache) report(op Op, result Result) {
	if c.observer != nil {
		c.observer.CacheOp(op, result)
	}
}
