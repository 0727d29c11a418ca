package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sync-progress/internal/store"
)

type recordingBackend struct {
	mu    sync.Mutex
	data  map[string][]byte
	ttls  map[string]time.Duration
	err   error
	calls int
}

func newRecordingBackend() *recordingBackend {
	return &recordingBackend{data: map[string][]byte{}, ttls: map[string]time.Duration{}}
}

func (b *recordingBackend) Get(_ context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.err != nil {
		return nil, b.err
	}
	v, ok := b.data[key]
	if !ok {
		return nil, ErrMiss
	}
	return v, nil
}

func (b *recordingBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.err != nil {
		return b.err
	}
	b.data[key] = value
	b.ttls[key] = ttl
	return nil
}

func (b *recordingBackend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.err != nil {
		return b.err
	}
	delete(b.data, key)
	return nil
}

func (b *recordingBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

type opRecorder struct {
	mu  sync.Mutex
	ops []string
}

func (r *opRecorder) CacheOp(op Op, result Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, string(op)+":"+string(result))
}

func (r *opRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ops...)
}

func sampleSnapshot(status store.Status) store.Snapshot {
	started := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	snap := store.Snapshot{
		JobID:          "job-1",
		OrgID:          "org-A",
		TotalItems:     100,
		ProcessedCount: 25,
		FailedCount:    2,
		Status:         status,
		StartedAt:      started,
		UpdatedAt:      started.Add(30 * time.Second),
		Metadata:       map[string]any{"source": "erp"},
	}
	if status.Terminal() {
		done := started.Add(time.Minute)
		snap.CompletedAt = &done
	}
	return snap
}

func TestProgressCacheRoundTripWithBadger(t *testing.T) {
	t.Parallel()

	rec := &opRecorder{}
	c := NewProgressCache(newInMemoryBadger(t), Options{Observer: rec})
	ctx := context.Background()

	_, ok := c.Get(ctx, "job-1")
	require.False(t, ok)

	want := sampleSnapshot(store.StatusRunning)
	c.Put(ctx, want)
	got, ok := c.Get(ctx, "job-1")
	require.True(t, ok)
	require.Equal(t, want, got)

	c.Invalidate(ctx, "job-1")
	_, ok = c.Get(ctx, "job-1")
	require.False(t, ok)

	require.Equal(t, []string{"get:miss", "set:ok", "get:hit", "delete:ok", "get:miss"}, rec.snapshot())
}

func TestProgressCacheKeyAndTTLByStatus(t *testing.T) {
	t.Parallel()

	backend := newRecordingBackend()
	c := NewProgressCache(backend, Options{})
	ctx := context.Background()

	c.Put(ctx, sampleSnapshot(store.StatusRunning))
	require.Equal(t, 600*time.Second, backend.ttls["sync_progress:job-1"])

	c.Put(ctx, sampleSnapshot(store.StatusCompleted))
	require.Equal(t, 300*time.Second, backend.ttls["sync_progress:job-1"])

	got, ok := c.Get(ctx, "job-1")
	require.True(t, ok)
	require.Equal(t, store.StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
}

func TestProgressCacheNilBackendIsStoreOnly(t *testing.T) {
	t.Parallel()

	c := NewProgressCache(nil, Options{})
	ctx := context.Background()

	require.False(t, c.Enabled())
	c.Put(ctx, sampleSnapshot(store.StatusRunning))
	c.Invalidate(ctx, "job-1")
	_, ok := c.Get(ctx, "job-1")
	require.False(t, ok)
}

func TestProgressCacheSwallowsBackendErrors(t *testing.T) {
	t.Parallel()

	backend := newRecordingBackend()
	backend.err = errors.New("connection refused")
	rec := &opRecorder{}
	c := NewProgressCache(backend, Options{Observer: rec, FailureThreshold: 100})
	ctx := context.Background()

	c.Put(ctx, sampleSnapshot(store.StatusRunning))
	c.Invalidate(ctx, "job-1")
	_, ok := c.Get(ctx, "job-1")
	require.False(t, ok)
	require.Equal(t, []string{"set:error", "delete:error", "get:error"}, rec.snapshot())
}

func TestProgressCacheBreakerSkipsBackendAfterFailures(t *testing.T) {
	t.Parallel()

	backend := newRecordingBackend()
	backend.err = errors.New("timeout")
	rec := &opRecorder{}
	c := NewProgressCache(backend, Options{Observer: rec, FailureThreshold: 2, Cooldown: time.Hour})
	ctx := context.Background()

	for range 5 {
		_, ok := c.Get(ctx, "job-1")
		require.False(t, ok)
	}
	require.Equal(t, 2, backend.callCount())
	require.Equal(t, []string{"get:error", "get:error", "get:skipped", "get:skipped", "get:skipped"}, rec.snapshot())
}

func TestProgressCacheInvalidateBypassesOpenBreaker(t *testing.T) {
	t.Parallel()

	backend := newRecordingBackend()
	rec := &opRecorder{}
	c := NewProgressCache(backend, Options{Observer: rec, FailureThreshold: 2, Cooldown: 50 * time.Millisecond})
	ctx := context.Background()

	c.Put(ctx, sampleSnapshot(store.StatusRunning))
	backend.mu.Lock()
	backend.err = errors.New("timeout")
	backend.mu.Unlock()
	for range 2 {
		_, ok := c.Get(ctx, "job-1")
		require.False(t, ok)
	}
	_, ok := c.Get(ctx, "job-1")
	require.False(t, ok)
	require.Equal(t, "get:skipped", rec.snapshot()[len(rec.snapshot())-1], "breaker is open")

	backend.mu.Lock()
	backend.err = nil
	backend.mu.Unlock()
	c.Invalidate(ctx, "job-1")
	require.Equal(t, "delete:ok", rec.snapshot()[len(rec.snapshot())-1])
	backend.mu.Lock()
	_, cached := backend.data[Key("job-1")]
	backend.mu.Unlock()
	require.False(t, cached, "delete reached the backend while the breaker was open")

	require.Eventually(t, func() bool {
		_, hit := c.Get(ctx, "job-1")
		ops := rec.snapshot()
		return !hit && ops[len(ops)-1] == "get:miss"
	}, time.Second, 10*time.Millisecond)
}

func TestProgressCacheInvalidateReportsBackendError(t *testing.T) {
	t.Parallel()

	backend := newRecordingBackend()
	backend.err = errors.New("timeout")
	rec := &opRecorder{}
	c := NewProgressCache(backend, Options{Observer: rec, FailureThreshold: 1, Cooldown: time.Hour})

	c.Invalidate(context.Background(), "job-1")
	c.Invalidate(context.Background(), "job-1")
	require.Equal(t, []string{"delete:error", "delete:error"}, rec.snapshot())
	require.Equal(t, 2, backend.callCount())
}

func TestProgressCacheFillSkipsAfterConcurrentWrite(t *testing.T) {
	t.Parallel()

	backend := newRecordingBackend()
	rec := &opRecorder{}
	c := NewProgressCache(backend, Options{Observer: rec})
	ctx := context.Background()

	gen := c.Generation("job-1")
	c.Invalidate(ctx, "job-1")
	require.False(t, c.Fill(ctx, sampleSnapshot(store.StatusRunning), gen))
	_, ok := c.Get(ctx, "job-1")
	require.False(t, ok)

	gen = c.Generation("job-1")
	fresh := sampleSnapshot(store.StatusCompleted)
	c.Put(ctx, fresh)
	require.False(t, c.Fill(ctx, sampleSnapshot(store.StatusRunning), gen))
	got, ok := c.Get(ctx, "job-1")
	require.True(t, ok)
	require.Equal(t, store.StatusCompleted, got.Status)

	gen = c.Generation("job-1")
	require.True(t, c.Fill(ctx, fresh, gen))
	require.Equal(t, []string{"delete:ok", "set:stale", "get:miss", "set:ok", "set:stale", "get:hit", "set:ok"}, rec.snapshot())
}

func TestProgressCacheFillWithoutBackend(t *testing.T) {
	t.Parallel()

	c := NewProgressCache(nil, Options{})
	require.Zero(t, c.Generation("job-1"))
	require.False(t, c.Fill(context.Background(), sampleSnapshot(store.StatusRunning), 0))
}

func TestProgressCacheMissesDoNotTripBreaker(t *testing.T) {
	t.Parallel()

	backend := newRecordingBackend()
	c := NewProgressCache(backend, Options{FailureThreshold: 1, Cooldown: time.Hour})
	ctx := context.Background()

	for range 3 {
		_, ok := c.Get(ctx, "absent")
		require.False(t, ok)
	}
	require.Equal(t, 3, backend.callCount())
}

func TestProgressCacheCorruptEntryReadsAsMiss(t *testing.T) {
	t.Parallel()

	backend := newRecordingBackend()
	backend.data[Key("job-1")] = []byte("{not json")
	rec := &opRecorder{}
	c := NewProgressCache(backend, Options{Observer: rec})

	_, ok := c.Get(context.Background(), "job-1")
	require.False(t, ok)
	require.Equal(t, []string{"get:error"}, rec.snapshot())
}
