// Package memory keeps sync progress in-memory for development and tests.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/sync-progress/internal/store"
)

// ProgressStore implements store.ProgressRepository on a guarded map. Metadata
// is normalized through JSON so values read back match what a JSONB column
// would return.
type ProgressStore struct {
	mu   sync.RWMutex
	jobs map[string]store.Snapshot
}

// NewProgressStore constructs an empty ProgressStore.
func NewProgressStore() *ProgressStore {
	return &ProgressStore{jobs: make(map[string]store.Snapshot)}
}

// UpsertStart inserts a running job or re-initializes an existing one,
// keeping only its org and merged metadata.
func (s *ProgressStore) UpsertStart(_ context.Context, params store.StartParams) (store.Snapshot, error) {
	meta, err := normalizeMetadata(params.Metadata)
	if err != nil {
		return store.Snapshot{}, err
	}
	at := params.StartedAt.UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[params.JobID]
	if !ok {
		job = store.Snapshot{
			JobID:    params.JobID,
			OrgID:    params.OrgID,
			Status:   store.StatusRunning,
			Metadata: map[string]any{},
		}
	}
	job.TotalItems = params.TotalItems
	job.ProcessedCount = 0
	job.FailedCount = 0
	job.Status = store.StatusRunning
	job.CompletedAt = nil
	job.StartedAt = at
	job.UpdatedAt = at
	merged := make(map[string]any, len(job.Metadata)+len(meta))
	for k, v := range job.Metadata {
		merged[k] = v
	}
	for k, v := range meta {
		merged[k] = v
	}
	job.Metadata = merged
	s.jobs[params.JobID] = job
	return clone(job), nil
}

// UpdateCounts overwrites the counts of a running job.
func (s *ProgressStore) UpdateCounts(
	_ context.Context,
	jobID string,
	processed,
	failed int64,
	at time.Time,
) (store.Counts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return store.Counts{}, store.ErrNotFound
	}
	if job.Status.Terminal() {
		return store.Counts{}, store.ErrJobFinished
	}
	job.ProcessedCount = processed
	job.FailedCount = failed
	job.UpdatedAt = at.UTC()
	s.jobs[jobID] = job
	return store.Counts{ProcessedCount: processed, FailedCount: failed}, nil
}

// Finish finalizes a running job; terminal jobs are returned unchanged.
func (s *ProgressStore) Finish(
	_ context.Context,
	jobID string,
	status store.Status,
	at time.Time,
) (store.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return store.Snapshot{}, store.ErrNotFound
	}
	if !job.Status.Terminal() {
		ts := at.UTC()
		job.Status = status
		job.CompletedAt = &ts
		job.UpdatedAt = ts
		s.jobs[jobID] = job
	}
	return clone(job), nil
}

// Get fetches a job by ID.
func (s *ProgressStore) Get(_ context.Context, jobID string) (store.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return store.Snapshot{}, store.ErrNotFound
	}
	return clone(job), nil
}

// ListActive returns running jobs for an org ordered by started_at desc.
func (s *ProgressStore) ListActive(_ context.Context, orgID string) ([]store.Snapshot, error) {
	s.mu.RLock()
	out := make([]store.Snapshot, 0)
	for _, job := range s.jobs {
		if job.OrgID == orgID && job.Status == store.StatusRunning {
			out = append(out, clone(job))
		}
	}
	s.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].JobID < out[j].JobID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out, nil
}

func clone(job store.Snapshot) store.Snapshot {
	out := job
	if job.CompletedAt != nil {
		ts := *job.CompletedAt
		out.CompletedAt = &ts
	}
	out.Metadata = make(map[string]any, len(job.Metadata))
	for k, v := range job.Metadata {
		out.Metadata[k] = v
	}
	return out
}

func normalizeMetadata(meta map[string]any) (map[string]any, error) {
	if len(meta) == 0 {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return out, nil
}
