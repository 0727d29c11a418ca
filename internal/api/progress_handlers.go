package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/sync-progress/internal/progress"
	"github.com/JakeFAU/sync-progress/internal/store"
)

const (
	progressTimeout  = 5 * time.Second
	defaultHeartbeat = 15 * time.Second
	streamBuffer     = 32
	orgHeader        = "X-Org-ID"
)

var errStreamBacklog = errors.New("event stream backlog full")

// ProgressService is the subset of *progress.Tracker served over HTTP.
type ProgressService interface {
	StartTracking(ctx context.Context, jobID string, totalItems int64, orgID string, metadata map[string]any) (store.Snapshot, error)
	UpdateProgress(ctx context.Context, jobID string, processed, failed int64) (store.Counts, error)
	EndTracking(ctx context.Context, jobID string, status store.Status) (store.Snapshot, error)
	GetProgress(ctx context.Context, jobID string) (*store.Snapshot, error)
	CalculateMetrics(ctx context.Context, jobID string) (progress.Metrics, error)
	GetActiveJobs(ctx context.Context, orgID string) ([]store.Snapshot, error)
	Subscribe(jobID string, fn progress.Listener) func()
}

// IDGenerator assigns job IDs when a start request omits one.
type IDGenerator interface {
	NewID() (string, error)
}

// StreamObserver is told when event streams open and close.
type StreamObserver interface {
	StreamOpened()
	StreamClosed()
}

// HandlerOption customizes a ProgressHandler.
type HandlerOption func(*ProgressHandler)

// WithHeartbeat sets the keep-alive interval on event streams.
func WithHeartbeat(d time.Duration) HandlerOption {
	return func(h *ProgressHandler) {
		if d > 0 {
			h.heartbeat = d
		}
	}
}

// WithTimeout bounds each tracker call made by a non-streaming handler.
func WithTimeout(d time.Duration) HandlerOption {
	return func(h *ProgressHandler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// WithStreamObserver reports event stream lifetimes to o.
func WithStreamObserver(o StreamObserver) HandlerOption {
	return func(h *ProgressHandler) {
		h.streams = o
	}
}

// ProgressHandler exposes the tracker's operations as REST endpoints and an
// event stream.
type ProgressHandler struct {
	svc       ProgressService
	ids       IDGenerator
	timeout   time.Duration
	heartbeat time.Duration
	streams   StreamObserver
	logger    *zap.Logger
}

// NewProgressHandler wires the tracker, ID generator and logger.
func NewProgressHandler(svc ProgressService, ids IDGenerator, logger *zap.Logger, opts ...HandlerOption) *ProgressHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &ProgressHandler{
		svc:       svc,
		ids:       ids,
		timeout:   progressTimeout,
		heartbeat: defaultHeartbeat,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// StartJob handles POST /api/jobs. The body is
// {"job_id","org_id","total_items","metadata"}; job_id is generated when
// omitted. It returns 201 with {"job": {...}}.
func (h *ProgressHandler) StartJob(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	jobID := strings.TrimSpace(req.JobID)
	if jobID == "" {
		if h.ids == nil {
			writeError(w, http.StatusBadRequest, "job_id is required")
			return
		}
		id, err := h.ids.NewID()
		if err != nil {
			h.logger.Error("generate job id failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to generate job id")
			return
		}
		jobID = id
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	snap, err := h.svc.StartTracking(ctx, jobID, req.TotalItems, strings.TrimSpace(req.OrgID), req.Metadata)
	if err != nil {
		h.writeServiceError(w, err, "start job")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"job": snap})
}

// UpdateProgress handles PUT /api/jobs/{job_id}/progress with absolute counts
// {"processed_count","failed_count"}. A finished job yields 409.
func (h *ProgressHandler) UpdateProgress(w http.ResponseWriter, r *http.Request) {
	jobID, ok := pathParam(w, r, "job_id")
	if !ok {
		return
	}
	var req updateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ProcessedCount == nil {
		writeError(w, http.StatusBadRequest, "processed_count is required")
		return
	}
	var failed int64
	if req.FailedCount != nil {
		failed = *req.FailedCount
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	counts, err := h.svc.UpdateProgress(ctx, jobID, *req.ProcessedCount, failed)
	if err != nil {
		h.writeServiceError(w, err, "update progress")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":          jobID,
		"processed_count": counts.ProcessedCount,
		"failed_count":    counts.FailedCount,
	})
}

// EndJob handles POST /api/jobs/{job_id}/end with {"status"}, one of
// completed, failed or cancelled.
func (h *ProgressHandler) EndJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := pathParam(w, r, "job_id")
	if !ok {
		return
	}
	var req endRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	status := store.Status(strings.ToLower(strings.TrimSpace(req.Status)))
	snap, err := h.svc.EndTracking(ctx, jobID, status)
	if err != nil {
		h.writeServiceError(w, err, "end job")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": snap})
}

// GetJob handles GET /api/jobs/{job_id}. It returns {"job": {...}}, 404 when
// the job is unknown, or 403 when X-Org-ID names a different org.
func (h *ProgressHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := pathParam(w, r, "job_id")
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	snap, ok := h.loadJob(ctx, w, r, jobID)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": snap})
}

// GetMetrics handles GET /api/jobs/{job_id}/metrics.
func (h *ProgressHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	jobID, ok := pathParam(w, r, "job_id")
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	m, err := h.svc.CalculateMetrics(ctx, jobID)
	if err != nil {
		h.writeServiceError(w, err, "calculate metrics")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"metrics": m})
}

// ListActiveJobs handles GET /api/orgs/{org_id}/jobs/active, newest first.
func (h *ProgressHandler) ListActiveJobs(w http.ResponseWriter, r *http.Request) {
	orgID, ok := pathParam(w, r, "org_id")
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	jobs, err := h.svc.GetActiveJobs(ctx, orgID)
	if err != nil {
		h.writeServiceError(w, err, "list active jobs")
		return
	}
	if jobs == nil {
		jobs = []store.Snapshot{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// StreamEvents handles GET /api/jobs/{job_id}/events as server-sent events.
// The current state is sent first, then every message newer than it. The
// stream ends
// after a status_change event or when the client disconnects.
func (h *ProgressHandler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	jobID, ok := pathParam(w, r, "job_id")
	if !ok {
		return
	}
	ctx := r.Context()

	// Subscribe before reading the snapshot so no write slips between them.
	events := make(chan progress.Message, streamBuffer)
	unsubscribe := h.svc.Subscribe(jobID, func(msg progress.Message) error {
		select {
		case events <- msg:
			return nil
		default:
			return errStreamBacklog
		}
	})
	defer unsubscribe()

	lookupCtx, cancel := context.WithTimeout(ctx, h.timeout)
	snap, ok := h.loadJob(lookupCtx, w, r, jobID)
	cancel()
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if h.streams != nil {
		h.streams.StreamOpened()
		defer h.streams.StreamClosed()
	}

	rc := http.NewResponseController(w)
	send := func(msg progress.Message) bool {
		if err := writeEvent(w, msg); err != nil {
			h.logger.Debug("event stream write failed", zap.String("job_id", jobID), zap.Error(err))
			return false
		}
		return rc.Flush() == nil
	}

	initial := progress.MessageFor(*snap)
	if !send(initial) || initial.Kind() == progress.KindStatusChange {
		return
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-events:
			// Updates queued while the snapshot was read are already in it.
			if msg.Kind() == progress.KindProgressUpdate && !msg.Time().After(snap.UpdatedAt) {
				continue
			}
			if !send(msg) || msg.Kind() == progress.KindStatusChange {
				return
			}
		case <-ticker.C:
			if _, err := io.WriteString(w, ": heartbeat\n\n"); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

// loadJob fetches a snapshot and writes the error response when it cannot be
// served to this caller.
func (h *ProgressHandler) loadJob(ctx context.Context, w http.ResponseWriter, r *http.Request, jobID string) (*store.Snapshot, bool) {
	snap, err := h.svc.GetProgress(ctx, jobID)
	if err != nil {
		h.writeServiceError(w, err, "load job")
		return nil, false
	}
	if snap == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return nil, false
	}
	if org := strings.TrimSpace(r.Header.Get(orgHeader)); org != "" && org != snap.OrgID {
		writeError(w, http.StatusForbidden, "job belongs to another org")
		return nil, false
	}
	return snap, true
}

func (h *ProgressHandler) writeServiceError(w http.ResponseWriter, err error, action string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, progress.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrJobFinished):
		writeError(w, http.StatusConflict, "job already finished")
	default:
		h.logger.Error(action+" failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to "+action)
	}
}

func writeEvent(w io.Writer, msg progress.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", msg.Kind(), err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Kind(), data); err != nil {
		return fmt.Errorf("write %s event: %w", msg.Kind(), err)
	}
	return nil
}

func pathParam(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	v := strings.TrimSpace(chi.URLParam(r, name))
	if v == "" {
		writeError(w, http.StatusBadRequest, name+" is required")
		return "", false
	}
	return v, true
}

func decodeBody(r *http.Request, dst any) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return errors.New("invalid JSON")
	}
	return nil
}

type startRequest struct {
	JobID      string         `json:"job_id"`
	OrgID      string         `json:"org_id"`
	TotalItems int64          `json:"total_items"`
	Metadata   map[string]any `json:"metadata"`
}

type updateRequest struct {
	ProcessedCount *int64 `json:"processed_count"`
	FailedCount    *int64 `json:"failed_count"`
}

type endRequest struct {
	Status string `json:"status"`
}
