package progress

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sync-progress/internal/clock"
	"github.com/JakeFAU/sync-progress/internal/clock/system"
)

// Listener receives messages for one job. It runs on the writer's goroutine,
// so it must return quickly. Returned errors and panics are logged and do not
// stop delivery to other listeners.
type Listener func(Message) error

// PollFunc reads the current state of a job for polling subscribers. ok is
// false when the job does not exist.
type PollFunc func(ctx context.Context, jobID string) (msg Message, ok bool, err error)

// HubConfig controls a Hub.
//   - PollInterval: when > 0 together with Poll, each subscribed job is read
//     on this interval and newer states are delivered to its listeners.
//   - Poll: reads job state for polling.
//   - Clock: timer source for polling (defaults to the system clock).
//   - OnListenerError: optional hook invoked for every failed delivery.
//   - Logger: optional structured logger.
type HubConfig struct {
	PollInterval    time.Duration
	Poll            PollFunc
	Clock           clock.Clock
	OnListenerError func(jobID string, err error)
	Logger          *zap.Logger
}

// Hub maps job IDs to ordered listener lists and broadcasts synchronously.
// Delivery is best effort: messages for jobs without listeners are dropped.
type Hub struct {
	cfg    HubConfig
	logger *zap.Logger

	mu     sync.Mutex
	jobs   map[string]*jobListeners
	nextID uint64
	closed bool
}

type jobListeners struct {
	entries []listenerEntry
	// last is the newest message time delivered for the job.
	last time.Time
	poll clock.Timer
}

type listenerEntry struct {
	id uint64
	fn Listener
}

// NewHub constructs an empty Hub.
func NewHub(cfg HubConfig) *Hub {
	if cfg.Clock == nil {
		cfg.Clock = system.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		cfg:    cfg,
		logger: logger,
		jobs:   make(map[string]*jobListeners),
	}
}

// Subscribe registers fn for jobID and returns an idempotent unsubscribe
// function. Removing the last listener of a job drops the job entry and stops
// its poller.
func (h *Hub) Subscribe(jobID string, fn Listener) func() {
	if fn == nil {
		return func() {}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return func() {}
	}
	h.nextID++
	id := h.nextID
	jl, ok := h.jobs[jobID]
	if !ok {
		jl = &jobListeners{}
		h.jobs[jobID] = jl
		h.startPollLocked(jobID, jl)
	}
	jl.entries = append(jl.entries, listenerEntry{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() { h.unsubscribe(jobID, id) })
	}
}

func (h *Hub) unsubscribe(jobID string, id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	jl, ok := h.jobs[jobID]
	if !ok {
		return
	}
	for i, entry := range jl.entries {
		if entry.id == id {
			jl.entries = append(jl.entries[:i:i], jl.entries[i+1:]...)
			break
		}
	}
	if len(jl.entries) == 0 {
		h.dropLocked(jobID, jl)
	}
}

// Notify delivers msg to every listener of jobID in registration order and
// returns how many listeners received it without error.
func (h *Hub) Notify(jobID string, msg Message) int {
	if msg == nil {
		return 0
	}
	return h.deliver(jobID, nil, msg, false)
}

// deliver fans msg out. When onlyNewer is set the message is skipped unless
// it is newer than the last one delivered for the job; want restricts delivery
// to that exact registration.
func (h *Hub) deliver(jobID string, want *jobListeners, msg Message, onlyNewer bool) int {
	h.mu.Lock()
	jl, ok := h.jobs[jobID]
	if !ok || (want != nil && jl != want) {
		h.mu.Unlock()
		return 0
	}
	if onlyNewer && !msg.Time().After(jl.last) {
		h.mu.Unlock()
		return 0
	}
	if msg.Time().After(jl.last) {
		jl.last = msg.Time()
	}
	entries := append([]listenerEntry(nil), jl.entries...)
	h.mu.Unlock()

	delivered := 0
	for _, entry := range entries {
		if err := h.invoke(entry.fn, msg); err != nil {
			h.logger.Warn("progress listener failed",
				zap.String("job_id", jobID),
				zap.String("kind", string(msg.Kind())),
				zap.Error(err),
			)
			if h.cfg.OnListenerError != nil {
				h.cfg.OnListenerError(jobID, err)
			}
			continue
		}
		delivered++
	}
	return delivered
}

func (h *Hub) invoke(fn Listener, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
		}
	}()
	return fn(msg)
}

// Remove drops every listener of jobID and stops its poller.
func (h *Hub) Remove(jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if jl, ok := h.jobs[jobID]; ok {
		h.dropLocked(jobID, jl)
	}
}

// Len returns the number of jobs with at least one listener.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.jobs)
}

// Listeners returns the number of listeners registered for jobID.
func (h *Hub) Listeners(jobID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if jl, ok := h.jobs[jobID]; ok {
		return len(jl.entries)
	}
	return 0
}

// Shutdown stops every poller and clears the registry. Later subscriptions
// are ignored.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for jobID, jl := range h.jobs {
		h.dropLocked(jobID, jl)
	}
}

func (h *Hub) dropLocked(jobID string, jl *jobListeners) {
	if jl.poll != nil {
		jl.poll.Stop()
		jl.poll = nil
	}
	delete(h.jobs, jobID)
}

func (h *Hub) startPollLocked(jobID string, jl *jobListeners) {
	if h.cfg.PollInterval <= 0 || h.cfg.Poll == nil {
		return
	}
	jl.poll = h.cfg.Clock.AfterFunc(h.cfg.PollInterval, func() { h.poll(jobID, jl) })
}

func (h *Hub) poll(jobID string, jl *jobListeners) {
	h.mu.Lock()
	active := h.jobs[jobID] == jl
	h.mu.Unlock()
	if !active {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.PollInterval)
	msg, ok, err := h.cfg.Poll(ctx, jobID)
	cancel()
	switch {
	case err != nil:
		h.logger.Warn("progress poll failed", zap.String("job_id", jobID), zap.Error(err))
	case ok && msg != nil:
		h.deliver(jobID, jl, msg, true)
		if msg.Kind() == KindStatusChange {
			// Terminal states never change again.
			h.mu.Lock()
			if h.jobs[jobID] == jl {
				jl.poll = nil
			}
			h.mu.Unlock()
			return
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.jobs[jobID] == jl && !h.closed {
		h.startPollLocked(jobID, jl)
	}
}
