package progress

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sync-progress/internal/clock"
	"github.com/JakeFAU/sync-progress/internal/clock/system"
)

// DefaultCleanupDelay is how long a finished job stays cached and subscribed.
const DefaultCleanupDelay = 5 * time.Minute

// CleanupScheduler runs a one-shot action per job after a fixed delay. At
// most one timer is pending per job; scheduling again replaces it.
type CleanupScheduler struct {
	clock  clock.Clock
	delay  time.Duration
	action func(jobID string)
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string]*pendingCleanup
	closed  bool
}

type pendingCleanup struct {
	timer clock.Timer
}

// NewCleanupScheduler builds a scheduler that calls action(jobID) delay after
// the latest Schedule call for that job.
func NewCleanupScheduler(clk clock.Clock, delay time.Duration, action func(jobID string), logger *zap.Logger) *CleanupScheduler {
	if clk == nil {
		clk = system.New()
	}
	if delay <= 0 {
		delay = DefaultCleanupDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CleanupScheduler{
		clock:   clk,
		delay:   delay,
		action:  action,
		logger:  logger,
		pending: make(map[string]*pendingCleanup),
	}
}

// Schedule (re)arms the cleanup timer for jobID.
func (s *CleanupScheduler) Schedule(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if prev, ok := s.pending[jobID]; ok {
		prev.timer.Stop()
	}
	p := &pendingCleanup{}
	s.pending[jobID] = p
	p.timer = s.clock.AfterFunc(s.delay, func() { s.fire(jobID, p) })
	s.logger.Debug("cleanup scheduled", zap.String("job_id", jobID), zap.Duration("delay", s.delay))
}

func (s *CleanupScheduler) fire(jobID string, p *pendingCleanup) {
	s.mu.Lock()
	if s.closed || s.pending[jobID] != p {
		// Replaced or cancelled after the timer was already running.
		s.mu.Unlock()
		return
	}
	delete(s.pending, jobID)
	s.mu.Unlock()

	if s.action != nil {
		s.action(jobID)
	}
}

// Cancel stops the pending cleanup of jobID. It reports whether one existed.
func (s *CleanupScheduler) Cancel(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[jobID]
	if !ok {
		return false
	}
	p.timer.Stop()
	delete(s.pending, jobID)
	return true
}

// Pending returns the number of armed timers.
func (s *CleanupScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Shutdown stops every timer. Later Schedule calls are ignored.
func (s *CleanupScheduler) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for jobID, p := range s.pending {
		p.timer.Stop()
		delete(s.pending, jobID)
	}
}
