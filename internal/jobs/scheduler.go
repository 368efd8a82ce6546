package jobs

import (
	"context"
	"log"
	"sync"
	"time"
)

// Interval bounds for periodic jobs, in minutes.
const (
	MinIntervalMinutes = 1
	MaxIntervalMinutes = 720
)

// ClampInterval forces a periodic interval into the supported range.
func ClampInterval(minutes int) int {
	if minutes < MinIntervalMinutes {
		return MinIntervalMinutes
	}
	if minutes > MaxIntervalMinutes {
		return MaxIntervalMinutes
	}
	return minutes
}

// timer is one armed periodic trigger.
type timer struct {
	interval time.Duration
	ticker   *time.Ticker
	stopCh   chan struct{}
}

// Scheduler fires registered callbacks on a fixed interval, one timer per
// job id. Scheduling an id that is already armed replaces its timer.
type Scheduler struct {
	mu      sync.Mutex
	timers  map[string]*timer
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	stopped bool
}

// NewScheduler creates a scheduler with no armed timers.
func NewScheduler() *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		timers: make(map[string]*timer),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Schedule arms a periodic timer for the job id. The callback fires once
// right away and then on every tick until the id is cancelled. Intervals
// outside [1, 720] minutes are clamped.
func (s *Scheduler) Schedule(jobID string, minutes int, run func()) {
	minutes = ClampInterval(minutes)
	interval := time.Duration(minutes) * time.Minute

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if existing, ok := s.timers[jobID]; ok {
		close(existing.stopCh)
		existing.ticker.Stop()
	}

	armed := &timer{
		interval: interval,
		ticker:   time.NewTicker(interval),
		stopCh:   make(chan struct{}),
	}
	s.timers[jobID] = armed

	s.wg.Add(1)
	go s.runTimer(armed, run)

	log.Printf("Scheduled job %s every %d minutes", jobID, minutes)
}

// runTimer runs the callback once immediately and then on every tick.
func (s *Scheduler) runTimer(armed *timer, run func()) {
	defer s.wg.Done()

	run()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-armed.stopCh:
			return
		case <-armed.ticker.C:
			run()
		}
	}
}

// Cancel disarms the timer for the job id, if one is armed.
func (s *Scheduler) Cancel(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if armed, ok := s.timers[jobID]; ok {
		close(armed.stopCh)
		armed.ticker.Stop()
		delete(s.timers, jobID)
		log.Printf("Cancelled job %s", jobID)
	}
}

// IsActive reports whether a timer is armed for the job id.
func (s *Scheduler) IsActive(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[jobID]
	return ok
}

// Stop disarms every timer and waits for running callbacks to return.
// The scheduler cannot be restarted afterwards.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.cancel()
	for _, armed := range s.timers {
		close(armed.stopCh)
		armed.ticker.Stop()
	}
	s.timers = make(map[string]*timer)
	s.mu.Unlock()

	s.wg.Wait()
	log.Println("Scheduler stopped")
}
