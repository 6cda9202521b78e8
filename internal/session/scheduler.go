package session

import (
	"sync"
	"time"

	"github.com/wilsonzlin/aero/proxy/videochat-matchmaker/internal/clock"
)

const DefaultDecisionWindow = 60 * time.Second

// Scheduler runs at most one deadline callback per session id.
type Scheduler struct {
	clock clock.Clock

	mu      sync.Mutex
	timers  map[string]*deadline
	stopped bool
}

type deadline struct {
	timer clock.Timer
}

func NewScheduler(c clock.Clock) *Scheduler {
	if c == nil {
		c = clock.Real{}
	}
	return &Scheduler{clock: c, timers: make(map[string]*deadline)}
}

// Arm schedules fn to run after d. Arming an id that already has a pending
// deadline replaces it. Arm never blocks on fn.
func (s *Scheduler) Arm(id string, d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if prev, ok := s.timers[id]; ok {
		prev.timer.Stop()
	}

	dl := &deadline{}
	dl.timer = s.clock.AfterFunc(d, func() {
		s.mu.Lock()
		current, ok := s.timers[id]
		if !ok || current != dl {
			s.mu.Unlock()
			return
		}
		delete(s.timers, id)
		s.mu.Unlock()

		fn()
	})
	s.timers[id] = dl
}

// Cancel reports whether a pending deadline for id was removed before it ran.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	dl, ok := s.timers[id]
	if ok {
		delete(s.timers, id)
	}
	s.mu.Unlock()

	if ok {
		dl.timer.Stop()
	}
	return ok
}

func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels every pending deadline. Later Arm calls are ignored.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	timers := s.timers
	s.timers = make(map[string]*deadline)
	s.mu.Unlock()

	for _, dl := range timers {
		dl.timer.Stop()
	}
}
