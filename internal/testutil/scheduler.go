package testutil

import (
	"sort"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/clock"
)

// ManualScheduler is a virtual clock whose timers fire only when Advance is called.
// Safe for concurrent use.
type ManualScheduler struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
	nextID int64
}

type manualTimer struct {
	scheduler *ManualScheduler
	id        int64
	due       time.Time
	callback  func()
	stopped   bool
}

// NewManualScheduler creates a scheduler set to 2024-01-15 10:30:00 UTC.
func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{now: time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)}
}

func (s *ManualScheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *ManualScheduler) AfterFunc(delay time.Duration, callback func()) clock.Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	timer := &manualTimer{scheduler: s, id: s.nextID, due: s.now.Add(delay), callback: callback}
	s.timers = append(s.timers, timer)
	return timer
}

// Advance moves the clock forward by d and runs every timer that became due, in due order.
func (s *ManualScheduler) Advance(d time.Duration) {
	s.mu.Lock()
	s.now = s.now.Add(d)
	now := s.now
	var due []*manualTimer
	remaining := s.timers[:0]
	for _, timer := range s.timers {
		if !timer.stopped && !timer.due.After(now) {
			due = append(due, timer)
			continue
		}
		if !timer.stopped {
			remaining = append(remaining, timer)
		}
	}
	s.timers = remaining
	s.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool {
		return due[i].due.Before(due[j].due)
	})
	for _, timer := range due {
		timer.callback()
	}
}

// Pending returns the delays, relative to now, of timers that have not fired.
func (s *ManualScheduler) Pending() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	var delays []time.Duration
	for _, timer := range s.timers {
		if !timer.stopped {
			delays = append(delays, timer.due.Sub(s.now))
		}
	}
	sort.Slice(delays, func(i, j int) bool { return delays[i] < delays[j] })
	return delays
}

func (t *manualTimer) Stop() bool {
	t.scheduler.mu.Lock()
	defer t.scheduler.mu.Unlock()
	if t.stopped {
		return false
	}
	for _, timer := range t.scheduler.timers {
		if timer.id == t.id {
			t.stopped = true
			return true
		}
	}
	return false
}
