// Package testutil provides deterministic time and platform fakes for
// relay tests.
package testutil

import (
	"sort"
	"sync"
	"time"

	"github.com/roach88/pricerelay/internal/assembler"
)

// FakeScheduler is a manual time source implementing the assembler's
// timer factory. Tests create timers through it and advance time
// explicitly; due callbacks run synchronously inside Advance, so
// assertions after Advance see every fired effect.
//
// Thread-safety: all methods are safe for concurrent use.
type FakeScheduler struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

// NewFakeScheduler creates a scheduler starting at an arbitrary fixed
// instant.
func NewFakeScheduler() *FakeScheduler {
	return &FakeScheduler{now: time.Unix(1_700_000_000, 0)}
}

// NewTimer schedules fn to run once after d of fake time. It is an
// assembler.TimerFactory.
func (s *FakeScheduler) NewTimer(d time.Duration, fn func()) assembler.Timer {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &fakeTimer{sched: s, fn: fn, deadline: s.now.Add(d)}
	s.timers = append(s.timers, t)
	return t
}

// Advance moves fake time forward by d and fires every timer whose
// deadline has passed, in deadline order. Callbacks run synchronously
// without the scheduler lock held, so they may create or reset timers.
func (s *FakeScheduler) Advance(d time.Duration) {
	s.mu.Lock()
	s.now = s.now.Add(d)
	s.mu.Unlock()

	for {
		t := s.nextDue()
		if t == nil {
			return
		}
		t.fn()
	}
}

// nextDue pops the earliest due, unstopped, unfired timer.
func (s *FakeScheduler) nextDue() *fakeTimer {
	s.mu.Lock()
	defer s.mu.Unlock()

	sort.SliceStable(s.timers, func(i, j int) bool {
		return s.timers[i].deadline.Before(s.timers[j].deadline)
	})
	for _, t := range s.timers {
		if !t.stopped && !t.fired && !t.deadline.After(s.now) {
			t.fired = true
			return t
		}
	}
	return nil
}

type fakeTimer struct {
	sched    *FakeScheduler
	fn       func()
	deadline time.Time
	stopped  bool
	fired    bool
}

// Reset re-arms the timer d of fake time from now, reviving fired or
// stopped timers exactly as time.Timer.Reset does for AfterFunc timers.
func (t *fakeTimer) Reset(d time.Duration) bool {
	t.sched.mu.Lock()
	defer t.sched.mu.Unlock()

	active := !t.fired && !t.stopped
	t.deadline = t.sched.now.Add(d)
	t.fired = false
	t.stopped = false
	return active
}

// Stop disarms the timer. Returns false if it already fired or was
// stopped.
func (t *fakeTimer) Stop() bool {
	t.sched.mu.Lock()
	defer t.sched.mu.Unlock()

	active := !t.fired && !t.stopped
	t.stopped = true
	return active
}
