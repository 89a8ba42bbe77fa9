package ratelimit

import (
	"sync"
	"time"
)

// Clock is the time source of the token bucket
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

// SystemClock() returns the wall clock
func SystemClock() Clock { return systemClock{} }

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// ManualClock is a Clock that only moves when Advance is called
type ManualClock struct {
	mu      sync.Mutex
	now     time.Time
	pending []manualTimer
	added   chan struct{}
}

type manualTimer struct {
	deadline time.Time
	c        chan time.Time
}

// NewManualClock() creates a manual clock starting at start
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start, added: make(chan struct{})}
}

func (m *ManualClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// After() returns a channel that fires once the clock is advanced past now+d
func (m *ManualClock) After(d time.Duration) <-chan time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := make(chan time.Time, 1)
	if d <= 0 {
		c <- m.now
		return c
	}
	m.pending = append(m.pending, manualTimer{deadline: m.now.Add(d), c: c})
	close(m.added)
	m.added = make(chan struct{})
	return c
}

// Advance() moves the clock forward and fires every timer whose deadline passed
func (m *ManualClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
	remaining := m.pending[:0]
	for _, t := range m.pending {
		if !t.deadline.After(m.now) {
			t.c <- m.now
			continue
		}
		remaining = append(remaining, t)
	}
	m.pending = remaining
}

// Pending() returns the number of timers that haven't fired
func (m *ManualClock) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// BlockUntil() waits until at least n timers are pending, letting a test synchronize with sleeping callers
func (m *ManualClock) BlockUntil(n int) {
	for {
		m.mu.Lock()
		if len(m.pending) >= n {
			m.mu.Unlock()
			return
		}
		added := m.added
		m.mu.Unlock()
		<-added
	}
}
