package sampler

import (
	"sync"
	"time"
)

// FrameScheduler runs fn once at the next display refresh opportunity.
type FrameScheduler interface {
	RequestFrame(fn func())
}

// Ticker schedules frames on a fixed interval.
type Ticker struct {
	Interval time.Duration
}

func (t Ticker) RequestFrame(fn func()) {
	time.AfterFunc(t.Interval, fn)
}

// Manual queues frames until Step is called. Tests drive the sampling loop
// with it one frame at a time.
type Manual struct {
	mu      sync.Mutex
	pending []func()
}

func (m *Manual) RequestFrame(fn func()) {
	m.mu.Lock()
	m.pending = append(m.pending, fn)
	m.mu.Unlock()
}

// Step runs every frame queued before the call and returns how many ran.
// Frames requested while stepping wait for the next Step.
func (m *Manual) Step() int {
	m.mu.Lock()
	due := m.pending
	m.pending = nil
	m.mu.Unlock()
	for _, fn := range due {
		fn()
	}
	return len(due)
}

func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
