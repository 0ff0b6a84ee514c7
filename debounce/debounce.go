// Package debounce suppresses repeated activity signals for the same entity.
//
// A signal passes when it is significant (a save), when it is for a different
// entity than the last accepted one, or when at least Interval has elapsed
// since the last accepted signal. Only the most recently accepted entity is
// remembered.
package debounce

import (
	"sync"
	"time"

	"github.com/coder/quartz"
)

// DefaultInterval between accepted signals for the same entity.
const DefaultInterval = 2 * time.Second

// Filter decides which signals become heartbeats. Safe for concurrent use.
type Filter struct {
	interval time.Duration
	clock    quartz.Clock

	mu         sync.Mutex
	lastEntity string
	lastAt     time.Time
}

// New creates a filter. A non-positive interval uses DefaultInterval and a
// nil clock uses the real clock.
func New(interval time.Duration, clock quartz.Clock) *Filter {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Filter{interval: interval, clock: clock}
}

// Allow reports whether a signal for entity should be kept, and if so
// remembers it as the last accepted signal.
func (f *Filter) Allow(entity string, significant bool) bool {
	now := f.clock.Now("debounce", "allow")

	f.mu.Lock()
	defer f.mu.Unlock()

	if !significant && entity == f.lastEntity && !f.lastAt.IsZero() && now.Sub(f.lastAt) < f.interval {
		return false
	}
	f.lastEntity = entity
	f.lastAt = now
	return true
}

// Reset forgets the last accepted signal.
func (f *Filter) Reset() {
	f.mu.Lock()
	f.lastEntity = ""
	f.lastAt = time.Time{}
	f.mu.Unlock()
}

// Interval returns the configured interval.
func (f *Filter) Interval() time.Duration {
	return f.interval
}
