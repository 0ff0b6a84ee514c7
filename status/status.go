// Package status derives a user-facing Active/Idle/Error indicator from
// emitter state and recent activity.
package status

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coder/quartz"

	aerrors "github.com/vinayprograms/activitykit/errors"
	"github.com/vinayprograms/activitykit/heartbeat"
)

// DefaultIdleAfter is how long without activity before the state turns Idle.
const DefaultIdleAfter = 2 * time.Minute

// State is the indicator state.
type State string

const (
	StateActive State = "Active"
	StateIdle   State = "Idle"
	StateError  State = "Error"
)

// SnapshotSource exposes emitter state. *heartbeat.Emitter implements it.
type SnapshotSource interface {
	Snapshot() heartbeat.Snapshot
}

// Status is a rendered indicator.
type Status struct {
	State   State
	Text    string
	Tooltip string

	Buffered   int
	CodingTime time.Duration
}

// Reporter tracks activity and renders the indicator.
type Reporter struct {
	source    SnapshotSource
	clock     quartz.Clock
	idleAfter time.Duration

	mu         sync.Mutex
	lastActive time.Time
	codingTime time.Duration
	hasCoding  bool
}

// Option configures a Reporter.
type Option func(*Reporter)

func WithClock(c quartz.Clock) Option {
	return func(r *Reporter) { r.clock = c }
}

func WithIdleAfter(d time.Duration) Option {
	return func(r *Reporter) {
		if d > 0 {
			r.idleAfter = d
		}
	}
}

// NewReporter creates a reporter. A nil source never reports errors.
func NewReporter(source SnapshotSource, opts ...Option) *Reporter {
	r := &Reporter{
		source:    source,
		clock:     quartz.NewReal(),
		idleAfter: DefaultIdleAfter,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Touch records activity now.
func (r *Reporter) Touch() {
	now := r.clock.Now("status", "touch")
	r.mu.Lock()
	r.lastActive = now
	r.mu.Unlock()
}

// SetCodingTime sets today's total, usually fetched from the remote API.
func (r *Reporter) SetCodingTime(d time.Duration) {
	r.mu.Lock()
	r.codingTime = d
	r.hasCoding = true
	r.mu.Unlock()
}

// Current renders the indicator. A failed flush caused by a configuration
// problem (rejected or missing API key) is an Error; transient failures are
// not, since buffered heartbeats will be retried.
func (r *Reporter) Current() Status {
	now := r.clock.Now("status", "current")

	r.mu.Lock()
	lastActive := r.lastActive
	coding, hasCoding := r.codingTime, r.hasCoding
	r.mu.Unlock()

	var snap heartbeat.Snapshot
	if r.source != nil {
		snap = r.source.Snapshot()
	}

	s := Status{Buffered: snap.Buffered, CodingTime: coding}
	switch {
	case snap.Outcome == heartbeat.OutcomeFailure && aerrors.IsConfiguration(snap.LastError):
		s.State = StateError
		s.Text = "WakaTime: Error"
		s.Tooltip = snap.LastError.Error()
	case lastActive.IsZero() || now.Sub(lastActive) >= r.idleAfter:
		s.State = StateIdle
		s.Text = "WakaTime: Idle"
		s.Tooltip = "Waiting for activity..."
	default:
		s.State = StateActive
		s.Text = "WakaTime: Active"
		s.Tooltip = "Tracking time..."
	}

	if hasCoding && s.State != StateError {
		t := FormatCodingTime(coding)
		s.Text = t + " today"
		s.Tooltip = fmt.Sprintf("WakaTime: %s coded today", t)
	}
	if snap.Buffered > 0 && s.State != StateError {
		s.Tooltip += fmt.Sprintf(" (%d pending)", snap.Buffered)
	}
	return s
}

// Watch calls fn with the current status now and then every interval. It
// blocks until ctx is done.
func (r *Reporter) Watch(ctx context.Context, interval time.Duration, fn func(Status)) {
	ticker := r.clock.NewTicker(interval, "status", "watch")
	defer ticker.Stop()

	fn(r.Current())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(r.Current())
		}
	}
}

// FormatCodingTime renders d as "1h 5m" or "5m".
func FormatCodingTime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int(d / time.Second)
	hours := total / 3600
	minutes := (total % 3600) / 60
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}
