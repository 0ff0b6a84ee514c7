// Package tracker wires activity signals into a heartbeat emitter.
//
// A Tracker validates each signal, filters it through a debounce window,
// builds a heartbeat and records it:
//
//	t := tracker.New(emitter, builder, debounce.New(0, nil))
//	t.Handle(ctx, tracker.Signal{Kind: tracker.SignalSave, Entity: path})
//
// Debug sessions switch the emitter's category to "debugging" until they end.
package tracker

import (
	"context"
	"sync"

	"github.com/vinayprograms/activitykit/debounce"
	"github.com/vinayprograms/activitykit/heartbeat"
	"github.com/vinayprograms/activitykit/logging"
)

const (
	CategoryCoding    = "coding"
	CategoryDebugging = "debugging"
)

// Recorder buffers heartbeats for delivery. *heartbeat.Emitter implements it.
type Recorder interface {
	Record(hb heartbeat.Heartbeat)
	SetCategory(category string)
	Category() string
	Dispose(ctx context.Context) error
}

// Observer is told about every recorded heartbeat.
type Observer interface {
	Touch()
}

// Tracker is the signal-to-heartbeat pipeline.
type Tracker struct {
	recorder Recorder
	builder  *Builder
	filter   *debounce.Filter
	logger   *logging.Logger
	observer Observer

	mu        sync.Mutex
	debugging int
	closed    bool
}

// Option configures a Tracker.
type Option func(*Tracker)

func WithLogger(l *logging.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

func WithObserver(o Observer) Option {
	return func(t *Tracker) { t.observer = o }
}

// New creates a tracker. A nil filter uses the default debounce interval.
func New(recorder Recorder, builder *Builder, filter *debounce.Filter, opts ...Option) *Tracker {
	if builder == nil {
		builder = NewBuilder(WithCategorySource(recorder))
	}
	if filter == nil {
		filter = debounce.New(debounce.DefaultInterval, nil)
	}
	t := &Tracker{
		recorder: recorder,
		builder:  builder,
		filter:   filter,
		logger:   logging.New().WithComponent("tracker"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Handle processes one signal and reports whether it was recorded.
func (t *Tracker) Handle(ctx context.Context, sig Signal) bool {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		t.logger.SignalIgnored(sig.Entity, "closed")
		return false
	}

	if err := sig.Validate(); err != nil {
		t.logger.HeartbeatDropped(sig.Entity, err)
		return false
	}
	if !t.filter.Allow(sig.Entity, sig.Significant()) {
		t.logger.SignalIgnored(sig.Entity, "debounced")
		return false
	}

	hb, err := t.builder.Build(ctx, sig)
	if err != nil {
		return false
	}
	t.recorder.Record(hb)
	if t.observer != nil {
		t.observer.Touch()
	}
	return true
}

// StartDebugSession switches the category to debugging. Sessions nest.
func (t *Tracker) StartDebugSession() {
	t.mu.Lock()
	t.debugging++
	first := t.debugging == 1
	t.mu.Unlock()
	if first {
		t.recorder.SetCategory(CategoryDebugging)
	}
}

// EndDebugSession restores the coding category once the last session ends.
func (t *Tracker) EndDebugSession() {
	t.mu.Lock()
	if t.debugging == 0 {
		t.mu.Unlock()
		return
	}
	t.debugging--
	last := t.debugging == 0
	t.mu.Unlock()
	if last {
		t.recorder.SetCategory(CategoryCoding)
	}
}

// Close stops accepting signals and disposes the recorder.
func (t *Tracker) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	return t.recorder.Dispose(ctx)
}
