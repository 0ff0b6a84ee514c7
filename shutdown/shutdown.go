package shutdown

import (
	"context"
	"errors"
	"time"
)

// Phases used by activitykit processes. Lower phases run first and handlers
// within a phase run concurrently.
const (
	// PhaseSources stops signal sources such as file watchers and bus
	// subscriptions so no new heartbeats arrive.
	PhaseSources = 10

	// PhaseFlush closes trackers and disposes emitters, which performs the
	// final bounded flush.
	PhaseFlush = 50

	// PhaseExporters releases what the flush still needed: trace exporters,
	// the dead-letter store, bus connections and API clients.
	PhaseExporters = 90
)

// Common errors.
var (
	// ErrAlreadyShutdown is returned by Register once shutdown has begun.
	ErrAlreadyShutdown = errors.New("shutdown already initiated")

	// ErrTimeout indicates phases were skipped because the deadline passed.
	ErrTimeout = errors.New("shutdown timeout exceeded")

	// ErrHandlerFailed wraps the errors of failed handlers.
	ErrHandlerFailed = errors.New("one or more handlers failed")

	ErrInvalidConfig = errors.New("invalid configuration")
)

// Handler is implemented by components that need graceful shutdown.
// The context expires when the shutdown deadline is reached.
type Handler interface {
	OnShutdown(ctx context.Context) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context) error

func (f HandlerFunc) OnShutdown(ctx context.Context) error {
	return f(ctx)
}

// HandlerResult is the outcome of one handler.
type HandlerResult struct {
	Name     string
	Phase    int
	Duration time.Duration
	Err      error
}

// Result is the outcome of a complete shutdown.
type Result struct {
	TotalDuration time.Duration
	Results       []HandlerResult

	// Err is nil when every handler succeeded in time.
	Err error
}

// Failed reports whether any handler failed or phases were skipped.
func (r *Result) Failed() bool {
	return r.Err != nil
}

// FailedHandlers returns the names of handlers that returned an error.
func (r *Result) FailedHandlers() []string {
	var failed []string
	for _, hr := range r.Results {
		if hr.Err != nil {
			failed = append(failed, hr.Name)
		}
	}
	return failed
}

// Config configures a Coordinator.
type Config struct {
	// Timeout bounds shutdowns started by a signal or ShutdownWithTimeout(0).
	// Default: 30 seconds
	Timeout time.Duration

	// DefaultPhase is used by Register.
	// Default: PhaseExporters
	DefaultPhase int

	// ContinueOnError runs later phases after a handler fails.
	ContinueOnError bool

	// OnProgress is called as each handler completes.
	OnProgress func(result HandlerResult)
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Timeout < 0 || c.DefaultPhase < 0 {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:         30 * time.Second,
		DefaultPhase:    PhaseExporters,
		ContinueOnError: true,
	}
}

type registration struct {
	name    string
	handler Handler
	phase   int
}
