package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/coder/quartz"

	aerrors "github.com/vinayprograms/activitykit/errors"
	"github.com/vinayprograms/activitykit/logging"
)

// Coordinator runs registered handlers phase by phase.
type Coordinator struct {
	config Config
	clock  quartz.Clock
	logger *logging.Logger

	mu       sync.Mutex
	handlers []registration
	started  bool

	once    sync.Once
	done    chan struct{}
	err     error
	result  *Result
	signals chan os.Signal
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithClock(c quartz.Clock) Option {
	return func(co *Coordinator) { co.clock = c }
}

func WithLogger(l *logging.Logger) Option {
	return func(co *Coordinator) { co.logger = l }
}

// NewCoordinator creates a coordinator. Zero fields take their defaults.
func NewCoordinator(config Config, opts ...Option) *Coordinator {
	def := DefaultConfig()
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.DefaultPhase == 0 {
		config.DefaultPhase = def.DefaultPhase
	}

	c := &Coordinator{
		config:  config,
		clock:   quartz.NewReal(),
		logger:  logging.New().WithComponent("shutdown"),
		done:    make(chan struct{}),
		signals: make(chan os.Signal, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register adds a handler in the default phase.
func (c *Coordinator) Register(name string, h Handler) error {
	return c.RegisterWithPhase(name, h, c.config.DefaultPhase)
}

// RegisterWithPhase adds a handler to phase.
func (c *Coordinator) RegisterWithPhase(name string, h Handler, phase int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		c.logger.Warn("late_registration", map[string]interface{}{"handler": name})
		return ErrAlreadyShutdown
	}
	c.handlers = append(c.handlers, registration{name: name, handler: h, phase: phase})
	return nil
}

// RegisterFunc adds fn to phase.
func (c *Coordinator) RegisterFunc(name string, phase int, fn func(ctx context.Context) error) error {
	return c.RegisterWithPhase(name, HandlerFunc(fn), phase)
}

// Shutdown runs every phase once. Later calls wait for the first to finish
// and return its error.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.once.Do(func() {
		c.err = c.run(ctx)
		close(c.done)
	})
	<-c.done
	return c.err
}

// ShutdownWithTimeout runs Shutdown bounded by timeout, or the configured
// timeout when zero.
func (c *Coordinator) ShutdownWithTimeout(timeout time.Duration) error {
	if timeout == 0 {
		timeout = c.config.Timeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.Shutdown(ctx)
}

// HandleSignals shuts down on SIGTERM or SIGINT.
func (c *Coordinator) HandleSignals() {
	signal.Notify(c.signals, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		defer signal.Stop(c.signals)
		select {
		case sig := <-c.signals:
			c.logger.Info("signal_received", map[string]interface{}{"signal": sig.String()})
			_ = c.ShutdownWithTimeout(c.config.Timeout)
		case <-c.done:
		}
	}()
}

// Trigger behaves as if SIGTERM was received.
func (c *Coordinator) Trigger() {
	select {
	case c.signals <- syscall.SIGTERM:
	default:
	}
}

// Done is closed when shutdown completes.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Err returns the shutdown error once Done is closed.
func (c *Coordinator) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Result returns per-handler outcomes once Done is closed.
func (c *Coordinator) Result() *Result {
	select {
	case <-c.done:
		return c.result
	default:
		return nil
	}
}

func (c *Coordinator) run(ctx context.Context) error {
	start := c.clock.Now("shutdown", "start")

	c.mu.Lock()
	c.started = true
	handlers := make([]registration, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.Unlock()

	sort.SliceStable(handlers, func(i, j int) bool {
		return handlers[i].phase < handlers[j].phase
	})

	c.logger.Info("shutdown_started", map[string]interface{}{"handlers": len(handlers)})

	result := &Result{Results: make([]HandlerResult, 0, len(handlers))}
	var failures []error

	finish := func(err error) error {
		result.Err = err
		result.TotalDuration = c.clock.Since(start, "shutdown", "total")
		c.result = result
		fields := map[string]interface{}{"duration_ms": result.TotalDuration.Milliseconds()}
		if err != nil {
			fields["error"] = err.Error()
			c.logger.Warn("shutdown_incomplete", fields)
		} else {
			c.logger.Info("shutdown_complete", fields)
		}
		return err
	}

	for _, group := range groupByPhase(handlers) {
		if ctx.Err() != nil {
			return finish(errors.Join(ErrTimeout, joinFailures(failures)))
		}

		for _, hr := range c.runPhase(ctx, group) {
			result.Results = append(result.Results, hr)
			if hr.Err != nil {
				failures = append(failures, fmt.Errorf("%s: %w", hr.Name, hr.Err))
			}
		}
		if len(failures) > 0 && !c.config.ContinueOnError {
			return finish(joinFailures(failures))
		}
	}
	return finish(joinFailures(failures))
}

func joinFailures(failures []error) error {
	if len(failures) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrHandlerFailed, errors.Join(failures...))
}

// runPhase runs one phase's handlers concurrently.
func (c *Coordinator) runPhase(ctx context.Context, group []registration) []HandlerResult {
	results := make([]HandlerResult, len(group))
	var wg sync.WaitGroup

	for i, reg := range group {
		wg.Add(1)
		go func(idx int, r registration) {
			defer wg.Done()

			start := c.clock.Now("shutdown", "handler")
			err := c.invoke(ctx, r)
			hr := HandlerResult{
				Name:     r.name,
				Phase:    r.phase,
				Duration: c.clock.Since(start, "shutdown", "handler"),
				Err:      err,
			}
			results[idx] = hr

			fields := map[string]interface{}{
				"handler":     r.name,
				"phase":       r.phase,
				"duration_ms": hr.Duration.Milliseconds(),
			}
			if err != nil {
				fields["error"] = err.Error()
				c.logger.Warn("handler_failed", fields)
			} else {
				c.logger.Debug("handler_done", fields)
			}
			if c.config.OnProgress != nil {
				c.config.OnProgress(hr)
			}
		}(i, reg)
	}

	wg.Wait()
	return results
}

// invoke calls the handler, turning a panic into an error.
func (c *Coordinator) invoke(ctx context.Context, r registration) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = aerrors.RecoverPanic(rec)
		}
	}()
	return r.handler.OnShutdown(ctx)
}

// groupByPhase splits handlers, already sorted by phase, into phases.
func groupByPhase(handlers []registration) [][]registration {
	var groups [][]registration
	for i, h := range handlers {
		if i == 0 || h.phase != handlers[i-1].phase {
			groups = append(groups, nil)
		}
		groups[len(groups)-1] = append(groups[len(groups)-1], h)
	}
	return groups
}
