package heartbeat

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/quartz"

	aerrors "github.com/vinayprograms/activitykit/errors"
	"github.com/vinayprograms/activitykit/logging"
	"github.com/vinayprograms/activitykit/telemetry"
)

// Option configures an Emitter.
type Option func(*Emitter)

// WithClock sets the clock driving the flush ticker and backoff.
func WithClock(c quartz.Clock) Option {
	return func(e *Emitter) { e.clock = c }
}

// WithLogger sets the emitter's logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Emitter) { e.log = l }
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(e *Emitter) { e.metrics = m }
}

// WithTracer sets the tracer used for flush spans.
func WithTracer(t *telemetry.Tracer) Option {
	return func(e *Emitter) { e.tracer = t }
}

// WithDeadLetter sets where heartbeats go when the emitter gives up on them.
func WithDeadLetter(d DeadLetter) Option {
	return func(e *Emitter) { e.dead = d }
}

// Emitter buffers heartbeats and delivers them to a Sink in batches, either
// when the buffer fills or on a fixed interval. Failed batches are put back
// at the front of the buffer so delivery order always matches record order.
type Emitter struct {
	cfg     Config
	sink    Sink
	clock   quartz.Clock
	log     *logging.Logger
	metrics *Metrics
	tracer  *telemetry.Tracer
	dead    DeadLetter

	mu          sync.Mutex
	buffer      []Heartbeat
	category    string
	disposed    bool
	outcome     FlushOutcome
	lastFlushAt time.Time
	lastErr     error
	lastErrCode aerrors.ErrorCode
	failures    int
	delivered   int
	dropped     int
	retryAt     time.Time
	backoff     *backoff.ExponentialBackOff

	flushMu   sync.Mutex     // serialises deliveries
	triggered atomic.Bool    // a capacity flush is scheduled or running
	inflight  sync.WaitGroup // capacity flushes
	parking   sync.WaitGroup // evictions handed to the dead-letter store from Record

	running atomic.Bool
	ticker  *quartz.Ticker
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewEmitter creates an emitter delivering to sink. Zero config fields take
// their defaults.
func NewEmitter(cfg Config, sink Sink, opts ...Option) (*Emitter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if sink == nil {
		return nil, ErrInvalidConfig
	}
	cfg = cfg.withDefaults()

	e := &Emitter{
		cfg:      cfg,
		sink:     sink,
		category: cfg.Category,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.clock == nil {
		e.clock = quartz.NewReal()
	}
	if e.log == nil {
		e.log = logging.New().WithComponent("emitter")
	}
	if e.tracer == nil {
		e.tracer = telemetry.GetTracer()
	}

	e.backoff = backoff.NewExponentialBackOff()
	e.backoff.InitialInterval = cfg.RetryInitialInterval
	e.backoff.MaxInterval = cfg.RetryMaxInterval
	e.backoff.MaxElapsedTime = 0
	e.backoff.RandomizationFactor = 0
	e.backoff.Reset()

	return e, nil
}

// Record appends a heartbeat to the buffer. It never blocks on delivery:
// when the buffer reaches MaxBufferSize a flush is started in the background.
// Invalid heartbeats and heartbeats recorded after Dispose are dropped and
// logged.
func (e *Emitter) Record(hb Heartbeat) {
	if hb.Kind == "" {
		hb.Kind = KindFile
	}
	if err := hb.Validate(); err != nil {
		e.log.HeartbeatDropped(hb.Entity, err)
		e.metrics.observeReject()
		return
	}
	hb = hb.Clone()

	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		e.log.HeartbeatDropped(hb.Entity, ErrDisposed)
		e.metrics.observeReject()
		return
	}
	if hb.Category == "" {
		hb.Category = e.category
	}
	e.buffer = append(e.buffer, hb)
	evicted := e.evictLocked()
	if len(evicted) > 0 && e.dead != nil {
		e.parking.Add(1)
	}
	trigger := len(e.buffer) >= e.cfg.MaxBufferSize && !e.backingOffLocked() &&
		e.triggered.CompareAndSwap(false, true)
	if trigger {
		e.inflight.Add(1)
	}
	buffered := len(e.buffer)
	e.mu.Unlock()

	e.metrics.observeRecord(buffered)
	if len(evicted) > 0 {
		e.overflowed(evicted, buffered)
		if e.dead != nil {
			go func() {
				defer e.parking.Done()
				e.park(context.Background(), evicted, e.overflowError(len(evicted)))
			}()
		}
	}
	if trigger {
		go e.capacityFlush()
	}
}

func (e *Emitter) capacityFlush() {
	defer e.inflight.Done()
	defer e.triggered.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.SendTimeout)
	defer cancel()
	_ = e.Flush(ctx)
}

// backingOffLocked reports whether capacity flushes are paused after a failure.
func (e *Emitter) backingOffLocked() bool {
	return !e.retryAt.IsZero() && e.clock.Now().Before(e.retryAt)
}

// evictLocked trims the buffer to BufferCeiling, returning the oldest
// heartbeats that no longer fit.
func (e *Emitter) evictLocked() []Heartbeat {
	over := len(e.buffer) - e.cfg.BufferCeiling
	if over <= 0 {
		return nil
	}
	evicted := make([]Heartbeat, over)
	copy(evicted, e.buffer[:over])
	e.buffer = append([]Heartbeat(nil), e.buffer[over:]...)
	e.dropped += over
	return evicted
}

func (e *Emitter) overflowed(evicted []Heartbeat, buffered int) {
	e.log.BufferOverflow(len(evicted), e.cfg.BufferCeiling)
	e.metrics.observeDrop(len(evicted), buffered)
}

func (e *Emitter) overflowError(n int) error {
	return aerrors.Capacity("buffer ceiling exceeded", aerrors.WithBatchSize(n),
		aerrors.WithMetadata("ceiling", strconv.Itoa(e.cfg.BufferCeiling)))
}

// park hands a batch to the dead-letter store. It reports whether the store
// accepted it.
func (e *Emitter) park(ctx context.Context, batch []Heartbeat, reason error) bool {
	if e.dead == nil || len(batch) == 0 {
		return false
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.SendTimeout)
	defer cancel()
	if err := e.dead.Park(ctx, reason, batch); err != nil {
		e.log.Error("dead_letter_failed", map[string]interface{}{
			"count": len(batch),
			"error": err.Error(),
		})
		return false
	}
	e.metrics.observeDeadLetter(len(batch))
	return true
}

// Flush delivers everything currently buffered. It is a no-op when the buffer
// is empty. On failure the batch is put back in front of anything recorded
// while the delivery was in flight, and the delivery error is returned.
// Flushes never overlap.
func (e *Emitter) Flush(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	e.flushMu.Lock()
	defer e.flushMu.Unlock()

	e.mu.Lock()
	if len(e.buffer) == 0 {
		e.mu.Unlock()
		return nil
	}
	batch := e.buffer
	e.buffer = nil
	e.outcome = OutcomePending
	e.mu.Unlock()

	start := e.clock.Now()
	err := e.deliver(ctx, batch)
	elapsed := e.clock.Since(start)

	if err == nil {
		e.succeeded(batch, elapsed)
		return nil
	}
	e.failed(ctx, batch, err, elapsed)
	return err
}

func (e *Emitter) deliver(ctx context.Context, batch []Heartbeat) (err error) {
	ctx, span := e.tracer.StartFlushSpan(ctx, len(batch))
	defer func() { e.tracer.EndFlushSpan(span, entities(batch), err) }()
	defer func() {
		if r := recover(); r != nil {
			err = aerrors.RecoverPanic(r)
		}
	}()

	if len(batch) == 1 {
		return e.sink.SendOne(ctx, batch[0])
	}
	return e.sink.SendMany(ctx, batch)
}

func (e *Emitter) succeeded(batch []Heartbeat, elapsed time.Duration) {
	e.mu.Lock()
	e.outcome = OutcomeSuccess
	e.lastFlushAt = e.clock.Now()
	e.lastErr = nil
	e.lastErrCode = ""
	e.failures = 0
	e.delivered += len(batch)
	e.retryAt = time.Time{}
	e.backoff.Reset()
	buffered := len(e.buffer)
	e.mu.Unlock()

	e.log.FlushComplete(len(batch), elapsed)
	e.metrics.observeFlush(len(batch), "", elapsed, buffered)
}

func (e *Emitter) failed(ctx context.Context, batch []Heartbeat, err error, elapsed time.Duration) {
	code := aerrors.Code(err)
	action := "rebuffered"

	// A batch the remote refuses as malformed will be refused again.
	parked := code == aerrors.ErrCodeInvalidInput && e.park(ctx, batch, err)
	if parked {
		action = "dead-lettered"
	}

	e.mu.Lock()
	var evicted []Heartbeat
	if !parked {
		e.buffer = append(batch[:len(batch):len(batch)], e.buffer...)
		evicted = e.evictLocked()
	}
	e.outcome = OutcomeFailure
	e.lastFlushAt = e.clock.Now()
	e.lastErr = err
	e.failures++
	e.retryAt = e.lastFlushAt.Add(e.backoff.NextBackOff())
	repeated := aerrors.IsConfiguration(err) && code == e.lastErrCode
	e.lastErrCode = code
	buffered := len(e.buffer)
	e.mu.Unlock()

	if !repeated {
		e.log.FlushFailed(len(batch), action, err)
	}
	label := string(code)
	if label == "" {
		label = "UNKNOWN"
	}
	e.metrics.observeFlush(len(batch), label, elapsed, buffered)

	if len(evicted) > 0 {
		e.overflowed(evicted, buffered)
		e.park(ctx, evicted, e.overflowError(len(evicted)))
	}
}

func entities(batch []Heartbeat) []string {
	out := make([]string, len(batch))
	for i := range batch {
		out[i] = batch[i].Entity
	}
	return out
}

// Start begins periodic flushing every FlushInterval. The timer belongs to
// this emitter and stops on Dispose or when ctx is canceled.
func (e *Emitter) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	// running and the loop channels change together under e.mu; stop reads
	// them under the same lock.
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disposed {
		return ErrDisposed
	}
	if e.running.Load() {
		return ErrAlreadyStarted
	}

	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})
	e.ticker = e.clock.NewTicker(e.cfg.FlushInterval, "emitter", "flush")
	e.running.Store(true)

	go e.run(ctx)
	return nil
}

// run is the periodic flush loop.
func (e *Emitter) run(ctx context.Context) {
	defer close(e.doneCh)
	defer e.ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-e.ticker.C:
			fctx, cancel := context.WithTimeout(ctx, e.cfg.SendTimeout)
			_ = e.Flush(fctx)
			cancel()
		}
	}
}

func (e *Emitter) stop() {
	e.mu.Lock()
	if !e.running.Swap(false) {
		e.mu.Unlock()
		return
	}
	stopCh, doneCh := e.stopCh, e.doneCh
	e.mu.Unlock()

	close(stopCh)
	<-doneCh
}

// Dispose stops the timer, waits for any capacity flush, and makes one final
// flush attempt bounded by DisposeTimeout. Heartbeats that still cannot be
// delivered go to the dead-letter store when one is configured. If the bound
// is hit Dispose returns a TIMEOUT error without waiting further.
func (e *Emitter) Dispose(ctx context.Context) error {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return ErrDisposed
	}
	e.disposed = true
	e.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.DisposeTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		e.stop()
		e.inflight.Wait()
		err := e.Flush(ctx)
		if err != nil {
			// An INVALID_INPUT batch was already parked by the flush.
			if pending := e.Pending(); len(pending) == 0 || e.park(ctx, pending, err) {
				e.mu.Lock()
				e.buffer = nil
				e.mu.Unlock()
				err = nil
			}
		}
		e.parking.Wait()
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil && ctx.Err() != nil {
			return e.disposeTimeout(ctx)
		}
		return err
	case <-ctx.Done():
		return e.disposeTimeout(ctx)
	}
}

func (e *Emitter) disposeTimeout(ctx context.Context) error {
	e.mu.Lock()
	pending := len(e.buffer)
	e.mu.Unlock()
	e.log.Warn("dispose_timeout", map[string]interface{}{
		"pending": pending,
		"timeout": e.cfg.DisposeTimeout.String(),
	})
	return aerrors.Timeout("final flush did not finish before dispose timeout",
		aerrors.WithBatchSize(pending), aerrors.WithCause(ctx.Err()))
}

// SetCategory changes the category applied to heartbeats recorded without
// one. An empty category restores the configured default.
func (e *Emitter) SetCategory(category string) {
	if category == "" {
		category = e.cfg.Category
	}
	e.mu.Lock()
	prev := e.category
	e.category = category
	e.mu.Unlock()

	if prev != category {
		e.log.CategoryChanged(prev, category)
	}
}

// Category returns the current default category.
func (e *Emitter) Category() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.category
}

// Pending returns a copy of the buffered heartbeats in delivery order.
func (e *Emitter) Pending() []Heartbeat {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Heartbeat, len(e.buffer))
	for i := range e.buffer {
		out[i] = e.buffer[i].Clone()
	}
	return out
}

// Snapshot returns the emitter's current status.
func (e *Emitter) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{
		Outcome:             e.outcome,
		LastFlushAt:         e.lastFlushAt,
		LastError:           e.lastErr,
		Buffered:            len(e.buffer),
		Delivered:           e.delivered,
		Dropped:             e.dropped,
		ConsecutiveFailures: e.failures,
		RetryAt:             e.retryAt,
		Category:            e.category,
		Disposed:            e.disposed,
	}
}

// Config returns the effective configuration.
func (e *Emitter) Config() Config {
	return e.cfg
}
