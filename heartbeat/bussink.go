package heartbeat

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/goccy/go-json"

	"github.com/vinayprograms/activitykit/bus"
	aerrors "github.com/vinayprograms/activitykit/errors"
	"github.com/vinayprograms/activitykit/logging"
	"github.com/vinayprograms/activitykit/telemetry"
)

// envelope is the request payload exchanged between BusSink and Collector.
type envelope struct {
	Trace      telemetry.MapCarrier `json:"trace,omitempty"`
	Heartbeats []Heartbeat          `json:"heartbeats"`
}

// reply acknowledges an envelope. Error is set when OK is false.
type reply struct {
	OK    bool           `json:"ok"`
	Count int            `json:"count,omitempty"`
	Error *aerrors.Error `json:"error,omitempty"`
}

// BusSink delivers heartbeats over a message bus as request/reply. A batch
// counts as delivered only once a Collector acknowledges it.
type BusSink struct {
	bus     bus.MessageBus
	subject string
	tracer  *telemetry.Tracer
}

// NewBusSink creates a sink publishing to subject (bus.HeartbeatSubject when
// empty).
func NewBusSink(b bus.MessageBus, subject string) *BusSink {
	if subject == "" {
		subject = bus.HeartbeatSubject
	}
	return &BusSink{bus: b, subject: subject, tracer: telemetry.GetTracer()}
}

func (s *BusSink) SendOne(ctx context.Context, hb Heartbeat) error {
	return s.SendMany(ctx, []Heartbeat{hb})
}

func (s *BusSink) SendMany(ctx context.Context, hbs []Heartbeat) (err error) {
	ctx, span := s.tracer.StartSendSpan(ctx, "bus")
	defer func() {
		s.tracer.EndSendSpan(span, telemetry.SendSpanOptions{Endpoint: s.subject, Count: len(hbs)}, err)
	}()

	env := envelope{Trace: telemetry.MapCarrier{}, Heartbeats: hbs}
	telemetry.InjectContext(ctx, env.Trace)
	data, err := json.Marshal(&env)
	if err != nil {
		return aerrors.WrapWithCode(err, aerrors.ErrCodeInvalidInput, "encode heartbeat batch",
			aerrors.WithBatchSize(len(hbs)))
	}

	msg, err := s.bus.Request(ctx, s.subject, data)
	if err != nil {
		return busError(err, len(hbs))
	}

	var r reply
	if err := json.Unmarshal(msg.Data, &r); err != nil {
		return aerrors.WrapWithCode(err, aerrors.ErrCodeUnavailable, "malformed collector reply")
	}
	if !r.OK {
		if r.Error != nil {
			return r.Error
		}
		return aerrors.Unavailable("collector rejected batch", aerrors.WithBatchSize(len(hbs)))
	}
	return nil
}

func busError(err error, n int) error {
	opt := aerrors.WithBatchSize(n)
	switch {
	case errors.Is(err, bus.ErrTimeout):
		return aerrors.WrapWithCode(err, aerrors.ErrCodeTimeout, "collector did not reply", opt)
	case errors.Is(err, bus.ErrNoResponders):
		return aerrors.WrapWithCode(err, aerrors.ErrCodeUnavailable, "no collector listening", opt)
	case errors.Is(err, bus.ErrClosed):
		return aerrors.WrapWithCode(err, aerrors.ErrCodeUnavailable, "bus closed", opt)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return aerrors.Wrap(err, "bus request", opt)
	default:
		return aerrors.WrapWithCode(err, aerrors.ErrCodeNetworkErr, "bus request failed", opt)
	}
}

// CollectorConfig configures a Collector.
type CollectorConfig struct {
	// Bus to receive on.
	Bus bus.MessageBus

	// Sink receives every acknowledged batch.
	Sink Sink

	// Subject to listen on. Default: bus.HeartbeatSubject
	Subject string

	// Queue group shared by collector instances. Default: bus.CollectorQueue
	Queue string

	Logger *logging.Logger
}

// Validate checks the configuration.
func (c *CollectorConfig) Validate() error {
	if c.Bus == nil || c.Sink == nil {
		return ErrInvalidConfig
	}
	return nil
}

// Collector is the receiving side of BusSink. It forwards each batch to a
// Sink and replies with the outcome, so the emitter on the other side keeps
// its ordering and retry guarantees.
type Collector struct {
	bus     bus.MessageBus
	sink    Sink
	subject string
	queue   string
	log     *logging.Logger
	tracer  *telemetry.Tracer

	received atomic.Int64

	mu      sync.Mutex
	sub     bus.Subscription
	running atomic.Bool
	doneCh  chan struct{}
}

// NewCollector creates a collector.
func NewCollector(cfg CollectorConfig) (*Collector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Subject == "" {
		cfg.Subject = bus.HeartbeatSubject
	}
	if cfg.Queue == "" {
		cfg.Queue = bus.CollectorQueue
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New().WithComponent("collector")
	}
	return &Collector{
		bus:     cfg.Bus,
		sink:    cfg.Sink,
		subject: cfg.Subject,
		queue:   cfg.Queue,
		log:     cfg.Logger,
		tracer:  telemetry.GetTracer(),
	}, nil
}

// Start subscribes and begins forwarding batches.
func (c *Collector) Start(ctx context.Context) error {
	if c.running.Swap(true) {
		return ErrAlreadyStarted
	}
	if ctx == nil {
		ctx = context.Background()
	}

	sub, err := c.bus.QueueSubscribe(c.subject, c.queue)
	if err != nil {
		c.running.Store(false)
		return err
	}

	c.mu.Lock()
	c.sub = sub
	c.doneCh = make(chan struct{})
	c.mu.Unlock()

	go c.run(ctx, sub)
	return nil
}

func (c *Collector) run(ctx context.Context, sub bus.Subscription) {
	defer close(c.doneCh)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			c.handle(ctx, msg)
		}
	}
}

func (c *Collector) handle(ctx context.Context, msg *bus.Message) {
	var env envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		c.respond(msg, 0, aerrors.WrapWithCode(err, aerrors.ErrCodeInvalidInput, "malformed heartbeat batch"))
		return
	}
	if env.Trace != nil {
		ctx = telemetry.ExtractContext(ctx, env.Trace)
	}
	for i := range env.Heartbeats {
		if err := env.Heartbeats[i].Validate(); err != nil {
			c.respond(msg, 0, err)
			return
		}
	}
	if len(env.Heartbeats) == 0 {
		c.respond(msg, 0, nil)
		return
	}

	ctx, span := c.tracer.StartSpan(ctx, "collector.forward")
	var err error
	if len(env.Heartbeats) == 1 {
		err = c.sink.SendOne(ctx, env.Heartbeats[0])
	} else {
		err = c.sink.SendMany(ctx, env.Heartbeats)
	}
	span.End()

	if err == nil {
		c.received.Add(int64(len(env.Heartbeats)))
	} else {
		c.log.FlushFailed(len(env.Heartbeats), "nacked", err)
	}
	c.respond(msg, len(env.Heartbeats), err)
}

func (c *Collector) respond(msg *bus.Message, n int, err error) {
	if msg.Reply == "" {
		return
	}
	r := reply{OK: err == nil, Count: n}
	if err != nil {
		var aerr *aerrors.Error
		if !errors.As(err, &aerr) {
			aerr = aerrors.Wrap(err, "forward heartbeats")
		}
		r.Error = aerr
	}
	data, merr := json.Marshal(&r)
	if merr != nil {
		c.log.Error("encode reply", map[string]interface{}{"error": merr.Error()})
		return
	}
	if perr := c.bus.Publish(msg.Reply, data); perr != nil {
		c.log.Warn("reply failed", map[string]interface{}{"error": perr.Error()})
	}
}

// Received returns how many heartbeats were forwarded successfully.
func (c *Collector) Received() int64 {
	return c.received.Load()
}

// Stop unsubscribes and waits for the forwarding loop to exit.
func (c *Collector) Stop() error {
	if !c.running.Swap(false) {
		return nil
	}
	c.mu.Lock()
	sub, done := c.sub, c.doneCh
	c.mu.Unlock()

	err := sub.Unsubscribe()
	<-done
	return err
}
