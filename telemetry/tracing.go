// Package telemetry wires OpenTelemetry tracing into the delivery path so a
// slow or failing flush can be followed from the emitter into the sink.
package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Tracer wraps OpenTelemetry tracing with delivery-specific helpers.
type Tracer struct {
	tracer trace.Tracer
	debug  bool // When true, include entity paths in span attributes
}

var (
	globalTracer *Tracer
	tracerMu     sync.RWMutex
)

// SetGlobalTracer sets the global tracer instance.
func SetGlobalTracer(t *Tracer) {
	tracerMu.Lock()
	defer tracerMu.Unlock()
	globalTracer = t
}

// GetTracer returns the global tracer, or a no-op tracer if not set.
func GetTracer() *Tracer {
	tracerMu.RLock()
	defer tracerMu.RUnlock()
	if globalTracer == nil {
		return &Tracer{tracer: noop.NewTracerProvider().Tracer("")}
	}
	return globalTracer
}

// NewTracer creates a new tracer with the given name from the global provider.
func NewTracer(name string, debug bool) *Tracer {
	return &Tracer{
		tracer: otel.Tracer(name),
		debug:  debug,
	}
}

// NewTracerFromProvider creates a tracer from an explicit provider.
func NewTracerFromProvider(tp trace.TracerProvider, name string, debug bool) *Tracer {
	return &Tracer{
		tracer: tp.Tracer(name),
		debug:  debug,
	}
}

// SetDebug enables or disables debug mode.
func (t *Tracer) SetDebug(debug bool) {
	t.debug = debug
}

// Debug returns whether debug mode is enabled.
func (t *Tracer) Debug() bool {
	return t.debug
}

// StartSpan starts a new span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// --- Flush Spans ---

// StartFlushSpan starts a span covering one emitter flush.
func (t *Tracer) StartFlushSpan(ctx context.Context, batchSize int) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "emitter.flush", trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(attribute.Int("heartbeat.batch_size", batchSize))
	return ctx, span
}

// EndFlushSpan ends a flush span. entities are only recorded in debug mode
// because they are local file paths.
func (t *Tracer) EndFlushSpan(span trace.Span, entities []string, err error) {
	if t.debug && len(entities) > 0 {
		if len(entities) > 20 {
			entities = entities[:20]
		}
		span.SetAttributes(attribute.StringSlice("heartbeat.entities", entities))
	}
	end(span, err)
}

// --- Send Spans ---

// SendSpanOptions describes one remote call.
type SendSpanOptions struct {
	Endpoint   string
	StatusCode int
	Count      int
}

// StartSendSpan starts a client span for a remote delivery.
func (t *Tracer) StartSendSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "sink."+name, trace.WithSpanKind(trace.SpanKindClient))
}

// EndSendSpan ends a send span with attributes.
func (t *Tracer) EndSendSpan(span trace.Span, opts SendSpanOptions, err error) {
	attrs := []attribute.KeyValue{
		attribute.Int("heartbeat.count", opts.Count),
	}
	if opts.Endpoint != "" {
		attrs = append(attrs, attribute.String("sink.endpoint", opts.Endpoint))
	}
	if opts.StatusCode != 0 {
		attrs = append(attrs, attribute.Int("http.response.status_code", opts.StatusCode))
	}
	span.SetAttributes(attrs...)
	end(span, err)
}

func end(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// --- Context Propagation ---

// InjectContext injects trace context into a carrier for cross-process propagation.
func InjectContext(ctx context.Context, carrier propagation.TextMapCarrier) {
	otel.GetTextMapPropagator().Inject(ctx, carrier)
}

// ExtractContext extracts trace context from a carrier.
func ExtractContext(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// MapCarrier is a simple map-based TextMapCarrier for context propagation.
type MapCarrier map[string]string

func (c MapCarrier) Get(key string) string {
	return c[key]
}

func (c MapCarrier) Set(key, value string) {
	c[key] = value
}

func (c MapCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
