package heartbeat

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus collectors for an emitter. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	recorded      prometheus.Counter
	rejected      prometheus.Counter
	delivered     prometheus.Counter
	flushFailures *prometheus.CounterVec
	dropped       prometheus.Counter
	deadLettered  prometheus.Counter
	buffered      prometheus.Gauge
	flushDuration prometheus.Histogram
}

// NewMetrics creates emitter metrics and registers them with reg when reg is
// not nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	const ns, sub = "activitykit", "emitter"
	m := &Metrics{
		recorded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "heartbeats_recorded_total",
			Help: "Heartbeats accepted into the buffer.",
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "heartbeats_rejected_total",
			Help: "Heartbeats refused by Record because they were invalid or the emitter was disposed.",
		}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "heartbeats_delivered_total",
			Help: "Heartbeats acknowledged by the sink.",
		}),
		flushFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "flush_failures_total",
			Help: "Failed flushes by error code.",
		}, []string{"code"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "heartbeats_dropped_total",
			Help: "Heartbeats evicted because the buffer ceiling was exceeded.",
		}),
		deadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "heartbeats_dead_lettered_total",
			Help: "Heartbeats handed to the dead-letter store.",
		}),
		buffered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub,
			Name: "heartbeats_buffered",
			Help: "Heartbeats currently waiting for delivery.",
		}),
		flushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: sub,
			Name:    "flush_duration_seconds",
			Help:    "Time spent delivering one batch.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{
			m.recorded, m.rejected, m.delivered, m.flushFailures,
			m.dropped, m.deadLettered, m.buffered, m.flushDuration,
		} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}

	return m, nil
}

func (m *Metrics) observeRecord(buffered int) {
	if m == nil {
		return
	}
	m.recorded.Inc()
	m.buffered.Set(float64(buffered))
}

func (m *Metrics) observeReject() {
	if m == nil {
		return
	}
	m.rejected.Inc()
}

func (m *Metrics) observeFlush(count int, code string, d time.Duration, buffered int) {
	if m == nil {
		return
	}
	m.flushDuration.Observe(d.Seconds())
	m.buffered.Set(float64(buffered))
	if code == "" {
		m.delivered.Add(float64(count))
		return
	}
	m.flushFailures.WithLabelValues(code).Inc()
}

func (m *Metrics) observeDrop(n, buffered int) {
	if m == nil {
		return
	}
	m.dropped.Add(float64(n))
	m.buffered.Set(float64(buffered))
}

func (m *Metrics) observeDeadLetter(n int) {
	if m == nil {
		return
	}
	m.deadLettered.Add(float64(n))
}
