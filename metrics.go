package audit

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PipelineMetrics defines the interface for publish/consume pipeline metrics.
type PipelineMetrics interface {
	EventPublished(et EventType)
	EventFallback(et EventType)
	EventConsumed(et EventType, result InsertResult)
	ParseFailure()
	ConsumeLatency(d time.Duration)
}

// PrometheusMetrics implements PipelineMetrics with Prometheus.
type PrometheusMetrics struct {
	published *prometheus.CounterVec
	fallback  *prometheus.CounterVec
	consumed  *prometheus.CounterVec
	parseFail prometheus.Counter
	latency   prometheus.Histogram
}

// NewPrometheusMetrics creates a new PrometheusMetrics instance.
func NewPrometheusMetrics(registerer prometheus.Registerer) *PrometheusMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	m := &PrometheusMetrics{
		published: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audit_events_published_total",
				Help: "Total number of audit events handed to the message bus",
			},
			[]string{"event_type"},
		),
		fallback: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audit_events_fallback_total",
				Help: "Total number of audit events persisted directly because the bus send failed",
			},
			[]string{"event_type"},
		),
		consumed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audit_events_consumed_total",
				Help: "Total number of audit events consumed from the bus, by insert result",
			},
			[]string{"event_type", "result"},
		),
		parseFail: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "audit_events_parse_failures_total",
				Help: "Total number of inbound payloads that could not be decoded",
			},
		),
		latency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "audit_consume_latency_seconds",
				Help:    "Latency of consuming one audit event",
				Buckets: prometheus.DefBuckets,
			},
		),
	}
	registerer.MustRegister(m.published, m.fallback, m.consumed, m.parseFail, m.latency)
	return m
}

// EventPublished increments the published counter.
func (m *PrometheusMetrics) EventPublished(et EventType) {
	m.published.WithLabelValues(string(et)).Inc()
}

// EventFallback increments the fallback counter.
func (m *PrometheusMetrics) EventFallback(et EventType) {
	m.fallback.WithLabelValues(string(et)).Inc()
}

// EventConsumed increments the consumed counter.
func (m *PrometheusMetrics) EventConsumed(et EventType, result InsertResult) {
	m.consumed.WithLabelValues(string(et), result.String()).Inc()
}

// ParseFailure increments the parse failure counter.
func (m *PrometheusMetrics) ParseFailure() {
	m.parseFail.Inc()
}

// ConsumeLatency records the consume latency.
func (m *PrometheusMetrics) ConsumeLatency(d time.Duration) {
	m.latency.Observe(d.Seconds())
}

// nopMetrics is a no-op PipelineMetrics implementation.
type nopMetrics struct{}

func (nopMetrics) EventPublished(EventType)              {}
func (nopMetrics) EventFallback(EventType)               {}
func (nopMetrics) EventConsumed(EventType, InsertResult) {}
func (nopMetrics) ParseFailure()                         {}
func (nopMetrics) ConsumeLatency(time.Duration)          {}
