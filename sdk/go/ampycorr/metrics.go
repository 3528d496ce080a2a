package ampycorr

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "ampy_correlation"

// Fetch outcomes (bounded label values)
const (
	FetchOutcomeOK    = "ok"
	FetchOutcomeError = "error"
	FetchOutcomeEmpty = "empty"
)

type Metrics struct {
	reg *prometheus.Registry
}

func NewMetrics() *Metrics {
	return &Metrics{reg: prometheus.NewRegistry()}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Registry exposes the private registry for callers that add their own collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// CorrelationMetrics are the instruments fed by the resolver, tracker and
// correlation-id cache. A nil *CorrelationMetrics records nothing.
type CorrelationMetrics struct {
	requestsResolved   *prometheus.CounterVec
	dependencies       *prometheus.CounterVec
	dependencyDuration *prometheus.HistogramVec
	pendingCalls       prometheus.Gauge
	orphanStops        prometheus.Counter
	fetches            *prometheus.CounterVec
}

// Correlation registers the correlation instruments on m.
func (m *Metrics) Correlation(constLabels prometheus.Labels) *CorrelationMetrics {
	cm := &CorrelationMetrics{
		requestsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "requests_resolved_total",
			Help:        "Inbound requests by the header format their trace context was resolved from.",
			ConstLabels: constLabels,
		}, []string{"format"}),
		dependencies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "dependencies_total",
			Help:        "Finished dependency records by type and success.",
			ConstLabels: constLabels,
		}, []string{"type", "success"}),
		dependencyDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   metricsNamespace,
			Name:        "dependency_duration_ms",
			Help:        "Outbound call duration in milliseconds.",
			Buckets:     histogramBoundariesMs(),
			ConstLabels: constLabels,
		}, []string{"type"}),
		pendingCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "pending_calls",
			Help:        "Outbound calls started but not yet stopped.",
			ConstLabels: constLabels,
		}),
		orphanStops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "orphan_stops_total",
			Help:        "Call stop events with no matching start.",
			ConstLabels: constLabels,
		}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "correlation_id_fetches_total",
			Help:        "Correlation id lookups by outcome.",
			ConstLabels: constLabels,
		}, []string{"outcome"}),
	}
	m.reg.MustRegister(
		cm.requestsResolved,
		cm.dependencies,
		cm.dependencyDuration,
		cm.pendingCalls,
		cm.orphanStops,
		cm.fetches,
	)
	return cm
}

// histogramBoundariesMs returns consistent bucket boundaries for latency histograms
func histogramBoundariesMs() []float64 {
	return []float64{1, 2, 5, 10, 20, 50, 100, 200, 500, 1000, 2000} // ms
}

func (cm *CorrelationMetrics) requestResolved(f Format) {
	if cm == nil {
		return
	}
	cm.requestsResolved.WithLabelValues(f.String()).Inc()
}

func (cm *CorrelationMetrics) callStarted() {
	if cm == nil {
		return
	}
	cm.pendingCalls.Inc()
}

func (cm *CorrelationMetrics) callsAbandoned(n int) {
	if cm == nil {
		return
	}
	cm.pendingCalls.Sub(float64(n))
}

func (cm *CorrelationMetrics) orphanStop() {
	if cm == nil {
		return
	}
	cm.orphanStops.Inc()
}

// dependencyFinished counts rec and records its duration, attaching the
// operation id as an exemplar when the histogram supports it.
func (cm *CorrelationMetrics) dependencyFinished(rec Record) {
	if cm == nil {
		return
	}
	cm.pendingCalls.Dec()
	cm.dependencies.WithLabelValues(rec.Type, strconv.FormatBool(rec.Success)).Inc()

	ms := float64(rec.Duration) / float64(time.Millisecond)
	obs := cm.dependencyDuration.WithLabelValues(rec.Type)
	if eo, ok := obs.(prometheus.ExemplarObserver); ok && rec.OperationID != "" {
		eo.ObserveWithExemplar(ms, prometheus.Labels{"operation_id": rec.OperationID})
		return
	}
	obs.Observe(ms)
}

func (cm *CorrelationMetrics) fetched(outcome string) {
	if cm == nil {
		return
	}
	cm.fetches.WithLabelValues(outcome).Inc()
}
