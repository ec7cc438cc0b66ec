package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the lifecycle collectors on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry        *prometheus.Registry
	operations      *prometheus.CounterVec
	errors          *prometheus.CounterVec
	completions     *prometheus.CounterVec
	sessionMinutes  prometheus.Histogram
	saveConflicts   prometheus.Counter
	dispatchedTotal *prometheus.CounterVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "repairline_operations_total",
				Help: "Lifecycle operations by name and result",
			},
			[]string{"op", "result"},
		),
		errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "repairline_errors_total",
				Help: "Failed lifecycle operations by error kind",
			},
			[]string{"kind"},
		),
		completions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "repairline_visit_completions_total",
				Help: "Completed visits by completion type",
			},
			[]string{"completion_type"},
		),
		sessionMinutes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "repairline_work_session_minutes",
				Help:    "Length of closed work sessions",
				Buckets: prometheus.LinearBuckets(0, 15, 16),
			},
		),
		saveConflicts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "repairline_save_conflicts_total",
				Help: "Order saves rejected by the version check",
			},
		),
		dispatchedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "repairline_events_dispatched_total",
				Help: "Outbox events delivered per sink and result",
			},
			[]string{"sink", "result"},
		),
	}
	registry.MustRegister(
		m.operations,
		m.errors,
		m.completions,
		m.sessionMinutes,
		m.saveConflicts,
		m.dispatchedTotal,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *Metrics) ObserveOperation(op string, kind string) {
	if m == nil {
		return
	}
	if kind == "" {
		m.operations.WithLabelValues(op, "ok").Inc()
		return
	}
	m.operations.WithLabelValues(op, "error").Inc()
	m.errors.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveCompletion(completionType string) {
	if m == nil {
		return
	}
	m.completions.WithLabelValues(completionType).Inc()
}

func (m *Metrics) ObserveSession(minutes int) {
	if m == nil {
		return
	}
	m.sessionMinutes.Observe(float64(minutes))
}

func (m *Metrics) ObserveSaveConflict() {
	if m == nil {
		return
	}
	m.saveConflicts.Inc()
}

func (m *Metrics) ObserveDispatch(sink string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.dispatchedTotal.WithLabelValues(sink, result).Inc()
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
