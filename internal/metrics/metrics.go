// Package metrics exposes the service's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the collectors shared across the actor
type Metrics struct {
	registry *prometheus.Registry

	MigrationsApplied  prometheus.Counter
	Evaluations        *prometheus.CounterVec
	AssignmentsChanged *prometheus.CounterVec
	WakeupBatchSize    prometheus.Histogram
	EvaluationDuration prometheus.Histogram
}

// New creates and registers all collectors on a fresh registry
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		MigrationsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tagd_migrations_applied_total",
			Help: "Schema migrations applied since process start.",
		}),
		Evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tagd_evaluations_total",
			Help: "Subject evaluations by result (ok or skipped).",
		}, []string{"result"}),
		AssignmentsChanged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tagd_assignments_changed_total",
			Help: "Tag assignments changed by reconciliation, by operation.",
		}, []string{"op"}),
		WakeupBatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tagd_wakeup_batch_size",
			Help:    "Due subjects processed per timer wake-up.",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100},
		}),
		EvaluationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tagd_evaluation_duration_seconds",
			Help:    "Wall time per subject evaluation.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.MigrationsApplied,
		m.Evaluations,
		m.AssignmentsChanged,
		m.WakeupBatchSize,
		m.EvaluationDuration,
	)
	return m
}

// Handler returns the HTTP handler serving this registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
