package supervisor

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics are the Supervisor's exported gauges/counters, per SPEC_FULL.md
// §10, grounded on cuemby-warren's pkg/metrics package shape (a package-level
// set of prometheus collectors registered once, served over /metrics).
type Metrics struct {
	WorkersActive       prometheus.Gauge
	IssuesAdmittedTotal prometheus.Counter
	EscalationsTotal    *prometheus.CounterVec
}

// NewMetrics constructs and registers a fresh Metrics set against reg. Tests
// pass a private prometheus.NewRegistry() so repeated test runs never
// collide on the global default registry.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		WorkersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "foundry_workers_active",
			Help: "Number of workers currently in a non-terminal phase.",
		}),
		IssuesAdmittedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "foundry_issues_admitted_total",
			Help: "Total number of issues admitted to the worker pool.",
		}),
		EscalationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "foundry_escalations_total",
			Help: "Total number of escalations raised, by category.",
		}, []string{"category"}),
	}
	reg.MustRegister(m.WorkersActive, m.IssuesAdmittedTotal, m.EscalationsTotal)
	return m
}

// Handler returns the /metrics HTTP handler for reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
