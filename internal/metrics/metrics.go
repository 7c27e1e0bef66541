// Package metrics exposes Prometheus collectors for the coordinator service.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	claimsTotal             *prometheus.CounterVec
	breakerTransitionsTotal *prometheus.CounterVec
	breakerState            *prometheus.GaugeVec
	jobTransitionsTotal     *prometheus.CounterVec
	interventionsTotal      *prometheus.CounterVec
	interventionsPending    prometheus.Gauge
	notificationsTotal      *prometheus.CounterVec
	requestLatencySeconds   *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		claimsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordinator_claims_total",
				Help: "Total resource claim attempts, labeled by identifier type and outcome.",
			},
			[]string{"type", "outcome"},
		)

		breakerTransitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordinator_breaker_transitions_total",
				Help: "Total circuit breaker transitions, labeled by entity kind and target state.",
			},
			[]string{"kind", "state"},
		)

		breakerState = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "coordinator_breaker_state",
				Help: "Current breaker state per entity (0=closed, 1=half_open, 2=open).",
			},
			[]string{"kind", "name"},
		)

		jobTransitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordinator_job_transitions_total",
				Help: "Total job state transitions, labeled by target state and guard result.",
			},
			[]string{"state", "applied"},
		)

		interventionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordinator_interventions_total",
				Help: "Total intervention items, labeled by challenge type and final status.",
			},
			[]string{"challenge", "status"},
		)

		interventionsPending = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "coordinator_interventions_pending",
				Help: "Number of intervention items currently pending.",
			},
		)

		notificationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordinator_notifications_total",
				Help: "Total operator notifications attempted, labeled by sink and outcome.",
			},
			[]string{"sink", "outcome"},
		)

		requestLatencySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "coordinator_request_latency_seconds",
				Help:    "Histogram of recorded external request latencies per entity.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"kind", "name"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveClaim increments the claim counter for the given outcome.
func ObserveClaim(identifierType, outcome string) {
	claimsTotal.WithLabelValues(identifierType, outcome).Inc()
}

// ObserveBreakerTransition records one breaker state change.
func ObserveBreakerTransition(kind, state string) {
	breakerTransitionsTotal.WithLabelValues(kind, state).Inc()
}

// SetBreakerState updates the per-entity breaker gauge.
func SetBreakerState(kind, name string, state float64) {
	breakerState.WithLabelValues(kind, name).Set(state)
}

// ObserveJobTransition records a job transition attempt and its guard result.
func ObserveJobTransition(state string, applied bool) {
	label := "false"
	if applied {
		label = "true"
	}
	jobTransitionsTotal.WithLabelValues(state, label).Inc()
}

// ObserveIntervention records a finalized intervention item.
func ObserveIntervention(challenge, status string) {
	interventionsTotal.WithLabelValues(challenge, status).Inc()
}

// SetPendingInterventions updates the pending intervention gauge.
func SetPendingInterventions(n int) {
	interventionsPending.Set(float64(n))
}

// ObserveNotification records a notification delivery attempt.
func ObserveNotification(sink, outcome string) {
	notificationsTotal.WithLabelValues(sink, outcome).Inc()
}

// ObserveRequestLatency records one external request latency sample.
func ObserveRequestLatency(kind, name string, d time.Duration) {
	requestLatencySeconds.WithLabelValues(kind, name).Observe(d.Seconds())
}
