// Package metrics owns the process's Prometheus collectors. Everything
// hangs off one private registry so tests can build isolated instances
// without tripping duplicate-registration panics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sardis"

// Metrics bundles the platform collectors.
type Metrics struct {
	registry *prometheus.Registry

	// PaymentsTotal counts payment attempts by type (transfer, merchant,
	// capture, refund) and outcome (completed, failed, denied, replayed).
	PaymentsTotal *prometheus.CounterVec

	// LedgerCommitSeconds observes end-to-end ledger commit latency.
	LedgerCommitSeconds prometheus.Histogram

	// ActiveHolds tracks currently reserved authorization holds.
	ActiveHolds prometheus.Gauge

	// RiskDecisions counts risk pipeline outcomes by decision.
	RiskDecisions *prometheus.CounterVec

	// WebhookDeliveries counts delivery attempts by terminal outcome.
	WebhookDeliveries *prometheus.CounterVec

	// EventsEmitted counts platform events by type.
	EventsEmitted *prometheus.CounterVec
}

// New builds a metrics bundle backed by a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		PaymentsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payments_total",
			Help:      "Payment attempts by type and outcome.",
		}, []string{"type", "outcome"}),
		LedgerCommitSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ledger_commit_duration_seconds",
			Help:      "Ledger transaction commit latency.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		ActiveHolds: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_holds",
			Help:      "Authorization holds currently reserving funds.",
		}),
		RiskDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "risk_decisions_total",
			Help:      "Risk pipeline decisions.",
		}, []string{"decision"}),
		WebhookDeliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_total",
			Help:      "Webhook delivery attempts by terminal outcome.",
		}, []string{"outcome"}),
		EventsEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_emitted_total",
			Help:      "Platform events emitted by type.",
		}, []string{"type"}),
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
