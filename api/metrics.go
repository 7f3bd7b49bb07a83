package api

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes the facilitator's payment counters on /metrics.
type Metrics struct {
	registry *prometheus.Registry

	paymentsTotal      *prometheus.CounterVec
	settlementDuration prometheus.Histogram
}

// NewMetrics creates a metrics set on a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		paymentsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "facilitator",
			Name:      "payments_total",
			Help:      "Payment requests by outcome and error kind.",
		}, []string{"outcome", "kind"}),
		settlementDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "facilitator",
			Name:      "settlement_duration_seconds",
			Help:      "End-to-end settlement pipeline latency.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
	}
}

// ObservePayment records one finished payment attempt.
func (m *Metrics) ObservePayment(success bool, kind string, elapsed time.Duration) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	if kind == "" {
		kind = "none"
	}
	m.paymentsTotal.WithLabelValues(outcome, kind).Inc()
	m.settlementDuration.Observe(elapsed.Seconds())
}

// Handler serves the Prometheus scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
