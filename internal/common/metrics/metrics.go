// Package metrics holds the Prometheus collectors for the payments service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pos_payments"

// Metrics is the set of collectors recorded by the payment core.
type Metrics struct {
	AttemptsStarted  *prometheus.CounterVec
	Transitions      *prometheus.CounterVec
	ProviderDuration *prometheus.HistogramVec
	Webhooks         *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		AttemptsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_started_total",
			Help:      "Payment attempts created, by provider kind.",
		}, []string{"provider_kind"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempt_transitions_total",
			Help:      "Payment attempt status changes, by target status and source.",
		}, []string{"to", "source"}),
		ProviderDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_call_duration_seconds",
			Help:      "Latency of calls to payment providers.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"provider_kind", "operation", "outcome"}),
		Webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhooks_received_total",
			Help:      "Provider webhooks received, by provider and outcome.",
		}, []string{"provider", "outcome"}),
		gatherer: reg,
	}
	reg.MustRegister(m.AttemptsStarted, m.Transitions, m.ProviderDuration, m.Webhooks)
	return m
}

// ObserveProviderCall records one provider round trip.
func (m *Metrics) ObserveProviderCall(kind, operation string, started time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.ProviderDuration.WithLabelValues(kind, operation, outcome).Observe(time.Since(started).Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
