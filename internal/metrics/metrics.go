// Package metrics exposes Prometheus collectors for the billing paths.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sketchcredits"

// Metrics owns its registry so several instances can coexist in tests.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry        *prometheus.Registry
	webhookEvents   *prometheus.CounterVec
	webhookDuration *prometheus.HistogramVec
	checkouts       *prometheus.CounterVec
	debits          *prometheus.CounterVec
	creditsDebited  prometheus.Counter
	reconciled      *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "events_total",
			Help:      "Payment events received, by provider and outcome.",
		}, []string{"provider", "outcome"}),
		webhookDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "duration_seconds",
			Help:      "Time spent verifying and applying one payment event.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),
		checkouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "checkout",
			Name:      "initiated_total",
			Help:      "Checkout attempts, by plan and result.",
		}, []string{"plan", "result"}),
		debits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "debits_total",
			Help:      "Credit debit attempts, by result.",
		}, []string{"result"}),
		creditsDebited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "credits_debited_total",
			Help:      "Credits consumed by successful debits.",
		}),
		reconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "expired_total",
			Help:      "Rows expired by the reconciliation sweep, by kind.",
		}, []string{"kind"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.webhookEvents, m.webhookDuration, m.checkouts, m.debits, m.creditsDebited, m.reconciled,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveWebhook(provider, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(provider, outcome).Inc()
	m.webhookDuration.WithLabelValues(provider).Observe(elapsed.Seconds())
}

func (m *Metrics) IncCheckout(plan, result string) {
	if m == nil {
		return
	}
	m.checkouts.WithLabelValues(plan, result).Inc()
}

func (m *Metrics) ObserveDebit(result string, amount int) {
	if m == nil {
		return
	}
	m.debits.WithLabelValues(result).Inc()
	if result == "ok" && amount > 0 {
		m.creditsDebited.Add(float64(amount))
	}
}

func (m *Metrics) AddReconciled(kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.reconciled.WithLabelValues(kind).Add(float64(n))
}
