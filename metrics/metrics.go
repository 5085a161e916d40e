// Package metrics exposes the escrow engine's Prometheus collectors.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type EscrowMetrics struct {
	transitions     *prometheus.CounterVec
	adapterCalls    *prometheus.CounterVec
	adapterLatency  *prometheus.HistogramVec
	stepUp          *prometheus.CounterVec
	reconciliations prometheus.Counter
	notifications   *prometheus.CounterVec
}

var (
	escrowOnce     sync.Once
	escrowRegistry *EscrowMetrics
)

func Escrow() *EscrowMetrics {
	escrowOnce.Do(func() {
		escrowRegistry = &EscrowMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "escrow_transitions_total",
				Help: "Lifecycle transitions attempted, by transition and outcome.",
			}, []string{"transition", "outcome"}),
			adapterCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "escrow_adapter_calls_total",
				Help: "Settlement adapter calls, by operation and outcome.",
			}, []string{"operation", "outcome"}),
			adapterLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "escrow_adapter_call_seconds",
				Help:    "Settlement adapter call latency.",
				Buckets: prometheus.DefBuckets,
			}, []string{"operation"}),
			stepUp: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "escrow_stepup_verifications_total",
				Help: "Step-up code verifications, by result.",
			}, []string{"result"}),
			reconciliations: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "escrow_reconciliation_markers_total",
				Help: "Adapter successes whose local commit failed.",
			}),
			notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "escrow_notifications_total",
				Help: "Notification deliveries, by outcome.",
			}, []string{"outcome"}),
		}
		prometheus.MustRegister(
			escrowRegistry.transitions,
			escrowRegistry.adapterCalls,
			escrowRegistry.adapterLatency,
			escrowRegistry.stepUp,
			escrowRegistry.reconciliations,
			escrowRegistry.notifications,
		)
	})
	return escrowRegistry
}

func (m *EscrowMetrics) ObserveTransition(transition, outcome string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(label(transition), label(outcome)).Inc()
}

func (m *EscrowMetrics) ObserveAdapterCall(operation string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.adapterCalls.WithLabelValues(label(operation), outcome).Inc()
	m.adapterLatency.WithLabelValues(label(operation)).Observe(elapsed.Seconds())
}

func (m *EscrowMetrics) ObserveStepUp(result string) {
	if m == nil {
		return
	}
	m.stepUp.WithLabelValues(label(result)).Inc()
}

func (m *EscrowMetrics) IncReconciliationMarker() {
	if m == nil {
		return
	}
	m.reconciliations.Inc()
}

func (m *EscrowMetrics) ObserveNotification(outcome string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(label(outcome)).Inc()
}

func label(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
