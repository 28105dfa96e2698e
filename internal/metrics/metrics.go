// Package metrics exposes monitoring counters and gauges to Prometheus.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/signalnine/capsulewatch/internal/alert"
	"github.com/signalnine/capsulewatch/internal/protocol"
)

const namespace = "capsulewatch"

// Metrics holds the collectors of one monitor.
type Metrics struct {
	cycles        prometheus.Counter
	cycleDuration prometheus.Histogram
	capsuleErrors *prometheus.CounterVec
	mutations     *prometheus.CounterVec
	overrides     *prometheus.CounterVec
	alerts        *prometheus.CounterVec
	drift         *prometheus.GaugeVec
	stability     *prometheus.GaugeVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		cycles: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Monitoring cycles run",
		}),
		cycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Monitoring cycle duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120},
		}),
		capsuleErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capsule_errors_total",
			Help:      "Per-capsule processing failures",
		}, []string{"capsule_id"}),
		mutations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutations_total",
			Help:      "Mutations tracked",
		}, []string{"capsule_id"}),
		overrides: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "overrides_total",
			Help:      "Overrides logged",
		}, []string{"capsule_id", "source"}),
		alerts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Alerts sent by kind and outcome",
		}, []string{"kind", "outcome"}),
		drift: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "drift_ratio",
			Help:      "Drift percentage of the last detected change",
		}, []string{"capsule_id"}),
		stability: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stability_score",
			Help:      "Stability score of the last evolution analysis",
		}, []string{"capsule_id"}),
	}
}

func (m *Metrics) ObserveCycle(d time.Duration) {
	if m == nil {
		return
	}
	m.cycles.Inc()
	m.cycleDuration.Observe(d.Seconds())
}

func (m *Metrics) CapsuleError(capsuleID string) {
	if m == nil {
		return
	}
	m.capsuleErrors.WithLabelValues(capsuleID).Inc()
}

func (m *Metrics) Mutation(capsuleID string) {
	if m == nil {
		return
	}
	m.mutations.WithLabelValues(capsuleID).Inc()
}

func (m *Metrics) Override(capsuleID, source string) {
	if m == nil {
		return
	}
	m.overrides.WithLabelValues(capsuleID, source).Inc()
}

func (m *Metrics) Drift(capsuleID string, ratio float64) {
	if m == nil {
		return
	}
	m.drift.WithLabelValues(capsuleID).Set(ratio)
}

func (m *Metrics) Stability(capsuleID string, score float64) {
	if m == nil {
		return
	}
	m.stability.WithLabelValues(capsuleID).Set(score)
}

// Alerts wraps sink so every delivery is counted by kind and outcome.
func (m *Metrics) Alerts(sink alert.Sink) alert.Sink {
	if m == nil || sink == nil {
		return sink
	}
	return alert.Func(func(ctx context.Context, a protocol.Alert) error {
		err := sink.Send(ctx, a)
		outcome := "delivered"
		if err != nil {
			outcome = "failed"
		}
		m.alerts.WithLabelValues(string(a.Kind), outcome).Inc()
		return err
	})
}
