// Package metrics exports settlement engine telemetry to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"wallet-settlement/internal/core/domain"
	"wallet-settlement/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "wallet_settlement"

// Recorder implements ports.Metrics. A nil *Recorder records nothing.
type Recorder struct {
	gatherer prometheus.Gatherer

	authorizations  *prometheus.CounterVec
	authLatency     prometheus.Histogram
	transitions     *prometheus.CounterVec
	payouts         *prometheus.CounterVec
	payoutLatency   prometheus.Histogram
	alerts          *prometheus.CounterVec
	webhooks        *prometheus.CounterVec
	sweepActions    *prometheus.CounterVec
	sweepLastRunUTC prometheus.Gauge
}

// NewRecorder registers the collectors on reg. Tests pass a fresh
// prometheus.NewRegistry() so runs do not collide.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		gatherer: reg,
		authorizations: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "authorization",
				Name:      "decisions_total",
				Help:      "Authorization decisions partitioned by result and decline reason.",
			},
			[]string{"result", "reason"},
		),
		authLatency: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "authorization",
				Name:      "decision_seconds",
				Help:      "Time to answer the card network.",
				Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5},
			},
		),
		transitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "payment",
				Name:      "transitions_total",
				Help:      "Payment record state transitions by kind and target status.",
			},
			[]string{"kind", "status"},
		),
		payouts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "payout",
				Name:      "attempts_total",
				Help:      "Gateway transfer attempts by outcome.",
			},
			[]string{"outcome"},
		),
		payoutLatency: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "payout",
				Name:      "gateway_seconds",
				Help:      "Gateway transfer latency including retries.",
				Buckets:   prometheus.DefBuckets,
			},
		),
		alerts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "reconciliation",
				Name:      "alerts_total",
				Help:      "Reconciliation alerts raised by kind.",
			},
			[]string{"kind"},
		),
		webhooks: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "reconciliation",
				Name:      "webhooks_total",
				Help:      "Inbound webhook events by source, type and outcome.",
			},
			[]string{"source", "type", "outcome"},
		),
		sweepActions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sweep",
				Name:      "actions_total",
				Help:      "Records acted on by the staleness sweep.",
			},
			[]string{"action"},
		),
		sweepLastRunUTC: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "sweep",
				Name:      "last_run_unix",
				Help:      "Unix time of the most recent sweep.",
			},
		),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Recorder) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Recorder) ObserveAuthorization(approved bool, reason string, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := "declined"
	if approved {
		result = "approved"
	}
	if reason == "" {
		reason = "none"
	}
	m.authorizations.WithLabelValues(result, reason).Inc()
	m.authLatency.Observe(elapsed.Seconds())
}

func (m *Recorder) ObserveTransition(kind domain.Kind, to domain.Status) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(kind), string(to)).Inc()
}

func (m *Recorder) ObservePayout(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.payouts.WithLabelValues(outcome).Inc()
	m.payoutLatency.Observe(elapsed.Seconds())
}

func (m *Recorder) ObserveAlert(kind domain.AlertKind) {
	if m == nil {
		return
	}
	m.alerts.WithLabelValues(string(kind)).Inc()
}

func (m *Recorder) ObserveWebhook(source string, eventType string, outcome string) {
	if m == nil {
		return
	}
	m.webhooks.WithLabelValues(source, eventType, outcome).Inc()
}

func (m *Recorder) ObserveSweep(report ports.SweepReport) {
	if m == nil {
		return
	}
	m.sweepLastRunUTC.Set(float64(time.Now().UTC().Unix()))
	for action, n := range map[string]int{
		"payout_retried":   report.PayoutsRetried,
		"payout_succeeded": report.PayoutsSucceeded,
		"deferral_alert":   report.DeferralAlerts,
		"expired_failed":   report.ExpiredFailed,
		"pending_expired":  report.PendingExpired,
		"error":            report.Errors,
	} {
		if n > 0 {
			m.sweepActions.WithLabelValues(action).Add(float64(n))
		}
	}
}
