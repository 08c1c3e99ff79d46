// Package metrics exposes the prometheus instrumentation points the
// webhook server, dispatcher, cascade engine and gate publish (grounded on
// the teacher's hook.Metrics: counters/gauges registered once at startup,
// threaded through constructors rather than reached for as globals).
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every collector the gatekeeper registers.
type Metrics struct {
	WebhookCounter    *prometheus.CounterVec
	QueueDepth        *prometheus.GaugeVec
	CascadeBuild      *prometheus.HistogramVec
	GateVerdicts      *prometheus.CounterVec
}

// New constructs (but does not register) every collector.
func New() *Metrics {
	return &Metrics{
		WebhookCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_webhook_events_total",
			Help: "Count of webhook events received, by host and event type.",
		}, []string{"host", "event"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gatekeeper_queue_depth",
			Help: "Number of entries currently queued, by development version.",
		}, []string{"version"}),
		CascadeBuild: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gatekeeper_cascade_build_seconds",
			Help:    "Time to build a full cascade for an admitted pull request.",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
		GateVerdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeeper_gate_verdicts_total",
			Help: "Count of gating verdicts, by result code.",
		}, []string{"code"}),
	}
}

// MustRegister registers every collector against reg, panicking on
// duplicate registration (mirrors the teacher's startup-time registration
// pattern — a metrics wiring mistake should fail fast, not silently drop
// a collector).
func (m *Metrics) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(m.WebhookCounter, m.QueueDepth, m.CascadeBuild, m.GateVerdicts)
}
