package snapshot

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/relaygate/relaygate/internal/ref"
)

// Metrics exposes the reloader's health to the gateway /metrics endpoint.
type Metrics struct {
	reloads       *prometheus.CounterVec
	degraded      prometheus.Gauge
	warnings      prometheus.Gauge
	assignments   prometheus.Gauge
	activations   prometheus.Counter
	providerCalls *prometheus.HistogramVec
}

// NewMetrics registers the secrets metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaygate",
			Subsystem: "secrets",
			Name:      "reloads_total",
			Help:      "Secrets reload attempts by result.",
		}, []string{"result"}),
		degraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relaygate",
			Subsystem: "secrets",
			Name:      "reloader_degraded",
			Help:      "1 while the reloader is serving a stale last-known-good snapshot.",
		}),
		warnings: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relaygate",
			Subsystem: "secrets",
			Name:      "snapshot_warnings",
			Help:      "Warnings attached to the active snapshot.",
		}),
		assignments: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relaygate",
			Subsystem: "secrets",
			Name:      "snapshot_assignments",
			Help:      "Resolved-value assignments in the active snapshot.",
		}),
		activations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relaygate",
			Subsystem: "secrets",
			Name:      "activations_total",
			Help:      "Snapshots successfully installed.",
		}),
		providerCalls: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "relaygate",
			Subsystem: "secrets",
			Name:      "provider_call_duration_seconds",
			Help:      "Wall-clock duration of provider calls, one observation per call.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 9),
		}, []string{"source", "provider"}),
	}
	if reg != nil {
		reg.MustRegister(m.reloads, m.degraded, m.warnings, m.assignments,
			m.activations, m.providerCalls)
	}
	return m
}

func (m *Metrics) countReload(result string) {
	m.reloads.WithLabelValues(result).Inc()
}

func (m *Metrics) setDegraded(v bool) {
	if v {
		m.degraded.Set(1)
	} else {
		m.degraded.Set(0)
	}
}

func (m *Metrics) observeActivation(warningCount, assignmentCount int) {
	m.activations.Inc()
	m.warnings.Set(float64(warningCount))
	m.assignments.Set(float64(assignmentCount))
}

// ObserveProviderCall records one provider call's latency; wired into the
// pipeline as its CallObserver.
func (m *Metrics) ObserveProviderCall(source ref.Source, alias string, seconds float64) {
	m.providerCalls.WithLabelValues(string(source), alias).Observe(seconds)
}
