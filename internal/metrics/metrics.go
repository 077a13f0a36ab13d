// Package metrics exposes the engine's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	RunsLaunched     prometheus.Counter
	RunsFinished     *prometheus.CounterVec
	NodeOutcomes     *prometheus.CounterVec
	ProviderDuration *prometheus.HistogramVec
}

// New builds the collector set and registers it with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := build()
	reg.MustRegister(m.RunsLaunched, m.RunsFinished, m.NodeOutcomes, m.ProviderDuration)
	return m
}

// NewNop builds unregistered collectors, for tests and embedders that
// do not scrape.
func NewNop() *Metrics {
	return build()
}

func build() *Metrics {
	return &Metrics{
		RunsLaunched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "alphred",
			Name:      "runs_launched_total",
			Help:      "Workflow runs materialized.",
		}),
		RunsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "alphred",
			Name:      "runs_finished_total",
			Help:      "Workflow runs reaching a terminal status.",
		}, []string{"status"}),
		NodeOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "alphred",
			Name:      "node_outcomes_total",
			Help:      "Run-node step outcomes.",
		}, []string{"status"}),
		ProviderDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "alphred",
			Name:      "provider_step_duration_seconds",
			Help:      "Wall time of one provider stream, per provider.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"provider"}),
	}
}
