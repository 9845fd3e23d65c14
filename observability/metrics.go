// Package observability hosts the shared prometheus collectors and logging
// setup for the escrowdesk coordination layer.
package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// CoordinationMetrics records the activity of the coordination layer: cache
// invalidations, watch polls, and watch terminations.
type CoordinationMetrics struct {
	invalidations *prometheus.CounterVec
	polls         *prometheus.CounterVec
	watchOutcomes *prometheus.CounterVec
	staleViews    prometheus.Gauge
}

var (
	coordinationOnce sync.Once
	coordinationReg  *CoordinationMetrics
)

// Coordination returns the lazily-initialised coordination metrics registry.
func Coordination() *CoordinationMetrics {
	coordinationOnce.Do(func() {
		coordinationReg = &CoordinationMetrics{
			invalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrowdesk",
				Subsystem: "views",
				Name:      "invalidations_total",
				Help:      "Cached views marked stale, segmented by mutation kind.",
			}, []string{"mutation"}),
			polls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrowdesk",
				Subsystem: "watch",
				Name:      "polls_total",
				Help:      "Automatic poll ticks issued by the watcher, segmented by entity kind.",
			}, []string{"kind"}),
			watchOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrowdesk",
				Subsystem: "watch",
				Name:      "outcomes_total",
				Help:      "Watch terminations segmented by outcome (terminal, timeout, cancelled).",
			}, []string{"outcome"}),
			staleViews: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "escrowdesk",
				Subsystem: "views",
				Name:      "stale",
				Help:      "Number of cached views currently marked stale.",
			}),
		}
		prometheus.MustRegister(
			coordinationReg.invalidations,
			coordinationReg.polls,
			coordinationReg.watchOutcomes,
			coordinationReg.staleViews,
		)
	})
	return coordinationReg
}

// RecordInvalidations counts views marked stale for one mutation.
func (m *CoordinationMetrics) RecordInvalidations(mutation string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.invalidations.WithLabelValues(mutation).Add(float64(count))
}

// RecordPoll counts one automatic poll tick.
func (m *CoordinationMetrics) RecordPoll(kind string) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(kind).Inc()
}

// RecordWatchOutcome counts one watch termination.
func (m *CoordinationMetrics) RecordWatchOutcome(outcome string) {
	if m == nil {
		return
	}
	m.watchOutcomes.WithLabelValues(outcome).Inc()
}

// SetStaleViews publishes the current stale-view count.
func (m *CoordinationMetrics) SetStaleViews(count int) {
	if m == nil {
		return
	}
	m.staleViews.Set(float64(count))
}
