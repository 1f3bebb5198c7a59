// Package metrics exposes the service's Prometheus instrumentation. All
// collectors are registered on the default registry and served at /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AnalyzeDuration tracks end-to-end composite decision latency.
	AnalyzeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "triage_analyze_duration_seconds",
		Help:    "End-to-end risk analysis latency",
		Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	})

	// AnalyzerFailures counts per-analyzer failures inside the aggregator.
	AnalyzerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "triage_analyzer_failures_total",
		Help: "Analyzer failures by component",
	}, []string{"analyzer"})

	// Assessments counts completed assessments by final risk level.
	Assessments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "triage_assessments_total",
		Help: "Completed risk assessments by final level",
	}, []string{"level"})

	// Escalations counts minted escalations.
	Escalations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "triage_escalations_total",
		Help: "Escalations created",
	})

	// WSSessions tracks live websocket subscriber count.
	WSSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "triage_ws_sessions",
		Help: "Active live-event subscriber connections",
	})

	// EventsDropped counts events discarded because a subscriber fell behind.
	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "triage_events_dropped_total",
		Help: "Events dropped due to slow subscribers",
	})
)

// ObserveAnalyze records one composite decision duration.
func ObserveAnalyze(d time.Duration) {
	AnalyzeDuration.Observe(d.Seconds())
}

// AnalyzerFailure records one analyzer failure.
func AnalyzerFailure(analyzer string) {
	AnalyzerFailures.WithLabelValues(analyzer).Inc()
}
