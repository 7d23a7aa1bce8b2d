// Package metrics defines the Prometheus instruments exposed on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueriesTotal counts executed queries by kind and outcome.
	QueriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "huntql_queries_total",
		Help: "Queries executed, by kind (search, facets, timeline, detection) and status.",
	}, []string{"kind", "status"})

	// QueryDuration observes end-to-end query latency by kind.
	QueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "huntql_query_duration_seconds",
		Help:    "End-to-end query latency.",
		Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"kind"})

	// GuardRejections counts compile-time safety rejections per guard.
	GuardRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "huntql_guard_rejections_total",
		Help: "Queries rejected by a safety guard.",
	}, []string{"guard"})

	// TailSessions gauges live tail sessions currently streaming.
	TailSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "huntql_tail_sessions",
		Help: "Open live-tail sessions.",
	})

	// DetectionRuns counts scheduled and on-demand evaluations by status.
	DetectionRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "huntql_detection_runs_total",
		Help: "Detection evaluations, by final run status.",
	}, []string{"status"})

	// FindingsTotal counts published findings per rule family.
	FindingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "huntql_findings_total",
		Help: "Findings published to the bus, by rule family.",
	}, []string{"family"})
)
