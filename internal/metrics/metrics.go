// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Interventions counts applied or refused interventions by kind and outcome.
	Interventions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "impetus_interventions_total",
		Help: "Interventions by action kind and outcome",
	}, []string{"kind", "outcome"})

	// Rejections counts user edits blocked by the guard.
	Rejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "impetus_guard_rejections_total",
		Help: "User edits rejected by the mutation guard",
	}, []string{"rule"})

	// Triggers counts trigger fires by source.
	Triggers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "impetus_triggers_total",
		Help: "Trigger fires by source",
	}, []string{"source"})

	// DecisionFailures counts failed decision calls by error class.
	DecisionFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "impetus_decision_failures_total",
		Help: "Failed decision calls by error class",
	}, []string{"class"})

	// DecisionLatency tracks decision call latency.
	DecisionLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "impetus_decision_duration_seconds",
		Help:    "Decision call latency in seconds",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
	})

	// Paused is 1 while triggers are paused after repeated failures.
	Paused = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "impetus_paused",
		Help: "1 while triggers are auto-paused",
	})

	// LockedRegions is the number of registered regions in the active session.
	LockedRegions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "impetus_locked_regions",
		Help: "Registered locked regions in the active session",
	})

	// Feedback counts feedback instances started by outcome.
	Feedback = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "impetus_feedback_total",
		Help: "Feedback instances started by outcome",
	}, []string{"outcome"})

	// ServiceRequests counts decision service requests by status code.
	ServiceRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "impetus_service_requests_total",
		Help: "Decision service requests by HTTP status",
	}, []string{"status"})
)
