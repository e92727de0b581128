// Package metrics holds the Prometheus collectors shared by the engine and its wrappers.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsAnalyzed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "detect_events_analyzed_total",
			Help: "Total number of events evaluated against a registry",
		},
	)

	Matches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "detect_matches_total",
			Help: "Total number of match records produced",
		},
		[]string{"severity"},
	)

	// RuleErrors counts capability calls that failed and fell back to a default
	RuleErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "detect_rule_errors_total",
			Help: "Total number of rule capability calls that returned an error or panicked",
		},
		[]string{"capability"},
	)

	RuleLoadFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "detect_rules_load_failures_total",
			Help: "Total number of rule candidates skipped at load time",
		},
	)

	RulesLoaded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "detect_rules_loaded",
			Help: "Number of rule units in the most recently built registry",
		},
	)

	AnalyzeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "detect_analyze_duration_seconds",
			Help:    "Time taken to analyze one batch of events",
			Buckets: prometheus.DefBuckets,
		},
	)
)
