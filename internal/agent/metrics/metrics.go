package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "macromate_stage_duration_seconds",
			Help:    "Pipeline stage duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"stage", "outcome"},
	)

	RunCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "macromate_runs_total",
			Help: "Total number of pipeline runs by outcome",
		},
		[]string{"outcome"},
	)

	ActiveRuns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "macromate_active_runs",
			Help: "Number of pipeline runs currently holding a thread lock",
		},
	)

	LockWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "macromate_thread_lock_wait_seconds",
			Help: "Time spent waiting for a thread lock",
		},
	)

	LookupCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "macromate_nutrition_lookups_total",
			Help: "Nutrition lookups by result (hit, match, miss, error)",
		},
		[]string{"result"},
	)

	ModelCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "macromate_model_calls_total",
			Help: "Chat model calls by gateway, model and outcome",
		},
		[]string{"gateway", "model", "outcome"},
	)

	ModelCostUSD = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "macromate_model_cost_usd_total",
			Help: "Accumulated model usage cost in USD",
		},
		[]string{"model"},
	)
)
