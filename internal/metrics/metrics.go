package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus instruments for the rollout control plane.
type Metrics struct {
	DeploymentsCreated prometheus.Counter
	TransitionsTotal   *prometheus.CounterVec // labeled by operation
	TransitionErrors   *prometheus.CounterVec // labeled by operation

	RoutedRequests *prometheus.CounterVec // labeled by target: production|canary

	DecisionsTotal      *prometheus.CounterVec // labeled by action
	DecisionCycleErrors prometheus.Counter
	StaleDecisions      prometheus.Counter

	EvalRuns        prometheus.Counter
	EvalEntryScores prometheus.Histogram
	DriftAlerts     *prometheus.CounterVec // labeled by model_id
}

// New creates and registers all metrics on the default registry.
func New() *Metrics {
	return &Metrics{
		DeploymentsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "canary_deployments_created_total",
			Help: "Number of canary deployments created",
		}),
		TransitionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "canary_transitions_total",
				Help: "Lifecycle transitions applied, by operation",
			},
			[]string{"operation"},
		),
		TransitionErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "canary_transition_errors_total",
				Help: "Lifecycle transitions rejected, by operation",
			},
			[]string{"operation"},
		),
		RoutedRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "canary_routed_requests_total",
				Help: "Requests routed, by target model pool",
			},
			[]string{"target"},
		),
		DecisionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "canary_rollout_decisions_total",
				Help: "Rollout decisions made, by action",
			},
			[]string{"action"},
		),
		DecisionCycleErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "canary_decision_cycle_errors_total",
			Help: "Decision cycles skipped due to upstream failures",
		}),
		StaleDecisions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "canary_stale_decisions_total",
			Help: "Rollout decisions ignored because the deployment moved on",
		}),
		EvalRuns: promauto.NewCounter(prometheus.CounterOpts{
			Name: "canary_eval_runs_total",
			Help: "Golden-dataset evaluation runs completed",
		}),
		EvalEntryScores: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "canary_eval_entry_score",
			Help:    "Per-entry overall evaluation scores",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),
		DriftAlerts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "canary_drift_alerts_total",
				Help: "Drift detections that crossed the configured threshold",
			},
			[]string{"model_id"},
		),
	}
}
