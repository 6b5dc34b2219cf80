package api

import (
	"fmt"
	"time"
)

// DeploymentStatus is the lifecycle state of a canary deployment.
type DeploymentStatus string

const (
	StatusPreparing  DeploymentStatus = "preparing"
	StatusActive     DeploymentStatus = "active"
	StatusPaused     DeploymentStatus = "paused"
	StatusCompleted  DeploymentStatus = "completed"
	StatusRolledBack DeploymentStatus = "rolledback"
	StatusFailed     DeploymentStatus = "failed"
)

// Terminal reports whether no further lifecycle transitions are possible.
func (s DeploymentStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusRolledBack || s == StatusFailed
}

// RolloutType selects how canary traffic share increases over time.
type RolloutType string

const (
	RolloutLinear      RolloutType = "linear"
	RolloutExponential RolloutType = "exponential"
	RolloutManual      RolloutType = "manual"
)

// Recommendation is the raw output of the performance evaluator.
type Recommendation string

const (
	RecommendProceed  Recommendation = "proceed"
	RecommendPause    Recommendation = "pause"
	RecommendRollback Recommendation = "rollback"
)

// RolloutAction is the concrete lifecycle action chosen by the decision engine.
type RolloutAction string

const (
	ActionContinue RolloutAction = "continue"
	ActionPause    RolloutAction = "pause"
	ActionRollback RolloutAction = "rollback"
	ActionComplete RolloutAction = "complete"
)

// TrafficSplit allocates request percentages between production and canary.
// Production + Canary must always equal 100.
type TrafficSplit struct {
	Production float64 `json:"production"`
	Canary     float64 `json:"canary"`
}

// RolloutStrategy is the schedule by which canary traffic share grows.
type RolloutStrategy struct {
	Type                 RolloutType   `json:"type"`
	Duration             time.Duration `json:"duration"`
	Steps                int           `json:"steps,omitempty"`
	MaxTrafficPercentage float64       `json:"max_traffic_percentage"`
}

// SuccessCriteria are the thresholds a canary must hold for the rollout to
// advance. Rates are in [0,1]; latency in milliseconds.
type SuccessCriteria struct {
	MinRequests      int64         `json:"min_requests"`
	MaxErrorRate     float64       `json:"max_error_rate"`
	MinSuccessRate   float64       `json:"min_success_rate"`
	MaxLatencyP95    float64       `json:"max_latency_p95_ms"`
	MinQualityScore  float64       `json:"min_quality_score"`
	EvaluationWindow time.Duration `json:"evaluation_window"`
}

// AlertThresholds are relative spike thresholds for alerting on sudden
// degradation between evaluation cycles.
type AlertThresholds struct {
	ErrorSpike   float64 `json:"error_spike"`
	LatencySpike float64 `json:"latency_spike"`
	QualityDrop  float64 `json:"quality_drop"`
}

// RollbackCriteria are hard limits whose breach forces reversion to
// production-only traffic regardless of success criteria.
type RollbackCriteria struct {
	MaxErrorRate    float64         `json:"max_error_rate"`
	MaxLatencyP95   float64         `json:"max_latency_p95_ms"`
	MinSuccessRate  float64         `json:"min_success_rate"`
	MinQualityScore float64         `json:"min_quality_score"`
	AlertThresholds AlertThresholds `json:"alert_thresholds"`
}

// DeploymentConfig is the caller-supplied configuration for a new deployment.
type DeploymentConfig struct {
	Name              string           `json:"name"`
	Description       string           `json:"description,omitempty"`
	CreatedBy         string           `json:"created_by,omitempty"`
	ProductionModelID string           `json:"production_model_id"`
	CanaryModelID     string           `json:"canary_model_id"`
	TrafficSplit      TrafficSplit     `json:"traffic_split"`
	RolloutStrategy   RolloutStrategy  `json:"rollout_strategy"`
	SuccessCriteria   SuccessCriteria  `json:"success_criteria"`
	RollbackCriteria  RollbackCriteria `json:"rollback_criteria"`
}

// CanaryDeployment is the canonical deployment record. It is created once and
// mutated only through lifecycle manager operations; Version increments on
// every successful mutation and backs the compare-and-set guard.
type CanaryDeployment struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	CreatedBy   string `json:"created_by,omitempty"`

	ProductionModelID string           `json:"production_model_id"`
	CanaryModelID     string           `json:"canary_model_id"`
	TrafficSplit      TrafficSplit     `json:"traffic_split"`
	RolloutStrategy   RolloutStrategy  `json:"rollout_strategy"`
	SuccessCriteria   SuccessCriteria  `json:"success_criteria"`
	RollbackCriteria  RollbackCriteria `json:"rollback_criteria"`

	Status  DeploymentStatus `json:"status"`
	Version int64            `json:"version"`

	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Clone returns a copy safe to hand to callers. All nested structs are value
// types, so a shallow copy suffices.
func (d *CanaryDeployment) Clone() *CanaryDeployment {
	cp := *d
	return &cp
}

// PerformanceSnapshot is a windowed aggregate of one model's behavior.
// All fields are non-negative; rates are in [0,1].
type PerformanceSnapshot struct {
	ModelID      string        `json:"model_id"`
	Window       time.Duration `json:"window"`
	Requests     int64         `json:"requests"`
	SuccessRate  float64       `json:"success_rate"`
	ErrorRate    float64       `json:"error_rate"`
	AvgLatency   float64       `json:"avg_latency_ms"`
	P95Latency   float64       `json:"p95_latency_ms"`
	QualityScore float64       `json:"quality_score"`
	AvgCost      float64       `json:"avg_cost_usd"`
}

// MetricsComparison is the evaluator's structured production-vs-canary
// comparison. Deltas are signed and relative to production.
type MetricsComparison struct {
	Production       PerformanceSnapshot `json:"production"`
	Canary           PerformanceSnapshot `json:"canary"`
	PerformanceDelta float64             `json:"performance_delta"`
	QualityDelta     float64             `json:"quality_delta"`
	CostDelta        float64             `json:"cost_delta"`
	Recommendation   Recommendation      `json:"recommendation"`
	Reason           string              `json:"reason"`
	Confidence       float64             `json:"confidence"`
}

// RolloutDecision is an immutable audit record of one decision-engine cycle.
type RolloutDecision struct {
	DeploymentID      string            `json:"deployment_id"`
	Action            RolloutAction     `json:"action"`
	Reason            string            `json:"reason"`
	Metrics           MetricsComparison `json:"metrics"`
	DeploymentVersion int64             `json:"deployment_version"`
	Timestamp         time.Time         `json:"timestamp"`
}

// RouteResult is the traffic router's per-request assignment.
type RouteResult struct {
	DeploymentID    string `json:"deployment_id"`
	SelectedModelID string `json:"selected_model_id"`
	IsCanary        bool   `json:"is_canary"`
}

// Validate checks a deployment configuration before any state change.
// It covers everything that can be checked without the model registry.
func (c *DeploymentConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if c.ProductionModelID == "" || c.CanaryModelID == "" {
		return fmt.Errorf("production and canary model ids are required")
	}
	if c.ProductionModelID == c.CanaryModelID {
		return fmt.Errorf("production and canary must be distinct models, both are %q", c.CanaryModelID)
	}
	if sum := c.TrafficSplit.Production + c.TrafficSplit.Canary; sum != 100 {
		return fmt.Errorf("traffic split must sum to 100, got %.2f", sum)
	}
	if c.TrafficSplit.Production < 0 || c.TrafficSplit.Canary < 0 {
		return fmt.Errorf("traffic split percentages must be non-negative")
	}
	switch c.RolloutStrategy.Type {
	case RolloutLinear, RolloutExponential, RolloutManual:
	default:
		return fmt.Errorf("unknown rollout strategy type: %q", c.RolloutStrategy.Type)
	}
	if c.RolloutStrategy.MaxTrafficPercentage <= 0 || c.RolloutStrategy.MaxTrafficPercentage > 100 {
		return fmt.Errorf("max traffic percentage must be in (0,100], got %.2f", c.RolloutStrategy.MaxTrafficPercentage)
	}
	if c.TrafficSplit.Canary > c.RolloutStrategy.MaxTrafficPercentage {
		return fmt.Errorf("initial canary share %.2f exceeds max traffic percentage %.2f",
			c.TrafficSplit.Canary, c.RolloutStrategy.MaxTrafficPercentage)
	}
	if c.RolloutStrategy.Type == RolloutLinear && c.RolloutStrategy.Steps <= 0 {
		return fmt.Errorf("linear rollout requires steps > 0")
	}
	if c.SuccessCriteria.MinRequests < 0 {
		return fmt.Errorf("min requests must be non-negative")
	}
	if c.SuccessCriteria.EvaluationWindow <= 0 {
		return fmt.Errorf("evaluation window must be positive")
	}
	return nil
}

// DefaultRollbackCriteria returns conservative production defaults.
func DefaultRollbackCriteria() RollbackCriteria {
	return RollbackCriteria{
		MaxErrorRate:    0.10,
		MaxLatencyP95:   2000,
		MinSuccessRate:  0.85,
		MinQualityScore: 0.60,
		AlertThresholds: AlertThresholds{
			ErrorSpike:   2.0,
			LatencySpike: 2.0,
			QualityDrop:  0.20,
		},
	}
}

// DefaultSuccessCriteria returns sensible defaults for small rollouts.
func DefaultSuccessCriteria() SuccessCriteria {
	return SuccessCriteria{
		MinRequests:      100,
		MaxErrorRate:     0.05,
		MinSuccessRate:   0.95,
		MaxLatencyP95:    1000,
		MinQualityScore:  0.75,
		EvaluationWindow: 15 * time.Minute,
	}
}
