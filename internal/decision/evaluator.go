package decision

import (
	"context"
	"fmt"

	"github.com/modelpilot/canary/internal/api"
	"github.com/modelpilot/canary/internal/perf"
)

// Evaluator turns raw metrics for production vs. canary into a structured
// comparison and a raw recommendation.
type Evaluator struct {
	provider perf.Provider
}

// NewEvaluator creates an evaluator over the given metrics provider.
func NewEvaluator(provider perf.Provider) *Evaluator {
	return &Evaluator{provider: provider}
}

// Evaluate fetches both models' snapshots over the deployment's evaluation
// window and produces the comparison. Recommendation precedence: rollback
// criteria first, then insufficient sample, then success criteria, and pause
// for everything borderline.
func (e *Evaluator) Evaluate(ctx context.Context, d *api.CanaryDeployment) (*api.MetricsComparison, error) {
	window := d.SuccessCriteria.EvaluationWindow

	prod, err := e.provider.GetMetrics(ctx, d.ProductionModelID, window, false)
	if err != nil {
		return nil, fmt.Errorf("production metrics unavailable: %w", err)
	}
	canary, err := e.provider.GetMetrics(ctx, d.CanaryModelID, window, true)
	if err != nil {
		return nil, fmt.Errorf("canary metrics unavailable: %w", err)
	}

	cmp := &api.MetricsComparison{
		Production:   *prod,
		Canary:       *canary,
		QualityDelta: canary.QualityScore - prod.QualityScore,
	}
	if prod.AvgLatency > 0 {
		cmp.PerformanceDelta = (canary.AvgLatency - prod.AvgLatency) / prod.AvgLatency
	}
	if prod.AvgCost > 0 {
		cmp.CostDelta = (canary.AvgCost - prod.AvgCost) / prod.AvgCost
	}

	cmp.Recommendation, cmp.Reason = recommend(d, canary)
	cmp.Confidence = confidence(canary.Requests, d.SuccessCriteria.MinRequests)
	return cmp, nil
}

// recommend applies the threshold checks in precedence order and names the
// specific criterion that drove the outcome.
func recommend(d *api.CanaryDeployment, canary *api.PerformanceSnapshot) (api.Recommendation, string) {
	rb := d.RollbackCriteria

	// Rollback criteria take precedence over everything, including a
	// canary that simultaneously satisfies all success thresholds.
	switch {
	case canary.ErrorRate > rb.MaxErrorRate:
		return api.RecommendRollback,
			fmt.Sprintf("canary error rate %.3f exceeds rollback limit %.3f", canary.ErrorRate, rb.MaxErrorRate)
	case canary.SuccessRate < rb.MinSuccessRate && canary.Requests > 0:
		return api.RecommendRollback,
			fmt.Sprintf("canary success rate %.3f below rollback floor %.3f", canary.SuccessRate, rb.MinSuccessRate)
	case canary.P95Latency > rb.MaxLatencyP95:
		return api.RecommendRollback,
			fmt.Sprintf("canary p95 latency %.0fms exceeds rollback limit %.0fms", canary.P95Latency, rb.MaxLatencyP95)
	case canary.QualityScore < rb.MinQualityScore && canary.Requests > 0:
		return api.RecommendRollback,
			fmt.Sprintf("canary quality score %.3f below rollback floor %.3f", canary.QualityScore, rb.MinQualityScore)
	}

	sc := d.SuccessCriteria
	if canary.Requests < sc.MinRequests {
		return api.RecommendPause,
			fmt.Sprintf("insufficient sample: %d of %d required requests", canary.Requests, sc.MinRequests)
	}

	if canary.ErrorRate <= sc.MaxErrorRate &&
		canary.SuccessRate >= sc.MinSuccessRate &&
		canary.P95Latency <= sc.MaxLatencyP95 &&
		canary.QualityScore >= sc.MinQualityScore {
		return api.RecommendProceed, "all success criteria met"
	}

	return api.RecommendPause, "canary metrics borderline: success criteria not fully met"
}

// confidence grows linearly with sample size relative to the required
// minimum, capped at 1.
func confidence(requests, minRequests int64) float64 {
	if minRequests <= 0 {
		if requests > 0 {
			return 1
		}
		return 0
	}
	c := float64(requests) / float64(minRequests)
	if c > 1 {
		return 1
	}
	return c
}
