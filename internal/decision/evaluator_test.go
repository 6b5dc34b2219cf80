package decision

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/modelpilot/canary/internal/api"
	"github.com/modelpilot/canary/internal/perf"
)

func evalDeployment() *api.CanaryDeployment {
	return &api.CanaryDeployment{
		ID:                "dep-1",
		ProductionModelID: "model-prod",
		CanaryModelID:     "model-canary",
		TrafficSplit:      api.TrafficSplit{Production: 90, Canary: 10},
		Status:            api.StatusActive,
		Version:           2,
		RolloutStrategy: api.RolloutStrategy{
			Type:                 api.RolloutLinear,
			Duration:             time.Hour,
			Steps:                5,
			MaxTrafficPercentage: 50,
		},
		SuccessCriteria: api.SuccessCriteria{
			MinRequests:      100,
			MaxErrorRate:     0.05,
			MinSuccessRate:   0.95,
			MaxLatencyP95:    1000,
			MinQualityScore:  0.75,
			EvaluationWindow: 15 * time.Minute,
		},
		RollbackCriteria: api.RollbackCriteria{
			MaxErrorRate:    0.10,
			MaxLatencyP95:   2000,
			MinSuccessRate:  0.85,
			MinQualityScore: 0.60,
		},
	}
}

func healthySnapshot(requests int64) api.PerformanceSnapshot {
	return api.PerformanceSnapshot{
		Requests:     requests,
		SuccessRate:  0.99,
		ErrorRate:    0.01,
		AvgLatency:   200,
		P95Latency:   400,
		QualityScore: 0.90,
		AvgCost:      0.002,
	}
}

func providerWith(prod, canary api.PerformanceSnapshot) *perf.StaticProvider {
	p := perf.NewStaticProvider()
	p.Set("model-prod", prod)
	p.Set("model-canary", canary)
	return p
}

func TestHealthyCanaryProceeds(t *testing.T) {
	e := NewEvaluator(providerWith(healthySnapshot(5000), healthySnapshot(500)))

	cmp, err := e.Evaluate(context.Background(), evalDeployment())
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if cmp.Recommendation != api.RecommendProceed {
		t.Errorf("expected proceed, got %s (%s)", cmp.Recommendation, cmp.Reason)
	}
	if cmp.Confidence != 1 {
		t.Errorf("sample above minimum should give confidence 1, got %.2f", cmp.Confidence)
	}
}

func TestInsufficientSamplePauses(t *testing.T) {
	canary := healthySnapshot(50) // below MinRequests 100
	e := NewEvaluator(providerWith(healthySnapshot(5000), canary))

	cmp, err := e.Evaluate(context.Background(), evalDeployment())
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if cmp.Recommendation != api.RecommendPause {
		t.Errorf("expected pause for thin sample, got %s", cmp.Recommendation)
	}
	if !strings.Contains(cmp.Reason, "insufficient sample") {
		t.Errorf("reason should name the thin sample: %q", cmp.Reason)
	}
	if cmp.Confidence != 0.5 {
		t.Errorf("expected confidence 0.5 for 50/100 requests, got %.2f", cmp.Confidence)
	}
}

func TestRollbackCriteriaBreachForcesRollback(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*api.PerformanceSnapshot)
		reason string
	}{
		{
			name:   "error rate over limit",
			mutate: func(s *api.PerformanceSnapshot) { s.ErrorRate = 0.4; s.SuccessRate = 0.6 },
			reason: "error rate",
		},
		{
			name:   "success rate under floor",
			mutate: func(s *api.PerformanceSnapshot) { s.SuccessRate = 0.80 },
			reason: "success rate",
		},
		{
			name:   "p95 latency over limit",
			mutate: func(s *api.PerformanceSnapshot) { s.P95Latency = 3000 },
			reason: "p95 latency",
		},
		{
			name:   "quality under floor",
			mutate: func(s *api.PerformanceSnapshot) { s.QualityScore = 0.50 },
			reason: "quality score",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			canary := healthySnapshot(500)
			tt.mutate(&canary)
			e := NewEvaluator(providerWith(healthySnapshot(5000), canary))

			cmp, err := e.Evaluate(context.Background(), evalDeployment())
			if err != nil {
				t.Fatalf("Evaluate failed: %v", err)
			}
			if cmp.Recommendation != api.RecommendRollback {
				t.Fatalf("expected rollback, got %s (%s)", cmp.Recommendation, cmp.Reason)
			}
			if !strings.Contains(cmp.Reason, tt.reason) {
				t.Errorf("reason %q should mention %q", cmp.Reason, tt.reason)
			}
		})
	}
}

// Rollback criteria outrank the sample-size gate: a breach on a thin sample
// still rolls back.
func TestRollbackPrecedesInsufficientSample(t *testing.T) {
	canary := healthySnapshot(10)
	canary.ErrorRate = 0.4
	canary.SuccessRate = 0.6
	e := NewEvaluator(providerWith(healthySnapshot(5000), canary))

	cmp, _ := e.Evaluate(context.Background(), evalDeployment())
	if cmp.Recommendation != api.RecommendRollback {
		t.Errorf("rollback breach on thin sample should still roll back, got %s", cmp.Recommendation)
	}
}

func TestBorderlineMetricsPause(t *testing.T) {
	// Healthy enough to avoid rollback, not good enough to proceed.
	canary := healthySnapshot(500)
	canary.ErrorRate = 0.07 // between success max 0.05 and rollback limit 0.10
	canary.SuccessRate = 0.93
	e := NewEvaluator(providerWith(healthySnapshot(5000), canary))

	cmp, _ := e.Evaluate(context.Background(), evalDeployment())
	if cmp.Recommendation != api.RecommendPause {
		t.Errorf("borderline canary should pause, got %s (%s)", cmp.Recommendation, cmp.Reason)
	}
	if !strings.Contains(cmp.Reason, "borderline") {
		t.Errorf("reason should flag borderline metrics: %q", cmp.Reason)
	}
}

// A canary with no traffic yields zero-valued metrics; that must degrade to
// an insufficient-sample pause, never a rollback.
func TestZeroTrafficCanaryPausesGracefully(t *testing.T) {
	e := NewEvaluator(providerWith(healthySnapshot(5000), api.PerformanceSnapshot{}))

	cmp, err := e.Evaluate(context.Background(), evalDeployment())
	if err != nil {
		t.Fatalf("Evaluate should not fail on zero traffic: %v", err)
	}
	if cmp.Recommendation != api.RecommendPause {
		t.Errorf("zero-traffic canary should pause, got %s (%s)", cmp.Recommendation, cmp.Reason)
	}
	if cmp.Confidence != 0 {
		t.Errorf("zero-traffic confidence should be 0, got %.2f", cmp.Confidence)
	}
}

func TestDeltasAgainstProduction(t *testing.T) {
	prod := healthySnapshot(5000)
	prod.AvgLatency = 200
	prod.QualityScore = 0.90
	prod.AvgCost = 0.002

	canary := healthySnapshot(500)
	canary.AvgLatency = 300
	canary.QualityScore = 0.85
	canary.AvgCost = 0.001

	e := NewEvaluator(providerWith(prod, canary))
	cmp, _ := e.Evaluate(context.Background(), evalDeployment())

	if got := cmp.PerformanceDelta; !almost(got, 0.5) {
		t.Errorf("expected performance delta 0.5, got %.3f", got)
	}
	if got := cmp.QualityDelta; !almost(got, -0.05) {
		t.Errorf("expected quality delta -0.05, got %.3f", got)
	}
	if got := cmp.CostDelta; !almost(got, -0.5) {
		t.Errorf("expected cost delta -0.5, got %.3f", got)
	}
}

// Zero-valued production metrics must not divide; deltas stay zero.
func TestZeroProductionMetricsLeaveDeltasZero(t *testing.T) {
	e := NewEvaluator(providerWith(api.PerformanceSnapshot{}, healthySnapshot(500)))

	cmp, err := e.Evaluate(context.Background(), evalDeployment())
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if cmp.PerformanceDelta != 0 || cmp.CostDelta != 0 {
		t.Errorf("deltas against zero production should stay 0: %.3f %.3f",
			cmp.PerformanceDelta, cmp.CostDelta)
	}
}

func almost(got, want float64) bool {
	diff := got - want
	return diff < 1e-9 && diff > -1e-9
}
