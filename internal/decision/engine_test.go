package decision

import (
	"context"
	"testing"
	"time"

	"github.com/modelpilot/canary/internal/api"
	"github.com/modelpilot/canary/internal/deploy"
	"github.com/modelpilot/canary/internal/perf"
	"github.com/modelpilot/canary/internal/registry"
)

func engineFixture(t *testing.T, prod, canary api.PerformanceSnapshot) (*Engine, *deploy.Manager, *api.CanaryDeployment) {
	t.Helper()
	ctx := context.Background()

	reg := registry.NewMemoryRegistry()
	reg.Register(&registry.Model{ID: "model-prod"})
	reg.Register(&registry.Model{ID: "model-canary"})

	manager := deploy.NewManager(deploy.NewMemoryStore(), reg, nil)
	d, err := manager.Create(ctx, &api.DeploymentConfig{
		Name:              "chat",
		ProductionModelID: "model-prod",
		CanaryModelID:     "model-canary",
		TrafficSplit:      api.TrafficSplit{Production: 90, Canary: 10},
		RolloutStrategy: api.RolloutStrategy{
			Type:                 api.RolloutLinear,
			Duration:             time.Hour,
			Steps:                5,
			MaxTrafficPercentage: 50,
		},
		SuccessCriteria:  api.DefaultSuccessCriteria(),
		RollbackCriteria: api.DefaultRollbackCriteria(),
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	d, err = manager.Start(ctx, d.ID)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	provider := perf.NewStaticProvider()
	provider.Set("model-prod", prod)
	provider.Set("model-canary", canary)

	return NewEngine(manager, NewEvaluator(provider), nil), manager, d
}

func TestMakeDecisionRequiresActive(t *testing.T) {
	ctx := context.Background()
	e, manager, d := engineFixture(t, healthySnapshot(5000), healthySnapshot(500))

	manager.Pause(ctx, d.ID)
	if _, err := e.MakeDecision(ctx, d.ID); !deploy.IsInvalidTransition(err) {
		t.Errorf("expected InvalidTransitionError on paused deployment, got %v", err)
	}
}

func TestDecisionRecordedInHistory(t *testing.T) {
	ctx := context.Background()
	e, manager, d := engineFixture(t, healthySnapshot(5000), healthySnapshot(500))

	dec, err := e.MakeDecision(ctx, d.ID)
	if err != nil {
		t.Fatalf("MakeDecision failed: %v", err)
	}
	if dec.Action != api.ActionContinue {
		t.Errorf("healthy mid-rollout canary should continue, got %s", dec.Action)
	}
	if dec.DeploymentVersion != d.Version {
		t.Errorf("decision should snapshot version %d, got %d", d.Version, dec.DeploymentVersion)
	}

	report, _ := manager.GetStatus(ctx, d.ID)
	if len(report.Decisions) != 1 {
		t.Errorf("decision not recorded: %d entries", len(report.Decisions))
	}
}

func TestContinueAdvancesLinearStep(t *testing.T) {
	ctx := context.Background()
	e, manager, d := engineFixture(t, healthySnapshot(5000), healthySnapshot(500))

	dec, err := e.RunCycle(ctx, d.ID)
	if err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	if dec.Action != api.ActionContinue {
		t.Fatalf("expected continue, got %s", dec.Action)
	}

	got, _ := manager.Get(ctx, d.ID)
	// 10% + 50%/5 steps = 20%
	if got.TrafficSplit.Canary != 20 {
		t.Errorf("expected canary share 20 after one linear step, got %.1f", got.TrafficSplit.Canary)
	}
	if got.TrafficSplit.Production+got.TrafficSplit.Canary != 100 {
		t.Errorf("split must sum to 100: %+v", got.TrafficSplit)
	}
}

func TestLinearStepsCapAtMax(t *testing.T) {
	ctx := context.Background()
	e, manager, d := engineFixture(t, healthySnapshot(5000), healthySnapshot(500))

	// Step repeatedly; the share must never exceed the 50% cap.
	for i := 0; i < 8; i++ {
		if _, err := e.RunCycle(ctx, d.ID); err != nil {
			t.Fatalf("cycle %d failed: %v", i, err)
		}
		got, _ := manager.Get(ctx, d.ID)
		if got.TrafficSplit.Canary > 50 {
			t.Fatalf("canary share %.1f exceeded cap on cycle %d", got.TrafficSplit.Canary, i)
		}
	}
	got, _ := manager.Get(ctx, d.ID)
	if got.TrafficSplit.Canary != 50 {
		t.Errorf("expected canary share pinned at cap 50, got %.1f", got.TrafficSplit.Canary)
	}
	if got.Status != api.StatusActive {
		t.Errorf("rollout with unexpired duration should stay active, got %s", got.Status)
	}
}

func TestExponentialDoubling(t *testing.T) {
	tests := []struct {
		current float64
		want    float64
	}{
		{0, 1}, // seed from zero
		{1, 2},
		{16, 32},
		{40, 50}, // capped
	}
	for _, tt := range tests {
		d := &api.CanaryDeployment{
			TrafficSplit: api.TrafficSplit{Production: 100 - tt.current, Canary: tt.current},
			RolloutStrategy: api.RolloutStrategy{
				Type:                 api.RolloutExponential,
				MaxTrafficPercentage: 50,
			},
		}
		got := nextSplit(d)
		if got.Canary != tt.want {
			t.Errorf("exponential from %.0f: expected %.0f, got %.1f", tt.current, tt.want, got.Canary)
		}
		if got.Production+got.Canary != 100 {
			t.Errorf("split must sum to 100: %+v", got)
		}
	}
}

func TestManualStrategyNeverAutoAdvances(t *testing.T) {
	d := &api.CanaryDeployment{
		TrafficSplit: api.TrafficSplit{Production: 90, Canary: 10},
		RolloutStrategy: api.RolloutStrategy{
			Type:                 api.RolloutManual,
			MaxTrafficPercentage: 50,
		},
	}
	if got := nextSplit(d); got != d.TrafficSplit {
		t.Errorf("manual strategy must not change the split, got %+v", got)
	}
}

func TestRollbackDecisionExecutes(t *testing.T) {
	ctx := context.Background()
	bad := healthySnapshot(500)
	bad.ErrorRate = 0.4
	bad.SuccessRate = 0.6
	e, manager, d := engineFixture(t, healthySnapshot(5000), bad)

	dec, err := e.RunCycle(ctx, d.ID)
	if err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	if dec.Action != api.ActionRollback {
		t.Fatalf("expected rollback, got %s", dec.Action)
	}

	got, _ := manager.Get(ctx, d.ID)
	if got.Status != api.StatusRolledBack {
		t.Errorf("expected rolledback, got %s", got.Status)
	}
	if got.TrafficSplit.Canary != 0 {
		t.Errorf("rollback must zero canary traffic: %+v", got.TrafficSplit)
	}
}

func TestPauseDecisionExecutes(t *testing.T) {
	ctx := context.Background()
	thin := healthySnapshot(10) // below MinRequests
	e, manager, d := engineFixture(t, healthySnapshot(5000), thin)

	dec, err := e.RunCycle(ctx, d.ID)
	if err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	if dec.Action != api.ActionPause {
		t.Fatalf("expected pause, got %s", dec.Action)
	}

	got, _ := manager.Get(ctx, d.ID)
	if got.Status != api.StatusPaused {
		t.Errorf("expected paused, got %s", got.Status)
	}
}

// A decision made against an older deployment version must be dropped
// without side effects.
func TestStaleDecisionIsNoOp(t *testing.T) {
	ctx := context.Background()
	e, manager, d := engineFixture(t, healthySnapshot(5000), healthySnapshot(500))

	dec, err := e.MakeDecision(ctx, d.ID)
	if err != nil {
		t.Fatalf("MakeDecision failed: %v", err)
	}

	// Deployment moves on before the decision executes.
	if _, err := manager.ApplySplit(ctx, d.ID, api.TrafficSplit{Production: 85, Canary: 15}, d.Version); err != nil {
		t.Fatalf("ApplySplit failed: %v", err)
	}

	staleSeen := false
	e.OnStale = func() { staleSeen = true }

	if err := e.ExecuteDecision(ctx, dec); err != nil {
		t.Fatalf("stale decision should be a silent no-op, got %v", err)
	}
	if !staleSeen {
		t.Error("stale hook not invoked")
	}

	got, _ := manager.Get(ctx, d.ID)
	if got.TrafficSplit.Canary != 15 {
		t.Errorf("stale decision must not alter state: %+v", got.TrafficSplit)
	}
}

// Complete fires only when the share is at cap AND the duration has elapsed.
func TestCompleteRequiresCapAndElapsedDuration(t *testing.T) {
	atCap := &api.CanaryDeployment{
		TrafficSplit: api.TrafficSplit{Production: 50, Canary: 50},
		RolloutStrategy: api.RolloutStrategy{
			Duration:             time.Hour,
			MaxTrafficPercentage: 50,
		},
		StartedAt: time.Now().Add(-30 * time.Minute),
	}
	if rolloutFinished(atCap) {
		t.Error("rollout with unexpired duration should not be finished")
	}

	atCap.StartedAt = time.Now().Add(-2 * time.Hour)
	if !rolloutFinished(atCap) {
		t.Error("rollout at cap with elapsed duration should be finished")
	}

	belowCap := &api.CanaryDeployment{
		TrafficSplit: api.TrafficSplit{Production: 70, Canary: 30},
		RolloutStrategy: api.RolloutStrategy{
			Duration:             time.Hour,
			MaxTrafficPercentage: 50,
		},
		StartedAt: time.Now().Add(-2 * time.Hour),
	}
	if rolloutFinished(belowCap) {
		t.Error("rollout below cap should not be finished")
	}
}

func TestHealthyRolloutCompletes(t *testing.T) {
	ctx := context.Background()

	reg := registry.NewMemoryRegistry()
	reg.Register(&registry.Model{ID: "model-prod"})
	reg.Register(&registry.Model{ID: "model-canary"})
	store := deploy.NewMemoryStore()
	manager := deploy.NewManager(store, reg, nil)

	d, err := manager.Create(ctx, &api.DeploymentConfig{
		Name:              "chat",
		ProductionModelID: "model-prod",
		CanaryModelID:     "model-canary",
		TrafficSplit:      api.TrafficSplit{Production: 50, Canary: 50},
		RolloutStrategy: api.RolloutStrategy{
			Type:                 api.RolloutLinear,
			Duration:             time.Hour,
			Steps:                5,
			MaxTrafficPercentage: 50,
		},
		SuccessCriteria:  api.DefaultSuccessCriteria(),
		RollbackCriteria: api.DefaultRollbackCriteria(),
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := manager.Start(ctx, d.ID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Backdate the start so the strategy duration has elapsed.
	cur, _ := store.Get(ctx, d.ID)
	backdated := cur.Clone()
	backdated.StartedAt = time.Now().Add(-2 * time.Hour)
	backdated.Version = cur.Version + 1
	if err := store.Update(ctx, backdated, cur.Version); err != nil {
		t.Fatalf("failed to backdate start: %v", err)
	}

	provider := perf.NewStaticProvider()
	provider.Set("model-prod", healthySnapshot(5000))
	provider.Set("model-canary", healthySnapshot(500))
	e := NewEngine(manager, NewEvaluator(provider), nil)

	dec, err := e.RunCycle(ctx, d.ID)
	if err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	if dec.Action != api.ActionComplete {
		t.Fatalf("expected complete, got %s (%s)", dec.Action, dec.Reason)
	}

	got, _ := manager.Get(ctx, d.ID)
	if got.Status != api.StatusCompleted {
		t.Errorf("expected completed, got %s", got.Status)
	}
	if got.CompletedAt.IsZero() {
		t.Error("CompletedAt not stamped")
	}
}
