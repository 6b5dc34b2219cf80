package decision

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/modelpilot/canary/internal/api"
	"github.com/modelpilot/canary/internal/deploy"
)

// Engine maps evaluator recommendations plus rollout-strategy progress to
// concrete lifecycle actions and applies them through the lifecycle manager.
// A single logical owner runs the engine per deployment; the store's
// compare-and-set guard makes a second owner safe, not coordinated.
type Engine struct {
	manager   *deploy.Manager
	evaluator *Evaluator
	audit     *AuditLog // optional

	// OnDecision, OnStale and OnCycleError, when set, observe every recorded
	// decision, every stale decision dropped at execution time, and every
	// failed periodic cycle. Used for metrics.
	OnDecision   func(*api.RolloutDecision)
	OnStale      func()
	OnCycleError func()
}

// NewEngine creates a decision engine. audit may be nil.
func NewEngine(manager *deploy.Manager, evaluator *Evaluator, audit *AuditLog) *Engine {
	return &Engine{manager: manager, evaluator: evaluator, audit: audit}
}

// MakeDecision evaluates canary performance and produces the rollout
// decision for one deployment. The decision is recorded in the audit trail
// before it is returned; recording happens exactly once per cycle whether or
// not the decision is later executed.
func (e *Engine) MakeDecision(ctx context.Context, deploymentID string) (*api.RolloutDecision, error) {
	d, err := e.manager.Get(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	if d.Status != api.StatusActive {
		return nil, &deploy.InvalidTransitionError{Op: "evaluate", Current: d.Status, Required: api.StatusActive}
	}

	cmp, err := e.evaluator.Evaluate(ctx, d)
	if err != nil {
		return nil, err
	}

	dec := &api.RolloutDecision{
		DeploymentID:      d.ID,
		Metrics:           *cmp,
		DeploymentVersion: d.Version,
		Timestamp:         time.Now(),
	}

	switch cmp.Recommendation {
	case api.RecommendRollback:
		dec.Action = api.ActionRollback
		dec.Reason = cmp.Reason
	case api.RecommendPause:
		dec.Action = api.ActionPause
		dec.Reason = cmp.Reason
	case api.RecommendProceed:
		if rolloutFinished(d) {
			dec.Action = api.ActionComplete
			dec.Reason = "rollout reached its final step with all success criteria met"
		} else {
			dec.Action = api.ActionContinue
			dec.Reason = cmp.Reason
		}
	default:
		return nil, fmt.Errorf("unknown recommendation %q", cmp.Recommendation)
	}

	if err := e.manager.RecordDecision(ctx, dec); err != nil {
		return nil, fmt.Errorf("failed to record decision: %w", err)
	}
	if e.audit != nil {
		if err := e.audit.Append(dec); err != nil {
			return nil, fmt.Errorf("failed to append decision to audit log: %w", err)
		}
	}
	if e.OnDecision != nil {
		e.OnDecision(dec)
	}
	return dec, nil
}

// rolloutFinished reports whether the canary share is at its cap and the
// strategy duration has elapsed.
func rolloutFinished(d *api.CanaryDeployment) bool {
	atCap := d.TrafficSplit.Canary >= d.RolloutStrategy.MaxTrafficPercentage
	elapsed := !d.StartedAt.IsZero() && time.Since(d.StartedAt) >= d.RolloutStrategy.Duration
	return atCap && elapsed
}

// ExecuteDecision applies a decision via the lifecycle manager. A stale
// decision, detected by comparing the deployment's current version against
// the decision's snapshot, is a no-op, not an error.
func (e *Engine) ExecuteDecision(ctx context.Context, dec *api.RolloutDecision) error {
	d, err := e.manager.Get(ctx, dec.DeploymentID)
	if err != nil {
		return err
	}
	if d.Version != dec.DeploymentVersion {
		log.Printf("decision: stale decision for %s (deployment at v%d, decision at v%d), ignoring",
			dec.DeploymentID, d.Version, dec.DeploymentVersion)
		if e.OnStale != nil {
			e.OnStale()
		}
		return nil
	}

	switch dec.Action {
	case api.ActionContinue:
		split := nextSplit(d)
		if split == d.TrafficSplit {
			return nil // manual strategy, or already at cap
		}
		_, err = e.manager.ApplySplit(ctx, d.ID, split, dec.DeploymentVersion)
	case api.ActionPause:
		_, err = e.manager.Pause(ctx, d.ID)
	case api.ActionRollback:
		_, err = e.manager.Rollback(ctx, d.ID, dec.Reason)
	case api.ActionComplete:
		_, err = e.manager.Complete(ctx, d.ID)
	default:
		return fmt.Errorf("unknown action %q", dec.Action)
	}

	if errors.Is(err, deploy.ErrVersionConflict) {
		log.Printf("decision: %s on %s lost to a concurrent writer, ignoring", dec.Action, dec.DeploymentID)
		return nil
	}
	return err
}

// nextSplit computes the increased canary share for a continue action,
// always capped at MaxTrafficPercentage; the production share keeps the sum
// at 100. Manual strategies never auto-advance.
func nextSplit(d *api.CanaryDeployment) api.TrafficSplit {
	cur := d.TrafficSplit.Canary
	max := d.RolloutStrategy.MaxTrafficPercentage

	var next float64
	switch d.RolloutStrategy.Type {
	case api.RolloutLinear:
		next = cur + max/float64(d.RolloutStrategy.Steps)
	case api.RolloutExponential:
		if cur <= 0 {
			next = 1 // doubling zero stalls forever
		} else {
			next = cur * 2
		}
	case api.RolloutManual:
		return d.TrafficSplit
	default:
		return d.TrafficSplit
	}

	if next > max {
		next = max
	}
	return api.TrafficSplit{Production: 100 - next, Canary: next}
}

// RunCycle makes and executes one decision for a deployment.
func (e *Engine) RunCycle(ctx context.Context, deploymentID string) (*api.RolloutDecision, error) {
	dec, err := e.MakeDecision(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	if err := e.ExecuteDecision(ctx, dec); err != nil {
		return dec, err
	}
	return dec, nil
}

// Run evaluates every active deployment on a fixed interval until the
// context is cancelled. A failure on one deployment is logged and skipped;
// it never halts the loop.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			active, err := e.manager.List(ctx, deploy.Filter{Status: api.StatusActive})
			if err != nil {
				log.Printf("decision: failed to list active deployments: %v", err)
				continue
			}
			for _, d := range active {
				if _, err := e.RunCycle(ctx, d.ID); err != nil {
					log.Printf("decision: cycle for %s failed: %v", d.ID, err)
					if e.OnCycleError != nil {
						e.OnCycleError()
					}
				}
			}
		}
	}
}
