package deploy

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/modelpilot/canary/internal/api"
	"github.com/modelpilot/canary/internal/events"
	"github.com/modelpilot/canary/internal/registry"
)

// Publisher emits lifecycle events. *events.Bus satisfies it.
type Publisher interface {
	Publish(e events.Event)
}

// nopPublisher drops events; used when no bus is wired.
type nopPublisher struct{}

func (nopPublisher) Publish(events.Event) {}

// Manager owns the canonical deployment state machine. All mutations go
// through guarded, compare-and-set transitions: concurrent attempts on the
// same deployment resolve to exactly one winner, the loser re-reads the
// fresh state and fails with an InvalidTransitionError.
type Manager struct {
	store    Store
	registry registry.ModelRegistry
	bus      Publisher
}

// casRetries bounds re-reads after a version conflict. A conflict means
// another writer moved the deployment; one re-check of the guard against the
// fresh state is enough, extra rounds only cover back-to-back writers.
const casRetries = 3

// NewManager creates a lifecycle manager. bus may be nil.
func NewManager(store Store, reg registry.ModelRegistry, bus Publisher) *Manager {
	if bus == nil {
		bus = nopPublisher{}
	}
	return &Manager{store: store, registry: reg, bus: bus}
}

// Create validates the configuration and persists a new deployment in the
// preparing state. Both model ids must exist in the registry and differ.
func (m *Manager) Create(ctx context.Context, cfg *api.DeploymentConfig) (*api.CanaryDeployment, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &ValidationError{Err: err}
	}
	if _, err := m.registry.GetModel(cfg.ProductionModelID); err != nil {
		return nil, &ValidationError{Err: fmt.Errorf("production model: %w", err)}
	}
	if _, err := m.registry.GetModel(cfg.CanaryModelID); err != nil {
		return nil, &ValidationError{Err: fmt.Errorf("canary model: %w", err)}
	}

	now := time.Now()
	d := &api.CanaryDeployment{
		ID:                fmt.Sprintf("canary-%s-%d", cfg.Name, now.UnixNano()),
		Name:              cfg.Name,
		Description:       cfg.Description,
		CreatedBy:         cfg.CreatedBy,
		ProductionModelID: cfg.ProductionModelID,
		CanaryModelID:     cfg.CanaryModelID,
		TrafficSplit:      cfg.TrafficSplit,
		RolloutStrategy:   cfg.RolloutStrategy,
		SuccessCriteria:   cfg.SuccessCriteria,
		RollbackCriteria:  cfg.RollbackCriteria,
		Status:            api.StatusPreparing,
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if err := m.store.Create(ctx, d); err != nil {
		return nil, err
	}

	m.bus.Publish(events.Event{
		Type:         events.DeploymentCreated,
		DeploymentID: d.ID,
		Fields: map[string]string{
			"production_model": d.ProductionModelID,
			"canary_model":     d.CanaryModelID,
		},
	})
	return d.Clone(), nil
}

// Get returns the deployment for id, or ErrNotFound.
func (m *Manager) Get(ctx context.Context, id string) (*api.CanaryDeployment, error) {
	return m.store.Get(ctx, id)
}

// List returns deployments matching the filter, newest first.
func (m *Manager) List(ctx context.Context, f Filter) ([]*api.CanaryDeployment, error) {
	return m.store.List(ctx, f)
}

// Start moves a preparing deployment to active and stamps StartedAt.
func (m *Manager) Start(ctx context.Context, id string) (*api.CanaryDeployment, error) {
	return m.transition(ctx, id, "start", api.StatusPreparing, func(d *api.CanaryDeployment) {
		d.Status = api.StatusActive
		d.StartedAt = time.Now()
	}, events.DeploymentStarted, "")
}

// Pause suspends an active deployment. Routing falls back to production
// while paused.
func (m *Manager) Pause(ctx context.Context, id string) (*api.CanaryDeployment, error) {
	return m.transition(ctx, id, "pause", api.StatusActive, func(d *api.CanaryDeployment) {
		d.Status = api.StatusPaused
	}, events.DeploymentPaused, "")
}

// Resume reactivates a paused deployment.
func (m *Manager) Resume(ctx context.Context, id string) (*api.CanaryDeployment, error) {
	return m.transition(ctx, id, "resume", api.StatusPaused, func(d *api.CanaryDeployment) {
		d.Status = api.StatusActive
	}, events.DeploymentResumed, "")
}

// Complete finishes an active rollout and stamps CompletedAt.
func (m *Manager) Complete(ctx context.Context, id string) (*api.CanaryDeployment, error) {
	return m.transition(ctx, id, "complete", api.StatusActive, func(d *api.CanaryDeployment) {
		d.Status = api.StatusCompleted
		d.CompletedAt = time.Now()
	}, events.DeploymentCompleted, "")
}

// Rollback reverts any non-terminal deployment to production-only traffic.
// The reason is recorded in the event trail.
func (m *Manager) Rollback(ctx context.Context, id, reason string) (*api.CanaryDeployment, error) {
	return m.transitionGuarded(ctx, id, "rollback",
		func(s api.DeploymentStatus) error {
			if s.Terminal() {
				return &InvalidTransitionError{Op: "rollback", Current: s}
			}
			return nil
		},
		func(d *api.CanaryDeployment) {
			d.Status = api.StatusRolledBack
			d.TrafficSplit = api.TrafficSplit{Production: 100, Canary: 0}
			d.CompletedAt = time.Now()
		}, events.DeploymentRolledBack, reason)
}

// ApplySplit updates the traffic split of an active deployment,
// compare-and-set against expectedVersion. The decision engine uses the
// version from its decision snapshot, so a stale decision surfaces as
// ErrVersionConflict and is dropped by the caller.
func (m *Manager) ApplySplit(ctx context.Context, id string, split api.TrafficSplit, expectedVersion int64) (*api.CanaryDeployment, error) {
	d, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status != api.StatusActive {
		return nil, &InvalidTransitionError{Op: "adjust traffic", Current: d.Status, Required: api.StatusActive}
	}
	if sum := split.Production + split.Canary; sum != 100 {
		return nil, &ValidationError{Err: fmt.Errorf("traffic split must sum to 100, got %.2f", sum)}
	}
	if split.Canary > d.RolloutStrategy.MaxTrafficPercentage {
		return nil, &ValidationError{Err: fmt.Errorf("canary share %.2f exceeds max %.2f",
			split.Canary, d.RolloutStrategy.MaxTrafficPercentage)}
	}

	d.TrafficSplit = split
	d.Version = expectedVersion + 1
	d.UpdatedAt = time.Now()

	if err := m.store.Update(ctx, d, expectedVersion); err != nil {
		return nil, err
	}

	m.bus.Publish(events.Event{
		Type:         events.TrafficShifted,
		DeploymentID: d.ID,
		Fields: map[string]string{
			"canary_percent": fmt.Sprintf("%.1f", split.Canary),
		},
	})
	return d.Clone(), nil
}

// StatusReport is the GetStatus response: the record, recent decision
// history, and human-readable recommendations derived from current trend.
type StatusReport struct {
	Deployment      *api.CanaryDeployment  `json:"deployment"`
	Decisions       []*api.RolloutDecision `json:"decisions"`
	Recommendations []string               `json:"recommendations"`
}

// GetStatus returns the deployment record, its recent decisions, and
// derived recommendations. Fails with ErrNotFound for unknown ids.
func (m *Manager) GetStatus(ctx context.Context, id string) (*StatusReport, error) {
	d, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	decisions, err := m.store.RecentDecisions(ctx, id, 20)
	if err != nil {
		return nil, err
	}
	return &StatusReport{
		Deployment:      d,
		Decisions:       decisions,
		Recommendations: deriveRecommendations(d, decisions),
	}, nil
}

// deriveRecommendations turns the latest comparison into short operator
// hints. Purely advisory; the decision engine acts on the same signals.
func deriveRecommendations(d *api.CanaryDeployment, decisions []*api.RolloutDecision) []string {
	recs := []string{}

	if d.Status == api.StatusPreparing {
		recs = append(recs, "deployment not started; call start to begin routing canary traffic")
	}
	if len(decisions) == 0 {
		return recs
	}

	latest := decisions[0]
	canary := latest.Metrics.Canary

	if canary.Requests < d.SuccessCriteria.MinRequests {
		recs = append(recs, fmt.Sprintf("canary sample size %d below minimum %d; decisions will pause until enough traffic accrues",
			canary.Requests, d.SuccessCriteria.MinRequests))
	}
	if d.RollbackCriteria.MaxErrorRate > 0 && canary.ErrorRate > 0.8*d.RollbackCriteria.MaxErrorRate {
		recs = append(recs, fmt.Sprintf("error budget nearly exhausted: canary error rate %.3f vs rollback limit %.3f",
			canary.ErrorRate, d.RollbackCriteria.MaxErrorRate))
	}
	if latest.Metrics.QualityDelta < -d.RollbackCriteria.AlertThresholds.QualityDrop {
		recs = append(recs, fmt.Sprintf("canary quality trails production by %.3f; investigate before advancing",
			-latest.Metrics.QualityDelta))
	}
	if latest.Metrics.PerformanceDelta > d.RollbackCriteria.AlertThresholds.LatencySpike-1 && d.RollbackCriteria.AlertThresholds.LatencySpike > 1 {
		recs = append(recs, fmt.Sprintf("canary latency %.0f%% above production", latest.Metrics.PerformanceDelta*100))
	}
	if latest.Action == api.ActionRollback {
		recs = append(recs, "last decision was rollback: "+latest.Reason)
	}
	return recs
}

// RecordDecision appends an immutable decision to the audit trail.
func (m *Manager) RecordDecision(ctx context.Context, dec *api.RolloutDecision) error {
	return m.store.AppendDecision(ctx, dec)
}

// transition applies a single-source guarded transition.
func (m *Manager) transition(ctx context.Context, id, op string, from api.DeploymentStatus,
	mutate func(*api.CanaryDeployment), event events.EventType, reason string) (*api.CanaryDeployment, error) {
	return m.transitionGuarded(ctx, id, op,
		func(s api.DeploymentStatus) error {
			if s != from {
				return &InvalidTransitionError{Op: op, Current: s, Required: from}
			}
			return nil
		}, mutate, event, reason)
}

// transitionGuarded loads the deployment, checks the guard, applies the
// mutation and writes back with compare-and-set. On a version conflict it
// re-reads and re-checks: if the fresh state still satisfies the guard the
// write is retried, otherwise the caller gets an InvalidTransitionError
// reflecting the state that won.
func (m *Manager) transitionGuarded(ctx context.Context, id, op string,
	guard func(api.DeploymentStatus) error,
	mutate func(*api.CanaryDeployment), event events.EventType, reason string) (*api.CanaryDeployment, error) {

	var lastErr error
	for attempt := 0; attempt < casRetries; attempt++ {
		d, err := m.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := guard(d.Status); err != nil {
			return nil, err
		}

		expected := d.Version
		mutate(d)
		d.Version = expected + 1
		d.UpdatedAt = time.Now()

		err = m.store.Update(ctx, d, expected)
		if err == nil {
			m.bus.Publish(events.Event{
				Type:         event,
				DeploymentID: d.ID,
				Reason:       reason,
			})
			return d.Clone(), nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return nil, err
		}
		lastErr = err
		log.Printf("deploy: %s on %s hit version conflict, re-reading (attempt %d)", op, id, attempt+1)
	}
	return nil, fmt.Errorf("%s on %s: %w", op, id, lastErr)
}
