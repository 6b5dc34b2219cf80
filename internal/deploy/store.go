package deploy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/modelpilot/canary/internal/api"
)

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Status  api.DeploymentStatus
	ModelID string // matches either production or canary model id
}

// Store persists deployment records and their decision audit trail.
// Durability is whatever the chosen backend provides; the manager assumes
// read-your-writes consistency within a single owner.
type Store interface {
	// Create persists a new deployment. Fails if the id already exists.
	Create(ctx context.Context, d *api.CanaryDeployment) error

	// Get returns the deployment for id, or ErrNotFound.
	Get(ctx context.Context, id string) (*api.CanaryDeployment, error)

	// Update replaces the record iff the stored version equals
	// expectedVersion (compare-and-set). Returns ErrVersionConflict on a
	// stale version, ErrNotFound for unknown ids. On success the stored
	// record carries d.Version.
	Update(ctx context.Context, d *api.CanaryDeployment, expectedVersion int64) error

	// List returns deployments matching the filter, ordered by creation
	// time (newest first). Possibly empty, never nil error for no matches.
	List(ctx context.Context, f Filter) ([]*api.CanaryDeployment, error)

	// AppendDecision records an immutable rollout decision.
	AppendDecision(ctx context.Context, dec *api.RolloutDecision) error

	// RecentDecisions returns up to limit decisions for a deployment,
	// newest first.
	RecentDecisions(ctx context.Context, deploymentID string, limit int) ([]*api.RolloutDecision, error)

	// Close releases resources.
	Close() error
}

// MemoryStore is an in-memory Store for tests and single-node deployments.
type MemoryStore struct {
	mu          sync.RWMutex
	deployments map[string]*api.CanaryDeployment
	decisions   map[string][]*api.RolloutDecision
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		deployments: make(map[string]*api.CanaryDeployment),
		decisions:   make(map[string][]*api.RolloutDecision),
	}
}

func (m *MemoryStore) Create(ctx context.Context, d *api.CanaryDeployment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.deployments[d.ID]; exists {
		return fmt.Errorf("deployment %s already exists", d.ID)
	}
	m.deployments[d.ID] = d.Clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*api.CanaryDeployment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.deployments[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return d.Clone(), nil
}

func (m *MemoryStore) Update(ctx context.Context, d *api.CanaryDeployment, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.deployments[d.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, d.ID)
	}
	if cur.Version != expectedVersion {
		return fmt.Errorf("%w: have %d, expected %d", ErrVersionConflict, cur.Version, expectedVersion)
	}
	m.deployments[d.ID] = d.Clone()
	return nil
}

func (m *MemoryStore) List(ctx context.Context, f Filter) ([]*api.CanaryDeployment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []*api.CanaryDeployment{}
	for _, d := range m.deployments {
		if f.Status != "" && d.Status != f.Status {
			continue
		}
		if f.ModelID != "" && d.ProductionModelID != f.ModelID && d.CanaryModelID != f.ModelID {
			continue
		}
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) AppendDecision(ctx context.Context, dec *api.RolloutDecision) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *dec
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now()
	}
	m.decisions[dec.DeploymentID] = append(m.decisions[dec.DeploymentID], &cp)
	return nil
}

func (m *MemoryStore) RecentDecisions(ctx context.Context, deploymentID string, limit int) ([]*api.RolloutDecision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.decisions[deploymentID]
	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}
	out := make([]*api.RolloutDecision, 0, limit)
	for i := len(all) - 1; i >= len(all)-limit; i-- {
		cp := *all[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
