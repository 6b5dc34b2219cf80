package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrModelNotFound is returned when looking up an unregistered model id.
var ErrModelNotFound = errors.New("model not found")

// Model describes an inference model known to the control plane. The
// registry owns identity and status only; weights and serving infrastructure
// are external.
type Model struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Provider     string            `json:"provider,omitempty"`
	Version      string            `json:"version,omitempty"`
	Status       string            `json:"status"` // "registered", "active", "deprecated"
	RegisteredAt time.Time         `json:"registered_at"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// ModelRegistry is the collaborator interface the lifecycle manager uses to
// validate model ids at deployment creation time.
type ModelRegistry interface {
	// GetModel returns the model for id, or ErrModelNotFound.
	GetModel(id string) (*Model, error)
}

// MemoryRegistry is a thread-safe in-memory ModelRegistry.
type MemoryRegistry struct {
	mu     sync.RWMutex
	models map[string]*Model
}

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{models: make(map[string]*Model)}
}

// Register adds or replaces a model entry.
func (r *MemoryRegistry) Register(m *Model) error {
	if m.ID == "" {
		return fmt.Errorf("model id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *m
	if cp.Status == "" {
		cp.Status = "registered"
	}
	if cp.RegisteredAt.IsZero() {
		cp.RegisteredAt = time.Now()
	}
	r.models[cp.ID] = &cp
	return nil
}

// GetModel returns the model for id, or ErrModelNotFound.
func (r *MemoryRegistry) GetModel(id string) (*Model, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.models[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, id)
	}
	cp := *m
	return &cp, nil
}

// Deprecate marks a model as deprecated. Deprecated models remain resolvable
// so running deployments can drain, but new deployments should not use them.
func (r *MemoryRegistry) Deprecate(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.models[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrModelNotFound, id)
	}
	m.Status = "deprecated"
	return nil
}

// ListModels returns all registered models sorted by registration time
// (newest first).
func (r *MemoryRegistry) ListModels() []*Model {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Model, 0, len(r.models))
	for _, m := range r.models {
		cp := *m
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].RegisteredAt.After(out[j].RegisteredAt)
	})
	return out
}
