package perf

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/modelpilot/canary/internal/api"
)

// Provider supplies windowed aggregate performance data per model. It must
// return a zero-valued snapshot rather than an error when a model saw no
// traffic in the window, so the evaluator's pause/proceed logic degrades
// gracefully.
type Provider interface {
	GetMetrics(ctx context.Context, modelID string, window time.Duration, isCanary bool) (*api.PerformanceSnapshot, error)
}

// Observation is a single request outcome fed to the Recorder.
type Observation struct {
	Timestamp time.Time
	LatencyMs float64
	Success   bool
	Quality   float64 // [0,1]; <0 means not scored
	CostUSD   float64
}

// Recorder is an in-memory Provider fed per-request observations from the
// serving path. Observations older than maxAge are pruned on write.
type Recorder struct {
	mu      sync.RWMutex
	byModel map[string][]Observation
	maxAge  time.Duration
}

// NewRecorder creates a recorder that retains observations for maxAge.
func NewRecorder(maxAge time.Duration) *Recorder {
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	return &Recorder{
		byModel: make(map[string][]Observation),
		maxAge:  maxAge,
	}
}

// Observe records one request outcome for a model.
func (r *Recorder) Observe(modelID string, obs Observation) {
	if obs.Timestamp.IsZero() {
		obs.Timestamp = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	list := append(r.byModel[modelID], obs)

	// Prune from the front; observations arrive roughly in time order.
	cutoff := time.Now().Add(-r.maxAge)
	start := 0
	for start < len(list) && list[start].Timestamp.Before(cutoff) {
		start++
	}
	r.byModel[modelID] = list[start:]
}

// GetMetrics aggregates observations for modelID within the window. A model
// with no traffic yields a zero-valued snapshot, never an error.
func (r *Recorder) GetMetrics(ctx context.Context, modelID string, window time.Duration, isCanary bool) (*api.PerformanceSnapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := &api.PerformanceSnapshot{ModelID: modelID, Window: window}

	cutoff := time.Now().Add(-window)
	var (
		latencies  []float64
		successes  int64
		qualitySum float64
		qualityN   int64
		costSum    float64
	)
	for _, obs := range r.byModel[modelID] {
		if obs.Timestamp.Before(cutoff) {
			continue
		}
		snap.Requests++
		latencies = append(latencies, obs.LatencyMs)
		if obs.Success {
			successes++
		}
		if obs.Quality >= 0 {
			qualitySum += obs.Quality
			qualityN++
		}
		costSum += obs.CostUSD
	}

	if snap.Requests == 0 {
		return snap, nil
	}

	n := float64(snap.Requests)
	snap.SuccessRate = float64(successes) / n
	snap.ErrorRate = 1 - snap.SuccessRate
	snap.AvgLatency = sum(latencies) / n
	snap.P95Latency = percentile(latencies, 0.95)
	if qualityN > 0 {
		snap.QualityScore = qualitySum / float64(qualityN)
	}
	snap.AvgCost = costSum / n
	return snap, nil
}

// StaticProvider returns fixed snapshots per (modelID, isCanary); missing
// entries yield zero-valued snapshots. Used in tests and dry runs.
type StaticProvider struct {
	mu        sync.RWMutex
	snapshots map[string]api.PerformanceSnapshot
}

// NewStaticProvider creates an empty static provider.
func NewStaticProvider() *StaticProvider {
	return &StaticProvider{snapshots: make(map[string]api.PerformanceSnapshot)}
}

// Set pins the snapshot returned for a model.
func (s *StaticProvider) Set(modelID string, snap api.PerformanceSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap.ModelID = modelID
	s.snapshots[modelID] = snap
}

func (s *StaticProvider) GetMetrics(ctx context.Context, modelID string, window time.Duration, isCanary bool) (*api.PerformanceSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snapshots[modelID]
	if !ok {
		return &api.PerformanceSnapshot{ModelID: modelID, Window: window}, nil
	}
	snap.Window = window
	return &snap, nil
}

// percentile returns the p-quantile (0 < p <= 1) using the nearest-rank
// method on a sorted copy.
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

func sum(values []float64) float64 {
	total := 0.0
	for _, v := range values {
		total += v
	}
	return total
}
