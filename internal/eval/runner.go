package eval

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/modelpilot/canary/internal/cache"
)

// ResultMetrics are the per-entry sub-scores plus invocation cost figures.
type ResultMetrics struct {
	Similarity    float64 `json:"similarity"`
	SemanticScore float64 `json:"semantic_score"`
	FactualScore  float64 `json:"factual_score"`
	BrandScore    float64 `json:"brand_score"`
	LatencyMs     float64 `json:"latency_ms"`
	TokenUsage    int     `json:"token_usage"`
	CostUSD       float64 `json:"cost_usd"`
}

// EvaluationResult is one model's scored response to one entry. Results are
// append-only; they accumulate into the model's evaluation history which
// serves as the drift baseline.
type EvaluationResult struct {
	EntryID   string        `json:"entry_id"`
	ModelID   string        `json:"model_id"`
	Score     float64       `json:"score"`
	Passed    bool          `json:"passed"`
	Metrics   ResultMetrics `json:"metrics"`
	Response  string        `json:"response"`
	Timestamp time.Time     `json:"timestamp"`
}

// ModelEvaluation aggregates one evaluation run.
type ModelEvaluation struct {
	ModelID      string              `json:"model_id"`
	Category     string              `json:"category"`
	Score        float64             `json:"score"` // mean overall score
	PassRate     float64             `json:"pass_rate"`
	AvgLatencyMs float64             `json:"avg_latency_ms"`
	TotalCostUSD float64             `json:"total_cost_usd"`
	Results      []*EvaluationResult `json:"results"`
	Timestamp    time.Time           `json:"timestamp"`
}

// EvaluateOptions tune one evaluation run.
type EvaluateOptions struct {
	SampleSize int // 0 or >= dataset size means the full set
	Parallel   int // max concurrent model invocations; <= 0 means 1
}

// cachedResponse pairs a response with the latency of the invocation that
// produced it, so cache hits carry the real latency into the history
// instead of a zero that would read as performance drift.
type cachedResponse struct {
	resp      *ModelResponse
	latencyMs float64
}

// Framework scores models against golden datasets, runs pairwise A/B
// comparisons and detects behavioral drift over time.
type Framework struct {
	datasets *DatasetStore
	invoker  ModelInvoker
	scorers  Scorers

	respCache *cache.TTLCache[string, cachedResponse]

	mu        sync.RWMutex
	history   map[string][]*EvaluationResult // per model, append-only
	baselines map[string][]*EvaluationResult // pinned drift baselines
	rng       *rand.Rand
}

// NewFramework creates an evaluation framework with the default heuristic
// scorers. Responses are cached for an hour so repeated runs against an
// unchanged model skip re-invocation.
func NewFramework(invoker ModelInvoker) *Framework {
	respCache, _ := cache.New[string, cachedResponse](4096, time.Hour)
	return &Framework{
		datasets:  NewDatasetStore(),
		invoker:   invoker,
		scorers:   DefaultScorers(),
		respCache: respCache,
		history:   make(map[string][]*EvaluationResult),
		baselines: make(map[string][]*EvaluationResult),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetScorers replaces the scoring strategies.
func (f *Framework) SetScorers(s Scorers) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scorers = s
}

// LoadGoldenDataset replaces the reference entries for a category.
func (f *Framework) LoadGoldenDataset(category string, entries []*GoldenDatasetEntry) error {
	return f.datasets.Load(category, entries)
}

// Datasets exposes the underlying dataset store.
func (f *Framework) Datasets() *DatasetStore { return f.datasets }

// EvaluateModel scores a model against up to opts.SampleSize entries of a
// category's golden dataset, sampled without replacement. Results append to
// the model's evaluation history.
func (f *Framework) EvaluateModel(ctx context.Context, modelID, category string, opts EvaluateOptions) (*ModelEvaluation, error) {
	f.mu.Lock()
	entries := f.datasets.Sample(category, opts.SampleSize, f.rng)
	scorers := f.scorers
	f.mu.Unlock()

	if len(entries) == 0 {
		return nil, fmt.Errorf("no golden dataset entries for category %q", category)
	}

	parallel := opts.Parallel
	if parallel <= 0 {
		parallel = 1
	}
	if parallel > len(entries) {
		parallel = len(entries)
	}

	results := make([]*EvaluationResult, len(entries))
	errs := make([]error, len(entries))

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < parallel; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				results[i], errs[i] = f.evaluateEntry(ctx, modelID, entries[i], scorers)
			}
		}()
	}
	for i := range entries {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("entry %s: %w", entries[i].ID, err)
		}
	}

	eval := &ModelEvaluation{
		ModelID:   modelID,
		Category:  category,
		Results:   results,
		Timestamp: time.Now(),
	}
	passed := 0
	for _, r := range results {
		eval.Score += r.Score
		eval.AvgLatencyMs += r.Metrics.LatencyMs
		eval.TotalCostUSD += r.Metrics.CostUSD
		if r.Passed {
			passed++
		}
	}
	n := float64(len(results))
	eval.Score /= n
	eval.AvgLatencyMs /= n
	eval.PassRate = float64(passed) / n

	f.mu.Lock()
	f.history[modelID] = append(f.history[modelID], results...)
	f.mu.Unlock()

	return eval, nil
}

// evaluateEntry invokes the model (or serves a cached response) and scores
// the result against the entry's criteria.
func (f *Framework) evaluateEntry(ctx context.Context, modelID string, entry *GoldenDatasetEntry, scorers Scorers) (*EvaluationResult, error) {
	cacheKey := modelID + "\x00" + entry.ID

	var resp *ModelResponse
	var latency float64
	if cached, ok := f.respCache.Get(cacheKey); ok {
		resp = cached.resp
		latency = cached.latencyMs
	} else {
		start := time.Now()
		fresh, err := f.invoker.Invoke(ctx, modelID, entry.Prompt)
		if err != nil {
			return nil, fmt.Errorf("model invocation failed: %w", err)
		}
		latency = float64(time.Since(start).Microseconds()) / 1000.0
		resp = fresh
		f.respCache.Set(cacheKey, cachedResponse{resp: fresh, latencyMs: latency})
	}

	m := ResultMetrics{
		Similarity: scorers.Similarity.Score(resp.Content, entry.ExpectedOutput),
		LatencyMs:  latency,
		TokenUsage: resp.TokensUsed,
		CostUSD:    resp.CostUSD,
	}
	// Semantic, factual and brand scores default to a perfect 1.0 when the
	// entry's criteria do not require them, so they don't drag the mean.
	m.SemanticScore = 1.0
	if entry.EvaluationCriteria.SemanticMatch {
		m.SemanticScore = scorers.Semantic.Score(resp.Content, entry.ExpectedOutput)
	}
	m.FactualScore = 1.0
	if entry.EvaluationCriteria.FactualAccuracy {
		m.FactualScore = scorers.Factual.Score(resp.Content, entry.ExpectedOutput)
	}
	m.BrandScore = 1.0
	if entry.EvaluationCriteria.BrandConsistency {
		m.BrandScore = scorers.Brand.Score(resp.Content, entry.ExpectedOutput)
	}

	overall := (m.Similarity + m.SemanticScore + m.FactualScore + m.BrandScore) / 4

	return &EvaluationResult{
		EntryID:   entry.ID,
		ModelID:   modelID,
		Score:     overall,
		Passed:    overall >= entry.EvaluationCriteria.Similarity,
		Metrics:   m,
		Response:  resp.Content,
		Timestamp: time.Now(),
	}, nil
}

// History returns a copy of a model's evaluation history, oldest first.
func (f *Framework) History(modelID string) []*EvaluationResult {
	f.mu.RLock()
	defer f.mu.RUnlock()

	src := f.history[modelID]
	out := make([]*EvaluationResult, len(src))
	copy(out, src)
	return out
}

// ModelsWithHistory lists model ids that have accumulated results.
func (f *Framework) ModelsWithHistory() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]string, 0, len(f.history))
	for id := range f.history {
		if len(f.history[id]) > 0 {
			out = append(out, id)
		}
	}
	return out
}
