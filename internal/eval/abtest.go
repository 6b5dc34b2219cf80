package eval

import (
	"context"
	"fmt"
	"math"
	"time"
)

// ABTestConfig controls a pairwise model comparison.
type ABTestConfig struct {
	ModelA            string  `json:"model_a"`
	ModelB            string  `json:"model_b"`
	Category          string  `json:"category"`
	SampleSize        int     `json:"sample_size"`
	ConfidenceLevel   float64 `json:"confidence_level"`    // e.g. 0.95
	MinimumEffectSize float64 `json:"minimum_effect_size"` // Cohen's d floor
	Parallel          int     `json:"parallel"`
}

// ABTestResult reports which model won and whether the gap is statistically
// meaningful. Winner is empty on a tie or when significance was not reached.
type ABTestResult struct {
	ModelA        string    `json:"model_a"`
	ModelB        string    `json:"model_b"`
	ScoreA        float64   `json:"score_a"`
	ScoreB        float64   `json:"score_b"`
	Winner        string    `json:"winner"`
	Significant   bool      `json:"significant"`
	Confidence    float64   `json:"confidence"` // 1 - p, clamped to [0,1]
	PValue        float64   `json:"p_value"`
	EffectSize    float64   `json:"effect_size"`
	SampleSize    int       `json:"sample_size"`
	CostPerQueryA float64   `json:"cost_per_query_a"`
	CostPerQueryB float64   `json:"cost_per_query_b"`
	Timestamp     time.Time `json:"timestamp"`
}

// RunABTest evaluates both models against the same golden dataset category
// and compares the per-entry score distributions with a Welch t-test.
func (f *Framework) RunABTest(ctx context.Context, cfg ABTestConfig) (*ABTestResult, error) {
	if cfg.ModelA == cfg.ModelB {
		return nil, fmt.Errorf("a/b test requires two distinct models, got %q twice", cfg.ModelA)
	}
	if cfg.ConfidenceLevel <= 0 || cfg.ConfidenceLevel >= 1 {
		return nil, fmt.Errorf("confidence level must be in (0,1), got %v", cfg.ConfidenceLevel)
	}

	opts := EvaluateOptions{SampleSize: cfg.SampleSize, Parallel: cfg.Parallel}
	evalA, err := f.EvaluateModel(ctx, cfg.ModelA, cfg.Category, opts)
	if err != nil {
		return nil, fmt.Errorf("evaluate %s: %w", cfg.ModelA, err)
	}
	evalB, err := f.EvaluateModel(ctx, cfg.ModelB, cfg.Category, opts)
	if err != nil {
		return nil, fmt.Errorf("evaluate %s: %w", cfg.ModelB, err)
	}

	scoresA := entryScores(evalA.Results)
	scoresB := entryScores(evalB.Results)

	pValue, effect := welchCompare(scoresA, scoresB)
	significant := pValue < (1-cfg.ConfidenceLevel) && effect >= cfg.MinimumEffectSize
	confidence := 1 - pValue
	if confidence < 0 {
		confidence = 0
	} else if confidence > 1 {
		confidence = 1
	}

	res := &ABTestResult{
		ModelA:        cfg.ModelA,
		ModelB:        cfg.ModelB,
		ScoreA:        evalA.Score,
		ScoreB:        evalB.Score,
		Significant:   significant,
		Confidence:    confidence,
		PValue:        pValue,
		EffectSize:    effect,
		SampleSize:    len(scoresA),
		CostPerQueryA: evalA.TotalCostUSD / float64(len(evalA.Results)),
		CostPerQueryB: evalB.TotalCostUSD / float64(len(evalB.Results)),
		Timestamp:     time.Now(),
	}
	if significant {
		if evalA.Score > evalB.Score {
			res.Winner = cfg.ModelA
		} else if evalB.Score > evalA.Score {
			res.Winner = cfg.ModelB
		}
	}
	return res, nil
}

func entryScores(results []*EvaluationResult) []float64 {
	out := make([]float64, len(results))
	for i, r := range results {
		out[i] = r.Score
	}
	return out
}

// welchCompare returns a two-tailed p-value from a Welch t-test (normal
// approximation for the tail probability) and Cohen's d computed with the
// pooled standard deviation. Equal means or degenerate variance yield
// p=1, d=0.
func welchCompare(a, b []float64) (pValue, effectSize float64) {
	if len(a) < 2 || len(b) < 2 {
		return 1, 0
	}
	meanA, varA := meanVariance(a)
	meanB, varB := meanVariance(b)

	nA, nB := float64(len(a)), float64(len(b))
	pooled := math.Sqrt(((nA-1)*varA + (nB-1)*varB) / (nA + nB - 2))
	diff := math.Abs(meanA - meanB)

	if diff == 0 {
		return 1, 0
	}
	if pooled == 0 {
		// Distinct means with zero spread: maximally separated.
		return 0, math.Inf(1)
	}
	effectSize = diff / pooled

	se := math.Sqrt(varA/nA + varB/nB)
	if se == 0 {
		return 0, effectSize
	}
	t := diff / se
	pValue = 2 * (1 - normalCDF(t))
	return pValue, effectSize
}

func meanVariance(xs []float64) (mean, variance float64) {
	n := float64(len(xs))
	for _, x := range xs {
		mean += x
	}
	mean /= n
	for _, x := range xs {
		d := x - mean
		variance += d * d
	}
	variance /= n - 1
	return mean, variance
}

func normalCDF(x float64) float64 {
	return 0.5 * (1 + math.Erf(x/math.Sqrt2))
}
