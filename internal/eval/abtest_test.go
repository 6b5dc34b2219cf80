package eval

import (
	"context"
	"math"
	"testing"
)

// variedInvoker returns per-prompt content so entry scores have spread.
type variedInvoker struct {
	perfect map[string]bool // model ids that echo the expected output
}

func (v *variedInvoker) Invoke(_ context.Context, modelID, prompt string) (*ModelResponse, error) {
	if v.perfect[modelID] {
		return &ModelResponse{Content: "the expected answer for " + prompt, TokensUsed: 10, CostUSD: 0.01}, nil
	}
	// Alternate between two degrees of partial overlap so the score
	// distribution has spread.
	if prompt[len(prompt)-1]%2 == 0 {
		return &ModelResponse{Content: "unrelated filler mentioning " + prompt, TokensUsed: 20, CostUSD: 0.02}, nil
	}
	return &ModelResponse{Content: "the answer for " + prompt, TokensUsed: 20, CostUSD: 0.02}, nil
}

func abEntries(n int) []*GoldenDatasetEntry {
	out := make([]*GoldenDatasetEntry, n)
	for i := 0; i < n; i++ {
		out[i] = &GoldenDatasetEntry{
			ID:                 "entry-" + string(rune('a'+i)),
			Prompt:             "prompt " + string(rune('a'+i)),
			ExpectedOutput:     "the expected answer for prompt " + string(rune('a'+i)),
			EvaluationCriteria: EvaluationCriteria{Similarity: 0.5, SemanticMatch: true},
		}
	}
	return out
}

func TestRunABTestClearWinner(t *testing.T) {
	f := NewFramework(&variedInvoker{perfect: map[string]bool{"model-a": true}})
	f.LoadGoldenDataset("support", abEntries(10))

	res, err := f.RunABTest(context.Background(), ABTestConfig{
		ModelA:          "model-a",
		ModelB:          "model-b",
		Category:        "support",
		ConfidenceLevel: 0.95,
	})
	if err != nil {
		t.Fatalf("RunABTest failed: %v", err)
	}
	if res.ScoreA <= res.ScoreB {
		t.Fatalf("model-a should outscore model-b: %v vs %v", res.ScoreA, res.ScoreB)
	}
	if !res.Significant {
		t.Errorf("clear separation should be significant, p=%v effect=%v", res.PValue, res.EffectSize)
	}
	if res.Confidence < 0.95 || res.Confidence > 1 {
		t.Errorf("clear separation should yield high confidence, got %v", res.Confidence)
	}
	if res.Confidence != 1-res.PValue {
		t.Errorf("confidence should complement the p-value: confidence=%v p=%v", res.Confidence, res.PValue)
	}
	if res.Winner != "model-a" {
		t.Errorf("expected winner model-a, got %q", res.Winner)
	}
	if res.CostPerQueryA <= 0 || res.CostPerQueryB <= res.CostPerQueryA {
		t.Errorf("unexpected cost figures: %v vs %v", res.CostPerQueryA, res.CostPerQueryB)
	}
}

func TestRunABTestIdenticalModels(t *testing.T) {
	f := NewFramework(&variedInvoker{perfect: map[string]bool{"model-a": true, "model-b": true}})
	f.LoadGoldenDataset("support", abEntries(8))

	res, err := f.RunABTest(context.Background(), ABTestConfig{
		ModelA:          "model-a",
		ModelB:          "model-b",
		Category:        "support",
		ConfidenceLevel: 0.95,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Significant {
		t.Error("identical score distributions should not be significant")
	}
	if res.Winner != "" {
		t.Errorf("tie should have no winner, got %q", res.Winner)
	}
	if res.PValue != 1 || res.EffectSize != 0 {
		t.Errorf("equal means should yield p=1 d=0, got p=%v d=%v", res.PValue, res.EffectSize)
	}
	if res.Confidence != 0 {
		t.Errorf("indistinguishable models should yield zero confidence, got %v", res.Confidence)
	}
}

func TestRunABTestValidation(t *testing.T) {
	f := NewFramework(&variedInvoker{})
	f.LoadGoldenDataset("support", abEntries(4))

	if _, err := f.RunABTest(context.Background(), ABTestConfig{
		ModelA: "same", ModelB: "same", Category: "support", ConfidenceLevel: 0.95,
	}); err == nil {
		t.Error("identical model ids should fail")
	}
	if _, err := f.RunABTest(context.Background(), ABTestConfig{
		ModelA: "a", ModelB: "b", Category: "support", ConfidenceLevel: 1.5,
	}); err == nil {
		t.Error("confidence level outside (0,1) should fail")
	}
}

func TestRunABTestEffectSizeFloor(t *testing.T) {
	f := NewFramework(&variedInvoker{perfect: map[string]bool{"model-a": true}})
	f.LoadGoldenDataset("support", abEntries(10))

	res, err := f.RunABTest(context.Background(), ABTestConfig{
		ModelA:            "model-a",
		ModelB:            "model-b",
		Category:          "support",
		ConfidenceLevel:   0.95,
		MinimumEffectSize: math.Inf(1),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Significant {
		t.Error("an unreachable effect-size floor should suppress significance")
	}
	if res.Winner != "" {
		t.Errorf("insignificant result should have no winner, got %q", res.Winner)
	}
}

func TestWelchCompare(t *testing.T) {
	// Separated, tight distributions: tiny p, large effect.
	a := []float64{0.90, 0.91, 0.92, 0.89, 0.90, 0.91}
	b := []float64{0.50, 0.51, 0.52, 0.49, 0.50, 0.51}
	p, d := welchCompare(a, b)
	if p > 0.01 {
		t.Errorf("separated samples should have tiny p, got %v", p)
	}
	if d < 2 {
		t.Errorf("separated samples should have large effect size, got %v", d)
	}

	// Identical samples.
	p, d = welchCompare(a, a)
	if p != 1 || d != 0 {
		t.Errorf("identical samples should yield p=1 d=0, got p=%v d=%v", p, d)
	}

	// Zero spread with distinct means.
	p, d = welchCompare([]float64{1, 1, 1}, []float64{0, 0, 0})
	if p != 0 || !math.IsInf(d, 1) {
		t.Errorf("constant distinct samples should yield p=0 d=+Inf, got p=%v d=%v", p, d)
	}

	// Too few observations.
	if p, d = welchCompare([]float64{1}, []float64{0}); p != 1 || d != 0 {
		t.Errorf("undersized samples should yield p=1 d=0, got p=%v d=%v", p, d)
	}
}
