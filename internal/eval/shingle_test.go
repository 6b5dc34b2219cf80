package eval

import (
	"context"
	"testing"
)

func TestShingleScorers(t *testing.T) {
	s := ShingleScorers()

	if got := s.Similarity.Score("the quick brown fox", "the quick brown fox"); got != 1 {
		t.Errorf("identical texts should score 1, got %v", got)
	}
	if got := s.Similarity.Score("alpha beta", "gamma delta"); got != 0 {
		t.Errorf("disjoint texts should score 0, got %v", got)
	}

	// The semantic scorer stems and drops stop words, so reworded but
	// equivalent phrasing scores higher than under raw similarity.
	resp := "The model deployed quickly"
	exp := "the models deploy quick"
	if sem, sim := s.Semantic.Score(resp, exp), s.Similarity.Score(resp, exp); sem <= sim {
		t.Errorf("normalization should lift the semantic score: semantic=%v similarity=%v", sem, sim)
	}
}

func TestShingleScorersInFramework(t *testing.T) {
	f := NewFramework(&stubInvoker{responses: map[string]string{"model-a": "the expected answer"}})
	f.SetScorers(ShingleScorers())
	f.LoadGoldenDataset("support", goldenEntries(2, "the expected answer", 0.8))

	eval, err := f.EvaluateModel(context.Background(), "model-a", "support", EvaluateOptions{})
	if err != nil {
		t.Fatalf("EvaluateModel failed: %v", err)
	}
	if eval.Score != 1 {
		t.Errorf("perfect match should score 1, got %v", eval.Score)
	}
}
