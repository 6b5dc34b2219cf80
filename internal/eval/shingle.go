package eval

import (
	"github.com/modelpilot/canary/pkg/text"
)

// ShingleScorers builds similarity and semantic scorers on shingled Jaccard
// overlap instead of the default F1/bigram heuristics. Similarity compares
// raw word sets; the semantic dimension shingles stemmed, stop-word-filtered
// tokens so it tolerates phrasing and formatting differences. Factual and
// brand scoring are unchanged.
func ShingleScorers() Scorers {
	word := text.NewTokenizer(false, false, 1)
	shingled := text.NewTokenizer(true, true, 2)
	return Scorers{
		Similarity: ScorerFunc(word.ComputeOverlap),
		Semantic:   ScorerFunc(shingled.ComputeOverlap),
		Factual:    ScorerFunc(factualTokenRecall),
		Brand:      ScorerFunc(brandTermConsistency),
	}
}
