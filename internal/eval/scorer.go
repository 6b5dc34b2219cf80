package eval

import (
	"context"
	"strings"
	"unicode"
)

// ModelResponse is the opaque result of invoking an inference model.
type ModelResponse struct {
	Content    string  `json:"content"`
	TokensUsed int     `json:"tokens_used"`
	CostUSD    float64 `json:"cost_usd"`
}

// ModelInvoker obtains a model's response for a prompt. Implementations
// wrap the actual serving stack; the framework treats the call as opaque.
type ModelInvoker interface {
	Invoke(ctx context.Context, modelID, prompt string) (*ModelResponse, error)
}

// Scorer computes one quality sub-score in [0,1] for a response against an
// expected output. Each dimension is independently pluggable; the defaults
// below are lexical heuristics intended as test doubles — production setups
// substitute embedding- or rubric-based scorers.
type Scorer interface {
	Score(response, expected string) float64
}

// ScorerFunc adapts a function to the Scorer interface.
type ScorerFunc func(response, expected string) float64

// Score calls f.
func (f ScorerFunc) Score(response, expected string) float64 { return f(response, expected) }

// Scorers bundles the four scoring dimensions.
type Scorers struct {
	Similarity Scorer
	Semantic   Scorer
	Factual    Scorer
	Brand      Scorer
}

// DefaultScorers returns the heuristic lexical scorers.
func DefaultScorers() Scorers {
	return Scorers{
		Similarity: ScorerFunc(lexicalOverlap),
		Semantic:   ScorerFunc(bigramOverlap),
		Factual:    ScorerFunc(factualTokenRecall),
		Brand:      ScorerFunc(brandTermConsistency),
	}
}

// tokenize lowercases and splits on non-alphanumeric runes.
func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func tokenSet(tokens []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	return set
}

// lexicalOverlap is the F1 of unigram overlap between response and expected.
func lexicalOverlap(response, expected string) float64 {
	respTokens := tokenize(response)
	expTokens := tokenize(expected)
	if len(respTokens) == 0 || len(expTokens) == 0 {
		if len(respTokens) == len(expTokens) {
			return 1
		}
		return 0
	}

	expSet := tokenSet(expTokens)
	matched := 0
	for _, t := range respTokens {
		if _, ok := expSet[t]; ok {
			matched++
		}
	}

	precision := float64(matched) / float64(len(respTokens))
	recall := float64(matched) / float64(len(expTokens))
	if precision+recall == 0 {
		return 0
	}
	return 2 * precision * recall / (precision + recall)
}

// bigramOverlap approximates semantic agreement via shared word bigrams.
func bigramOverlap(response, expected string) float64 {
	respBigrams := bigrams(tokenize(response))
	expBigrams := bigrams(tokenize(expected))
	if len(expBigrams) == 0 {
		return lexicalOverlap(response, expected)
	}
	if len(respBigrams) == 0 {
		return 0
	}

	matched := 0
	for b := range expBigrams {
		if _, ok := respBigrams[b]; ok {
			matched++
		}
	}
	return float64(matched) / float64(len(expBigrams))
}

func bigrams(tokens []string) map[string]struct{} {
	out := make(map[string]struct{})
	for i := 0; i+1 < len(tokens); i++ {
		out[tokens[i]+" "+tokens[i+1]] = struct{}{}
	}
	return out
}

// factualTokenRecall checks that the expected output's factual anchors
// (numbers and proper-noun-like tokens) appear in the response.
func factualTokenRecall(response, expected string) float64 {
	anchors := factAnchors(expected)
	if len(anchors) == 0 {
		return 1
	}

	respSet := tokenSet(tokenize(response))
	found := 0
	for a := range anchors {
		if _, ok := respSet[a]; ok {
			found++
		}
	}
	return float64(found) / float64(len(anchors))
}

func factAnchors(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, field := range strings.Fields(s) {
		trimmed := strings.TrimFunc(field, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		if trimmed == "" {
			continue
		}
		first := []rune(trimmed)[0]
		if unicode.IsDigit(first) || unicode.IsUpper(first) {
			out[strings.ToLower(trimmed)] = struct{}{}
		}
	}
	return out
}

// brandTermConsistency checks that capitalized brand terms from the
// expected output are reproduced with identical casing.
func brandTermConsistency(response, expected string) float64 {
	terms := map[string]struct{}{}
	for _, field := range strings.Fields(expected) {
		trimmed := strings.TrimFunc(field, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		if len(trimmed) < 2 {
			continue
		}
		runes := []rune(trimmed)
		if unicode.IsUpper(runes[0]) && !allUpper(runes) {
			terms[trimmed] = struct{}{}
		}
	}
	if len(terms) == 0 {
		return 1
	}

	found := 0
	for t := range terms {
		if strings.Contains(response, t) {
			found++
		}
	}
	return float64(found) / float64(len(terms))
}

func allUpper(runes []rune) bool {
	for _, r := range runes {
		if unicode.IsLetter(r) && !unicode.IsUpper(r) {
			return false
		}
	}
	return true
}
