// Package text provides word-level tokenization and shingled Jaccard
// similarity for comparing model responses against golden-dataset reference
// outputs. Shingling makes the overlap measure robust to punctuation and
// formatting differences between a response and its reference.
package text

import (
	"strings"
	"unicode"
)

// Tokenizer splits text into normalized words and compares word n-gram
// (shingle) sets.
type Tokenizer struct {
	StopWords   map[string]bool
	Stemming    bool
	ShingleSize int
}

// DefaultStopWords returns common English stop words.
func DefaultStopWords() map[string]bool {
	words := []string{
		"a", "an", "and", "are", "as", "at", "be", "by", "for",
		"from", "has", "he", "in", "is", "it", "its", "of", "on",
		"that", "the", "to", "was", "will", "with",
	}
	stopWords := make(map[string]bool, len(words))
	for _, w := range words {
		stopWords[w] = true
	}
	return stopWords
}

// NewTokenizer creates a tokenizer. shingleSize <= 0 defaults to bigrams.
func NewTokenizer(useStopWords, useStemming bool, shingleSize int) *Tokenizer {
	var stopWords map[string]bool
	if useStopWords {
		stopWords = DefaultStopWords()
	}
	if shingleSize <= 0 {
		shingleSize = 2
	}
	return &Tokenizer{
		StopWords:   stopWords,
		Stemming:    useStemming,
		ShingleSize: shingleSize,
	}
}

// Tokenize splits text into lowercase words, keeping letters and digits and
// treating everything else as a delimiter. Stop words are filtered and
// stemming applied when the tokenizer is configured for them.
func (t *Tokenizer) Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})

	var tokens []string
	for _, word := range fields {
		if t.Stemming {
			word = t.stem(word)
		}
		if t.StopWords != nil && t.StopWords[word] {
			continue
		}
		tokens = append(tokens, word)
	}
	return tokens
}

// Shingles builds word n-grams from tokens. Token sequences shorter than the
// shingle size collapse into a single shingle.
func (t *Tokenizer) Shingles(tokens []string) []string {
	if len(tokens) < t.ShingleSize {
		if len(tokens) == 0 {
			return []string{}
		}
		return []string{strings.Join(tokens, " ")}
	}

	shingles := make([]string, 0, len(tokens)-t.ShingleSize+1)
	for i := 0; i+t.ShingleSize <= len(tokens); i++ {
		shingles = append(shingles, strings.Join(tokens[i:i+t.ShingleSize], " "))
	}
	return shingles
}

// Jaccard computes |A∩B| / |A∪B| over two shingle sets. Both empty counts
// as a perfect match.
func (t *Tokenizer) Jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}

	setA := make(map[string]bool, len(a))
	for _, s := range a {
		setA[s] = true
	}
	setB := make(map[string]bool, len(b))
	for _, s := range b {
		setB[s] = true
	}

	intersection := 0
	union := make(map[string]bool, len(setA)+len(setB))
	for s := range setA {
		union[s] = true
	}
	for s := range setB {
		if setA[s] {
			intersection++
		}
		union[s] = true
	}
	return float64(intersection) / float64(len(union))
}

// ComputeOverlap tokenizes both texts, shingles them and returns the Jaccard
// similarity of the shingle sets.
func (t *Tokenizer) ComputeOverlap(text1, text2 string) float64 {
	return t.Jaccard(t.Shingles(t.Tokenize(text1)), t.Shingles(t.Tokenize(text2)))
}

// stem strips common English suffixes. Deliberately crude; a snowball
// stemmer is overkill for overlap scoring.
func (t *Tokenizer) stem(word string) string {
	if len(word) < 4 {
		return word
	}
	for _, suffix := range []string{"ing", "ed", "ly", "es", "s"} {
		if strings.HasSuffix(word, suffix) {
			stemmed := word[:len(word)-len(suffix)]
			if len(stemmed) >= 2 {
				return stemmed
			}
		}
	}
	return word
}
