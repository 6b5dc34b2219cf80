package eval

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"sync"
)

// EntryMetadata categorizes a golden-dataset entry.
type EntryMetadata struct {
	Category   string   `json:"category"`
	Difficulty string   `json:"difficulty,omitempty"`
	AgentType  string   `json:"agent_type,omitempty"`
	Tags       []string `json:"tags,omitempty"`
}

// EvaluationCriteria gate which sub-scores are computed for an entry and
// set the minimum passing overall score.
type EvaluationCriteria struct {
	Similarity       float64 `json:"similarity"` // minimum passing overall score
	SemanticMatch    bool    `json:"semantic_match"`
	FactualAccuracy  bool    `json:"factual_accuracy"`
	BrandConsistency bool    `json:"brand_consistency"`
}

// GoldenDatasetEntry is one curated prompt/expected-output pair.
type GoldenDatasetEntry struct {
	ID                 string             `json:"id"`
	Prompt             string             `json:"prompt"`
	ExpectedOutput     string             `json:"expected_output"`
	Metadata           EntryMetadata      `json:"metadata"`
	EvaluationCriteria EvaluationCriteria `json:"evaluation_criteria"`
}

// DatasetStore holds golden datasets by category. Load replaces a whole
// category atomically; readers always see a consistent set.
type DatasetStore struct {
	mu         sync.RWMutex
	categories map[string][]*GoldenDatasetEntry
}

// NewDatasetStore creates an empty store.
func NewDatasetStore() *DatasetStore {
	return &DatasetStore{categories: make(map[string][]*GoldenDatasetEntry)}
}

// Load replaces the entries for a category.
func (s *DatasetStore) Load(category string, entries []*GoldenDatasetEntry) error {
	if category == "" {
		return fmt.Errorf("category is required")
	}
	for i, e := range entries {
		if e.ID == "" {
			return fmt.Errorf("entry %d: id is required", i)
		}
		if e.EvaluationCriteria.Similarity < 0 || e.EvaluationCriteria.Similarity > 1 {
			return fmt.Errorf("entry %s: similarity threshold must be in [0,1]", e.ID)
		}
	}

	cp := make([]*GoldenDatasetEntry, len(entries))
	for i, e := range entries {
		ec := *e
		cp[i] = &ec
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.categories[category] = cp
	return nil
}

// Entries returns a copy of the category's entries.
func (s *DatasetStore) Entries(category string) []*GoldenDatasetEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src := s.categories[category]
	out := make([]*GoldenDatasetEntry, len(src))
	for i, e := range src {
		ec := *e
		out[i] = &ec
	}
	return out
}

// Sample draws up to n entries without replacement. n >= |dataset| returns
// the full set.
func (s *DatasetStore) Sample(category string, n int, rng *rand.Rand) []*GoldenDatasetEntry {
	entries := s.Entries(category)
	if n >= len(entries) || n <= 0 {
		return entries
	}
	rng.Shuffle(len(entries), func(i, j int) {
		entries[i], entries[j] = entries[j], entries[i]
	})
	return entries[:n]
}

// Categories lists category names with at least one entry.
func (s *DatasetStore) Categories() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.categories))
	for c, entries := range s.categories {
		if len(entries) > 0 {
			out = append(out, c)
		}
	}
	return out
}

// LoadDatasetFile reads a golden dataset from a JSON file: either a bare
// array of entries or an object {"category": ..., "entries": [...]}.
func LoadDatasetFile(path string) (string, []*GoldenDatasetEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, fmt.Errorf("failed to read dataset file: %w", err)
	}

	var wrapper struct {
		Category string                `json:"category"`
		Entries  []*GoldenDatasetEntry `json:"entries"`
	}
	if err := json.Unmarshal(data, &wrapper); err == nil && len(wrapper.Entries) > 0 {
		return wrapper.Category, wrapper.Entries, nil
	}

	var entries []*GoldenDatasetEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return "", nil, fmt.Errorf("failed to parse dataset file: %w", err)
	}
	category := ""
	if len(entries) > 0 {
		category = entries[0].Metadata.Category
	}
	return category, entries, nil
}
