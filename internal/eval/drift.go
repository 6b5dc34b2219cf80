package eval

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// baselineWindow caps how many of a model's earliest results form the
// implicit drift baseline when none has been pinned.
const baselineWindow = 50

// DriftScores break drift down by dimension. Quality, performance and cost
// are relative differences against the baseline; output distribution is a
// two-sample Kolmogorov-Smirnov statistic over response lengths. All lie
// in [0, 1] except cost/performance which are clamped there.
type DriftScores struct {
	Quality            float64 `json:"quality"`
	Performance        float64 `json:"performance"`
	Cost               float64 `json:"cost"`
	OutputDistribution float64 `json:"output_distribution"`
}

// DriftReport is the outcome of one drift check.
type DriftReport struct {
	ModelID         string        `json:"model_id"`
	TimeFrame       time.Duration `json:"time_frame,omitempty"` // window the current sample was drawn from
	Detected        bool          `json:"detected"`
	OverallDrift    float64       `json:"overall_drift"`
	Scores          DriftScores   `json:"scores"`
	BaselineN       int           `json:"baseline_n"`
	CurrentN        int           `json:"current_n"`
	Recommendations []string      `json:"recommendations"`
	Timestamp       time.Time     `json:"timestamp"`
}

// PinBaseline freezes the model's current history as its drift baseline.
// Subsequent checks compare against the pinned set regardless of how much
// newer history accumulates.
func (f *Framework) PinBaseline(modelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	src := f.history[modelID]
	if len(src) == 0 {
		return fmt.Errorf("no evaluation history for model %q", modelID)
	}
	pinned := make([]*EvaluationResult, len(src))
	copy(pinned, src)
	f.baselines[modelID] = pinned
	return nil
}

// DetectDrift compares the given results against the model's baseline. The
// pinned baseline takes precedence; otherwise the earliest historical
// results (up to baselineWindow) serve as the reference.
func (f *Framework) DetectDrift(modelID string, current []*EvaluationResult, threshold float64) (*DriftReport, error) {
	if len(current) == 0 {
		return nil, fmt.Errorf("no current results for model %q", modelID)
	}
	if threshold <= 0 || threshold >= 1 {
		return nil, fmt.Errorf("drift threshold must be in (0,1), got %v", threshold)
	}

	f.mu.RLock()
	baseline := f.baselines[modelID]
	if len(baseline) == 0 {
		hist := f.history[modelID]
		n := len(hist)
		if n > baselineWindow {
			n = baselineWindow
		}
		baseline = hist[:n]
	}
	baselineCopy := make([]*EvaluationResult, len(baseline))
	copy(baselineCopy, baseline)
	f.mu.RUnlock()

	if len(baselineCopy) == 0 {
		return nil, fmt.Errorf("no baseline for model %q; evaluate it first or pin one", modelID)
	}

	scores := DriftScores{
		Quality:            relativeDiff(meanScore(baselineCopy), meanScore(current)),
		Performance:        relativeDiff(meanLatency(baselineCopy), meanLatency(current)),
		Cost:               relativeDiff(meanCost(baselineCopy), meanCost(current)),
		OutputDistribution: ksStatistic(responseLengths(baselineCopy), responseLengths(current)),
	}
	overall := (scores.Quality + scores.Performance + scores.Cost + scores.OutputDistribution) / 4

	report := &DriftReport{
		ModelID:      modelID,
		Detected:     overall > threshold,
		OverallDrift: overall,
		Scores:       scores,
		BaselineN:    len(baselineCopy),
		CurrentN:     len(current),
		Timestamp:    time.Now(),
	}

	if scores.Quality > threshold {
		report.Recommendations = append(report.Recommendations,
			fmt.Sprintf("quality drifted %.1f%% from baseline; re-run golden dataset evaluation", scores.Quality*100))
	}
	if scores.Performance > threshold {
		report.Recommendations = append(report.Recommendations,
			fmt.Sprintf("latency drifted %.1f%% from baseline; check serving capacity", scores.Performance*100))
	}
	if scores.Cost > threshold {
		report.Recommendations = append(report.Recommendations,
			fmt.Sprintf("cost per query drifted %.1f%% from baseline; review token usage", scores.Cost*100))
	}
	if scores.OutputDistribution > threshold {
		report.Recommendations = append(report.Recommendations,
			fmt.Sprintf("response length distribution shifted (KS=%.3f); inspect recent outputs", scores.OutputDistribution))
	}
	return report, nil
}

// DetectDriftWindow checks drift with the model's history from the last
// timeFrame as the current sample. Without a pinned baseline the implicit
// baseline entries are excluded from the sample so they cannot dilute it.
// timeFrame <= 0 defaults to 24 hours.
func (f *Framework) DetectDriftWindow(modelID string, timeFrame time.Duration, threshold float64) (*DriftReport, error) {
	if timeFrame <= 0 {
		timeFrame = 24 * time.Hour
	}

	f.mu.RLock()
	pinned := len(f.baselines[modelID]) > 0
	f.mu.RUnlock()

	hist := f.History(modelID)
	start := 0
	if !pinned && len(hist) > baselineWindow {
		start = baselineWindow
	}

	cutoff := time.Now().Add(-timeFrame)
	var current []*EvaluationResult
	for _, r := range hist[start:] {
		if r.Timestamp.After(cutoff) {
			current = append(current, r)
		}
	}
	if len(current) == 0 {
		return nil, fmt.Errorf("no results for model %q in the last %s", modelID, timeFrame)
	}

	report, err := f.DetectDrift(modelID, current, threshold)
	if err != nil {
		return nil, err
	}
	report.TimeFrame = timeFrame
	return report, nil
}

// relativeDiff returns |a-b| / a clamped to [0,1]. A zero baseline with a
// nonzero current value counts as full drift.
func relativeDiff(baseline, current float64) float64 {
	if baseline == 0 {
		if current == 0 {
			return 0
		}
		return 1
	}
	d := math.Abs(baseline-current) / math.Abs(baseline)
	if d > 1 {
		d = 1
	}
	return d
}

func meanScore(rs []*EvaluationResult) float64 {
	var sum float64
	for _, r := range rs {
		sum += r.Score
	}
	return sum / float64(len(rs))
}

func meanLatency(rs []*EvaluationResult) float64 {
	var sum float64
	for _, r := range rs {
		sum += r.Metrics.LatencyMs
	}
	return sum / float64(len(rs))
}

func meanCost(rs []*EvaluationResult) float64 {
	var sum float64
	for _, r := range rs {
		sum += r.Metrics.CostUSD
	}
	return sum / float64(len(rs))
}

func responseLengths(rs []*EvaluationResult) []float64 {
	out := make([]float64, len(rs))
	for i, r := range rs {
		out[i] = float64(len(r.Response))
	}
	return out
}

// ksStatistic computes the two-sample Kolmogorov-Smirnov statistic
// D = max |F1(x) - F2(x)| over the empirical CDFs of both samples.
func ksStatistic(sample1, sample2 []float64) float64 {
	if len(sample1) == 0 || len(sample2) == 0 {
		return 0
	}
	s1 := make([]float64, len(sample1))
	s2 := make([]float64, len(sample2))
	copy(s1, sample1)
	copy(s2, sample2)
	sort.Float64s(s1)
	sort.Float64s(s2)

	n1, n2 := float64(len(s1)), float64(len(s2))
	i, j := 0, 0
	maxD := 0.0
	for i < len(s1) && j < len(s2) {
		v1, v2 := s1[i], s2[j]
		if v1 <= v2 {
			i++
		}
		if v2 <= v1 {
			j++
		}
		diff := math.Abs(float64(i)/n1 - float64(j)/n2)
		if diff > maxD {
			maxD = diff
		}
	}
	return maxD
}
