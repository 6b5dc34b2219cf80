package eval

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/modelpilot/canary/internal/events"
)

// Publisher receives drift events. *events.Bus satisfies it.
type Publisher interface {
	Publish(e events.Event)
}

// AlertFunc is invoked with every drift report whose Detected flag is set.
type AlertFunc func(report *DriftReport)

// Monitor periodically checks every model with evaluation history for drift
// against its baseline. Per-model failures are logged and do not stop the
// sweep.
type Monitor struct {
	framework *Framework
	publisher Publisher
	alert     AlertFunc

	interval   time.Duration
	threshold  float64
	sampleSize int // recent results examined per sweep

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewMonitor creates a drift monitor. publisher and alert may be nil.
func NewMonitor(f *Framework, publisher Publisher, alert AlertFunc, interval time.Duration, threshold float64) *Monitor {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Monitor{
		framework:  f,
		publisher:  publisher,
		alert:      alert,
		interval:   interval,
		threshold:  threshold,
		sampleSize: baselineWindow,
		stopCh:     make(chan struct{}),
	}
}

// Start launches the background sweep loop.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Sweep()
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (m *Monitor) Stop() {
	m.once.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// Sweep runs one drift pass over every model with history and returns the
// reports it produced.
func (m *Monitor) Sweep() []*DriftReport {
	var reports []*DriftReport
	for _, modelID := range m.framework.ModelsWithHistory() {
		report, err := m.checkModel(modelID)
		if err != nil {
			log.Printf("drift monitor: model %s: %v", modelID, err)
			continue
		}
		reports = append(reports, report)
		if report.Detected {
			m.raise(report)
		}
	}
	return reports
}

func (m *Monitor) checkModel(modelID string) (*DriftReport, error) {
	hist := m.framework.History(modelID)
	if len(hist) == 0 {
		return nil, fmt.Errorf("empty history")
	}
	start := len(hist) - m.sampleSize
	if start < 0 {
		start = 0
	}
	return m.framework.DetectDrift(modelID, hist[start:], m.threshold)
}

func (m *Monitor) raise(report *DriftReport) {
	log.Printf("drift monitor: DRIFT model=%s overall=%.3f threshold=%.3f",
		report.ModelID, report.OverallDrift, m.threshold)

	if m.publisher != nil {
		m.publisher.Publish(events.Event{
			Type:    events.DriftDetected,
			ModelID: report.ModelID,
			Reason:  fmt.Sprintf("overall drift %.3f exceeds threshold %.3f", report.OverallDrift, m.threshold),
			Fields: map[string]string{
				"quality":     fmt.Sprintf("%.3f", report.Scores.Quality),
				"performance": fmt.Sprintf("%.3f", report.Scores.Performance),
				"cost":        fmt.Sprintf("%.3f", report.Scores.Cost),
				"output":      fmt.Sprintf("%.3f", report.Scores.OutputDistribution),
			},
		})
	}
	if m.alert != nil {
		m.alert(report)
	}
}
