// Package quality implements the per-model quality and drift monitor: a
// six-signal weighted score, a ring buffer of recent assessments, and
// baseline-vs-live drift alerting published on a buffered channel, the
// same pattern as internal/monitor. Nothing in this module reads that
// channel or passes quality alerts to the rollback manager.
package quality

import (
	"sync"
	"time"

	"aiorchestrator/internal/clock"
	"aiorchestrator/internal/domain"
)

// windowSize is the number of recent assessments kept per model.
const windowSize = 1000

// Signals are the six raw quality dimensions computed for one completed
// invocation, each expected in [0,1] before weighting. Producing these
// scores (heuristic or model-graded) is an external concern — Signals is
// the seam, the same way domain.Invoker is the seam to provider
// transport.
type Signals struct {
	Coherence    float64
	Relevance    float64
	Factuality   float64
	Completeness float64
	Toxicity     float64
	Bias         float64
}

// weights mirror spec.md's fixed weighting: coherence, relevance,
// factuality and completeness contribute positively; toxicity and bias
// subtract.
const (
	weightCoherence    = 0.2
	weightRelevance    = 0.25
	weightFactuality   = 0.2
	weightCompleteness = 0.1
	weightToxicity     = -0.15
	weightBias         = -0.1
)

// Score combines the six signals into one scalar in [0,1].
func Score(s Signals) float64 {
	v := weightCoherence*s.Coherence +
		weightRelevance*s.Relevance +
		weightFactuality*s.Factuality +
		weightCompleteness*s.Completeness +
		weightToxicity*s.Toxicity +
		weightBias*s.Bias
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

type assessment struct {
	score float64
	at    time.Time
}

type modelWindow struct {
	mu       sync.Mutex
	buf      []assessment
	head     int
	baseline float64
	hasBase  bool
}

// modelKey identifies a provider/model pair.
type modelKey struct {
	provider domain.Provider
	modelID  string
}

// DriftKind names what kind of regression a Trend alert represents.
type DriftKind string

const (
	DriftData        DriftKind = "data_drift"
	DriftPrompt      DriftKind = "prompt_drift"
	DriftPerformance DriftKind = "performance_regression"
	DriftQuality     DriftKind = "quality_degradation"
)

// Alert is a drift or regression signal for one model.
type Alert struct {
	Provider domain.Provider
	ModelID  string
	Kind     DriftKind
	Severity domain.Severity
	Delta    float64
	At       time.Time
}

// Thresholds configure when a drop from baseline (or from the window's
// first half to its second half) becomes a warning or critical alert.
type Thresholds struct {
	WarningDelta  float64
	CriticalDelta float64
}

// DefaultThresholds mirrors the monitor package's 2x-style escalation in
// additive terms since quality scores are already normalized to [0,1].
func DefaultThresholds() Thresholds {
	return Thresholds{WarningDelta: 0.1, CriticalDelta: 0.25}
}

// Monitor tracks per-model quality assessments and raises drift alerts.
type Monitor struct {
	clk        clock.Clock
	thresholds Thresholds

	mu      sync.RWMutex
	windows map[modelKey]*modelWindow
	alerts  chan Alert
}

// New creates a quality Monitor.
func New(clk clock.Clock, thresholds Thresholds) *Monitor {
	return &Monitor{
		clk:        clk,
		thresholds: thresholds,
		windows:    make(map[modelKey]*modelWindow),
		alerts:     make(chan Alert, 64),
	}
}

// Alerts returns the channel drift/regression alerts are published to.
func (m *Monitor) Alerts() <-chan Alert {
	return m.alerts
}

func (m *Monitor) windowFor(provider domain.Provider, modelID string) *modelWindow {
	key := modelKey{provider, modelID}

	m.mu.RLock()
	w, ok := m.windows[key]
	m.mu.RUnlock()
	if ok {
		return w
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.windows[key]; ok {
		return w
	}
	w = &modelWindow{buf: make([]assessment, 0, windowSize)}
	m.windows[key] = w
	return w
}

// Record scores signals and appends the result to provider/modelID's
// window, evaluating drift against both the configured baseline (if set)
// and the window's own trend.
func (m *Monitor) Record(provider domain.Provider, modelID string, signals Signals) float64 {
	score := Score(signals)
	w := m.windowFor(provider, modelID)
	now := m.clk.Now()

	w.mu.Lock()
	if len(w.buf) < windowSize {
		w.buf = append(w.buf, assessment{score: score, at: now})
	} else {
		w.buf[w.head] = assessment{score: score, at: now}
		w.head = (w.head + 1) % windowSize
	}
	baseline, hasBase := w.baseline, w.hasBase
	trendAlert, trendOK := trendDrift(w.buf, m.thresholds)
	w.mu.Unlock()

	if hasBase {
		if alert, ok := baselineDrift(provider, modelID, baseline, score, now, m.thresholds); ok {
			m.publish(alert)
		}
	}
	if trendOK {
		trendAlert.Provider = provider
		trendAlert.ModelID = modelID
		trendAlert.At = now
		m.publish(trendAlert)
	}

	return score
}

func (m *Monitor) publish(a Alert) {
	select {
	case m.alerts <- a:
	default:
	}
}

// SetBaseline fixes provider/modelID's known-good quality baseline, e.g.
// captured during a healthy rollback snapshot window.
func (m *Monitor) SetBaseline(provider domain.Provider, modelID string, baseline float64) {
	w := m.windowFor(provider, modelID)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.baseline = baseline
	w.hasBase = true
}

// Average returns provider/modelID's current window average, or false if
// no assessments have been recorded yet.
func (m *Monitor) Average(provider domain.Provider, modelID string) (float64, bool) {
	w := m.windowFor(provider, modelID)
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) == 0 {
		return 0, false
	}
	return average(w.buf), true
}

func average(buf []assessment) float64 {
	var sum float64
	for _, a := range buf {
		sum += a.score
	}
	return sum / float64(len(buf))
}

func baselineDrift(provider domain.Provider, modelID string, baseline, latest float64, at time.Time, t Thresholds) (Alert, bool) {
	delta := baseline - latest
	if delta <= t.WarningDelta {
		return Alert{}, false
	}
	severity := domain.SeverityWarning
	if delta > t.CriticalDelta {
		severity = domain.SeverityCritical
	}
	return Alert{Provider: provider, ModelID: modelID, Kind: DriftQuality, Severity: severity, Delta: delta, At: at}, true
}

// trendDrift compares the current half of the window against the
// previous half; a live-side average meaningfully below the baseline
// half is reported as data drift (the generic "something about the
// input/output distribution shifted" signal spec.md calls for, distinct
// from an explicit baseline comparison).
func trendDrift(buf []assessment, t Thresholds) (Alert, bool) {
	if len(buf) < 20 {
		return Alert{}, false
	}
	mid := len(buf) / 2
	firstHalf := average(buf[:mid])
	secondHalf := average(buf[mid:])
	delta := firstHalf - secondHalf
	if delta <= t.WarningDelta {
		return Alert{}, false
	}
	severity := domain.SeverityWarning
	if delta > t.CriticalDelta {
		severity = domain.SeverityCritical
	}
	return Alert{Kind: DriftData, Severity: severity, Delta: delta}, true
}
