// Package monitor implements the performance monitor (ring-buffered
// request window, SLO evaluation and idempotent alerting) and the
// rollback manager that subscribes to it.
package monitor

import (
	"sort"
	"sync"
	"time"

	"aiorchestrator/internal/clock"
	"aiorchestrator/internal/domain"
)

type record struct {
	provider  domain.Provider
	success   bool
	latencyMs int64
	costEuro  float64
	at        time.Time
}

// WindowStats is computed on demand from the monitor's live ring buffer.
type WindowStats struct {
	RequestCount   int
	SuccessCount   int
	ErrorCount     int
	ErrorRate      float64
	AverageLatency float64
	P95Latency     float64
	P99Latency     float64
	TotalCost      float64
	CostPerRequest float64
	ThroughputRPS  float64
}

// Monitor keeps the last windowSize completed requests in a ring buffer
// and evaluates SLOs against it on demand.
type Monitor struct {
	clk  clock.Clock
	size int

	mu    sync.RWMutex
	buf   []record
	head  int

	sloMu  sync.Mutex
	slos   []domain.SLO
	active map[string]bool
	alerts chan Alert
}

// DefaultSLOs returns the three SLOs spec.md requires to always be
// evaluated: p95 latency, error rate, availability.
func DefaultSLOs() []domain.SLO {
	return []domain.SLO{
		{Name: "p95_latency", Metric: domain.SLOP95Latency, Threshold: 2000, Operator: domain.OpLessOrEqual, Severity: domain.SeverityWarning},
		{Name: "error_rate", Metric: domain.SLOErrorRate, Threshold: 0.05, Operator: domain.OpLessOrEqual, Severity: domain.SeverityWarning},
		{Name: "availability", Metric: domain.SLOAvailability, Threshold: 0.99, Operator: domain.OpGreaterOrEqual, Severity: domain.SeverityWarning},
	}
}

// New creates a Monitor with a window of windowSize requests, evaluating
// slos on every Evaluate call.
func New(clk clock.Clock, windowSize int, slos []domain.SLO) *Monitor {
	return &Monitor{
		clk:    clk,
		size:   windowSize,
		buf:    make([]record, 0, windowSize),
		slos:   slos,
		active: make(map[string]bool),
		alerts: make(chan Alert, 64),
	}
}

// Alerts returns the channel new (non-duplicate) alerts are published to.
// Buffered; a full channel drops the alert rather than blocking Evaluate.
func (m *Monitor) Alerts() <-chan Alert {
	return m.alerts
}

// Record adds one completed request to the window, evicting the oldest
// entry once the window is full.
func (m *Monitor) Record(provider domain.Provider, success bool, latencyMs int64, costEuro float64) {
	r := record{provider: provider, success: success, latencyMs: latencyMs, costEuro: costEuro, at: m.clk.Now()}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.buf) < m.size {
		m.buf = append(m.buf, r)
		return
	}
	m.buf[m.head] = r
	m.head = (m.head + 1) % m.size
}

// Stats computes WindowStats over the whole window.
func (m *Monitor) Stats() WindowStats {
	return m.statsFor(func(record) bool { return true })
}

// StatsForProvider computes WindowStats over only provider's requests.
func (m *Monitor) StatsForProvider(provider domain.Provider) WindowStats {
	return m.statsFor(func(r record) bool { return r.provider == provider })
}

func (m *Monitor) statsFor(include func(record) bool) WindowStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var stats WindowStats
	var latencies []int64
	var oldest, newest time.Time

	for _, r := range m.buf {
		if oldest.IsZero() || r.at.Before(oldest) {
			oldest = r.at
		}
		if r.at.After(newest) {
			newest = r.at
		}
		if !include(r) {
			continue
		}
		stats.RequestCount++
		if r.success {
			stats.SuccessCount++
		} else {
			stats.ErrorCount++
		}
		stats.TotalCost += r.costEuro
		latencies = append(latencies, r.latencyMs)
	}

	if stats.RequestCount == 0 {
		return stats
	}

	stats.ErrorRate = float64(stats.ErrorCount) / float64(stats.RequestCount)
	stats.CostPerRequest = stats.TotalCost / float64(stats.RequestCount)

	sum := int64(0)
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	for _, l := range latencies {
		sum += l
	}
	stats.AverageLatency = float64(sum) / float64(len(latencies))
	stats.P95Latency = float64(percentile(latencies, 0.95))
	stats.P99Latency = float64(percentile(latencies, 0.99))

	if span := newest.Sub(oldest).Seconds(); span > 0 {
		stats.ThroughputRPS = float64(len(m.buf)) / span
	}

	return stats
}

// percentile returns the nearest-rank percentile of a sorted ascending
// slice (p in [0,1]).
func percentile(sorted []int64, p float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p*float64(len(sorted))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Alert is one SLO breach, emitted once per violation episode (idempotent
// while the breach is ongoing).
type Alert struct {
	SLO       string
	Metric    domain.SLOMetric
	Severity  domain.Severity
	Value     float64
	Threshold float64
	At        time.Time
}

// EvaluationResult is the outcome of one Evaluate call.
type EvaluationResult struct {
	Stats       WindowStats
	NewAlerts   []Alert
	AnyViolated bool
	AnyCritical bool
}

func metricValue(metric domain.SLOMetric, s WindowStats) float64 {
	switch metric {
	case domain.SLOP95Latency:
		return s.P95Latency
	case domain.SLOErrorRate:
		return s.ErrorRate
	case domain.SLOAvailability:
		if s.RequestCount == 0 {
			return 1
		}
		return float64(s.SuccessCount) / float64(s.RequestCount)
	case domain.SLOCostPerRequest:
		return s.CostPerRequest
	default:
		return 0
	}
}

func isViolated(slo domain.SLO, value float64) bool {
	switch slo.Operator {
	case domain.OpLessOrEqual:
		return value > slo.Threshold
	case domain.OpGreaterOrEqual:
		return value < slo.Threshold
	default:
		return false
	}
}

// severityMultiplier is how far past threshold a breach must be to
// escalate from warning to critical: >2x for latency, >10x for error
// rate, 2x for everything else.
func severityMultiplier(metric domain.SLOMetric) float64 {
	switch metric {
	case domain.SLOErrorRate:
		return 10
	default:
		return 2
	}
}

func isCritical(slo domain.SLO, value float64) bool {
	mult := severityMultiplier(slo.Metric)
	switch slo.Operator {
	case domain.OpLessOrEqual:
		return value > slo.Threshold*mult
	case domain.OpGreaterOrEqual:
		if mult == 0 {
			return false
		}
		return value < slo.Threshold/mult
	default:
		return false
	}
}

// Evaluate computes the current window's stats and checks every
// configured SLO. A transition from healthy to violated publishes a new
// Alert; a repeat violation while the prior one is unresolved does not.
// AnyCritical reports whether any SLO is critically violated in this
// window, independent of whether an alert was newly published — the
// rollback manager's consecutive-window counter needs the raw per-window
// state, not the deduplicated alert stream.
func (m *Monitor) Evaluate() EvaluationResult {
	stats := m.Stats()
	result := EvaluationResult{Stats: stats}

	m.sloMu.Lock()
	defer m.sloMu.Unlock()

	for _, slo := range m.slos {
		value := metricValue(slo.Metric, stats)
		violated := isViolated(slo, value)

		if !violated {
			m.active[slo.Name] = false
			continue
		}

		result.AnyViolated = true
		severity := domain.SeverityWarning
		if isCritical(slo, value) {
			severity = domain.SeverityCritical
			result.AnyCritical = true
		}

		if !m.active[slo.Name] {
			alert := Alert{SLO: slo.Name, Metric: slo.Metric, Severity: severity, Value: value, Threshold: slo.Threshold, At: m.clk.Now()}
			result.NewAlerts = append(result.NewAlerts, alert)
			select {
			case m.alerts <- alert:
			default:
			}
		}
		m.active[slo.Name] = true
	}

	return result
}
