// Package telemetry implements domain.MetricsSink with Prometheus,
// covering cache hit-rate, bandit draws, breaker state, and SLO violation
// counters.
package telemetry

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"aiorchestrator/internal/domain"
)

// Metrics is a Prometheus-backed domain.MetricsSink. A small, named set of
// gauges/counters cover the subsystems the orchestrator actually reports
// on; RecordMetric additionally registers ad hoc gauges on demand for
// anything else a caller records, keyed by namespace/name/label-set.
type Metrics struct {
	registry prometheus.Registerer

	cacheHitRate  *prometheus.GaugeVec
	banditDraws   *prometheus.CounterVec
	breakerState  *prometheus.GaugeVec
	sloViolations *prometheus.CounterVec

	mu     sync.Mutex
	gauges map[string]*dynamicGauge
}

type dynamicGauge struct {
	vec    *prometheus.GaugeVec
	labels []string // sorted dims keys this vec was registered with
}

// NewMetrics constructs every named metric against registry, mirroring
// the teacher's NewMetrics(registry) shape.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		cacheHitRate: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "orchestrator",
			Subsystem: "cache",
			Name:      "hit_rate",
			Help:      "Fraction of requests served from the semantic cache, by domain.",
		}, []string{"domain"}),
		banditDraws: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchestrator",
			Subsystem: "bandit",
			Name:      "draws_total",
			Help:      "Number of times the contextual bandit selected a (provider, model) arm.",
		}, []string{"provider", "model_id"}),
		breakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "orchestrator",
			Subsystem: "breaker",
			Name:      "state",
			Help:      "Circuit breaker state per provider: 0=closed, 1=half_open, 2=open.",
		}, []string{"provider"}),
		sloViolations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchestrator",
			Subsystem: "slo",
			Name:      "violations_total",
			Help:      "Number of SLO evaluations that breached their threshold.",
		}, []string{"slo_name", "severity"}),
		gauges: make(map[string]*dynamicGauge),
	}
}

// RecordCacheHitRate reports the current hit rate for one domain.
func (m *Metrics) RecordCacheHitRate(d domain.Domain, rate float64) {
	m.cacheHitRate.WithLabelValues(string(d)).Set(rate)
}

// RecordBanditDraw increments the draw counter for one arm.
func (m *Metrics) RecordBanditDraw(provider domain.Provider, modelID string) {
	m.banditDraws.WithLabelValues(string(provider), modelID).Inc()
}

// SetBreakerState reports a provider's current circuit state as a gauge.
func (m *Metrics) SetBreakerState(provider domain.Provider, state domain.CircuitState) {
	m.breakerState.WithLabelValues(string(provider)).Set(breakerStateValue(state))
}

func breakerStateValue(state domain.CircuitState) float64 {
	switch state {
	case domain.CircuitClosed:
		return 0
	case domain.CircuitHalfOpen:
		return 1
	case domain.CircuitOpen:
		return 2
	default:
		return -1
	}
}

// RecordSLOViolation increments the violation counter for one SLO.
func (m *Metrics) RecordSLOViolation(sloName string, severity domain.Severity) {
	m.sloViolations.WithLabelValues(sloName, string(severity)).Inc()
}

// RecordMetric implements domain.MetricsSink. It registers a GaugeVec on
// first use for the given (namespace, name) pair, labeled by dims' keys
// in sorted order, and records value against it. unit is folded into the
// metric's help text since Prometheus has no first-class unit field.
func (m *Metrics) RecordMetric(namespace, name string, dims map[string]string, value float64, unit string) {
	labels := make([]string, 0, len(dims))
	for k := range dims {
		labels = append(labels, k)
	}
	sort.Strings(labels)

	key := namespace + "_" + name + "|" + strings.Join(labels, ",")

	m.mu.Lock()
	dg, ok := m.gauges[key]
	if !ok {
		help := name
		if unit != "" {
			help = fmt.Sprintf("%s (%s)", name, unit)
		}
		dg = &dynamicGauge{
			labels: labels,
			vec: promauto.With(m.registry).NewGaugeVec(prometheus.GaugeOpts{
				Namespace: sanitize(namespace),
				Name:      sanitize(name),
				Help:      help,
			}, labels),
		}
		m.gauges[key] = dg
	}
	m.mu.Unlock()

	values := make([]string, len(dg.labels))
	for i, l := range dg.labels {
		values[i] = dims[l]
	}
	dg.vec.WithLabelValues(values...).Set(value)
}

// sanitize coerces a metric name fragment into Prometheus's
// [a-zA-Z_:][a-zA-Z0-9_:]* character set.
func sanitize(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_' || c == ':' {
			continue
		}
		if i > 0 && c >= '0' && c <= '9' {
			continue
		}
		b[i] = '_'
	}
	return string(b)
}
