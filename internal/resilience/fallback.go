package resilience

import (
	"context"
	"fmt"
	"sort"
	"time"

	"aiorchestrator/internal/clock"
	"aiorchestrator/internal/domain"
)

// Candidate is one provider/model the fallback engine may attempt, in
// the order the router ranked them.
type Candidate struct {
	Provider        domain.Provider
	ModelID         string
	Priority        int // lower = tried first
	Timeout         time.Duration
	ExpectedLatency time.Duration // used when re-sorting after a timeout failure
	CostPer1kInput  float64       // used when re-sorting after a quota failure
	CapabilityScore float64       // used when re-sorting after any other failure; higher is more capable
}

// InvokeFunc performs one attempt against a single candidate.
type InvokeFunc func(ctx context.Context, c Candidate) (domain.Response, error)

// EngineConfig controls fallback execution.
type EngineConfig struct {
	CircuitBreakerThreshold int
	CircuitBreakerCooldown  time.Duration
	MaxAttempts             int           // 0 means "try every candidate once"; default 3
	BaseDelay               time.Duration // sleep before attempt n is baseDelay * 2^(n-1)
}

// DefaultEngineConfig mirrors the teacher's fallback defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		CircuitBreakerThreshold: 5,
		CircuitBreakerCooldown:  5 * time.Minute,
		MaxAttempts:             3,
		BaseDelay:               200 * time.Millisecond,
	}
}

// unclassifiedRetryConfig classifies a provider error by message content
// when the invoker couldn't attach a domain.ErrorKind (e.g. a transport
// error from a raw HTTP client). domain.ErrorKind.Retryable is always
// preferred when the kind is known.
var unclassifiedRetryConfig = RetryConfig{
	RetryOnTimeout:     true,
	RetryOnRateLimit:   true,
	RetryOnServerError: true,
}

// Engine executes a prioritized candidate list, skipping providers whose
// circuit is open, re-ranking the remaining candidates by the kind of
// the most recent failure, and recording outcomes on the shared Breaker.
type Engine struct {
	cfg     EngineConfig
	breaker *Breaker
	clk     clock.Clock
}

// NewEngine builds an Engine over an existing Breaker (the same Breaker
// the orchestrator uses for health reporting).
func NewEngine(cfg EngineConfig, breaker *Breaker, clk clock.Clock) *Engine {
	return &Engine{cfg: cfg, breaker: breaker, clk: clk}
}

// Execute tries candidates in priority order, re-ranking the remaining
// ones after every failure according to the failing attempt's
// domain.ErrorKind: a timeout re-sorts by ascending ExpectedLatency
// (fastest feasible next), a quota error by ascending CostPer1kInput
// (cheapest feasible next), anything else by descending CapabilityScore
// (most capable feasible next). It returns the first success, or the
// last error if every candidate was exhausted or circuit-skipped.
func (e *Engine) Execute(ctx context.Context, candidates []Candidate, invoke InvokeFunc) (domain.Response, error) {
	remaining := sortByPriority(candidates)
	var lastErr error
	attempts := 0

	for len(remaining) > 0 {
		if e.cfg.MaxAttempts > 0 && attempts >= e.cfg.MaxAttempts {
			break
		}

		c := remaining[0]
		remaining = remaining[1:]

		if !e.breaker.AllowRequest(c.Provider) {
			continue
		}

		if attempts > 0 && e.cfg.BaseDelay > 0 {
			backoff := calculateBackoff(attempts, e.cfg.BaseDelay, e.cfg.BaseDelay*32, false)
			if err := e.clk.Sleep(ctx, backoff); err != nil {
				return domain.Response{}, err
			}
		}
		attempts++

		resp, err := e.executeOne(ctx, c, invoke)
		if err == nil {
			return resp, nil
		}

		lastErr = err
		kind := resp.ErrorKind
		if kind.Fatal() {
			return domain.Response{}, err
		}
		if !kind.Retryable() && !isRetryableError(err, unclassifiedRetryConfig) {
			return domain.Response{}, err
		}
		remaining = rerank(remaining, kind)
	}

	if lastErr == nil {
		return domain.Response{}, fmt.Errorf("%w: every candidate's circuit was open", domain.ErrAllProvidersUnavailable)
	}
	return domain.Response{}, fmt.Errorf("%w: %v", domain.ErrAllProvidersUnavailable, lastErr)
}

func (e *Engine) executeOne(ctx context.Context, c Candidate, invoke InvokeFunc) (domain.Response, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	resp, err := invoke(timeoutCtx, c)
	if err == nil {
		e.breaker.RecordSuccess(c.Provider)
		return resp, nil
	}

	e.breaker.RecordFailure(c.Provider)
	return resp, err
}

func sortByPriority(candidates []Candidate) []Candidate {
	sorted := make([]Candidate, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })
	return sorted
}

func rerank(remaining []Candidate, kind domain.ErrorKind) []Candidate {
	if len(remaining) <= 1 {
		return remaining
	}
	out := make([]Candidate, len(remaining))
	copy(out, remaining)

	switch kind {
	case domain.ErrProviderTimeout:
		sort.SliceStable(out, func(i, j int) bool { return out[i].ExpectedLatency < out[j].ExpectedLatency })
	case domain.ErrProviderQuotaExceeded:
		sort.SliceStable(out, func(i, j int) bool { return out[i].CostPer1kInput < out[j].CostPer1kInput })
	default:
		sort.SliceStable(out, func(i, j int) bool { return out[i].CapabilityScore > out[j].CapabilityScore })
	}
	return out
}
