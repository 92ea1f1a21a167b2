package cache

import (
	"sync"
	"time"

	"github.com/agnivade/levenshtein"

	"aiorchestrator/internal/clock"
	"aiorchestrator/internal/domain"
)

// OptimizerConfig controls the hit-rate optimizer loop.
type OptimizerConfig struct {
	Interval              time.Duration
	AnalysisWindow        time.Duration
	FrequentThreshold     int
	RefreshThreshold      float64 // fraction of TTL remaining that triggers refresh
	TargetHitRate         float64
	NearDuplicateMaxEdits int // max Levenshtein distance to treat two normalized prompts as the same pattern
}

// DefaultOptimizerConfig matches the 30-minute loop and 24h window from
// the cache design.
func DefaultOptimizerConfig() OptimizerConfig {
	return OptimizerConfig{
		Interval:              30 * time.Minute,
		AnalysisWindow:        24 * time.Hour,
		FrequentThreshold:     5,
		RefreshThreshold:      0.2,
		TargetHitRate:         0.8,
		NearDuplicateMaxEdits: 3,
	}
}

// WarmupFunc produces a fresh response for a frequent pattern — the
// caller's full route→invoke→safety pipeline, or a pre-arranged
// response in tests.
type WarmupFunc func(pattern domain.QueryPattern) (domain.Response, domain.Domain, error)

// Optimizer tracks QueryPatterns and promotes frequent ones to warm
// cache entries.
type Optimizer struct {
	cfg     OptimizerConfig
	clk     clock.Clock
	cache   *Cache
	warmup  WarmupFunc
	mu      sync.Mutex
	history map[string]*domain.QueryPattern // normalizedKey -> pattern

	frequentHits int
	frequentGets int
}

// NewOptimizer creates an Optimizer bound to cache; warmup may be nil, in
// which case frequent patterns are tracked but never proactively warmed.
func NewOptimizer(cfg OptimizerConfig, clk clock.Clock, cache *Cache, warmup WarmupFunc) *Optimizer {
	return &Optimizer{
		cfg:     cfg,
		clk:     clk,
		cache:   cache,
		warmup:  warmup,
		history: make(map[string]*domain.QueryPattern),
	}
}

// Observe records one analyzed request for pattern tracking. It should
// be called on every request regardless of cache outcome.
func (o *Optimizer) Observe(req domain.Request, resp domain.Response) {
	normKey := Normalize(req.Prompt)

	o.mu.Lock()
	defer o.mu.Unlock()

	pattern := o.findOrCreatePattern(normKey, req.Prompt)
	pattern.Frequency++
	pattern.LastSeen = o.clk.Now()
	pattern.DomainSet[req.Context.Domain] = struct{}{}
	pattern.BudgetTierSet[req.Context.BudgetTier] = struct{}{}
	if req.Context.Intent != "" {
		pattern.IntentSet[req.Context.Intent] = struct{}{}
	}
	if req.Context.Locale != "" {
		pattern.LocaleSet[req.Context.Locale] = struct{}{}
	}
	n := float64(pattern.Frequency)
	pattern.AverageLatencyMs = pattern.AverageLatencyMs + (float64(resp.LatencyMs)-pattern.AverageLatencyMs)/n
	pattern.EstimatedCostEuro = pattern.EstimatedCostEuro + (resp.CostEuro-pattern.EstimatedCostEuro)/n
}

// RecordFrequentLookup tracks a cache lookup for a pattern already known
// to be frequent, to compute the frequent-set hit rate invariant.
func (o *Optimizer) RecordFrequentLookup(hit bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.frequentGets++
	if hit {
		o.frequentHits++
	}
}

// FrequentHitRate returns the observed hit rate over the frequent subset.
func (o *Optimizer) FrequentHitRate() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.frequentGets == 0 {
		return 1.0
	}
	return float64(o.frequentHits) / float64(o.frequentGets)
}

// ShouldRunOnDemand reports whether the observed frequent-set hit rate
// has fallen below 0.6x the target, triggering an out-of-cycle run.
func (o *Optimizer) ShouldRunOnDemand() bool {
	return o.FrequentHitRate() < 0.6*o.cfg.TargetHitRate
}

// findOrCreatePattern looks for an existing pattern within the
// near-duplicate edit-distance budget before creating a new one.
func (o *Optimizer) findOrCreatePattern(normKey, originalPrompt string) *domain.QueryPattern {
	if p, ok := o.history[normKey]; ok {
		return p
	}
	for key, p := range o.history {
		if levenshtein.ComputeDistance(normKey, key) <= o.cfg.NearDuplicateMaxEdits {
			return p
		}
	}
	p := &domain.QueryPattern{
		NormalizedKey:  normKey,
		OriginalPrompt: originalPrompt,
		DomainSet:      make(map[domain.Domain]struct{}),
		IntentSet:      make(map[string]struct{}),
		LocaleSet:      make(map[string]struct{}),
		BudgetTierSet:  make(map[domain.BudgetTier]struct{}),
	}
	o.history[normKey] = p
	return p
}

// RunCycle executes one pass of the hit-rate optimizer loop: promote
// frequent patterns, enqueue warm-ups for uncached frequent patterns,
// enqueue refreshes for stale frequent entries, and age out cold ones.
// It returns the keys that were warmed/refreshed, for observability.
func (o *Optimizer) RunCycle() []string {
	now := o.clk.Now()
	var touched []string

	o.mu.Lock()
	var frequent []*domain.QueryPattern
	for key, p := range o.history {
		if now.Sub(p.LastSeen) > o.cfg.AnalysisWindow {
			if p.Frequency < o.cfg.FrequentThreshold {
				delete(o.history, key)
			}
			continue
		}
		if p.Frequency >= o.cfg.FrequentThreshold {
			frequent = append(frequent, p)
		}
	}
	o.mu.Unlock()

	if o.warmup == nil {
		return touched
	}

	for _, p := range frequent {
		cacheKey := keyFromPattern(p)
		entry, ok := o.cache.Entry(cacheKey)
		switch {
		case !ok:
			if o.warmOne(p, cacheKey) {
				touched = append(touched, cacheKey)
			}
		case needsRefresh(entry, now, o.cfg.RefreshThreshold):
			if o.warmOne(p, cacheKey) {
				touched = append(touched, cacheKey)
			}
		}
	}
	return touched
}

func (o *Optimizer) warmOne(p *domain.QueryPattern, cacheKey string) bool {
	resp, dom, err := o.warmup(*p)
	if err != nil || !resp.Success {
		return false
	}
	return o.cache.Set(cacheKey, resp, dom) == nil
}

func needsRefresh(entry Entry, now time.Time, refreshThreshold float64) bool {
	insertedAt := time.UnixMilli(entry.InsertedMs)
	ttl := time.Duration(entry.TTLSeconds) * time.Second
	remaining := ttl - now.Sub(insertedAt)
	return remaining < time.Duration(refreshThreshold*float64(ttl))
}

// keyFromPattern recomputes the cache key a real request with this
// pattern's prompt would hash to. The pattern only ever observes already
// normalized text, so Normalize inside Key is a no-op here; what matters
// is reconstructing the request context (domain, locale, budget tier)
// Key folds in, instead of warming under a zero-value context no real
// request uses.
func keyFromPattern(p *domain.QueryPattern) string {
	return Key(domain.Request{
		Prompt: p.NormalizedKey,
		Context: domain.RequestContext{
			Domain:     representativeDomain(p.DomainSet),
			Locale:     representativeLocale(p.LocaleSet),
			BudgetTier: representativeBudgetTier(p.BudgetTierSet),
		},
	})
}

// representativeDomain picks a deterministic member of an observed
// domain set. Patterns don't track per-member counts, so ties break
// lexicographically; any single observed context is a closer match to
// real traffic than a zero-value one.
func representativeDomain(set map[domain.Domain]struct{}) domain.Domain {
	var best domain.Domain
	first := true
	for d := range set {
		if first || d < best {
			best = d
			first = false
		}
	}
	return best
}

func representativeLocale(set map[string]struct{}) string {
	var best string
	first := true
	for l := range set {
		if first || l < best {
			best = l
			first = false
		}
	}
	return best
}

func representativeBudgetTier(set map[domain.BudgetTier]struct{}) domain.BudgetTier {
	var best domain.BudgetTier
	first := true
	for b := range set {
		if first || b < best {
			best = b
			first = false
		}
	}
	return best
}
