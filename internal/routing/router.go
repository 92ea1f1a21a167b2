// Package routing implements the router's single ordered selection
// policy: feasibility, budget tertile, domain-affinity scoring, bandit
// override, and a deterministic tie-break.
package routing

import (
	"fmt"
	"sort"
	"sync"

	"aiorchestrator/internal/bandit"
	"aiorchestrator/internal/capability"
	"aiorchestrator/internal/domain"
)

// CircuitChecker reports whether a provider's circuit currently allows a
// request. Satisfied by *resilience.Breaker; kept as a narrow interface so
// routing does not import resilience.
type CircuitChecker interface {
	AllowRequest(provider domain.Provider) bool
}

// estimatedCharsPerToken is the rough chars-per-token ratio used for the
// feasibility context-window check. A real tokenizer is out of scope.
const estimatedCharsPerToken = 4

// Router selects a (provider, modelID) for a request from the live
// capability matrix.
type Router struct {
	matrix  *capability.Matrix
	breaker CircuitChecker
	bandit  *bandit.Controller

	mu       sync.RWMutex
	affinity map[affinityKey]float64
}

type affinityKey struct {
	domain   domain.Domain
	provider domain.Provider
}

// New creates a Router over a live capability matrix, a circuit breaker
// feasibility check, and a bandit controller for the override step.
func New(matrix *capability.Matrix, breaker CircuitChecker, bc *bandit.Controller) *Router {
	return &Router{
		matrix:   matrix,
		breaker:  breaker,
		bandit:   bc,
		affinity: defaultAffinity(),
	}
}

// defaultAffinity seeds a static domain/provider affinity table. Values are
// illustrative priors, not measured; UpdateCapability and bandit learning
// are what actually move traffic over time.
func defaultAffinity() map[affinityKey]float64 {
	return map[affinityKey]float64{
		{domain.DomainLegal, domain.ProviderAWS}:      0.9,
		{domain.DomainLegal, domain.ProviderSearch}:    0.6,
		{domain.DomainLegal, domain.ProviderSocial}:    0.4,
		{domain.DomainMedical, domain.ProviderAWS}:     0.85,
		{domain.DomainMedical, domain.ProviderSearch}:  0.65,
		{domain.DomainMedical, domain.ProviderSocial}:  0.4,
		{domain.DomainSupport, domain.ProviderSearch}:  0.8,
		{domain.DomainSupport, domain.ProviderAWS}:      0.6,
		{domain.DomainSupport, domain.ProviderSocial}:  0.55,
		{domain.DomainCulinary, domain.ProviderSocial}: 0.8,
		{domain.DomainCulinary, domain.ProviderSearch}: 0.6,
		{domain.DomainCulinary, domain.ProviderAWS}:     0.5,
		{domain.DomainGeneral, domain.ProviderAWS}:      0.6,
		{domain.DomainGeneral, domain.ProviderSearch}:  0.6,
		{domain.DomainGeneral, domain.ProviderSocial}:  0.6,
	}
}

// SetAffinity overrides the domain/provider affinity score, e.g. from
// config at startup.
func (r *Router) SetAffinity(d domain.Domain, p domain.Provider, score float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.affinity[affinityKey{d, p}] = score
}

func (r *Router) affinityFor(d domain.Domain, p domain.Provider) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if v, ok := r.affinity[affinityKey{d, p}]; ok {
		return v
	}
	return 0.5
}

// bucketFor derives the bandit's bucket key from request context, per
// spec: domain and budget tier bucketize so no single strong model
// dominates across verticals.
func bucketFor(ctx domain.RequestContext) string {
	return fmt.Sprintf("%s:%s", ctx.Domain, ctx.BudgetTier)
}

// Route runs the five-step selection policy and returns a decision, or
// domain.ErrNoFeasibleModel / domain.ErrAllProvidersUnavailable wrapped
// errors when no candidate survives.
func (r *Router) Route(req domain.Request) (domain.RouteDecision, error) {
	feasible := r.feasible(req)
	if len(feasible) == 0 {
		return domain.RouteDecision{}, fmt.Errorf("%w: no model satisfies the request's requirements", domain.ErrNoFeasibleModel)
	}

	afterCircuit := r.filterOpenCircuits(feasible)
	if len(afterCircuit) == 0 {
		return domain.RouteDecision{}, fmt.Errorf("%w: every feasible provider's circuit is open", domain.ErrAllProvidersUnavailable)
	}

	budgeted := filterByBudgetTertile(afterCircuit, req.Context.BudgetTier)
	if len(budgeted) == 0 {
		budgeted = afterCircuit
	}

	scored := r.scoreByAffinity(budgeted, req.Context.Domain)

	chosen := r.applyBanditOverride(scored, req.Context)

	decision := tieBreak(r.topTier(chosen, req.Context.Domain))
	decision.Reason = "router: feasibility+budget+affinity+bandit"
	return decision, nil
}

// feasible filters the matrix to capabilities that can serve the request:
// supports tools if required, and has enough context window for a rough
// char-based token estimate of the prompt.
func (r *Router) feasible(req domain.Request) []domain.ModelCapability {
	estTokens := len(req.Prompt) / estimatedCharsPerToken
	var out []domain.ModelCapability
	for _, c := range r.matrix.All() {
		if req.Context.RequireTools && !c.SupportsTools {
			continue
		}
		if estTokens > 0 && c.ContextTokens < estTokens {
			continue
		}
		out = append(out, c)
	}
	return out
}

func (r *Router) filterOpenCircuits(caps []domain.ModelCapability) []domain.ModelCapability {
	if r.breaker == nil {
		return caps
	}
	var out []domain.ModelCapability
	for _, c := range caps {
		if r.breaker.AllowRequest(c.Provider) {
			out = append(out, c)
		}
	}
	return out
}

// filterByBudgetTertile splits caps into cost tertiles by CostPer1kInput
// and removes the one tertile the tier excludes: low drops the priciest
// third (keeping the cheaper two-thirds), high drops the cheapest third
// (keeping the pricier two-thirds), standard is untouched. Returns nil if
// the excluded tertile would consume every candidate, leaving the caller
// to fall back to the unfiltered set.
func filterByBudgetTertile(caps []domain.ModelCapability, tier domain.BudgetTier) []domain.ModelCapability {
	if tier == domain.BudgetStandard {
		return caps
	}
	if len(caps) == 0 {
		return nil
	}
	sorted := make([]domain.ModelCapability, len(caps))
	copy(sorted, caps)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].CostPer1kInput < sorted[j].CostPer1kInput })

	n := len(sorted)
	third := (n + 2) / 3
	if third == 0 {
		third = 1
	}

	switch tier {
	case domain.BudgetLow:
		// drop the priciest tertile, keep the cheaper two-thirds
		return sorted[:max(n-third, 0)]
	case domain.BudgetHigh:
		// drop the cheapest tertile, keep the pricier two-thirds
		return sorted[min(third, n):]
	default:
		return sorted
	}
}

// latencyWeight and costWeight are the lambda/mu penalty coefficients
// subtracted from affinity in the composite score below.
const (
	latencyWeight = 0.3
	costWeight    = 0.3
)

// compositeScore implements affinity - lambda*normalizedLatency -
// mu*normalizedCost, normalizing both against the max seen among the
// surviving candidates so the penalty terms stay in [0,1].
func (r *Router) compositeScore(c domain.ModelCapability, d domain.Domain, maxLatencyMs, maxCost float64) float64 {
	affinity := r.affinityFor(d, c.Provider)

	var normLatency float64
	if maxLatencyMs > 0 {
		normLatency = float64(c.DefaultLatencyMs) / maxLatencyMs
	}
	var normCost float64
	if maxCost > 0 {
		normCost = c.CostPer1kInput / maxCost
	}

	return affinity - latencyWeight*normLatency - costWeight*normCost
}

// scoreByAffinity keeps every candidate but sorts them by descending
// composite score: domain/provider affinity penalized by normalized
// latency and cost, so a high-affinity provider that is far slower or
// pricier than its peers no longer automatically wins.
func (r *Router) scoreByAffinity(caps []domain.ModelCapability, d domain.Domain) []domain.ModelCapability {
	sorted := make([]domain.ModelCapability, len(caps))
	copy(sorted, caps)

	var maxLatencyMs, maxCost float64
	for _, c := range sorted {
		if l := float64(c.DefaultLatencyMs); l > maxLatencyMs {
			maxLatencyMs = l
		}
		if c.CostPer1kInput > maxCost {
			maxCost = c.CostPer1kInput
		}
	}

	sort.SliceStable(sorted, func(i, j int) bool {
		return r.compositeScore(sorted[i], d, maxLatencyMs, maxCost) > r.compositeScore(sorted[j], d, maxLatencyMs, maxCost)
	})
	return sorted
}

// scoreEpsilon is the floating-point slack for "tied" composite scores.
const scoreEpsilon = 1e-9

// topTier narrows caps to those whose composite score matches the best
// score in the set, within scoreEpsilon. Step 3's scoring only matters if
// step 5's tie-break is then confined to its winners; without this, a
// cost/latency-based tie-break over the whole surviving set would ignore
// affinity entirely whenever no single provider remains.
func (r *Router) topTier(caps []domain.ModelCapability, d domain.Domain) []domain.ModelCapability {
	if len(caps) <= 1 {
		return caps
	}

	var maxLatencyMs, maxCost float64
	for _, c := range caps {
		if l := float64(c.DefaultLatencyMs); l > maxLatencyMs {
			maxLatencyMs = l
		}
		if c.CostPer1kInput > maxCost {
			maxCost = c.CostPer1kInput
		}
	}

	best := r.compositeScore(caps[0], d, maxLatencyMs, maxCost)
	for _, c := range caps[1:] {
		if s := r.compositeScore(c, d, maxLatencyMs, maxCost); s > best {
			best = s
		}
	}

	tier := make([]domain.ModelCapability, 0, len(caps))
	for _, c := range caps {
		if best-r.compositeScore(c, d, maxLatencyMs, maxCost) <= scoreEpsilon {
			tier = append(tier, c)
		}
	}
	return tier
}

// applyBanditOverride lets the bandit choose the provider among the
// surviving candidates' distinct providers, then narrows to that
// provider's candidates.
func (r *Router) applyBanditOverride(caps []domain.ModelCapability, reqCtx domain.RequestContext) []domain.ModelCapability {
	if r.bandit == nil || len(caps) == 0 {
		return caps
	}

	seen := make(map[domain.Provider]struct{})
	var providers []domain.Provider
	for _, c := range caps {
		if _, ok := seen[c.Provider]; !ok {
			seen[c.Provider] = struct{}{}
			providers = append(providers, c.Provider)
		}
	}
	if len(providers) <= 1 {
		return caps
	}

	chosen := r.bandit.Choose(bucketFor(reqCtx), providers)
	var narrowed []domain.ModelCapability
	for _, c := range caps {
		if c.Provider == chosen {
			narrowed = append(narrowed, c)
		}
	}
	if len(narrowed) == 0 {
		return caps
	}
	return narrowed
}

// tieBreak picks the final candidate deterministically: lowest
// DefaultLatencyMs, then lowest CostPer1kInput, then lexicographically
// smallest ModelID.
func tieBreak(caps []domain.ModelCapability) domain.RouteDecision {
	best := caps[0]
	for _, c := range caps[1:] {
		switch {
		case c.DefaultLatencyMs != best.DefaultLatencyMs:
			if c.DefaultLatencyMs < best.DefaultLatencyMs {
				best = c
			}
		case c.CostPer1kInput != best.CostPer1kInput:
			if c.CostPer1kInput < best.CostPer1kInput {
				best = c
			}
		case c.ModelID < best.ModelID:
			best = c
		}
	}
	return domain.RouteDecision{
		Provider:    best.Provider,
		ModelID:     best.ModelID,
		Temperature: 0.7,
	}
}

// AvailableModels returns every feasible capability for a request context,
// without applying budget/affinity/bandit narrowing — used by admin and
// health endpoints to show what the router could choose from.
func (r *Router) AvailableModels(reqCtx domain.RequestContext) []domain.ModelCapability {
	return r.feasible(domain.Request{Context: reqCtx})
}

// UpdateCapability delegates to the underlying capability matrix.
func (r *Router) UpdateCapability(provider domain.Provider, modelID string, partial capability.PartialUpdate) error {
	return r.matrix.Update(provider, modelID, partial)
}
