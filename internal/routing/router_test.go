package routing

import (
	"errors"
	"testing"

	"aiorchestrator/internal/bandit"
	"aiorchestrator/internal/capability"
	"aiorchestrator/internal/domain"
)

type alwaysAllow struct{}

func (alwaysAllow) AllowRequest(domain.Provider) bool { return true }

type denyProvider struct{ p domain.Provider }

func (d denyProvider) AllowRequest(p domain.Provider) bool { return p != d.p }

func newTestMatrix(t *testing.T) *capability.Matrix {
	t.Helper()
	m := capability.New()
	err := m.Seed([]domain.ModelCapability{
		{Provider: domain.ProviderAWS, ModelID: "aws-cheap", ContextTokens: 8000, SupportsTools: true, CostPer1kInput: 0.001},
		{Provider: domain.ProviderAWS, ModelID: "aws-premium", ContextTokens: 200000, SupportsTools: true, CostPer1kInput: 0.02},
		{Provider: domain.ProviderSearch, ModelID: "search-mid", ContextTokens: 32000, SupportsTools: false, CostPer1kInput: 0.005},
		{Provider: domain.ProviderSocial, ModelID: "social-mid", ContextTokens: 16000, SupportsTools: true, CostPer1kInput: 0.004},
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return m
}

func TestRouteRejectsWhenNoModelSupportsRequiredTools(t *testing.T) {
	m := capability.New()
	if err := m.Seed([]domain.ModelCapability{
		{Provider: domain.ProviderSearch, ModelID: "search-mid", ContextTokens: 32000, SupportsTools: false, CostPer1kInput: 0.005},
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	r := New(m, alwaysAllow{}, nil)
	req := domain.Request{Prompt: "hi", Context: domain.RequestContext{RequireTools: true, BudgetTier: domain.BudgetStandard}}

	_, err := r.Route(req)
	if !errors.Is(err, domain.ErrNoFeasibleModel) {
		t.Fatalf("expected ErrNoFeasibleModel, got %v", err)
	}
}

func TestRouteRejectsWhenContextWindowTooSmall(t *testing.T) {
	m := capability.New()
	if err := m.Seed([]domain.ModelCapability{
		{Provider: domain.ProviderAWS, ModelID: "tiny", ContextTokens: 2, SupportsTools: true, CostPer1kInput: 0.001},
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	r := New(m, alwaysAllow{}, nil)
	longPrompt := make([]byte, 5000)
	req := domain.Request{Prompt: string(longPrompt), Context: domain.RequestContext{BudgetTier: domain.BudgetStandard}}

	_, err := r.Route(req)
	if !errors.Is(err, domain.ErrNoFeasibleModel) {
		t.Fatalf("expected ErrNoFeasibleModel, got %v", err)
	}
}

func TestRouteSkipsOpenCircuitProvider(t *testing.T) {
	m := newTestMatrix(t)
	r := New(m, denyProvider{p: domain.ProviderAWS}, nil)
	req := domain.Request{Prompt: "hi", Context: domain.RequestContext{BudgetTier: domain.BudgetStandard}}

	decision, err := r.Route(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Provider == domain.ProviderAWS {
		t.Errorf("expected the open-circuit provider to be skipped, got %v", decision.Provider)
	}
}

func TestRouteAllCircuitsOpenReturnsAllProvidersUnavailable(t *testing.T) {
	m := newTestMatrix(t)
	r := New(m, denyAll{}, nil)
	req := domain.Request{Prompt: "hi", Context: domain.RequestContext{BudgetTier: domain.BudgetStandard}}

	_, err := r.Route(req)
	if !errors.Is(err, domain.ErrAllProvidersUnavailable) {
		t.Fatalf("expected ErrAllProvidersUnavailable, got %v", err)
	}
}

type denyAll struct{}

func (denyAll) AllowRequest(domain.Provider) bool { return false }

func TestRouteLowBudgetPrefersCheapestTertile(t *testing.T) {
	m := newTestMatrix(t)
	r := New(m, alwaysAllow{}, nil)
	req := domain.Request{Prompt: "hi", Context: domain.RequestContext{BudgetTier: domain.BudgetLow}}

	decision, err := r.Route(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.ModelID != "aws-cheap" {
		t.Errorf("expected the cheapest model to win under a low budget, got %s", decision.ModelID)
	}
}

func TestRouteIsDeterministicAcrossRepeatedCalls(t *testing.T) {
	m := newTestMatrix(t)
	r := New(m, alwaysAllow{}, nil)
	req := domain.Request{Prompt: "hi", Context: domain.RequestContext{Domain: domain.DomainGeneral, BudgetTier: domain.BudgetStandard}}

	first, err := r.Route(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := 0; i < 10; i++ {
		next, err := r.Route(req)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if next.Provider != first.Provider || next.ModelID != first.ModelID {
			t.Fatalf("expected a deterministic route without a bandit, got %v then %v", first, next)
		}
	}
}

// middleTertileMatrix seeds 6 capabilities spanning a wide cost range so
// budget-tier filtering and composite scoring have real spread to work
// with; BudgetStandard leaves all 6 in play, unfiltered.
func middleTertileMatrix(t *testing.T) *capability.Matrix {
	t.Helper()
	m := capability.New()
	if err := m.Seed([]domain.ModelCapability{
		{Provider: domain.ProviderSearch, ModelID: "cheap-1", ContextTokens: 32000, SupportsTools: true, CostPer1kInput: 0.001},
		{Provider: domain.ProviderSearch, ModelID: "cheap-2", ContextTokens: 32000, SupportsTools: true, CostPer1kInput: 0.002},
		{Provider: domain.ProviderAWS, ModelID: "aws-mid", ContextTokens: 32000, SupportsTools: true, CostPer1kInput: 0.01},
		{Provider: domain.ProviderSocial, ModelID: "social-mid", ContextTokens: 32000, SupportsTools: true, CostPer1kInput: 0.011},
		{Provider: domain.ProviderSearch, ModelID: "exp-1", ContextTokens: 32000, SupportsTools: true, CostPer1kInput: 0.02},
		{Provider: domain.ProviderSearch, ModelID: "exp-2", ContextTokens: 32000, SupportsTools: true, CostPer1kInput: 0.021},
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return m
}

func TestRouteHonorsDomainAffinityOverride(t *testing.T) {
	m := middleTertileMatrix(t)
	r := New(m, alwaysAllow{}, nil)
	r.SetAffinity(domain.DomainLegal, domain.ProviderAWS, 0.99)
	r.SetAffinity(domain.DomainLegal, domain.ProviderSocial, 0.01)

	req := domain.Request{Prompt: "hi", Context: domain.RequestContext{Domain: domain.DomainLegal, BudgetTier: domain.BudgetStandard}}
	decision, err := r.Route(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Provider != domain.ProviderAWS {
		t.Errorf("expected the higher-affinity provider to win ties, got %v", decision.Provider)
	}
}

func TestRouteUsesBanditWhenMultipleProvidersSurvive(t *testing.T) {
	m := middleTertileMatrix(t)

	bc := bandit.New(1)
	for i := 0; i < 100; i++ {
		bc.Record("general:standard", domain.ProviderSocial, true, 0.001, 50)
		bc.Record("general:standard", domain.ProviderAWS, false, 0.001, 50)
	}

	r := New(m, alwaysAllow{}, bc)
	req := domain.Request{Prompt: "hi", Context: domain.RequestContext{Domain: domain.DomainGeneral, BudgetTier: domain.BudgetStandard}}

	wins := map[domain.Provider]int{}
	for i := 0; i < 50; i++ {
		decision, err := r.Route(req)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		wins[decision.Provider]++
	}

	if wins[domain.ProviderSocial] <= wins[domain.ProviderAWS] {
		t.Errorf("expected the bandit to favor the consistently successful provider, got %v", wins)
	}
}

func TestUpdateCapabilityDelegatesToMatrix(t *testing.T) {
	m := newTestMatrix(t)
	r := New(m, alwaysAllow{}, nil)

	newCost := 0.5
	err := r.UpdateCapability(domain.ProviderAWS, "aws-cheap", capability.PartialUpdate{CostPer1kInput: &newCost})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	c, ok := m.Get(domain.ProviderAWS, "aws-cheap")
	if !ok || c.CostPer1kInput != 0.5 {
		t.Errorf("expected the matrix to reflect the update, got %+v", c)
	}
}

func TestRouteHighBudgetExcludesCheapestTertile(t *testing.T) {
	m := middleTertileMatrix(t)
	r := New(m, alwaysAllow{}, nil)
	req := domain.Request{Prompt: "hi", Context: domain.RequestContext{BudgetTier: domain.BudgetHigh}}

	decision, err := r.Route(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.ModelID == "cheap-1" || decision.ModelID == "cheap-2" {
		t.Errorf("expected the cheapest tertile to be excluded under a high budget, got %s", decision.ModelID)
	}
}

func TestRouteStandardBudgetLeavesFullRangeUnfiltered(t *testing.T) {
	m := middleTertileMatrix(t)
	r := New(m, alwaysAllow{}, nil)
	req := domain.Request{Prompt: "hi", Context: domain.RequestContext{BudgetTier: domain.BudgetStandard}}

	models := filterByBudgetTertile(r.feasible(req), req.Context.BudgetTier)
	if len(models) != 6 {
		t.Errorf("expected standard budget to leave all 6 candidates unfiltered, got %d", len(models))
	}
}

func TestTieBreakPrefersLowerLatencyBeforeCost(t *testing.T) {
	caps := []domain.ModelCapability{
		{Provider: domain.ProviderAWS, ModelID: "slow-cheap", CostPer1kInput: 0.001, DefaultLatencyMs: 800},
		{Provider: domain.ProviderSearch, ModelID: "fast-pricey", CostPer1kInput: 0.01, DefaultLatencyMs: 100},
	}
	decision := tieBreak(caps)
	if decision.ModelID != "fast-pricey" {
		t.Errorf("expected the lower-latency candidate to win despite higher cost, got %s", decision.ModelID)
	}
}

func TestTieBreakFallsBackToCostThenModelID(t *testing.T) {
	caps := []domain.ModelCapability{
		{Provider: domain.ProviderAWS, ModelID: "b", CostPer1kInput: 0.002, DefaultLatencyMs: 100},
		{Provider: domain.ProviderSearch, ModelID: "a", CostPer1kInput: 0.001, DefaultLatencyMs: 100},
		{Provider: domain.ProviderSocial, ModelID: "c", CostPer1kInput: 0.001, DefaultLatencyMs: 100},
	}
	decision := tieBreak(caps)
	if decision.ModelID != "a" {
		t.Errorf("expected the cheapest-then-lexicographically-smallest candidate to win, got %s", decision.ModelID)
	}
}

func TestScoreByAffinityPenalizesLatencyAndCost(t *testing.T) {
	m := capability.New()
	if err := m.Seed([]domain.ModelCapability{
		{Provider: domain.ProviderAWS, ModelID: "aws-slow", ContextTokens: 8000, CostPer1kInput: 0.001, DefaultLatencyMs: 5000},
		{Provider: domain.ProviderSearch, ModelID: "search-fast", ContextTokens: 8000, CostPer1kInput: 0.001, DefaultLatencyMs: 50},
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	r := New(m, alwaysAllow{}, nil)
	r.SetAffinity(domain.DomainGeneral, domain.ProviderAWS, 0.6)
	r.SetAffinity(domain.DomainGeneral, domain.ProviderSearch, 0.6)

	req := domain.Request{Prompt: "hi", Context: domain.RequestContext{Domain: domain.DomainGeneral, BudgetTier: domain.BudgetStandard}}
	decision, err := r.Route(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.ModelID != "search-fast" {
		t.Errorf("expected equal-affinity scoring to prefer the lower-latency candidate, got %s", decision.ModelID)
	}
}

func TestAvailableModelsAppliesFeasibilityOnly(t *testing.T) {
	m := newTestMatrix(t)
	r := New(m, alwaysAllow{}, nil)

	models := r.AvailableModels(domain.RequestContext{RequireTools: true})
	for _, c := range models {
		if !c.SupportsTools {
			t.Errorf("expected only tool-supporting models, got %+v", c)
		}
	}
	if len(models) != 3 {
		t.Errorf("expected 3 tool-supporting models, got %d", len(models))
	}
}
