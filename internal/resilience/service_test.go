package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"aiorchestrator/internal/clock"
	"aiorchestrator/internal/domain"
)

func newFailingEngine() *Engine {
	breaker := NewBreaker(clock.New(), 5, time.Minute)
	return NewEngine(EngineConfig{MaxAttempts: 1}, breaker, clock.New())
}

func failingCandidates() []Candidate {
	return []Candidate{{Provider: domain.ProviderAWS, ModelID: "m1", Priority: 1, Timeout: time.Second}}
}

func failingInvoke(ctx context.Context, c Candidate) (domain.Response, error) {
	return domain.Response{Provider: c.Provider, Success: false, ErrorKind: domain.ErrProviderServiceUnavail}, errors.New("down")
}

func TestServiceExecuteReturnsEngineSuccess(t *testing.T) {
	svc := NewService(newTestEngine(3, 0))
	candidates := []Candidate{{Provider: domain.ProviderAWS, ModelID: "m1", Priority: 1, Timeout: time.Second}}
	req := domain.Request{Context: domain.RequestContext{Domain: domain.DomainGeneral}}

	resp, err := svc.Execute(context.Background(), req, DefaultPolicy(), candidates,
		func(ctx context.Context, c Candidate) (domain.Response, error) {
			return domain.Response{Provider: c.Provider, Success: true}, nil
		}, Degradation{})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.Success {
		t.Error("expected a successful response")
	}
}

func TestServiceFastAnswerDegradation(t *testing.T) {
	svc := NewService(newFailingEngine())
	req := domain.Request{Context: domain.RequestContext{Domain: domain.DomainSupport}}
	policy := Policy{Engine: DefaultEngineConfig(), Degradation: DegradeFastAnswer}

	deg := Degradation{
		FastAnswer: func(d domain.Domain) (domain.Response, bool) {
			if d != domain.DomainSupport {
				t.Errorf("expected the support domain to be passed through, got %v", d)
			}
			return domain.Response{Text: "canned", Success: false, ErrorKind: domain.ErrProviderServiceUnavail}, true
		},
	}

	resp, err := svc.Execute(context.Background(), req, policy, failingCandidates(), failingInvoke, deg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.Success || resp.ErrorKind != "" {
		t.Errorf("expected markDegraded to mark the response successful, got %+v", resp)
	}
	if resp.Text != "canned" {
		t.Errorf("expected the fast-answer text, got %q", resp.Text)
	}
}

func TestServiceCachedResponseDegradation(t *testing.T) {
	svc := NewService(newFailingEngine())
	req := domain.Request{Prompt: "hello", Context: domain.RequestContext{Domain: domain.DomainGeneral}}
	policy := Policy{Engine: DefaultEngineConfig(), Degradation: DegradeCachedResponse}

	deg := Degradation{
		CachedResponse: func(r domain.Request) (domain.Response, bool) {
			if r.Prompt != "hello" {
				t.Errorf("expected the original request to be passed through, got %q", r.Prompt)
			}
			return domain.Response{Text: "cached", Success: false, ErrorKind: domain.ErrProviderServiceUnavail, Cached: true}, true
		},
	}

	resp, err := svc.Execute(context.Background(), req, policy, failingCandidates(), failingInvoke, deg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.Success || !resp.Cached {
		t.Errorf("expected a successful cached response, got %+v", resp)
	}
}

func TestServiceSimplifiedModelDegradation(t *testing.T) {
	svc := NewService(newFailingEngine())
	req := domain.Request{Context: domain.RequestContext{Domain: domain.DomainGeneral}}
	policy := Policy{Engine: DefaultEngineConfig(), Degradation: DegradeSimplifiedModel}

	deg := Degradation{
		SimplifiedModel: func(ctx context.Context, r domain.Request) (domain.Response, error) {
			return domain.Response{Text: "simplified", Success: false, ErrorKind: domain.ErrProviderServiceUnavail}, nil
		},
	}

	resp, err := svc.Execute(context.Background(), req, policy, failingCandidates(), failingInvoke, deg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.Success {
		t.Error("expected a successful degraded response")
	}
}

func TestServiceSimplifiedModelErrorPropagates(t *testing.T) {
	svc := NewService(newFailingEngine())
	req := domain.Request{Context: domain.RequestContext{Domain: domain.DomainGeneral}}
	policy := Policy{Engine: DefaultEngineConfig(), Degradation: DegradeSimplifiedModel}

	deg := Degradation{
		SimplifiedModel: func(ctx context.Context, r domain.Request) (domain.Response, error) {
			return domain.Response{}, errors.New("simplified model also down")
		},
	}

	_, err := svc.Execute(context.Background(), req, policy, failingCandidates(), failingInvoke, deg)
	if err == nil {
		t.Fatal("expected the original fallback error when degradation itself fails")
	}
}

func TestServiceNoDegradationFuncPropagatesOriginalError(t *testing.T) {
	svc := NewService(newFailingEngine())
	req := domain.Request{Context: domain.RequestContext{Domain: domain.DomainGeneral}}
	policy := Policy{Engine: DefaultEngineConfig(), Degradation: DegradeFastAnswer}

	_, err := svc.Execute(context.Background(), req, policy, failingCandidates(), failingInvoke, Degradation{})
	if !errors.Is(err, domain.ErrAllProvidersUnavailable) {
		t.Fatalf("expected the original fallback error, got %v", err)
	}
}

func TestServiceDegradeAppliesPolicyOutsideTheEnginePath(t *testing.T) {
	svc := NewService(newFailingEngine())
	req := domain.Request{Context: domain.RequestContext{Domain: domain.DomainGeneral}}
	policy := Policy{Engine: DefaultEngineConfig(), Degradation: DegradeFastAnswer}

	deg := Degradation{
		FastAnswer: func(d domain.Domain) (domain.Response, bool) {
			return domain.Response{Text: "canned"}, true
		},
	}

	resp, ok := svc.Degrade(context.Background(), req, policy, deg)
	if !ok {
		t.Fatal("expected Degrade to succeed")
	}
	if !resp.Success || resp.Text != "canned" {
		t.Errorf("expected a degraded canned response, got %+v", resp)
	}
}

func TestServiceUnknownDegradationModePropagatesOriginalError(t *testing.T) {
	svc := NewService(newFailingEngine())
	req := domain.Request{Context: domain.RequestContext{Domain: domain.DomainGeneral}}
	policy := Policy{Engine: DefaultEngineConfig(), Degradation: DegradationMode("unknown")}

	deg := Degradation{
		FastAnswer: func(d domain.Domain) (domain.Response, bool) {
			t.Error("fast answer should not be invoked for an unrecognized degradation mode")
			return domain.Response{}, false
		},
	}

	_, err := svc.Execute(context.Background(), req, policy, failingCandidates(), failingInvoke, deg)
	if !errors.Is(err, domain.ErrAllProvidersUnavailable) {
		t.Fatalf("expected the original fallback error, got %v", err)
	}
}
