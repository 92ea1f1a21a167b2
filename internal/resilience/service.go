package resilience

import (
	"context"

	"aiorchestrator/internal/domain"
)

// DegradationMode is the closed set of fallback-exhaustion behaviors.
type DegradationMode string

const (
	DegradeFastAnswer      DegradationMode = "fast_answer"
	DegradeCachedResponse  DegradationMode = "cached_response"
	DegradeSimplifiedModel DegradationMode = "simplified_model"
)

// Policy is the per-request resilience configuration: how the engine
// retries, when it gives up on a provider, and what it does once every
// candidate is exhausted.
type Policy struct {
	Engine      EngineConfig
	Degradation DegradationMode
}

// DefaultPolicy mirrors the teacher's DefaultFallbackConfig, extended
// with a degradation mode.
func DefaultPolicy() Policy {
	return Policy{
		Engine:      DefaultEngineConfig(),
		Degradation: DegradeFastAnswer,
	}
}

// FastAnswerFunc returns a canned response for a domain when every
// candidate has failed and the policy's degradation mode is
// fast_answer.
type FastAnswerFunc func(d domain.Domain) (domain.Response, bool)

// CachedResponseFunc returns a previously cached response for req when
// the policy's degradation mode is cached_response.
type CachedResponseFunc func(req domain.Request) (domain.Response, bool)

// SimplifiedModelFunc retries against the minimum-capability model for
// the request's domain when the policy's degradation mode is
// simplified_model.
type SimplifiedModelFunc func(ctx context.Context, req domain.Request) (domain.Response, error)

// Degradation bundles the three possible exhaustion strategies; only
// the one matching Policy.Degradation is ever invoked.
type Degradation struct {
	FastAnswer       FastAnswerFunc
	CachedResponse   CachedResponseFunc
	SimplifiedModel  SimplifiedModelFunc
}

// Service wraps an Engine with the degradation step spec.md's fallback
// design requires once every candidate has failed.
type Service struct {
	engine *Engine
}

// NewService builds a Service over an existing Engine.
func NewService(engine *Engine) *Service {
	return &Service{engine: engine}
}

// Execute runs candidates through the engine; if every candidate fails,
// it applies policy.Degradation and returns a degraded-but-successful
// response when the configured mode can produce one.
func (s *Service) Execute(ctx context.Context, req domain.Request, policy Policy, candidates []Candidate, invoke InvokeFunc, deg Degradation) (domain.Response, error) {
	resp, err := s.engine.Execute(ctx, candidates, invoke)
	if err == nil {
		return resp, nil
	}

	degraded, ok := s.degrade(ctx, req, policy, deg)
	if !ok {
		return domain.Response{}, err
	}
	return degraded, nil
}

// Degrade applies policy.Degradation directly, for callers outside the
// engine's own fallback-exhaustion path — e.g. a post-response safety or
// quality rejection, which spec.md's failure-mode table says degrades
// without retrying any candidate.
func (s *Service) Degrade(ctx context.Context, req domain.Request, policy Policy, deg Degradation) (domain.Response, bool) {
	return s.degrade(ctx, req, policy, deg)
}

func (s *Service) degrade(ctx context.Context, req domain.Request, policy Policy, deg Degradation) (domain.Response, bool) {
	switch policy.Degradation {
	case DegradeFastAnswer:
		if deg.FastAnswer == nil {
			return domain.Response{}, false
		}
		resp, ok := deg.FastAnswer(req.Context.Domain)
		return markDegraded(resp), ok
	case DegradeCachedResponse:
		if deg.CachedResponse == nil {
			return domain.Response{}, false
		}
		resp, ok := deg.CachedResponse(req)
		return markDegraded(resp), ok
	case DegradeSimplifiedModel:
		if deg.SimplifiedModel == nil {
			return domain.Response{}, false
		}
		resp, err := deg.SimplifiedModel(ctx, req)
		if err != nil {
			return domain.Response{}, false
		}
		return markDegraded(resp), true
	default:
		return domain.Response{}, false
	}
}

func markDegraded(resp domain.Response) domain.Response {
	resp.Success = true
	resp.ErrorKind = ""
	return resp
}
