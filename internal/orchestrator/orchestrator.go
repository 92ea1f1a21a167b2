// Package orchestrator wires every subsystem into the single façade the
// gateway layer calls: cache, safety, compliance, audit, routing,
// resilience, the performance monitor, rollback manager, and quality
// drift monitor. It owns no business logic of its own beyond the
// pipeline that sequences those subsystems for one request.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"aiorchestrator/internal/audit"
	"aiorchestrator/internal/bandit"
	"aiorchestrator/internal/cache"
	"aiorchestrator/internal/capability"
	"aiorchestrator/internal/clock"
	"aiorchestrator/internal/compliance"
	"aiorchestrator/internal/domain"
	"aiorchestrator/internal/flags"
	"aiorchestrator/internal/monitor"
	"aiorchestrator/internal/quality"
	"aiorchestrator/internal/resilience"
	"aiorchestrator/internal/routing"
	"aiorchestrator/internal/safety"
)

// defaultTimeout bounds a single candidate attempt when the caller's
// RequestContext carries no SLA latency hint.
const defaultTimeout = 10 * time.Second

// estimatedCharsPerToken mirrors routing's rough token estimate, reused
// here for cost calculation when a provider doesn't report token usage.
const estimatedCharsPerToken = 4

// Dependencies are the explicit, fully-constructed collaborators the
// façade is built from. Every field is required unless documented
// otherwise; New returns an error if a required field is nil.
type Dependencies struct {
	Clock       clock.Clock
	Invokers    map[domain.Provider]domain.Invoker
	Matrix      *capability.Matrix
	Router      *routing.Router
	Bandit      *bandit.Controller // optional; nil skips bandit recording and ResetBandit
	Breaker     *resilience.Breaker
	Resilience  *resilience.Service
	Cache       *cache.Cache
	Safety      *safety.Validator
	Compliance  *compliance.Validator
	Audit       *audit.Trail
	Monitor     *monitor.Monitor
	Rollback    *monitor.Manager
	Quality     *quality.Monitor
	Flags       *flags.Store
	Policy      resilience.Policy // zero value means resilience.DefaultPolicy()
}

// Orchestrator is the AI Orchestrator Core façade: one Execute call per
// request, plus the administrative surface the gateway exposes.
type Orchestrator struct {
	clk        clock.Clock
	invokers   map[domain.Provider]domain.Invoker
	matrix     *capability.Matrix
	router     *routing.Router
	bandit     *bandit.Controller
	breaker    *resilience.Breaker
	resilience *resilience.Service
	cache      *cache.Cache
	safety     *safety.Validator
	compliance *compliance.Validator
	audit      *audit.Trail
	monitor    *monitor.Monitor
	rollback   *monitor.Manager
	quality    *quality.Monitor
	flags      *flags.Store
	policy     resilience.Policy
}

// New validates deps and builds an Orchestrator. The zero value of
// Dependencies.Policy is replaced with resilience.DefaultPolicy().
func New(deps Dependencies) (*Orchestrator, error) {
	switch {
	case deps.Clock == nil:
		return nil, fmt.Errorf("orchestrator: Clock is required")
	case len(deps.Invokers) == 0:
		return nil, fmt.Errorf("orchestrator: at least one Invoker is required")
	case deps.Matrix == nil:
		return nil, fmt.Errorf("orchestrator: Matrix is required")
	case deps.Router == nil:
		return nil, fmt.Errorf("orchestrator: Router is required")
	case deps.Breaker == nil:
		return nil, fmt.Errorf("orchestrator: Breaker is required")
	case deps.Resilience == nil:
		return nil, fmt.Errorf("orchestrator: Resilience is required")
	case deps.Cache == nil:
		return nil, fmt.Errorf("orchestrator: Cache is required")
	case deps.Safety == nil:
		return nil, fmt.Errorf("orchestrator: Safety is required")
	case deps.Compliance == nil:
		return nil, fmt.Errorf("orchestrator: Compliance is required")
	case deps.Audit == nil:
		return nil, fmt.Errorf("orchestrator: Audit is required")
	case deps.Monitor == nil:
		return nil, fmt.Errorf("orchestrator: Monitor is required")
	case deps.Rollback == nil:
		return nil, fmt.Errorf("orchestrator: Rollback is required")
	case deps.Quality == nil:
		return nil, fmt.Errorf("orchestrator: Quality is required")
	case deps.Flags == nil:
		return nil, fmt.Errorf("orchestrator: Flags is required")
	}

	policy := deps.Policy
	if policy.Engine.MaxAttempts == 0 && policy.Degradation == "" {
		policy = resilience.DefaultPolicy()
	}

	return &Orchestrator{
		clk:        deps.Clock,
		invokers:   deps.Invokers,
		matrix:     deps.Matrix,
		router:     deps.Router,
		bandit:     deps.Bandit,
		breaker:    deps.Breaker,
		resilience: deps.Resilience,
		cache:      deps.Cache,
		safety:     deps.Safety,
		compliance: deps.Compliance,
		audit:      deps.Audit,
		monitor:    deps.Monitor,
		rollback:   deps.Rollback,
		quality:    deps.Quality,
		flags:      deps.Flags,
		policy:     policy,
	}, nil
}

// Execute runs one request through the full pipeline:
//
//  1. semantic cache lookup
//  2. input safety check
//  3. routing
//  4. compliance check on the routed provider
//  5. resilience-wrapped invocation (fallback across candidates), then
//     monitor/bandit recording of its outcome
//  6. output safety check
//  7. cache store and audit log
//  8. SLO evaluation and rollback-manager notification
func (o *Orchestrator) Execute(ctx context.Context, req domain.Request) (domain.Response, error) {
	key := cache.Key(req)
	if cached, ok := o.cache.Get(key); ok {
		o.auditLog(req, "cache_hit", domain.Response{Cached: true}, nil)
		return cached, nil
	}

	if violation := o.safety.Check(req.Prompt); !violation.Allowed {
		err := fmt.Errorf("%w: %s", domain.ErrSafetyRejectedInput, violationReasons(violation))
		o.auditFailure(req, "input_rejected", domain.ErrSafetyRejectedInput, violation.PIIDetected(), violation.PIITypes())
		return domain.Response{}, err
	}

	decision, err := o.router.Route(req)
	if err != nil {
		o.auditFailure(req, "routing_failed", classifyRouteErr(err), false, nil)
		return domain.Response{}, err
	}

	classification := audit.ClassifyRequest(req.Context)
	if violation := o.compliance.Check(decision, classification); violation != nil {
		err := fmt.Errorf("%w: %s", domain.ErrComplianceViolation, violation.Reason)
		o.auditFailure(req, "compliance_rejected", domain.ErrComplianceViolation, false, nil)
		return domain.Response{}, err
	}

	candidates := o.buildCandidates(req, decision)
	bucket := fmt.Sprintf("%s:%s", req.Context.Domain, req.Context.BudgetTier)

	resp, err := o.resilience.Execute(ctx, req, o.policy, candidates, o.invoke(req), o.degradation(req))
	if err != nil {
		o.auditFailure(req, "invocation_failed", classifyRouteErr(err), false, nil)
		return domain.Response{}, err
	}
	resp.RequestID = req.RequestID

	if !resp.Cached && resp.ErrorKind == "" {
		if o.bandit != nil {
			o.bandit.Record(bucket, resp.Provider, resp.Success, resp.CostEuro, resp.LatencyMs)
		}
		o.monitor.Record(resp.Provider, resp.Success, resp.LatencyMs, resp.CostEuro)
	}

	if resp.Success {
		if violation := o.safety.Check(resp.Text); !violation.Allowed {
			o.auditFailure(req, "output_rejected", domain.ErrSafetyRejectedOutput, violation.PIIDetected(), violation.PIITypes())

			// quality_threshold: post-response safety rejects degrade
			// without retrying any candidate, per the fallback engine's
			// failure-mode table.
			degraded, ok := o.resilience.Degrade(ctx, req, o.policy, o.degradation(req))
			if !ok {
				err := fmt.Errorf("%w: %s", domain.ErrSafetyRejectedOutput, violationReasons(violation))
				return domain.Response{}, err
			}
			degraded.RequestID = req.RequestID
			resp = degraded
		}
	}

	if !resp.Cached {
		_ = o.cache.Set(key, resp, req.Context.Domain)
	}

	o.auditLog(req, "request_completed", resp, nil)

	evalResult := o.monitor.Evaluate()
	o.rollback.OnEvaluation(evalResult)

	return resp, nil
}

// buildCandidates ranks decision first, then the rest of the feasible
// models in the order AvailableModels returns them, giving the fallback
// engine somewhere to go when the router's top pick fails.
func (o *Orchestrator) buildCandidates(req domain.Request, decision domain.RouteDecision) []resilience.Candidate {
	timeout := defaultTimeout
	if req.Context.SLALatencyMs > 0 {
		timeout = time.Duration(req.Context.SLALatencyMs) * time.Millisecond
	}

	var out []resilience.Candidate
	seen := make(map[string]bool)

	add := func(mc domain.ModelCapability, priority int) {
		id := string(mc.Provider) + "/" + mc.ModelID
		if seen[id] {
			return
		}
		seen[id] = true
		out = append(out, resilience.Candidate{
			Provider:        mc.Provider,
			ModelID:         mc.ModelID,
			Priority:        priority,
			Timeout:         timeout,
			ExpectedLatency: time.Duration(mc.DefaultLatencyMs) * time.Millisecond,
			CostPer1kInput:  mc.CostPer1kInput,
			CapabilityScore: float64(mc.ContextTokens),
		})
	}

	if primary, ok := o.matrix.Get(decision.Provider, decision.ModelID); ok {
		add(primary, 0)
	}
	for i, mc := range o.router.AvailableModels(req.Context) {
		add(mc, i+1)
	}
	return out
}

// invoke returns the resilience.InvokeFunc dispatching to the registered
// domain.Invoker for a candidate's provider, computing cost from the
// capability matrix's published rates.
func (o *Orchestrator) invoke(req domain.Request) resilience.InvokeFunc {
	return func(ctx context.Context, c resilience.Candidate) (domain.Response, error) {
		inv, ok := o.invokers[c.Provider]
		if !ok {
			kind := domain.ErrProviderServiceUnavail
			return domain.Response{ErrorKind: kind}, fmt.Errorf("%w: no invoker registered for provider %s", kind, c.Provider)
		}

		deadline := time.Time{}
		if c.Timeout > 0 {
			deadline = o.clk.Now().Add(c.Timeout)
		}

		resp, err := inv.Invoke(ctx, c.Provider, c.ModelID, req.Prompt, req.Tools, deadline)
		if err != nil {
			kind := classifyInvokeErr(err)
			return domain.Response{Provider: c.Provider, ModelID: c.ModelID, ErrorKind: kind}, err
		}

		resp.CostEuro = o.estimateCost(c, resp)
		return resp, nil
	}
}

func (o *Orchestrator) estimateCost(c resilience.Candidate, resp domain.Response) float64 {
	mc, ok := o.matrix.Get(c.Provider, c.ModelID)
	if !ok {
		return 0
	}
	if resp.Tokens != nil {
		return float64(resp.Tokens.PromptTokens)/1000*mc.CostPer1kInput + float64(resp.Tokens.CompletionTokens)/1000*mc.CostPer1kOutput
	}
	estOutTokens := len(resp.Text) / estimatedCharsPerToken
	return float64(estOutTokens) / 1000 * mc.CostPer1kOutput
}

// degradation wires the three possible exhaustion strategies against
// this orchestrator's own cache and capability matrix.
func (o *Orchestrator) degradation(req domain.Request) resilience.Degradation {
	return resilience.Degradation{
		FastAnswer: func(d domain.Domain) (domain.Response, bool) {
			return domain.Response{
				Text:    "The requested service is temporarily degraded; please retry shortly.",
				Success: true,
			}, true
		},
		// CachedResponse looks up only the request's own cache key;
		// cached entries for other prompts are not matched, however close.
		CachedResponse: func(r domain.Request) (domain.Response, bool) {
			return o.cache.Get(cache.Key(r))
		},
		SimplifiedModel: func(ctx context.Context, r domain.Request) (domain.Response, error) {
			cheapest := filterCheapest(o.router.AvailableModels(r.Context))
			if cheapest == nil {
				return domain.Response{}, fmt.Errorf("%w: no simplified model available", domain.ErrNoFeasibleModel)
			}
			inv, ok := o.invokers[cheapest.Provider]
			if !ok {
				return domain.Response{}, fmt.Errorf("%w: no invoker for simplified model provider %s", domain.ErrProviderServiceUnavail, cheapest.Provider)
			}
			return inv.Invoke(ctx, cheapest.Provider, cheapest.ModelID, r.Prompt, nil, time.Time{})
		},
	}
}

func filterCheapest(caps []domain.ModelCapability) *domain.ModelCapability {
	if len(caps) == 0 {
		return nil
	}
	cheapest := caps[0]
	for _, c := range caps[1:] {
		if c.CostPer1kInput < cheapest.CostPer1kInput {
			cheapest = c
		}
	}
	return &cheapest
}

func classifyInvokeErr(err error) domain.ErrorKind {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, domain.ErrProviderTimeout):
		return domain.ErrProviderTimeout
	case errors.Is(err, domain.ErrProviderQuotaExceeded):
		return domain.ErrProviderQuotaExceeded
	case errors.Is(err, domain.ErrAuthorizationRefused):
		return domain.ErrAuthorizationRefused
	default:
		return domain.ErrProviderServiceUnavail
	}
}

func classifyRouteErr(err error) domain.ErrorKind {
	switch {
	case errors.Is(err, domain.ErrNoFeasibleModel):
		return domain.ErrNoFeasibleModel
	case errors.Is(err, domain.ErrComplianceViolation):
		return domain.ErrComplianceViolation
	default:
		return domain.ErrAllProvidersUnavailable
	}
}

func violationReasons(r safety.Result) string {
	if len(r.Violations) == 0 {
		return "content rejected"
	}
	reason := ""
	for i, v := range r.Violations {
		if i > 0 {
			reason += "; "
		}
		reason += string(v.Type)
	}
	return reason
}

func (o *Orchestrator) auditLog(req domain.Request, eventType string, resp domain.Response, metadata map[string]any) {
	_, _ = o.audit.LogEvent(audit.Input{
		EventType:   eventType,
		RequestID:   req.RequestID,
		Provider:    resp.Provider,
		ModelID:     resp.ModelID,
		Content:     []byte(req.Prompt),
		ContentType: domain.ContentPrompt,
		PIIHint:     req.Context.PIIHint,
		Domain:      req.Context.Domain,
		TenantSet:   req.Context.Tenant != "",
		RawUserID:   req.Context.UserID,
		LatencyMs:   resp.LatencyMs,
		CostEuro:    resp.CostEuro,
		TokensUsed:  tokensUsed(resp),
		ErrorKind:   resp.ErrorKind,
		Metadata:    metadata,
	})
}

func (o *Orchestrator) auditFailure(req domain.Request, eventType string, kind domain.ErrorKind, piiDetected bool, piiTypes []string) {
	_, _ = o.audit.LogEvent(audit.Input{
		EventType:   eventType,
		RequestID:   req.RequestID,
		Content:     []byte(req.Prompt),
		ContentType: domain.ContentPrompt,
		PIIHint:     req.Context.PIIHint,
		Domain:      req.Context.Domain,
		TenantSet:   req.Context.Tenant != "",
		RawUserID:   req.Context.UserID,
		PIIDetected: piiDetected,
		PIITypes:    piiTypes,
		ErrorKind:   kind,
	})
}

func tokensUsed(resp domain.Response) int {
	if resp.Tokens == nil {
		return 0
	}
	return resp.Tokens.PromptTokens + resp.Tokens.CompletionTokens
}

// AvailableModels lists the capabilities the router considers feasible
// for a request context, without budget/affinity/bandit narrowing.
func (o *Orchestrator) AvailableModels(reqCtx domain.RequestContext) []domain.ModelCapability {
	return o.router.AvailableModels(reqCtx)
}

// UpdateCapability applies a partial update to one model's capability
// record, e.g. from an admin endpoint.
func (o *Orchestrator) UpdateCapability(provider domain.Provider, modelID string, partial capability.PartialUpdate) error {
	return o.router.UpdateCapability(provider, modelID, partial)
}

// ResetBandit clears the learned posterior for one routing bucket.
func (o *Orchestrator) ResetBandit(bucket string) {
	if o.bandit != nil {
		o.bandit.Reset(bucket)
	}
}

// HealthStatus summarizes the current circuit-breaker state per provider
// and the latest performance window.
type HealthStatus struct {
	Circuits []domain.CircuitBreakerState
	Window   monitor.WindowStats
}

// HealthStatus reports the current circuit-breaker and performance
// window state, for an admin/health endpoint.
func (o *Orchestrator) HealthStatus() HealthStatus {
	circuits := make([]domain.CircuitBreakerState, 0, len(domain.AllProviders()))
	for _, p := range domain.AllProviders() {
		circuits = append(circuits, o.breaker.State(p))
	}
	return HealthStatus{Circuits: circuits, Window: o.monitor.Stats()}
}

// TriggerManualRollback runs an operator-initiated rollback. mode must be
// "emergency" or "gradual".
func (o *Orchestrator) TriggerManualRollback(mode string, reason string) (*monitor.RollbackState, error) {
	switch mode {
	case "emergency":
		return o.rollback.EmergencyRollback(reason), nil
	case "gradual":
		return o.rollback.GradualRollback(reason), nil
	default:
		return nil, fmt.Errorf("orchestrator: unknown rollback mode %q", mode)
	}
}

// GetAuditEvents returns every retained audit event.
func (o *Orchestrator) GetAuditEvents() []domain.AuditEvent {
	return o.audit.Events()
}

// VerifyIntegrity recomputes and checks the hash chain over every
// retained audit event.
func (o *Orchestrator) VerifyIntegrity() audit.IntegrityResult {
	return audit.VerifyIntegrity(o.audit.Events())
}

// RecordQualitySignals feeds one externally-scored quality sample into
// the drift monitor. Signals is an external seam: this project does not
// itself grade model output, matching domain.Invoker's role for
// transport.
func (o *Orchestrator) RecordQualitySignals(provider domain.Provider, modelID string, signals quality.Signals) float64 {
	return o.quality.Record(provider, modelID, signals)
}

// CaptureConfigSnapshot records a known-good configuration for later
// rollback.
func (o *Orchestrator) CaptureConfigSnapshot(snapshot domain.ConfigurationSnapshot) error {
	return o.rollback.CaptureSnapshot(snapshot)
}

// BuildConfigSnapshot assembles the current live configuration — feature
// flags and the performance window — into a ConfigurationSnapshot ready
// for CaptureConfigSnapshot. Callers that also want ModelOverrides or
// RoutingRules captured should set those fields on the returned value
// before calling CaptureConfigSnapshot.
func (o *Orchestrator) BuildConfigSnapshot() domain.ConfigurationSnapshot {
	stats := o.monitor.Stats()
	snapshot := domain.ConfigurationSnapshot{
		Timestamp:      o.clk.Now(),
		FeatureFlagMap: o.flags.Snapshot(),
		PerformanceBaseline: map[string]float64{
			"error_rate":       stats.ErrorRate,
			"p95_latency_ms":   stats.P95Latency,
			"cost_per_request": stats.CostPerRequest,
		},
	}
	snapshot.Checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(fmt.Sprintf("%v", snapshot))))
	return snapshot
}
