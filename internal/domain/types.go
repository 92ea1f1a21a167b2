// Package domain defines the shared vocabulary of the AI orchestrator core:
// requests, responses, capability records, and the other plain data that
// every component reads or produces. Nothing in this package depends on
// any other internal package.
package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Domain is the business vertical a request belongs to.
type Domain string

const (
	DomainGeneral  Domain = "general"
	DomainCulinary Domain = "culinary"
	DomainSupport  Domain = "support"
	DomainLegal    Domain = "legal"
	DomainMedical  Domain = "medical"
)

// BudgetTier selects the cost/quality tradeoff a caller is willing to make.
type BudgetTier string

const (
	BudgetLow      BudgetTier = "low"
	BudgetStandard BudgetTier = "standard"
	BudgetHigh     BudgetTier = "high"
)

// Provider identifies one of the contemplated model vendors. The set is a
// closed enumeration — new providers require a code change, not config.
type Provider string

const (
	ProviderAWS    Provider = "aws"    // AWS-hosted model family (Bedrock)
	ProviderSearch Provider = "search" // search-vendor model family
	ProviderSocial Provider = "social" // social-vendor model family
)

// AllProviders returns the closed set of contemplated providers.
func AllProviders() []Provider {
	return []Provider{ProviderAWS, ProviderSearch, ProviderSocial}
}

// ToolDescriptor describes one tool a caller made available to the model.
type ToolDescriptor struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// RequestContext carries the routing-relevant facts about a request that
// are not the prompt text itself.
type RequestContext struct {
	Domain       Domain
	Intent       string
	Locale       string // BCP-47, e.g. "en-US"
	BudgetTier   BudgetTier
	RequireTools bool
	SLALatencyMs int
	UserID       string
	SessionID    string
	Tenant       string
	PIIHint      bool
}

// Request is the immutable unit of work the façade accepts. It is created
// by the gateway, never mutated, and discarded once a Response has been
// returned to the caller.
type Request struct {
	RequestID string
	Prompt    string
	Context   RequestContext
	Tools     []ToolDescriptor
}

// NewRequest stamps a fresh RequestID and returns an immutable Request.
func NewRequest(prompt string, ctx RequestContext, tools []ToolDescriptor) Request {
	return Request{
		RequestID: uuid.NewString(),
		Prompt:    prompt,
		Context:   ctx,
		Tools:     tools,
	}
}

// ModelCapability describes what a (provider, modelID) pair can do and
// what it costs. Immutable at startup; updatable only through the
// capability matrix's admin operation.
type ModelCapability struct {
	Provider         Provider
	ModelID          string
	ContextTokens    int
	SupportsTools    bool
	SupportsJSON     bool
	SupportsVision   bool
	DefaultLatencyMs int
	CostPer1kInput   float64
	CostPer1kOutput  float64
	Region           string // effective region, AWS family only
}

// Valid enforces the capability-matrix invariant: a strictly positive
// token limit, non-negative costs.
func (c ModelCapability) Valid() bool {
	return c.ContextTokens > 0 && c.CostPer1kInput >= 0 && c.CostPer1kOutput >= 0
}

// RouteDecision is produced by the router and consumed by the fallback
// engine. It is never persisted.
type RouteDecision struct {
	Provider    Provider
	ModelID     string
	Temperature float64
	Tools       []ToolDescriptor
	Reason      string
}

// ErrorKind is the closed vocabulary of error conditions the orchestrator
// can surface, per the error-handling design.
type ErrorKind string

const (
	ErrNoFeasibleModel         ErrorKind = "no_feasible_model"
	ErrAllProvidersUnavailable ErrorKind = "all_providers_unavailable"
	ErrSafetyRejectedInput     ErrorKind = "safety_rejected_input"
	ErrSafetyRejectedOutput    ErrorKind = "safety_rejected_output"
	ErrSSRFBlocked             ErrorKind = "ssrf_blocked"
	ErrComplianceViolation     ErrorKind = "compliance_violation"
	ErrProviderTimeout         ErrorKind = "provider_timeout"
	ErrProviderQuotaExceeded   ErrorKind = "provider_quota_exceeded"
	ErrProviderServiceUnavail  ErrorKind = "provider_service_unavailable"
	ErrAuthorizationRefused    ErrorKind = "authorization_refused"
	ErrCacheUnavailable        ErrorKind = "cache_unavailable"      // non-fatal
	ErrAuditSinkUnavailable    ErrorKind = "audit_sink_unavailable" // non-fatal
	ErrInternalInvariant       ErrorKind = "internal_invariant_violation"
)

// Error satisfies the error interface so an ErrorKind can be used directly
// as a sentinel with fmt.Errorf("%w", ...) and errors.Is.
func (k ErrorKind) Error() string {
	return string(k)
}

// Fatal reports whether an error kind is surfaced directly to the caller
// without retry (true) or recovered locally by the fallback engine
// (false). Non-fatal infrastructure errors are logged and the request
// continues — callers should treat false as "request may still succeed".
func (k ErrorKind) Fatal() bool {
	switch k {
	case ErrSafetyRejectedInput, ErrSafetyRejectedOutput, ErrSSRFBlocked,
		ErrComplianceViolation, ErrNoFeasibleModel, ErrInternalInvariant,
		ErrAuthorizationRefused:
		return true
	default:
		return false
	}
}

// Retryable reports whether the fallback engine should retry against the
// same or another provider on this error kind.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrProviderTimeout, ErrProviderQuotaExceeded, ErrProviderServiceUnavail:
		return true
	default:
		return false
	}
}

// TokenUsage reports input/output token counts for a completed call.
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
}

// ToolCall is one invocation of a tool the model requested.
type ToolCall struct {
	Name      string
	Arguments map[string]any
}

// Response is created exactly once per completed request.
type Response struct {
	Provider  Provider
	ModelID   string
	Text      string
	ToolCalls []ToolCall
	LatencyMs int64
	CostEuro  float64
	Success   bool
	ErrorKind ErrorKind
	RequestID string
	Cached    bool
	Tokens    *TokenUsage
}

// Valid enforces the Response invariants from the data model: latency and
// cost are non-negative, and success is false iff an error kind is set.
func (r Response) Valid() bool {
	if r.LatencyMs < 0 || r.CostEuro < 0 {
		return false
	}
	return r.Success == (r.ErrorKind == "")
}

// QueryPattern tracks a normalized prompt observed by the cache optimizer.
type QueryPattern struct {
	NormalizedKey     string
	OriginalPrompt    string
	Frequency         int
	LastSeen          time.Time
	AverageLatencyMs  float64
	EstimatedCostEuro float64
	DomainSet         map[Domain]struct{}
	IntentSet         map[string]struct{}
	LocaleSet         map[string]struct{}
	BudgetTierSet     map[BudgetTier]struct{}
}

// CircuitState is one of the three circuit-breaker states.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// CircuitBreakerState is the per-provider breaker snapshot exposed to
// admin/health queries.
type CircuitBreakerState struct {
	Provider    Provider
	Failures    int
	LastFailure time.Time
	State       CircuitState
	OpenUntil   time.Time
}

// DataClassification is the audit-event sensitivity tier.
type DataClassification string

const (
	ClassPublic       DataClassification = "public"
	ClassInternal     DataClassification = "internal"
	ClassConfidential DataClassification = "confidential"
	ClassRestricted   DataClassification = "restricted"
)

// ComplianceStatus is the audit-event compliance outcome.
type ComplianceStatus string

const (
	CompliancePending   ComplianceStatus = "pending"
	ComplianceCompliant ComplianceStatus = "compliant"
	ComplianceWarning   ComplianceStatus = "warning"
	ComplianceViolation ComplianceStatus = "violation"
)

// ContentType identifies what an audit event's content hash covers.
type ContentType string

const (
	ContentPrompt   ContentType = "prompt"
	ContentResponse ContentType = "response"
	ContentMetadata ContentType = "metadata"
)

// AuditEvent is one append-only, hash-chained record.
type AuditEvent struct {
	EventID            string
	Timestamp          time.Time
	EventType          string
	RequestID          string
	Provider           Provider
	ModelID            string
	ContentHash        string
	ContentLength      int
	ContentType        ContentType
	DataClassification DataClassification
	GDPRLawfulBasis    string
	ComplianceStatus   ComplianceStatus
	PIIDetected        bool
	PIITypes           []string
	LatencyMs          int64
	CostEuro           float64
	TokensUsed         int
	ErrorKind          ErrorKind
	PreviousEventHash  string
	EventHash          string
	Metadata           map[string]any
	SchemaVersion      int
}

// SLOMetric names a metric an SLO can be evaluated against.
// monitor.DefaultSLOs covers error rate, p95 latency and availability;
// cost per request is available for additional SLOs.
type SLOMetric string

const (
	SLOErrorRate      SLOMetric = "errorRate"
	SLOP95Latency     SLOMetric = "p95Latency"
	SLOAvailability   SLOMetric = "availability"
	SLOCostPerRequest SLOMetric = "costPerRequest"
)

// SLOOperator is the comparison used to decide a violation.
type SLOOperator string

const (
	OpLessOrEqual    SLOOperator = "<="
	OpGreaterOrEqual SLOOperator = ">="
)

// Severity is the alert severity produced by an SLO violation.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// SLO is a single service-level objective definition.
type SLO struct {
	Name      string
	Metric    SLOMetric
	Threshold float64
	Operator  SLOOperator
	Severity  Severity
}

// ConfigurationSnapshot is a captured known-good configuration, taken by
// the rollback manager while the system is provably healthy.
type ConfigurationSnapshot struct {
	Timestamp           time.Time
	ProviderWeights     map[Provider]float64
	ModelOverrides      map[string]ModelCapability
	FeatureFlagMap      map[string]any
	RoutingRules        map[string]any
	PerformanceBaseline map[string]float64
	Checksum            string
}

// MetricsSink is the external collaborator that records scalar metrics.
// Implemented by the Prometheus-backed telemetry package by default.
type MetricsSink interface {
	RecordMetric(namespace, name string, dims map[string]string, value float64, unit string)
}

// Invoker is the single-method seam to an external provider transport.
// Real HTTP transport to each vendor is explicitly out of scope for this
// module — adapters are external collaborators.
type Invoker interface {
	Invoke(ctx context.Context, provider Provider, modelID string, prompt string, tools []ToolDescriptor, deadline time.Time) (Response, error)
}
