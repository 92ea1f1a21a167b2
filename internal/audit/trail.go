// Package audit implements the append-only, hash-chained event log. Every
// LogEvent call redacts raw content down to a hash, classifies the event,
// links it to the previous event for the same request, and emits it to a
// pluggable sink.
package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"aiorchestrator/internal/clock"
	"aiorchestrator/internal/domain"
)

// Config toggles the behavior described in the audit-trail design.
type Config struct {
	EnableAuditTrail     bool
	EnableIntegrityCheck bool
	EnablePIILogging     bool
	RetentionDays        int
	ComplianceMode       string // "strict" | "standard"
	AnonymizationEnabled bool
}

// DefaultConfig matches the teacher's convention of a conservative,
// everything-on default.
func DefaultConfig() Config {
	return Config{
		EnableAuditTrail:     true,
		EnableIntegrityCheck: true,
		EnablePIILogging:     true,
		RetentionDays:        90,
		ComplianceMode:       "standard",
		AnonymizationEnabled: true,
	}
}

// Trail is the hash-chained, append-only audit log.
type Trail struct {
	cfg   Config
	clk   clock.Clock
	sink  io.Writer
	salt  []byte
	mu    sync.Mutex
	last  map[string]string // requestId -> last eventHash
	kept  []domain.AuditEvent
}

// New creates a Trail writing line-delimited canonical JSON to sink. salt
// must be the process-wide pseudonymization key derived once at startup
// (see DeriveSalt); it is never persisted.
func New(cfg Config, clk clock.Clock, sink io.Writer, salt []byte) *Trail {
	return &Trail{
		cfg:  cfg,
		clk:  clk,
		sink: sink,
		salt: salt,
		last: make(map[string]string),
	}
}

// DeriveSalt extends a random seed into a stable 32-byte HMAC key using
// HKDF, the same key-derivation primitive the teacher's encryption service
// uses for key material — applied here to a one-way pseudonym instead of
// reversible encryption.
func DeriveSalt(randomSeed []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, randomSeed, nil, []byte("aiorchestrator-audit-pseudonym"))
	salt := make([]byte, 32)
	if _, err := io.ReadFull(r, salt); err != nil {
		return nil, fmt.Errorf("audit: derive salt: %w", err)
	}
	return salt, nil
}

// Input is the caller-supplied payload for one event; Trail fills in the
// eventId, timestamp, hash chain, classification, and lawful basis.
type Input struct {
	EventType   string
	RequestID   string
	Provider    domain.Provider
	ModelID     string
	Content     []byte // raw prompt/response text; never stored, only hashed
	ContentType domain.ContentType
	PIIHint     bool // context.pii
	Domain      domain.Domain
	TenantSet   bool
	RawUserID   string
	PIIDetected bool
	PIITypes    []string
	LatencyMs   int64
	CostEuro    float64
	TokensUsed  int
	ErrorKind   domain.ErrorKind
	Metadata    map[string]any
}

// hashableEvent mirrors domain.AuditEvent but omits EventHash, matching
// "canonicalSerialize(event without eventHash)".
type hashableEvent struct {
	EventID            string             `json:"eventId"`
	Timestamp          int64              `json:"timestamp"`
	EventType          string             `json:"eventType"`
	RequestID          string             `json:"requestId,omitempty"`
	Provider           domain.Provider    `json:"provider,omitempty"`
	ModelID            string             `json:"modelId,omitempty"`
	ContentHash        string             `json:"contentHash"`
	ContentLength      int                `json:"contentLength"`
	ContentType        domain.ContentType `json:"contentType"`
	DataClassification string             `json:"dataClassification"`
	GDPRLawfulBasis    string             `json:"gdprLawfulBasis"`
	ComplianceStatus   string             `json:"complianceStatus"`
	PIIDetected        bool               `json:"piiDetected,omitempty"`
	PIITypes           []string           `json:"piiTypes,omitempty"`
	LatencyMs          int64              `json:"latencyMs,omitempty"`
	CostEuro           float64            `json:"costEuro,omitempty"`
	TokensUsed         int                `json:"tokensUsed,omitempty"`
	ErrorKind          string             `json:"errorKind,omitempty"`
	PreviousEventHash  string             `json:"previousEventHash"`
	Metadata           map[string]any     `json:"metadata,omitempty"`
	SchemaVersion      int                `json:"schemaVersion"`
}

const schemaVersion = 1

// LogEvent appends one event to the chain and returns the stored record.
// A sink write failure is non-fatal: it is returned to the caller as
// domain.ErrAuditSinkUnavailable, the event is still linked in-memory so
// the chain for this requestId stays consistent.
func (t *Trail) LogEvent(in Input) (domain.AuditEvent, error) {
	if !t.cfg.EnableAuditTrail {
		return domain.AuditEvent{}, nil
	}

	contentHash := sha256Hex(in.Content)
	classification := t.classify(in)
	lawfulBasis := t.lawfulBasis(in)

	piiTypes := in.PIITypes
	piiDetected := in.PIIDetected
	if !t.cfg.EnablePIILogging {
		piiTypes = nil
	}

	t.mu.Lock()
	prevHash := t.last[in.RequestID]
	evt := hashableEvent{
		EventID:            uuid.NewString(),
		Timestamp:          t.clk.Now().UnixNano(),
		EventType:          in.EventType,
		RequestID:          in.RequestID,
		Provider:           in.Provider,
		ModelID:            in.ModelID,
		ContentHash:        contentHash,
		ContentLength:      len(in.Content),
		ContentType:        in.ContentType,
		DataClassification: string(classification),
		GDPRLawfulBasis:    lawfulBasis,
		ComplianceStatus:   string(domain.CompliancePending),
		PIIDetected:        piiDetected,
		PIITypes:           piiTypes,
		LatencyMs:          in.LatencyMs,
		CostEuro:           in.CostEuro,
		TokensUsed:         in.TokensUsed,
		ErrorKind:          string(in.ErrorKind),
		PreviousEventHash:  prevHash,
		Metadata:           in.Metadata,
		SchemaVersion:      schemaVersion,
	}

	eventHash, err := canonicalHash(evt)
	if err != nil {
		t.mu.Unlock()
		return domain.AuditEvent{}, fmt.Errorf("audit: canonical hash: %w", err)
	}

	if in.RequestID != "" {
		t.last[in.RequestID] = eventHash
	}

	record := domain.AuditEvent{
		EventID:            evt.EventID,
		Timestamp:          time.Unix(0, evt.Timestamp).UTC(),
		EventType:          evt.EventType,
		RequestID:          evt.RequestID,
		Provider:           evt.Provider,
		ModelID:            evt.ModelID,
		ContentHash:        evt.ContentHash,
		ContentLength:      evt.ContentLength,
		ContentType:        evt.ContentType,
		DataClassification: classification,
		GDPRLawfulBasis:    evt.GDPRLawfulBasis,
		ComplianceStatus:   domain.CompliancePending,
		PIIDetected:        evt.PIIDetected,
		PIITypes:           evt.PIITypes,
		LatencyMs:          evt.LatencyMs,
		CostEuro:           evt.CostEuro,
		TokensUsed:         evt.TokensUsed,
		ErrorKind:          in.ErrorKind,
		PreviousEventHash:  evt.PreviousEventHash,
		EventHash:          eventHash,
		Metadata:           evt.Metadata,
		SchemaVersion:      evt.SchemaVersion,
	}
	t.kept = append(t.kept, record)
	t.mu.Unlock()

	if t.sink != nil {
		line, err := json.Marshal(record)
		if err == nil {
			line = append(line, '\n')
			if _, werr := t.sink.Write(line); werr != nil {
				return record, fmt.Errorf("audit: sink write: %w: %w", domain.ErrAuditSinkUnavailable, werr)
			}
		}
	}

	return record, nil
}

// Pseudonymize returns a stable, non-reversible pseudonym for rawUserID.
// The same rawUserID always maps to the same pseudonym within one process
// lifetime (the salt is regenerated on restart), and the pseudonym never
// coincides with the raw id.
func (t *Trail) Pseudonymize(rawUserID string) string {
	if rawUserID == "" {
		return ""
	}
	mac := hmac.New(sha256.New, t.salt)
	mac.Write([]byte(rawUserID))
	return fmt.Sprintf("%x", mac.Sum(nil))
}

func (t *Trail) classify(in Input) domain.DataClassification {
	return classify(in.PIIHint, in.Domain, in.TenantSet)
}

// ClassifyRequest derives the data classification of a request context
// using the same rule LogEvent applies to its Input, for callers (the
// orchestrator's compliance step) that need a classification before any
// audit event exists.
func ClassifyRequest(ctx domain.RequestContext) domain.DataClassification {
	return classify(ctx.PIIHint, ctx.Domain, ctx.Tenant != "")
}

func classify(piiHint bool, d domain.Domain, tenantSet bool) domain.DataClassification {
	switch {
	case piiHint:
		return domain.ClassRestricted
	case d == domain.DomainLegal || d == domain.DomainMedical:
		return domain.ClassConfidential
	case tenantSet:
		return domain.ClassInternal
	default:
		return domain.ClassPublic
	}
}

func (t *Trail) lawfulBasis(in Input) string {
	switch {
	case in.PIIHint:
		return "consent"
	case in.Domain == domain.DomainLegal:
		return "legal_obligation"
	default:
		return "legitimate_interests"
	}
}

// Events returns every event retained in-memory, for GetAuditEvents-style
// filtering by the orchestrator façade.
func (t *Trail) Events() []domain.AuditEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]domain.AuditEvent, len(t.kept))
	copy(out, t.kept)
	return out
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return fmt.Sprintf("%x", sum)
}

func canonicalHash(evt hashableEvent) (string, error) {
	b, err := json.Marshal(evt)
	if err != nil {
		return "", err
	}
	return sha256Hex(b), nil
}

// IntegrityResult is the outcome of VerifyIntegrity.
type IntegrityResult struct {
	Valid  bool
	Errors []string
}

// VerifyIntegrity recomputes each event's hash and confirms it matches its
// stored EventHash, and that its PreviousEventHash equals the prior
// event's hash within the same requestId. Events are checked in the
// order given; callers should pass them in append order.
func VerifyIntegrity(events []domain.AuditEvent) IntegrityResult {
	result := IntegrityResult{Valid: true}
	lastHash := make(map[string]string)

	for i, e := range events {
		recomputed, err := canonicalHash(toHashable(e))
		if err != nil {
			result.Valid = false
			result.Errors = append(result.Errors, fmt.Sprintf("event %d (%s): hash recompute failed: %v", i, e.EventID, err))
			continue
		}
		if recomputed != e.EventHash {
			result.Valid = false
			result.Errors = append(result.Errors, fmt.Sprintf("event %d (%s): stored hash mismatch, content was tampered with", i, e.EventID))
		}

		expectedPrev := lastHash[e.RequestID]
		if e.PreviousEventHash != expectedPrev {
			result.Valid = false
			result.Errors = append(result.Errors, fmt.Sprintf("event %d (%s): previousEventHash broken for requestId=%s", i, e.EventID, e.RequestID))
		}
		if e.RequestID != "" {
			lastHash[e.RequestID] = e.EventHash
		}
	}

	return result
}

func toHashable(e domain.AuditEvent) hashableEvent {
	return hashableEvent{
		EventID:            e.EventID,
		Timestamp:          e.Timestamp.UnixNano(),
		EventType:          e.EventType,
		RequestID:          e.RequestID,
		Provider:           e.Provider,
		ModelID:            e.ModelID,
		ContentHash:        e.ContentHash,
		ContentLength:      e.ContentLength,
		ContentType:        e.ContentType,
		DataClassification: string(e.DataClassification),
		GDPRLawfulBasis:    e.GDPRLawfulBasis,
		ComplianceStatus:   string(e.ComplianceStatus),
		PIIDetected:        e.PIIDetected,
		PIITypes:           e.PIITypes,
		LatencyMs:          e.LatencyMs,
		CostEuro:           e.CostEuro,
		TokensUsed:         e.TokensUsed,
		ErrorKind:          string(e.ErrorKind),
		PreviousEventHash:  e.PreviousEventHash,
		Metadata:           e.Metadata,
		SchemaVersion:      e.SchemaVersion,
	}
}
