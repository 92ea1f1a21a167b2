package audit

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"aiorchestrator/internal/clock"
	"aiorchestrator/internal/domain"
)

func newTestTrail(t *testing.T) (*Trail, *bytes.Buffer) {
	t.Helper()
	salt, err := DeriveSalt([]byte("test-seed-material-thats-long-enough"))
	if err != nil {
		t.Fatalf("derive salt: %v", err)
	}
	var buf bytes.Buffer
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return New(DefaultConfig(), clk, &buf, salt), &buf
}

func TestLogEventChainsWithinRequest(t *testing.T) {
	trail, _ := newTestTrail(t)

	first, err := trail.LogEvent(Input{EventType: "ai_request_start", RequestID: "req-1", Content: []byte("hello")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.PreviousEventHash != "" {
		t.Errorf("first event should have empty previousEventHash, got %q", first.PreviousEventHash)
	}

	second, err := trail.LogEvent(Input{EventType: "ai_request_complete", RequestID: "req-1", Content: []byte("world")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.PreviousEventHash != first.EventHash {
		t.Errorf("second.previousEventHash = %q, want %q", second.PreviousEventHash, first.EventHash)
	}
}

func TestLogEventNeverStoresRawContent(t *testing.T) {
	trail, buf := newTestTrail(t)
	_, err := trail.LogEvent(Input{EventType: "ai_request_start", RequestID: "req-2", Content: []byte("super secret prompt text")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(buf.String(), "super secret prompt text") {
		t.Fatal("sink output must never contain raw content")
	}
}

func TestClassifyPIITakesPrecedence(t *testing.T) {
	trail, _ := newTestTrail(t)
	evt, err := trail.LogEvent(Input{
		EventType: "ai_request_start",
		RequestID: "req-3",
		PIIHint:   true,
		Domain:    domain.DomainLegal,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if evt.DataClassification != domain.ClassRestricted {
		t.Errorf("got %q, want restricted", evt.DataClassification)
	}
	if evt.GDPRLawfulBasis != "consent" {
		t.Errorf("got %q, want consent", evt.GDPRLawfulBasis)
	}
}

func TestClassifyLegalDomainWithoutPII(t *testing.T) {
	trail, _ := newTestTrail(t)
	evt, _ := trail.LogEvent(Input{EventType: "x", RequestID: "req-4", Domain: domain.DomainLegal})
	if evt.DataClassification != domain.ClassConfidential {
		t.Errorf("got %q, want confidential", evt.DataClassification)
	}
	if evt.GDPRLawfulBasis != "legal_obligation" {
		t.Errorf("got %q, want legal_obligation", evt.GDPRLawfulBasis)
	}
}

func TestClassifyTenantSetFallsBackToInternal(t *testing.T) {
	trail, _ := newTestTrail(t)
	evt, _ := trail.LogEvent(Input{EventType: "x", RequestID: "req-5", TenantSet: true})
	if evt.DataClassification != domain.ClassInternal {
		t.Errorf("got %q, want internal", evt.DataClassification)
	}
	if evt.GDPRLawfulBasis != "legitimate_interests" {
		t.Errorf("got %q, want legitimate_interests", evt.GDPRLawfulBasis)
	}
}

func TestClassifyDefaultsToPublic(t *testing.T) {
	trail, _ := newTestTrail(t)
	evt, _ := trail.LogEvent(Input{EventType: "x", RequestID: "req-6"})
	if evt.DataClassification != domain.ClassPublic {
		t.Errorf("got %q, want public", evt.DataClassification)
	}
}

func TestPseudonymizeIsStableAndNonReversible(t *testing.T) {
	trail, _ := newTestTrail(t)
	a := trail.Pseudonymize("user-42")
	b := trail.Pseudonymize("user-42")
	if a != b {
		t.Error("pseudonym must be stable for the same raw id")
	}
	if a == "user-42" {
		t.Error("pseudonym must never equal the raw id")
	}
}

func TestVerifyIntegrityValidChain(t *testing.T) {
	trail, _ := newTestTrail(t)
	e1, _ := trail.LogEvent(Input{EventType: "ai_request_start", RequestID: "req-1"})
	e2, _ := trail.LogEvent(Input{EventType: "ai_request_complete", RequestID: "req-1"})

	result := VerifyIntegrity([]domain.AuditEvent{e1, e2})
	if !result.Valid {
		t.Fatalf("expected valid chain, got errors: %v", result.Errors)
	}
}

func TestVerifyIntegrityDetectsTamper(t *testing.T) {
	trail, _ := newTestTrail(t)
	e1, _ := trail.LogEvent(Input{EventType: "ai_request_start", RequestID: "req-1"})
	e2, _ := trail.LogEvent(Input{EventType: "ai_request_complete", RequestID: "req-1"})

	e1.ContentHash = "tampered"
	result := VerifyIntegrity([]domain.AuditEvent{e1, e2})
	if result.Valid {
		t.Fatal("expected tamper to be detected")
	}
	if len(result.Errors) == 0 || !strings.Contains(result.Errors[0], e1.EventID) {
		t.Errorf("expected error naming the tampered event, got %v", result.Errors)
	}
}

func TestLogEventDisabledIsNoop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnableAuditTrail = false
	var buf bytes.Buffer
	clk := clock.NewFake(time.Now())
	trail := New(cfg, clk, &buf, []byte("salt"))

	evt, err := trail.LogEvent(Input{EventType: "x", RequestID: "req-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if evt.EventID != "" {
		t.Error("disabled trail should return a zero-value event")
	}
	if buf.Len() != 0 {
		t.Error("disabled trail should not write to sink")
	}
}
