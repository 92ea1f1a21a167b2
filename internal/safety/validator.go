// Package safety implements the content-safety policy applied to prompts
// before invocation and to responses after, plus an SSRF validator for
// outbound URLs. The orchestrator does not call the SSRF validator; the
// compliance validator lives in internal/compliance.
package safety

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"aiorchestrator/internal/clock"
)

// ViolationType is the closed vocabulary of safety violation kinds.
type ViolationType string

const (
	ViolationToxicity  ViolationType = "TOXICITY"
	ViolationPII       ViolationType = "PII"
	ViolationJailbreak ViolationType = "JAILBREAK"
	ViolationHate      ViolationType = "HATE"
)

// Severity mirrors domain.Severity but safety violations also carry an
// "info" tier below warning, so it is kept as a local string enum.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Violation is one typed, severity-tagged finding.
type Violation struct {
	Type     ViolationType
	Message  string
	Severity Severity
}

// Result is the outcome of a Check call.
type Result struct {
	Allowed           bool
	Confidence        float64
	Violations        []Violation
	ProcessingTimeMs  int64
}

// Config holds the detection rules. Patterns are matched against the full
// content exactly as written: New adds no flags, so a pattern is
// case-insensitive only if it carries (?i), as the default jailbreak and
// toxicity patterns do.
type Config struct {
	MaxPromptLength    int
	JailbreakPatterns  []string
	ToxicityPatterns   []string
	PIIPatterns        map[string]string // name -> regex, e.g. "email" -> ...
}

// DefaultConfig mirrors the teacher's injection-pattern table, extended
// with toxicity and PII detection per the safety-check design.
func DefaultConfig() Config {
	return Config{
		MaxPromptLength: 100000,
		JailbreakPatterns: []string{
			`(?i)ignore\s+(all\s+)?(previous|all|above)\s+(instructions?|prompts?)`,
			`(?i)disregard\s+(previous|all|your)\s+(instructions?|prompts?)`,
			`(?i)you\s+are\s+now\s+(a|an|in)`,
			`(?i)pretend\s+(you|to\s+be)`,
			`(?i)jailbreak`,
			`(?i)bypass\s+(safety|filter|restriction)`,
			`(?i)developer\s+mode`,
			`(?i)DAN\s+mode`,
		},
		ToxicityPatterns: []string{
			`(?i)\b(kill|murder)\s+(yourself|all\s+\w+)\b`,
			`(?i)\bhate\s+(all\s+)?\w+\s+people\b`,
		},
		PIIPatterns: map[string]string{
			"email":       `[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`,
			"ssn":         `\b\d{3}-\d{2}-\d{4}\b`,
			"credit_card": `\b(?:\d[ -]*?){13,16}\b`,
			"phone":       `\b\+?\d{1,3}[-. ]?\(?\d{3}\)?[-. ]?\d{3}[-. ]?\d{4}\b`,
		},
	}
}

type compiledConfig struct {
	maxPromptLength int
	jailbreak       []*regexp.Regexp
	toxicity        []*regexp.Regexp
	pii             map[string]*regexp.Regexp
}

// Validator runs the content-safety check.
type Validator struct {
	cfg compiledConfig
	clk clock.Clock
}

// New compiles cfg's patterns once at construction; Check never compiles
// a regexp on the hot path.
func New(cfg Config, clk clock.Clock) *Validator {
	cc := compiledConfig{
		maxPromptLength: cfg.MaxPromptLength,
		pii:             make(map[string]*regexp.Regexp, len(cfg.PIIPatterns)),
	}
	for _, p := range cfg.JailbreakPatterns {
		cc.jailbreak = append(cc.jailbreak, regexp.MustCompile(p))
	}
	for _, p := range cfg.ToxicityPatterns {
		cc.toxicity = append(cc.toxicity, regexp.MustCompile(p))
	}
	for name, p := range cfg.PIIPatterns {
		cc.pii[name] = regexp.MustCompile(p)
	}
	return &Validator{cfg: cc, clk: clk}
}

// Check evaluates content (a prompt pre-invocation, or a response
// post-invocation) and returns a typed, severity-tagged result. allowed
// is false iff at least one critical-severity violation was found.
func (v *Validator) Check(content string) Result {
	start := v.clk.Now()
	var violations []Violation

	if v.cfg.maxPromptLength > 0 && utf8.RuneCountInString(content) > v.cfg.maxPromptLength {
		violations = append(violations, Violation{
			Type:     ViolationJailbreak,
			Message:  "content exceeds maximum length",
			Severity: SeverityWarning,
		})
	}

	for _, re := range v.cfg.jailbreak {
		if re.MatchString(content) {
			violations = append(violations, Violation{
				Type:     ViolationJailbreak,
				Message:  "matched jailbreak/injection pattern: " + re.String(),
				Severity: SeverityCritical,
			})
		}
	}

	for _, re := range v.cfg.toxicity {
		if re.MatchString(content) {
			violations = append(violations, Violation{
				Type:     ViolationToxicity,
				Message:  "matched toxicity pattern",
				Severity: SeverityCritical,
			})
		}
	}

	for name, re := range v.cfg.pii {
		if re.MatchString(content) {
			violations = append(violations, Violation{
				Type:     ViolationPII,
				Message:  "detected possible PII: " + name,
				Severity: SeverityWarning,
			})
		}
	}

	allowed := true
	for _, vi := range violations {
		if vi.Severity == SeverityCritical {
			allowed = false
			break
		}
	}

	confidence := 1.0
	if len(violations) > 0 {
		confidence = 1.0 - 0.15*float64(len(violations))
		if confidence < 0 {
			confidence = 0
		}
	}

	elapsed := v.clk.Now().Sub(start)
	return Result{
		Allowed:          allowed,
		Confidence:       confidence,
		Violations:       violations,
		ProcessingTimeMs: elapsed.Milliseconds(),
	}
}

// PIITypes returns the PIITypes field used to stamp an audit event: the
// distinct PII pattern names that matched.
func (r Result) PIITypes() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, v := range r.Violations {
		if v.Type != ViolationPII {
			continue
		}
		name := strings.TrimPrefix(v.Message, "detected possible PII: ")
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}

// PIIDetected reports whether Check found any PII-typed violation.
func (r Result) PIIDetected() bool {
	for _, v := range r.Violations {
		if v.Type == ViolationPII {
			return true
		}
	}
	return false
}
