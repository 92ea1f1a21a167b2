// Package config loads the orchestrator's TOML configuration, extending
// the teacher's loader shape (BurntSushi/toml, ${VAR} expansion, direct
// env overrides) with the sections this project's components need.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"aiorchestrator/internal/audit"
	"aiorchestrator/internal/cache"
	"aiorchestrator/internal/compliance"
	"aiorchestrator/internal/domain"
	"aiorchestrator/internal/resilience"
	"aiorchestrator/internal/safety"
)

// Config is the root configuration structure.
type Config struct {
	Telemetry    TelemetryConfig            `toml:"telemetry"`
	Providers    ProvidersConfig            `toml:"providers"`
	Database     DatabaseConfig             `toml:"database"`
	Models       map[string]ModelConfig     `toml:"models"`
	Cache        CacheConfig                `toml:"cache"`
	Optimizer    OptimizerConfig            `toml:"optimizer"`
	Fallback     FallbackConfig             `toml:"fallback"`
	Rollback     RollbackConfig             `toml:"rollback"`
	Audit        AuditConfig                `toml:"audit"`
	Orchestrator OrchestratorConfig         `toml:"orchestrator"`
	Agreements   map[string]AgreementConfig `toml:"agreements"`
}

// TelemetryConfig mirrors the teacher's telemetry section, trimmed to
// what internal/telemetry actually exposes.
type TelemetryConfig struct {
	ServiceName       string `toml:"service_name"`
	PrometheusEnabled bool   `toml:"prometheus_enabled"`
	PrometheusPort    int    `toml:"prometheus_port"`
	LogLevel          string `toml:"log_level"`
	LogFormat         string `toml:"log_format"` // "json" | "text"
}

// ProvidersConfig holds per-provider-family credentials. Only the
// AWS-hosted family needs real credentials here; the search/social
// families are stubbed by internal/fakeinvoker until a real transport is
// wired in.
type ProvidersConfig struct {
	Bedrock BedrockConfig `toml:"bedrock"`
}

// BedrockConfig carries the IAM credentials internal/bedrockinvoker uses.
type BedrockConfig struct {
	Region          string `toml:"region"`
	AccessKeyID     string `toml:"access_key_id"`
	SecretAccessKey string `toml:"secret_access_key"`
	Enabled         bool   `toml:"enabled"`
}

// DatabaseConfig optionally points internal/snapshot at Postgres for
// rollback-history persistence across restarts. An empty DSN means the
// in-memory store is used instead.
type DatabaseConfig struct {
	DSN string `toml:"dsn"`
}

// ModelConfig seeds one entry of the capability matrix. The map key is
// the model ID the provider and router address it by.
type ModelConfig struct {
	Provider         string  `toml:"provider"`
	ContextTokens    int     `toml:"context_tokens"`
	SupportsTools    bool    `toml:"supports_tools"`
	SupportsJSON     bool    `toml:"supports_json"`
	SupportsVision   bool    `toml:"supports_vision"`
	DefaultLatencyMs int     `toml:"default_latency_ms"`
	CostPer1kInput   float64 `toml:"cost_per_1k_input"`
	CostPer1kOutput  float64 `toml:"cost_per_1k_output"`
	Region           string  `toml:"region"`
}

// CacheConfig mirrors the size/compression knobs of internal/cache.Config.
type CacheConfig struct {
	BaseTTLSeconds       int `toml:"base_ttl_seconds"`
	CompressionThreshold int `toml:"compression_threshold"`
	MaxCacheSize         int `toml:"max_cache_size"`
}

// OptimizerConfig holds the cache's sliding-refresh switch: when enabled,
// a cache hit restarts the entry's TTL. It is kept as its own TOML section
// since it is a distinct concern from sizing.
type OptimizerConfig struct {
	SlidingRefreshEnabled bool `toml:"sliding_refresh_enabled"`
}

// FallbackConfig mirrors internal/resilience.EngineConfig plus the
// Policy's degradation mode selection.
type FallbackConfig struct {
	CircuitBreakerThreshold int    `toml:"circuit_breaker_threshold"`
	CircuitBreakerCooldown  string `toml:"circuit_breaker_cooldown"`
	MaxAttempts             int    `toml:"max_attempts"`
	BaseDelay               string `toml:"base_delay"`
	DegradationMode         string `toml:"degradation_mode"` // "fast_answer" | "cached_response" | "simplified_model"
}

// RollbackConfig controls the monitor's performance window.
type RollbackConfig struct {
	WindowSize int `toml:"window_size"`
}

// AuditConfig mirrors internal/audit.Config.
type AuditConfig struct {
	EnableAuditTrail     bool   `toml:"enable_audit_trail"`
	EnableIntegrityCheck bool   `toml:"enable_integrity_check"`
	EnablePIILogging     bool   `toml:"enable_pii_logging"`
	RetentionDays        int    `toml:"retention_days"`
	ComplianceMode       string `toml:"compliance_mode"` // "strict" | "standard"
	AnonymizationEnabled bool   `toml:"anonymization_enabled"`
}

// OrchestratorConfig holds top-level façade knobs that don't belong to
// any single subsystem.
type OrchestratorConfig struct {
	BanditSeed int64 `toml:"bandit_seed"`
}

// AgreementConfig mirrors internal/compliance.Agreement. The map key is
// the provider name.
type AgreementConfig struct {
	MaxDataClassification string   `toml:"max_data_classification"`
	RequiresEURegion      bool     `toml:"requires_eu_region"`
	AllowedRegions        []string `toml:"allowed_regions"`
}

// Default returns a conservative, everything-enabled configuration with
// no models seeded — callers must configure at least one [models.*]
// entry or AvailableModels will always be empty.
func Default() *Config {
	return &Config{
		Telemetry: TelemetryConfig{
			ServiceName:       "aiorchestrator",
			PrometheusEnabled: true,
			PrometheusPort:    9090,
			LogLevel:          "info",
			LogFormat:         "json",
		},
		Models: make(map[string]ModelConfig),
		Cache: CacheConfig{
			BaseTTLSeconds:       3600,
			CompressionThreshold: 2048,
			MaxCacheSize:         10000,
		},
		Optimizer: OptimizerConfig{SlidingRefreshEnabled: false},
		Fallback: FallbackConfig{
			CircuitBreakerThreshold: 5,
			CircuitBreakerCooldown:  "5m",
			MaxAttempts:             3,
			BaseDelay:               "200ms",
			DegradationMode:         "fast_answer",
		},
		Rollback: RollbackConfig{WindowSize: 500},
		Audit: AuditConfig{
			EnableAuditTrail:     true,
			EnableIntegrityCheck: true,
			EnablePIILogging:     true,
			RetentionDays:        90,
			ComplianceMode:       "standard",
			AnonymizationEnabled: true,
		},
		Orchestrator: OrchestratorConfig{BanditSeed: 42},
		Agreements:   make(map[string]AgreementConfig),
	}
}

// Load reads path as TOML over a Default() base, then applies ${VAR}
// expansion and direct ORCHESTRATOR_* env overrides. A missing file
// returns the defaults, matching the teacher's Load behavior.
func Load(path string) (*Config, error) {
	cfg := Default()

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	cfg.substituteEnvVars()
	return cfg, nil
}

// LoadOrDefault loads path, falling back to Default() with a warning
// printed to stdout if anything goes wrong, matching the teacher's
// LoadOrDefault convention.
func LoadOrDefault(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		fmt.Printf("config: load failed, using defaults: %v\n", err)
		return Default()
	}
	return cfg
}

func (c *Config) substituteEnvVars() {
	c.Providers.Bedrock.AccessKeyID = expandEnv(c.Providers.Bedrock.AccessKeyID)
	c.Providers.Bedrock.SecretAccessKey = expandEnv(c.Providers.Bedrock.SecretAccessKey)

	if v := os.Getenv("ORCHESTRATOR_BEDROCK_REGION"); v != "" {
		c.Providers.Bedrock.Region = v
	}
	if v := os.Getenv("ORCHESTRATOR_BEDROCK_ACCESS_KEY_ID"); v != "" {
		c.Providers.Bedrock.AccessKeyID = v
	}
	if v := os.Getenv("ORCHESTRATOR_BEDROCK_SECRET_ACCESS_KEY"); v != "" {
		c.Providers.Bedrock.SecretAccessKey = v
	}
	if v := os.Getenv("ORCHESTRATOR_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Telemetry.PrometheusPort = port
		}
	}
	if v := os.Getenv("ORCHESTRATOR_LOG_LEVEL"); v != "" {
		c.Telemetry.LogLevel = v
	}
	if v := os.Getenv("ORCHESTRATOR_DATABASE_DSN"); v != "" {
		c.Database.DSN = v
	}
}

func expandEnv(s string) string {
	if s == "" {
		return s
	}
	return os.ExpandEnv(s)
}

func parseDuration(d string, def time.Duration) time.Duration {
	if d == "" {
		return def
	}
	parsed, err := time.ParseDuration(d)
	if err != nil {
		return def
	}
	return parsed
}

// ToModelCapabilities converts every [models.*] entry into a seedable
// domain.ModelCapability, using the map key as the model ID.
func (c *Config) ToModelCapabilities() []domain.ModelCapability {
	caps := make([]domain.ModelCapability, 0, len(c.Models))
	for modelID, m := range c.Models {
		caps = append(caps, domain.ModelCapability{
			Provider:         domain.Provider(m.Provider),
			ModelID:          modelID,
			ContextTokens:    m.ContextTokens,
			SupportsTools:    m.SupportsTools,
			SupportsJSON:     m.SupportsJSON,
			SupportsVision:   m.SupportsVision,
			DefaultLatencyMs: m.DefaultLatencyMs,
			CostPer1kInput:   m.CostPer1kInput,
			CostPer1kOutput:  m.CostPer1kOutput,
			Region:           m.Region,
		})
	}
	return caps
}

// ToClassification maps the TOML string to a domain.DataClassification,
// defaulting to public for an unrecognized or empty value.
func ToClassification(s string) domain.DataClassification {
	switch s {
	case string(domain.ClassInternal):
		return domain.ClassInternal
	case string(domain.ClassConfidential):
		return domain.ClassConfidential
	case string(domain.ClassRestricted):
		return domain.ClassRestricted
	default:
		return domain.ClassPublic
	}
}

// ToAgreements converts every [agreements.*] entry into a
// compliance.Agreement.
func (c *Config) ToAgreements() []compliance.Agreement {
	agreements := make([]compliance.Agreement, 0, len(c.Agreements))
	for provider, a := range c.Agreements {
		agreements = append(agreements, compliance.Agreement{
			Provider:              domain.Provider(provider),
			MaxDataClassification: ToClassification(a.MaxDataClassification),
			RequiresEURegion:      a.RequiresEURegion,
			AllowedRegions:        a.AllowedRegions,
		})
	}
	return agreements
}

// ToCacheConfig merges the [cache] and [optimizer] sections into
// cache.Config.
func (c *Config) ToCacheConfig() cache.Config {
	return cache.Config{
		BaseTTLSeconds:        c.Cache.BaseTTLSeconds,
		CompressionThreshold:  c.Cache.CompressionThreshold,
		MaxCacheSize:          c.Cache.MaxCacheSize,
		SlidingRefreshEnabled: c.Optimizer.SlidingRefreshEnabled,
	}
}

// ToAuditConfig converts the [audit] section to audit.Config.
func (c *Config) ToAuditConfig() audit.Config {
	return audit.Config{
		EnableAuditTrail:     c.Audit.EnableAuditTrail,
		EnableIntegrityCheck: c.Audit.EnableIntegrityCheck,
		EnablePIILogging:     c.Audit.EnablePIILogging,
		RetentionDays:        c.Audit.RetentionDays,
		ComplianceMode:       c.Audit.ComplianceMode,
		AnonymizationEnabled: c.Audit.AnonymizationEnabled,
	}
}

// ToSafetyConfig returns the default safety validator configuration.
// Injection/toxicity/PII patterns are a security-sensitive table the
// teacher never exposed through config either; they stay code-defined.
func (c *Config) ToSafetyConfig() safety.Config {
	return safety.DefaultConfig()
}

// ToPolicy converts the [fallback] section to resilience.Policy.
func (c *Config) ToPolicy() resilience.Policy {
	mode := resilience.DegradationMode(c.Fallback.DegradationMode)
	switch mode {
	case resilience.DegradeFastAnswer, resilience.DegradeCachedResponse, resilience.DegradeSimplifiedModel:
	default:
		mode = resilience.DegradeFastAnswer
	}
	return resilience.Policy{
		Engine: resilience.EngineConfig{
			CircuitBreakerThreshold: c.Fallback.CircuitBreakerThreshold,
			CircuitBreakerCooldown:  parseDuration(c.Fallback.CircuitBreakerCooldown, 5*time.Minute),
			MaxAttempts:             c.Fallback.MaxAttempts,
			BaseDelay:               parseDuration(c.Fallback.BaseDelay, 200*time.Millisecond),
		},
		Degradation: mode,
	}
}
