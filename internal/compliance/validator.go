// Package compliance implements the route-admission check run before any
// provider invocation: does the chosen provider's agreement cover the
// request's data classification, and will processing stay within the EU
// for flows that require data residency.
package compliance

import (
	"context"
	"fmt"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"

	"aiorchestrator/internal/domain"
)

// euRegionPrefixes are the AWS region codes the residency check accepts
// for EU-resident flows, mirroring the teacher's region_prefix convention
// ("eu.") generalized to the full AWS EU region list.
var euRegionPrefixes = []string{"eu-west-", "eu-central-", "eu-north-", "eu-south-"}

// Agreement describes what one provider is contractually permitted to
// process.
type Agreement struct {
	Provider               domain.Provider
	MaxDataClassification  domain.DataClassification
	RequiresEURegion       bool
	AllowedRegions         []string // AWS family only; empty means "any resolved region"
}

var classificationRank = map[domain.DataClassification]int{
	domain.ClassPublic:       0,
	domain.ClassInternal:     1,
	domain.ClassConfidential: 2,
	domain.ClassRestricted:   3,
}

// Validator checks a route decision against the configured per-provider
// agreements before the orchestrator invokes it.
type Validator struct {
	agreements map[domain.Provider]Agreement
	region     string // resolved once at startup via the AWS SDK's config chain
}

// New resolves the AWS SDK's default region (from environment, shared
// config, or IMDS, in that order) and builds a Validator over the given
// agreements. ctx bounds the region-resolution call only.
func New(ctx context.Context, agreements []Agreement) (*Validator, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("compliance: resolve AWS region: %w", err)
	}
	v := &Validator{
		agreements: make(map[domain.Provider]Agreement, len(agreements)),
		region:     cfg.Region,
	}
	for _, a := range agreements {
		v.agreements[a.Provider] = a
	}
	return v, nil
}

// NewWithRegion builds a Validator with a pre-resolved region, for tests
// and for callers that already resolved AWS config elsewhere.
func NewWithRegion(region string, agreements []Agreement) *Validator {
	v := &Validator{agreements: make(map[domain.Provider]Agreement, len(agreements)), region: region}
	for _, a := range agreements {
		v.agreements[a.Provider] = a
	}
	return v
}

// Violation describes why a route was rejected.
type Violation struct {
	Reason string
}

// Check validates route against classification for this request. A
// non-nil Violation means the route must short-circuit before invocation
// with domain.ErrComplianceViolation.
func (v *Validator) Check(route domain.RouteDecision, classification domain.DataClassification) *Violation {
	agreement, ok := v.agreements[route.Provider]
	if !ok {
		return &Violation{Reason: fmt.Sprintf("no compliance agreement on file for provider %q", route.Provider)}
	}

	if classificationRank[classification] > classificationRank[agreement.MaxDataClassification] {
		return &Violation{Reason: fmt.Sprintf(
			"provider %q agreement covers up to %q, request is classified %q",
			route.Provider, agreement.MaxDataClassification, classification)}
	}

	if agreement.RequiresEURegion && !v.isEURegion(agreement) {
		return &Violation{Reason: fmt.Sprintf("data residency requires an EU region, resolved region %q is not EU", v.region)}
	}

	return nil
}

func (v *Validator) isEURegion(agreement Agreement) bool {
	region := v.region
	if len(agreement.AllowedRegions) > 0 {
		allowed := false
		for _, r := range agreement.AllowedRegions {
			if r == region {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}
	for _, prefix := range euRegionPrefixes {
		if strings.HasPrefix(region, prefix) {
			return true
		}
	}
	return false
}
