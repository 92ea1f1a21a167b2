// Package cache implements the semantic cache and its hit-rate optimizer.
package cache

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"

	"aiorchestrator/internal/domain"
)

const keyPrefix = "aic1:"
const maxKeyLen = 128

// canonicalRequest is the subset of a Request the cache key is computed
// over: prompt, routing-relevant context fields, and tool descriptors.
type canonicalRequest struct {
	Prompt       string   `json:"prompt"`
	Domain       string   `json:"domain"`
	Locale       string   `json:"locale"`
	RequireTools bool     `json:"requireTools"`
	BudgetTier   string   `json:"budgetTier"`
	Tools        []string `json:"tools"`
}

// Key computes the cache key for a request: SHA-256 over a canonical JSON
// serialization, prefixed and length-capped.
func Key(req domain.Request) string {
	toolNames := make([]string, 0, len(req.Tools))
	for _, t := range req.Tools {
		toolNames = append(toolNames, t.Name)
	}
	sort.Strings(toolNames)

	cr := canonicalRequest{
		Prompt:       Normalize(req.Prompt),
		Domain:       string(req.Context.Domain),
		Locale:       req.Context.Locale,
		RequireTools: req.Context.RequireTools,
		BudgetTier:   string(req.Context.BudgetTier),
		Tools:        toolNames,
	}

	b, err := json.Marshal(cr)
	if err != nil {
		// canonicalRequest has no unmarshalable fields; kept defensive.
		b = []byte(fmt.Sprintf("marshal-error:%v", err))
	}

	sum := sha256.Sum256(b)
	key := fmt.Sprintf("%s%x", keyPrefix, sum)
	if len(key) > maxKeyLen {
		key = key[:maxKeyLen]
	}
	return key
}
