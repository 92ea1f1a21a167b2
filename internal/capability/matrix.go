// Package capability implements the capability matrix: the map of
// (provider, modelID) to ModelCapability that the router, budget filter,
// and compliance validator all read.
package capability

import (
	"fmt"
	"sync"

	"aiorchestrator/internal/domain"
)

type key struct {
	provider domain.Provider
	modelID  string
}

// Matrix is the concurrency-safe capability map. Reads take the read
// lock; the admin update path takes the write lock, per the
// matrix-first lock-ordering rule the orchestrator documents.
type Matrix struct {
	mu    sync.RWMutex
	items map[key]domain.ModelCapability
}

// New returns an empty matrix.
func New() *Matrix {
	return &Matrix{items: make(map[key]domain.ModelCapability)}
}

// Seed installs an initial set of capabilities, skipping (and returning
// an error listing) any that fail the positive-token/non-negative-cost
// invariant.
func (m *Matrix) Seed(caps []domain.ModelCapability) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var invalid []string
	for _, c := range caps {
		if !c.Valid() {
			invalid = append(invalid, fmt.Sprintf("%s/%s", c.Provider, c.ModelID))
			continue
		}
		m.items[key{c.Provider, c.ModelID}] = c
	}
	if len(invalid) > 0 {
		return fmt.Errorf("capability: refused invalid entries: %v", invalid)
	}
	return nil
}

// Get returns the capability for (provider, modelID).
func (m *Matrix) Get(provider domain.Provider, modelID string) (domain.ModelCapability, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.items[key{provider, modelID}]
	return c, ok
}

// All returns every capability currently known, in no particular order.
func (m *Matrix) All() []domain.ModelCapability {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.ModelCapability, 0, len(m.items))
	for _, c := range m.items {
		out = append(out, c)
	}
	return out
}

// PartialUpdate is the admin payload for UpdateCapability: nil fields are
// left unchanged.
type PartialUpdate struct {
	ContextTokens    *int
	SupportsTools    *bool
	SupportsJSON     *bool
	SupportsVision   *bool
	DefaultLatencyMs *int
	CostPer1kInput   *float64
	CostPer1kOutput  *float64
	Region           *string
}

// Update applies a partial update to an existing or new capability entry.
// It takes effect immediately for new requests (there is no caching layer
// between the matrix and its readers). The invariant is re-checked after
// applying the partial update; a violation leaves the matrix unchanged.
func (m *Matrix) Update(provider domain.Provider, modelID string, partial PartialUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key{provider, modelID}
	c, ok := m.items[k]
	if !ok {
		c = domain.ModelCapability{Provider: provider, ModelID: modelID}
	}

	if partial.ContextTokens != nil {
		c.ContextTokens = *partial.ContextTokens
	}
	if partial.SupportsTools != nil {
		c.SupportsTools = *partial.SupportsTools
	}
	if partial.SupportsJSON != nil {
		c.SupportsJSON = *partial.SupportsJSON
	}
	if partial.SupportsVision != nil {
		c.SupportsVision = *partial.SupportsVision
	}
	if partial.DefaultLatencyMs != nil {
		c.DefaultLatencyMs = *partial.DefaultLatencyMs
	}
	if partial.CostPer1kInput != nil {
		c.CostPer1kInput = *partial.CostPer1kInput
	}
	if partial.CostPer1kOutput != nil {
		c.CostPer1kOutput = *partial.CostPer1kOutput
	}
	if partial.Region != nil {
		c.Region = *partial.Region
	}

	if !c.Valid() {
		return fmt.Errorf("capability: update for %s/%s would violate invariant (tokens=%d, in=%.4f, out=%.4f)",
			provider, modelID, c.ContextTokens, c.CostPer1kInput, c.CostPer1kOutput)
	}

	m.items[k] = c
	return nil
}

// ForProvider returns every model capability belonging to one provider.
func (m *Matrix) ForProvider(provider domain.Provider) []domain.ModelCapability {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.ModelCapability
	for k, c := range m.items {
		if k.provider == provider {
			out = append(out, c)
		}
	}
	return out
}
