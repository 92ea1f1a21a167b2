// Package fakeinvoker is a deterministic domain.Invoker stub standing in
// for the search-vendor and social-vendor provider families, and for
// tests / cmd/orchestrator's demo mode where no real credentials exist.
package fakeinvoker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"aiorchestrator/internal/domain"
)

// Invoker returns a canned or scripted response per provider/modelID,
// optionally simulating latency and failures.
type Invoker struct {
	mu        sync.Mutex
	responses map[string]domain.Response
	errs      map[string]error
	latency   time.Duration
	calls     []CallRecord
}

// CallRecord captures one Invoke call for test assertions.
type CallRecord struct {
	Provider domain.Provider
	ModelID  string
	Prompt   string
	At       time.Time
}

// New creates a fake Invoker with no scripted behavior: every call
// succeeds with a default echo response until Respond/Fail configure it.
func New() *Invoker {
	return &Invoker{
		responses: make(map[string]domain.Response),
		errs:      make(map[string]error),
	}
}

func key(provider domain.Provider, modelID string) string {
	return fmt.Sprintf("%s/%s", provider, modelID)
}

// Respond scripts the exact response returned for provider/modelID.
func (f *Invoker) Respond(provider domain.Provider, modelID string, resp domain.Response) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[key(provider, modelID)] = resp
}

// Fail scripts provider/modelID to return err on every call.
func (f *Invoker) Fail(provider domain.Provider, modelID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[key(provider, modelID)] = err
}

// WithLatency makes every call sleep d before returning, to exercise
// timeout and SLA-aware code paths deterministically.
func (f *Invoker) WithLatency(d time.Duration) *Invoker {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latency = d
	return f
}

// Calls returns every Invoke call observed so far, in order.
func (f *Invoker) Calls() []CallRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]CallRecord, len(f.calls))
	copy(out, f.calls)
	return out
}

// Invoke returns the scripted response/error for provider/modelID, or a
// default echo response if none was scripted.
func (f *Invoker) Invoke(ctx context.Context, provider domain.Provider, modelID string, prompt string, tools []domain.ToolDescriptor, deadline time.Time) (domain.Response, error) {
	f.mu.Lock()
	k := key(provider, modelID)
	latency := f.latency
	scriptedErr, hasErr := f.errs[k]
	scriptedResp, hasResp := f.responses[k]
	f.calls = append(f.calls, CallRecord{Provider: provider, ModelID: modelID, Prompt: prompt, At: time.Now()})
	f.mu.Unlock()

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return domain.Response{}, ctx.Err()
		}
	}

	if hasErr {
		return domain.Response{}, scriptedErr
	}
	if hasResp {
		return scriptedResp, nil
	}

	return domain.Response{
		Provider:  provider,
		ModelID:   modelID,
		Text:      "echo: " + prompt,
		LatencyMs: latency.Milliseconds(),
		Success:   true,
	}, nil
}
