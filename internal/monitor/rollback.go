package monitor

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"aiorchestrator/internal/clock"
	"aiorchestrator/internal/domain"
)

// snapshotSchema bounds what a ConfigurationSnapshot may contain before it
// is accepted into history: timestamp and checksum present, checksum
// non-empty. The other snapshot fields are not checked.
var snapshotSchema = gojsonschema.NewGoLoader(map[string]any{
	"type":     "object",
	"required": []string{"timestamp", "checksum"},
	"properties": map[string]any{
		"timestamp": map[string]any{"type": "string"},
		"checksum":  map[string]any{"type": "string", "minLength": 1},
	},
})

// maxSnapshotHistory bounds how many known-good snapshots the rollback
// manager retains; the oldest is evicted once the bound is reached.
const maxSnapshotHistory = 20

// consecutiveCriticalForGradualRollback is how many consecutive critical
// windows trigger the SLO-based gradual rollback path, distinct from the
// emergency path which fires on a single critical window.
const consecutiveCriticalForGradualRollback = 3

// BreakerTripper stops traffic to a provider immediately. Satisfied by
// *resilience.Breaker.
type BreakerTripper interface {
	Trip(provider domain.Provider)
}

// FlagDisabler turns off experimental feature flags. Satisfied by
// *flags.Store directly.
type FlagDisabler interface {
	DisableExperimental() []string
}

// ModelRollbacker swaps a provider's active model back to a previous
// snapshot's choice, and shifts provider traffic weights.
type ModelRollbacker interface {
	ApplySnapshot(snapshot domain.ConfigurationSnapshot) error
}

// RollbackStatus is the lifecycle state of one rollback operation.
type RollbackStatus string

const (
	RollbackInProgress RollbackStatus = "in_progress"
	RollbackCompleted  RollbackStatus = "completed"
	RollbackCancelled  RollbackStatus = "cancelled"
	RollbackFailed     RollbackStatus = "failed"
)

// RollbackStep is one ordered action taken during a gradual rollback.
type RollbackStep struct {
	Name      string
	AppliedAt time.Time
	Err       error
}

// RollbackState describes the outcome of one rollback run.
type RollbackState struct {
	Status    RollbackStatus
	Reason    string
	Steps     []RollbackStep
	StartedAt time.Time
}

// Manager captures known-good configuration snapshots and executes both
// the emergency and gradual rollback paths in response to the monitor's
// SLO evaluations.
type Manager struct {
	clk clock.Clock

	breaker  BreakerTripper
	flags    FlagDisabler
	rollback ModelRollbacker
	allProviders []domain.Provider

	mu                 sync.Mutex
	history            []domain.ConfigurationSnapshot
	consecutiveCritical int
}

// NewManager creates a rollback Manager. breaker/flags/rollback may be nil
// individually; a nil collaborator's step is skipped rather than failing
// the whole operation, since a partial rollback is still better than none.
func NewManager(clk clock.Clock, providers []domain.Provider, breaker BreakerTripper, flags FlagDisabler, rollback ModelRollbacker) *Manager {
	return &Manager{
		clk:          clk,
		breaker:      breaker,
		flags:        flags,
		rollback:     rollback,
		allProviders: providers,
	}
}

// CaptureSnapshot validates and records snapshot as known-good. Callers
// should only invoke this after a fully healthy evaluation window: a
// snapshot captured during a degraded window would just reinstate the
// degradation on a future rollback.
func (m *Manager) CaptureSnapshot(snapshot domain.ConfigurationSnapshot) error {
	if err := validateSnapshot(snapshot); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInternalInvariant, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, snapshot)
	if len(m.history) > maxSnapshotHistory {
		m.history = m.history[len(m.history)-maxSnapshotHistory:]
	}
	return nil
}

// LatestSnapshot returns the most recently captured known-good snapshot,
// or false if none has been captured yet.
func (m *Manager) LatestSnapshot() (domain.ConfigurationSnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.history) == 0 {
		return domain.ConfigurationSnapshot{}, false
	}
	return m.history[len(m.history)-1], true
}

// PreviousSnapshot returns the snapshot before the latest one, used by the
// gradual rollback's model-swap step so it reverts one step back rather
// than reapplying the configuration that just degraded.
func (m *Manager) PreviousSnapshot() (domain.ConfigurationSnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.history) < 2 {
		return domain.ConfigurationSnapshot{}, false
	}
	return m.history[len(m.history)-2], true
}

func validateSnapshot(snapshot domain.ConfigurationSnapshot) error {
	raw, err := json.Marshal(map[string]any{
		"timestamp": snapshot.Timestamp.Format(time.RFC3339),
		"checksum":  snapshot.Checksum,
	})
	if err != nil {
		return err
	}
	result, err := gojsonschema.Validate(snapshotSchema, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return err
	}
	if !result.Valid() {
		return fmt.Errorf("snapshot failed validation: %v", result.Errors())
	}
	return nil
}

// OnEvaluation feeds one monitor EvaluationResult into the rollback state
// machine. A single critical window triggers emergency rollback
// immediately; consecutiveCriticalForGradualRollback consecutive critical
// windows trigger the gradual, ordered rollback. A fully healthy window
// resets the consecutive counter.
func (m *Manager) OnEvaluation(result EvaluationResult) *RollbackState {
	if result.AnyCritical {
		state := m.EmergencyRollback("slo_critical: " + summarizeAlerts(result.NewAlerts))

		m.mu.Lock()
		m.consecutiveCritical++
		reachedGradual := m.consecutiveCritical >= consecutiveCriticalForGradualRollback
		if reachedGradual {
			m.consecutiveCritical = 0
		}
		m.mu.Unlock()

		if reachedGradual {
			return m.GradualRollback("consecutive_critical_windows")
		}
		return state
	}

	if !result.AnyViolated {
		m.mu.Lock()
		m.consecutiveCritical = 0
		m.mu.Unlock()
	}

	return nil
}

func summarizeAlerts(alerts []Alert) string {
	if len(alerts) == 0 {
		return "unspecified"
	}
	return string(alerts[0].Metric)
}

// EmergencyRollback stops traffic everywhere in one step: it trips every
// known provider's circuit breaker and disables experimental flags, ahead
// of any gradual, validated rollback.
func (m *Manager) EmergencyRollback(reason string) *RollbackState {
	state := &RollbackState{Status: RollbackInProgress, Reason: reason, StartedAt: m.clk.Now()}

	if m.breaker != nil {
		for _, p := range m.allProviders {
			m.breaker.Trip(p)
		}
		state.Steps = append(state.Steps, RollbackStep{Name: "trip_all_circuits", AppliedAt: m.clk.Now()})
	}

	if m.flags != nil {
		disabled := m.flags.DisableExperimental()
		state.Steps = append(state.Steps, RollbackStep{Name: fmt.Sprintf("disable_experimental_flags:%d", len(disabled)), AppliedAt: m.clk.Now()})
	}

	state.Status = RollbackCompleted
	return state
}

// GradualRollback runs the rollback steps in order within one call:
// feature flag disable, model swap to the previous snapshot through
// ModelRollbacker.ApplySnapshot, and a provider_weight_shift step that
// is only recorded and changes no weights itself. No validation window
// separates the steps: each runs whether or not the previous one
// improved anything. A failed step sets the final status to failed
// without stopping the remaining steps.
func (m *Manager) GradualRollback(reason string) *RollbackState {
	state := &RollbackState{Status: RollbackInProgress, Reason: reason, StartedAt: m.clk.Now()}
	failed := false

	if m.flags != nil {
		disabled := m.flags.DisableExperimental()
		state.Steps = append(state.Steps, RollbackStep{Name: fmt.Sprintf("disable_experimental_flags:%d", len(disabled)), AppliedAt: m.clk.Now()})
	}

	prev, ok := m.PreviousSnapshot()
	if !ok {
		state.Steps = append(state.Steps, RollbackStep{Name: "model_swap", AppliedAt: m.clk.Now(), Err: fmt.Errorf("no previous snapshot to roll back to")})
		failed = true
	} else if m.rollback != nil {
		err := m.rollback.ApplySnapshot(prev)
		state.Steps = append(state.Steps, RollbackStep{Name: "model_swap", AppliedAt: m.clk.Now(), Err: err})
		if err != nil {
			failed = true
		}
	}

	state.Steps = append(state.Steps, RollbackStep{Name: "provider_weight_shift", AppliedAt: m.clk.Now()})

	if failed {
		state.Status = RollbackFailed
	} else {
		state.Status = RollbackCompleted
	}
	return state
}
