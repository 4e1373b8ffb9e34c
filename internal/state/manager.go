// Package state owns the RunContext and the pipeline run FSM.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/marketpipe/orchestrator/internal/pipeline"
)

var (
	// ErrInvalidTransition is returned for a target outside the adjacency table.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrRunActive is returned by CreateRun when the current run is non-terminal.
	ErrRunActive = errors.New("a run is already active")
	// ErrNoRun is returned by Transition when no run context exists.
	ErrNoRun = errors.New("no active run")
)

// validTransitions is the normative FSM adjacency table. Any transition not
// listed here is rejected.
var validTransitions = map[pipeline.RunState]map[pipeline.RunState]struct{}{
	pipeline.StateIdle: {
		pipeline.StateScheduled: {},
		pipeline.StateStarting:  {},
	},
	pipeline.StateScheduled: {
		pipeline.StateStarting: {},
		pipeline.StateIdle:     {},
	},
	pipeline.StateStarting: {
		pipeline.StateRunningTranslator: {},
		pipeline.StateFailed:            {},
		pipeline.StateStopped:           {},
	},
	pipeline.StateRunningTranslator: {
		pipeline.StateRunningAnalyzer: {},
		pipeline.StateFailed:          {},
		pipeline.StateRetrying:        {},
		pipeline.StateStopped:         {},
	},
	pipeline.StateRunningAnalyzer: {
		pipeline.StateRunningMerger: {},
		pipeline.StateFailed:        {},
		pipeline.StateRetrying:      {},
		pipeline.StateStopped:       {},
	},
	pipeline.StateRunningMerger: {
		pipeline.StateSuccess:  {},
		pipeline.StateFailed:   {},
		pipeline.StateRetrying: {},
		pipeline.StateStopped:  {},
	},
	pipeline.StateRetrying: {
		pipeline.StateRunningTranslator: {},
		pipeline.StateRunningAnalyzer:   {},
		pipeline.StateRunningMerger:     {},
		pipeline.StateFailed:            {},
		pipeline.StateStopped:           {},
	},
	pipeline.StateSuccess: {
		pipeline.StateIdle: {},
	},
	pipeline.StateFailed: {
		pipeline.StateIdle:     {},
		pipeline.StateRetrying: {},
	},
	pipeline.StateStopped: {
		pipeline.StateIdle: {},
	},
}

// CanTransition reports whether from → to is a valid FSM edge.
func CanTransition(from, to pipeline.RunState) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	_, ok = allowed[to]
	return ok
}

// Publisher is the slice of the event bus the state manager needs.
type Publisher interface {
	Publish(pipeline.Event) error
}

// Manager guards the single RunContext. All mutation happens under its mutex,
// and every transition publishes a pipeline/state_change event carrying the
// full context snapshot as the single source of truth.
type Manager struct {
	mu   sync.Mutex
	ctx  *pipeline.RunContext
	path string
	pub  Publisher

	saveSeq uint64 // guarded by mu; stamped on each scheduled write

	saveMu   sync.Mutex
	wroteSeq uint64 // guarded by saveMu; highest sequence on disk
}

// NewManager loads prior state from path if readable; a corrupt or missing
// file means no prior run.
func NewManager(path string, pub Publisher) *Manager {
	m := &Manager{path: path, pub: pub}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("state file unreadable, starting clean", "path", path, "err", err)
		}
		return m
	}
	var rc pipeline.RunContext
	if err := json.Unmarshal(data, &rc); err != nil {
		slog.Warn("state file corrupt, starting clean", "path", path, "err", err)
		return m
	}
	if rc.RunID != "" {
		m.ctx = &rc
		slog.Info("recovered run context", "run_id", rc.RunID, "state", rc.State)
	}
	return m
}

// State returns a copy of the current run context, or nil when none exists.
func (m *Manager) State() *pipeline.RunContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctx.Clone()
}

// CurrentState returns the FSM state, idle when no run exists.
func (m *Manager) CurrentState() pipeline.RunState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx == nil {
		return pipeline.StateIdle
	}
	return m.ctx.State
}

// CreateRun installs a fresh RunContext in idle. It fails while the current
// run is non-terminal; concurrent callers are serialized by the mutex so at
// most one succeeds.
func (m *Manager) CreateRun(runID string, metadata map[string]any) (*pipeline.RunContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx != nil && !m.ctx.State.Terminal() {
		return nil, fmt.Errorf("%w: run %s is %s", ErrRunActive, m.ctx.RunID, m.ctx.State)
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	now := pipeline.Now()
	m.ctx = &pipeline.RunContext{
		RunID:     runID,
		State:     pipeline.StateIdle,
		StartedAt: now,
		UpdatedAt: now,
		Metadata:  metadata,
	}
	m.persistLocked()
	return m.ctx.Clone(), nil
}

// TransitionOpts carries optional fields for Transition.
type TransitionOpts struct {
	Stage    pipeline.Stage
	Error    string
	Metadata map[string]any
}

// Transition moves the run to newState if the edge is valid, persists the
// context, and emits the state_change event.
func (m *Manager) Transition(newState pipeline.RunState, opts TransitionOpts) error {
	m.mu.Lock()

	if m.ctx == nil {
		m.mu.Unlock()
		return ErrNoRun
	}
	old := m.ctx.State
	if !CanTransition(old, newState) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, old, newState)
	}

	m.ctx.State = newState
	m.ctx.UpdatedAt = pipeline.Now()
	if opts.Stage != "" {
		m.ctx.CurrentStage = opts.Stage
	}
	if opts.Error != "" {
		m.ctx.Error = opts.Error
	}
	if newState == pipeline.StateRetrying {
		m.ctx.RetryCount++
	}
	for k, v := range opts.Metadata {
		if m.ctx.Metadata == nil {
			m.ctx.Metadata = map[string]any{}
		}
		m.ctx.Metadata[k] = v
	}

	snapshot := m.ctx.Clone()
	m.persistLocked()
	m.mu.Unlock()

	m.emitStateChange(old, newState, snapshot)
	return nil
}

func (m *Manager) emitStateChange(old, to pipeline.RunState, rc *pipeline.RunContext) {
	if m.pub == nil {
		return
	}
	var stage any
	if rc.CurrentStage != "" {
		stage = string(rc.CurrentStage)
	}
	var errField any
	if rc.Error != "" {
		errField = rc.Error
	}
	err := m.pub.Publish(pipeline.Event{
		RunID:     rc.RunID,
		Stage:     pipeline.StagePipeline,
		Type:      pipeline.EventStateChange,
		Timestamp: rc.UpdatedAt,
		Data: map[string]any{
			"old_state":       string(old),
			"new_state":       string(to),
			"current_stage":   stage,
			"error":           errField,
			"canonical_state": rc.Dict(),
		},
	})
	if err != nil {
		slog.Warn("state_change publish failed", "run_id", rc.RunID, "err", err)
	}
}

// MarkStageExecuted appends the stage to the executed sequence.
func (m *Manager) MarkStageExecuted(stage pipeline.Stage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx == nil {
		return
	}
	m.ctx.StagesExecuted = append(m.ctx.StagesExecuted, string(stage))
	m.ctx.UpdatedAt = pipeline.Now()
	m.persistLocked()
}

// MarkStageFailed appends the stage to the failed sequence.
func (m *Manager) MarkStageFailed(stage pipeline.Stage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx == nil {
		return
	}
	m.ctx.StagesFailed = append(m.ctx.StagesFailed, string(stage))
	m.ctx.UpdatedAt = pipeline.Now()
	m.persistLocked()
}

// SetMetadata merges advisory metadata (e.g. derived run health) into the
// current context.
func (m *Manager) SetMetadata(meta map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx == nil {
		return
	}
	if m.ctx.Metadata == nil {
		m.ctx.Metadata = map[string]any{}
	}
	for k, v := range meta {
		m.ctx.Metadata[k] = v
	}
	m.persistLocked()
}

// Touch refreshes UpdatedAt, used as a liveness heartbeat for the watchdog.
func (m *Manager) Touch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx == nil {
		return
	}
	m.ctx.UpdatedAt = pipeline.Now()
	m.persistLocked()
}

// ClearRun drops the current context and persists the empty state.
func (m *Manager) ClearRun() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctx = nil
	m.persistLocked()
}

// persistLocked schedules a non-blocking atomic write of the current context.
// Snapshots carry a sequence number taken under the context mutex, and the
// writer discards any snapshot older than what is already on disk, so the
// latest snapshot always wins regardless of goroutine scheduling.
func (m *Manager) persistLocked() {
	m.saveSeq++
	seq := m.saveSeq
	var data []byte
	if m.ctx != nil {
		var err error
		data, err = json.MarshalIndent(m.ctx, "", "  ")
		if err != nil {
			slog.Warn("state marshal failed", "err", err)
			return
		}
	}
	go m.write(seq, data)
}

func (m *Manager) write(seq uint64, data []byte) {
	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	if seq <= m.wroteSeq {
		return // a newer snapshot already landed
	}
	m.wroteSeq = seq

	if data == nil {
		if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
			slog.Warn("state file remove failed", "path", m.path, "err", err)
		}
		return
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		slog.Warn("state file write failed", "path", tmp, "err", err)
		return
	}
	if err := os.Rename(tmp, m.path); err != nil {
		slog.Warn("state file rename failed", "path", m.path, "err", err)
	}
}
