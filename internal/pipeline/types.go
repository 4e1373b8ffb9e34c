// Package pipeline holds the domain types shared by every orchestrator
// component: stages, run states, the run context, events, and run summaries.
package pipeline

import (
	"time"
)

// Stage is one of the three batch stages, ordered translator → analyzer → merger.
type Stage string

const (
	StageTranslator Stage = "translator"
	StageAnalyzer   Stage = "analyzer"
	StageMerger     Stage = "merger"
)

// StageOrder returns the stages in execution order.
func StageOrder() []Stage {
	return []Stage{StageTranslator, StageAnalyzer, StageMerger}
}

// ValidStage reports whether s names a real pipeline stage.
func ValidStage(s Stage) bool {
	switch s {
	case StageTranslator, StageAnalyzer, StageMerger:
		return true
	}
	return false
}

// RunState is a state of the pipeline run FSM.
type RunState string

const (
	StateIdle              RunState = "idle"
	StateScheduled         RunState = "scheduled"
	StateStarting          RunState = "starting"
	StateRunningTranslator RunState = "running_translator"
	StateRunningAnalyzer   RunState = "running_analyzer"
	StateRunningMerger     RunState = "running_merger"
	StateRetrying          RunState = "retrying"
	StateSuccess           RunState = "success"
	StateFailed            RunState = "failed"
	StateStopped           RunState = "stopped"
)

// RunningState maps a stage to its running_* FSM state.
func RunningState(s Stage) RunState {
	switch s {
	case StageTranslator:
		return StateRunningTranslator
	case StageAnalyzer:
		return StateRunningAnalyzer
	case StageMerger:
		return StateRunningMerger
	}
	return ""
}

// Terminal reports whether the state admits creating a new run.
func (s RunState) Terminal() bool {
	switch s {
	case StateIdle, StateSuccess, StateFailed, StateStopped:
		return true
	}
	return false
}

// Canonical projects the FSM state onto the four-value public view:
// idle, running, stopped, error.
func (s RunState) Canonical() string {
	switch s {
	case StateIdle, StateSuccess:
		return "idle"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "error"
	default:
		return "running"
	}
}

// RunContext is the single active run. At most one exists process-wide and it
// is mutated only through the state manager.
type RunContext struct {
	RunID          string         `json:"run_id"`
	State          RunState       `json:"state"`
	CurrentStage   Stage          `json:"current_stage,omitempty"`
	StartedAt      time.Time      `json:"started_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	RetryCount     int            `json:"retry_count"`
	Error          string         `json:"error,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	StagesExecuted []string       `json:"stages_executed,omitempty"`
	StagesFailed   []string       `json:"stages_failed,omitempty"`
}

// Clone returns a deep copy safe to hand to subscribers and API responses.
func (rc *RunContext) Clone() *RunContext {
	if rc == nil {
		return nil
	}
	cp := *rc
	if rc.Metadata != nil {
		cp.Metadata = make(map[string]any, len(rc.Metadata))
		for k, v := range rc.Metadata {
			cp.Metadata[k] = v
		}
	}
	cp.StagesExecuted = append([]string(nil), rc.StagesExecuted...)
	cp.StagesFailed = append([]string(nil), rc.StagesFailed...)
	return &cp
}

// Dict renders the context as the canonical_state mapping embedded in
// state_change events.
func (rc *RunContext) Dict() map[string]any {
	if rc == nil {
		return nil
	}
	var stage any
	if rc.CurrentStage != "" {
		stage = string(rc.CurrentStage)
	}
	var errField any
	if rc.Error != "" {
		errField = rc.Error
	}
	return map[string]any{
		"run_id":          rc.RunID,
		"state":           string(rc.State),
		"current_stage":   stage,
		"started_at":      rc.StartedAt.Format(time.RFC3339),
		"updated_at":      rc.UpdatedAt.Format(time.RFC3339),
		"retry_count":     rc.RetryCount,
		"error":           errField,
		"metadata":        rc.Metadata,
		"stages_executed": rc.StagesExecuted,
		"stages_failed":   rc.StagesFailed,
	}
}

// RunResult is the terminal outcome recorded in a RunSummary.
type RunResult string

const (
	ResultSuccess RunResult = "success"
	ResultFailed  RunResult = "failed"
	ResultStopped RunResult = "stopped"
)

// RunSummary is the persisted record of a completed run, one JSON line per
// run in the runs directory.
type RunSummary struct {
	RunID          string         `json:"run_id"`
	StartedAt      time.Time      `json:"started_at"`
	EndedAt        time.Time      `json:"ended_at"`
	Result         RunResult      `json:"result"`
	FailureReason  string         `json:"failure_reason,omitempty"`
	StagesExecuted []string       `json:"stages_executed,omitempty"`
	StagesFailed   []string       `json:"stages_failed,omitempty"`
	RetryCount     int            `json:"retry_count"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// RunHealth is the derived health label computed from recent summaries.
// It is never persisted durably.
type RunHealth string

const (
	HealthHealthy  RunHealth = "healthy"
	HealthDegraded RunHealth = "degraded"
	HealthUnknown  RunHealth = "unknown"
)

// Location is the display timezone for run timestamps. Falls back to UTC when
// the tz database is unavailable.
var Location = loadLocation()

func loadLocation() *time.Location {
	loc, err := time.LoadLocation("America/Chicago")
	if err != nil {
		return time.UTC
	}
	return loc
}

// Now returns the current time in the pipeline display timezone.
func Now() time.Time {
	return time.Now().In(Location)
}
