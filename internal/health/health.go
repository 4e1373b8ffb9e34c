// Package health derives run health from recent run summaries and gates
// future runs. Health is computed on demand and never persisted durably.
package health

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/marketpipe/orchestrator/internal/pipeline"
)

// WindowSize is the number of recent summaries health is derived from.
const WindowSize = 5

// ReasonDegradedAutorun is the deny reason for blocked scheduled runs.
const ReasonDegradedAutorun = "degraded_autorun_blocked"

// Compute derives a health label and reason list from the most recent
// summaries (newest first). Fewer than WindowSize records, or a most recent
// stopped run, yields unknown.
func Compute(recent []pipeline.RunSummary) (pipeline.RunHealth, []string) {
	if len(recent) > WindowSize {
		recent = recent[:WindowSize]
	}
	if len(recent) < WindowSize {
		return pipeline.HealthUnknown, []string{
			fmt.Sprintf("insufficient history: %d of %d runs recorded", len(recent), WindowSize),
		}
	}
	if recent[0].Result == pipeline.ResultStopped {
		return pipeline.HealthUnknown, []string{"most recent run was stopped"}
	}

	failures := 0
	for _, sum := range recent {
		if sum.Result == pipeline.ResultFailed {
			failures++
		}
	}

	switch {
	case failures >= 2:
		return pipeline.HealthDegraded, []string{
			fmt.Sprintf("%d of last %d runs failed", failures, len(recent)),
		}
	case recent[0].Result == pipeline.ResultSuccess:
		var reasons []string
		if failures == 1 {
			reasons = append(reasons, fmt.Sprintf("1 of last %d runs failed", len(recent)))
		}
		return pipeline.HealthHealthy, reasons
	default:
		// Single failure and it is the most recent run. One failure does not
		// degrade the pipeline.
		return pipeline.HealthHealthy, []string{"most recent run failed"}
	}
}

// Decision is the outcome of the run gate.
type Decision struct {
	Allowed bool
	Reason  string
	Health  pipeline.RunHealth
	Reasons []string
}

// Policy decides whether a run may start. The default rule blocks scheduled
// (auto) runs while health is degraded unless manually overridden. A custom
// expr rule, when configured, replaces the default; the rule evaluates to
// true to deny.
type Policy struct {
	rule *vm.Program
	src  string
}

// NewPolicy compiles the optional custom deny rule. An empty rule selects the
// built-in behavior.
func NewPolicy(rule string) (*Policy, error) {
	p := &Policy{src: rule}
	if rule == "" {
		return p, nil
	}
	prog, err := expr.Compile(rule, expr.Env(ruleEnv{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile policy rule: %w", err)
	}
	p.rule = prog
	return p, nil
}

type ruleEnv struct {
	Health         string `expr:"health"`
	AutoRun        bool   `expr:"auto_run"`
	ManualOverride bool   `expr:"manual_override"`
	Failures       int    `expr:"failures"`
	Total          int    `expr:"total"`
}

// CanRun evaluates the gate against recent history (newest first).
func (p *Policy) CanRun(recent []pipeline.RunSummary, autoRun, manualOverride bool) Decision {
	h, reasons := Compute(recent)
	d := Decision{Allowed: true, Health: h, Reasons: reasons}

	if p.rule != nil {
		failures := 0
		for _, sum := range recent {
			if sum.Result == pipeline.ResultFailed {
				failures++
			}
		}
		out, err := expr.Run(p.rule, ruleEnv{
			Health:         string(h),
			AutoRun:        autoRun,
			ManualOverride: manualOverride,
			Failures:       failures,
			Total:          len(recent),
		})
		if err != nil {
			// A broken rule must not wedge the pipeline; fall through to the
			// built-in gate.
			d.Reasons = append(d.Reasons, fmt.Sprintf("policy rule error: %v", err))
		} else if deny, _ := out.(bool); deny {
			d.Allowed = false
			d.Reason = "policy_rule_blocked"
			return d
		} else {
			return d
		}
	}

	if h == pipeline.HealthDegraded && autoRun && !manualOverride {
		d.Allowed = false
		d.Reason = ReasonDegradedAutorun
	}
	return d
}
