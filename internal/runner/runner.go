// Package runner executes the three batch stages sequentially with
// per-stage timeout, retry with exponential backoff, and output validation.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/marketpipe/orchestrator/internal/pipeline"
	"github.com/marketpipe/orchestrator/internal/state"
)

// Stage body result statuses.
const (
	StatusSuccess = "success"
	StatusSkipped = "skipped"
	StatusFailed  = "failed"
)

// ErrStopped is returned when the run was stopped while a stage was in flight.
var ErrStopped = errors.New("run stopped")

// Result is what a stage body returns. Skipped counts as success for the
// translator and analyzer (no raw input is normal); the merger must succeed.
type Result struct {
	Status string
	Msg    string
}

// Executor runs one stage body. Bodies are synchronous long-running code;
// the runner dispatches them to a worker goroutine under a timeout so the
// orchestration loop never blocks.
type Executor interface {
	Stage() pipeline.Stage
	Execute(ctx context.Context, runID string) (Result, error)
}

// StageConfig is the retry/timeout budget for one stage.
type StageConfig struct {
	MaxRetries int
	RetryDelay time.Duration
	Timeout    time.Duration
}

// Config carries per-stage budgets and the shared backoff multiplier.
type Config struct {
	Stages  map[pipeline.Stage]StageConfig
	Backoff float64
}

// DefaultConfig returns the stock retry policy.
func DefaultConfig() Config {
	return Config{
		Backoff: 2.0,
		Stages: map[pipeline.Stage]StageConfig{
			pipeline.StageTranslator: {MaxRetries: 2, RetryDelay: 10 * time.Second, Timeout: time.Hour},
			pipeline.StageAnalyzer:   {MaxRetries: 1, RetryDelay: 30 * time.Second, Timeout: 6 * time.Hour},
			pipeline.StageMerger:     {MaxRetries: 2, RetryDelay: 5 * time.Second, Timeout: 30 * time.Minute},
		},
	}
}

// StageTimeout returns the configured timeout for a stage.
func (c Config) StageTimeout(stg pipeline.Stage) time.Duration {
	if sc, ok := c.Stages[stg]; ok && sc.Timeout > 0 {
		return sc.Timeout
	}
	return time.Hour
}

// Publisher is the bus slice the runner needs for validation-failure events.
type Publisher interface {
	Publish(pipeline.Event) error
}

// Runner drives the stage sequence through the state manager. It emits state
// transitions and validation failures only; stage bodies emit their own
// lifecycle events.
type Runner struct {
	state     *state.Manager
	pub       Publisher
	validator *Validator
	executors map[pipeline.Stage]Executor
	cfg       Config

	// sleep is swapped out by tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Runner. Executors are registered with Register.
func New(st *state.Manager, pub Publisher, validator *Validator, cfg Config) *Runner {
	if cfg.Backoff <= 0 {
		cfg.Backoff = 2.0
	}
	return &Runner{
		state:     st,
		pub:       pub,
		validator: validator,
		executors: make(map[pipeline.Stage]Executor),
		cfg:       cfg,
		sleep:     sleepCtx,
	}
}

// Register installs a stage executor.
func (r *Runner) Register(exec Executor) {
	r.executors[exec.Stage()] = exec
}

// RunPipeline executes translator → analyzer → merger for the active run and
// transitions to success when all three pass.
func (r *Runner) RunPipeline(ctx context.Context, runID string) error {
	for _, stg := range pipeline.StageOrder() {
		if err := r.runStage(ctx, runID, stg); err != nil {
			return err
		}
	}
	if err := r.state.Transition(pipeline.StateSuccess, state.TransitionOpts{}); err != nil {
		return fmt.Errorf("transition to success: %w", err)
	}
	return nil
}

func (r *Runner) runStage(ctx context.Context, runID string, stg pipeline.Stage) error {
	cfg, ok := r.cfg.Stages[stg]
	if !ok {
		return fmt.Errorf("no config for stage %s", stg)
	}
	r.state.MarkStageExecuted(stg)

	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}
		// The watchdog or a stop request may have ended the run while the
		// previous attempt was in flight.
		if s := r.state.CurrentState(); s == pipeline.StateFailed || s == pipeline.StateStopped {
			return ErrStopped
		}
		if attempt > 0 {
			err := r.state.Transition(pipeline.StateRetrying, state.TransitionOpts{
				Stage: stg,
				Metadata: map[string]any{
					"attempt":     attempt,
					"max_retries": cfg.MaxRetries,
				},
			})
			if err != nil {
				return r.interpretFSMError(err)
			}
			delay := time.Duration(float64(cfg.RetryDelay) * math.Pow(r.cfg.Backoff, float64(attempt-1)))
			slog.Info("retrying stage", "stage", stg, "attempt", attempt, "delay", delay)
			if err := r.sleep(ctx, delay); err != nil {
				lastErr = err
				break
			}
		}
		if err := r.state.Transition(pipeline.RunningState(stg), state.TransitionOpts{Stage: stg}); err != nil {
			return r.interpretFSMError(err)
		}

		res, err := r.execute(ctx, stg, runID, cfg.Timeout)
		if err != nil {
			slog.Warn("stage attempt failed", "stage", stg, "attempt", attempt, "err", err)
			lastErr = err
			continue
		}
		if !stageAccepts(stg, res.Status) {
			lastErr = fmt.Errorf("stage %s returned status %q: %s", stg, res.Status, res.Msg)
			slog.Warn("stage attempt rejected", "stage", stg, "attempt", attempt, "status", res.Status)
			continue
		}
		if err := r.validator.Validate(stg, runID); err != nil {
			lastErr = err
			r.publishValidationFailure(runID, stg, err)
			continue
		}
		return nil
	}

	if s := r.state.CurrentState(); s == pipeline.StateStopped {
		return ErrStopped
	}
	r.state.MarkStageFailed(stg)
	reason := fmt.Sprintf("stage %s failed after %d attempts", stg, cfg.MaxRetries+1)
	if lastErr != nil {
		reason = fmt.Sprintf("%s: %v", reason, lastErr)
	}
	if err := r.state.Transition(pipeline.StateFailed, state.TransitionOpts{Stage: stg, Error: reason}); err != nil {
		return r.interpretFSMError(err)
	}
	return errors.New(reason)
}

// interpretFSMError maps a rejected transition onto ErrStopped when the run
// was stopped underneath us; anything else is a bug and propagates.
func (r *Runner) interpretFSMError(err error) error {
	if errors.Is(err, state.ErrInvalidTransition) {
		if s := r.state.CurrentState(); s == pipeline.StateStopped {
			return ErrStopped
		}
	}
	return err
}

// execute dispatches the stage body to a worker goroutine under the stage
// timeout. A timed-out body keeps running until its context unwinds it; the
// attempt is charged either way.
func (r *Runner) execute(ctx context.Context, stg pipeline.Stage, runID string, timeout time.Duration) (Result, error) {
	exec, ok := r.executors[stg]
	if !ok {
		return Result{}, fmt.Errorf("no executor registered for stage %s", stg)
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := exec.Execute(cctx, runID)
		done <- outcome{res, err}
	}()

	select {
	case o := <-done:
		return o.res, o.err
	case <-cctx.Done():
		if errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return Result{}, fmt.Errorf("stage %s timed out after %s", stg, timeout)
		}
		return Result{}, cctx.Err()
	}
}

// RunStageOnce executes a single stage body plus validation outside the FSM
// sequence. Administrative path used by the facade's single-stage endpoint.
func (r *Runner) RunStageOnce(ctx context.Context, stg pipeline.Stage, runID string) error {
	cfg, ok := r.cfg.Stages[stg]
	if !ok {
		return fmt.Errorf("no config for stage %s", stg)
	}
	res, err := r.execute(ctx, stg, runID, cfg.Timeout)
	if err != nil {
		return err
	}
	if !stageAccepts(stg, res.Status) {
		return fmt.Errorf("stage %s returned status %q: %s", stg, res.Status, res.Msg)
	}
	if err := r.validator.Validate(stg, runID); err != nil {
		r.publishValidationFailure(runID, stg, err)
		return err
	}
	return nil
}

func (r *Runner) publishValidationFailure(runID string, stg pipeline.Stage, verr error) {
	if r.pub == nil {
		return
	}
	err := r.pub.Publish(pipeline.Event{
		RunID: runID,
		Stage: string(stg),
		Type:  pipeline.EventError,
		Msg:   fmt.Sprintf("output validation failed: %v", verr),
	})
	if err != nil {
		slog.Warn("validation failure publish failed", "run_id", runID, "err", err)
	}
}

// stageAccepts reports whether the body status counts as stage success.
func stageAccepts(stg pipeline.Stage, status string) bool {
	if status == StatusSuccess {
		return true
	}
	if status == StatusSkipped {
		return stg == pipeline.StageTranslator || stg == pipeline.StageAnalyzer
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
