// Package watchdog detects hung runs and forces them into failure. It never
// brings down the process: every tick error is caught and logged.
package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/marketpipe/orchestrator/internal/lockfile"
	"github.com/marketpipe/orchestrator/internal/pipeline"
	"github.com/marketpipe/orchestrator/internal/runner"
	"github.com/marketpipe/orchestrator/internal/state"
)

// Defaults.
const (
	DefaultInterval         = 30 * time.Second
	DefaultHeartbeatTimeout = 5 * time.Minute
)

// Publisher is the bus slice the watchdog needs.
type Publisher interface {
	Publish(pipeline.Event) error
}

// Watchdog periodically inspects the active run.
type Watchdog struct {
	state            *state.Manager
	lock             *lockfile.Manager
	pub              Publisher
	stages           runner.Config
	interval         time.Duration
	heartbeatTimeout time.Duration

	// OnTimeout lets the facade persist the RunSummary for a run the
	// watchdog killed. May be nil.
	OnTimeout func(rc *pipeline.RunContext, reason string)
}

// New creates a Watchdog. Zero durations select the defaults.
func New(st *state.Manager, lock *lockfile.Manager, pub Publisher, stages runner.Config, interval, heartbeatTimeout time.Duration) *Watchdog {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = DefaultHeartbeatTimeout
	}
	return &Watchdog{
		state:            st,
		lock:             lock,
		pub:              pub,
		stages:           stages,
		interval:         interval,
		heartbeatTimeout: heartbeatTimeout,
	}
}

// Run ticks until ctx is done.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.safeTick()
		}
	}
}

func (w *Watchdog) safeTick() {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("watchdog tick panicked", "panic", r)
			w.publish(pipeline.Event{
				RunID: pipeline.SystemRunID,
				Stage: pipeline.StageSystem,
				Type:  pipeline.EventError,
				Msg:   fmt.Sprintf("watchdog panic: %v", r),
			})
		}
	}()
	w.Tick()
}

// Tick checks the active run once.
func (w *Watchdog) Tick() {
	rc := w.state.State()
	if rc == nil || rc.State.Terminal() {
		return
	}

	if rc.CurrentStage != "" {
		timeout := w.stages.StageTimeout(rc.CurrentStage)
		if elapsed := time.Since(rc.StartedAt); elapsed > timeout {
			w.killRun(rc, timeout)
			return
		}
	}

	if silent := time.Since(rc.UpdatedAt); silent > w.heartbeatTimeout {
		slog.Warn("hung run: no heartbeat", "run_id", rc.RunID, "state", rc.State, "silent", silent)
		w.publish(pipeline.Event{
			RunID: rc.RunID,
			Stage: pipeline.StageWatchdog,
			Type:  pipeline.EventError,
			Msg:   fmt.Sprintf("no state update for %s (threshold %s)", silent.Truncate(time.Second), w.heartbeatTimeout),
		})
	}
}

func (w *Watchdog) killRun(rc *pipeline.RunContext, timeout time.Duration) {
	reason := fmt.Sprintf("exceeded maximum runtime (%.0fs)", timeout.Seconds())
	slog.Error("watchdog killing run", "run_id", rc.RunID, "stage", rc.CurrentStage, "reason", reason)

	if err := w.state.Transition(pipeline.StateFailed, state.TransitionOpts{Error: reason}); err != nil {
		slog.Warn("watchdog transition failed", "run_id", rc.RunID, "err", err)
		return
	}
	w.publish(pipeline.Event{
		RunID: rc.RunID,
		Stage: pipeline.StageWatchdog,
		Type:  pipeline.EventTimeout,
		Msg:   reason,
		Data: map[string]any{
			"stage":       string(rc.CurrentStage),
			"timeout_sec": timeout.Seconds(),
		},
	})

	if err := w.lock.Release(rc.RunID); err != nil {
		slog.Warn("watchdog lock release failed, force-clearing", "run_id", rc.RunID, "err", err)
		if err := w.lock.ForceClear(); err != nil {
			slog.Error("watchdog force clear failed", "err", err)
		}
	}

	if w.OnTimeout != nil {
		w.OnTimeout(rc, reason)
	}
}

func (w *Watchdog) publish(ev pipeline.Event) {
	if w.pub == nil {
		return
	}
	if err := w.pub.Publish(ev); err != nil {
		slog.Warn("watchdog publish failed", "err", err)
	}
}
