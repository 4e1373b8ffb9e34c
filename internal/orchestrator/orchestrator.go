// Package orchestrator composes the pipeline components behind a single
// facade: run lifecycle, background maintenance tasks, and the read surface
// the HTTP layer exposes.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/marketpipe/orchestrator/internal/config"
	"github.com/marketpipe/orchestrator/internal/events"
	"github.com/marketpipe/orchestrator/internal/health"
	"github.com/marketpipe/orchestrator/internal/history"
	"github.com/marketpipe/orchestrator/internal/lockfile"
	"github.com/marketpipe/orchestrator/internal/pipeline"
	"github.com/marketpipe/orchestrator/internal/runner"
	"github.com/marketpipe/orchestrator/internal/schedctl"
	"github.com/marketpipe/orchestrator/internal/state"
	"github.com/marketpipe/orchestrator/internal/tailer"
	"github.com/marketpipe/orchestrator/internal/watchdog"
)

const (
	heartbeatInterval = time.Minute
	sweepInterval     = 24 * time.Hour
	stopGrace         = 2 * time.Second

	// runMemo bounds the per-run idempotency sets so a long-lived process
	// does not accumulate one entry per run forever.
	runMemo = 128
)

// runSet is a bounded membership set over run ids; when full, the oldest
// entry falls out first. Callers hold the orchestrator mutex.
type runSet struct {
	limit int
	order []string
	m     map[string]struct{}
}

func newRunSet(limit int) *runSet {
	return &runSet{limit: limit, m: make(map[string]struct{})}
}

// add reports whether id was newly inserted.
func (s *runSet) add(id string) bool {
	if _, ok := s.m[id]; ok {
		return false
	}
	s.m[id] = struct{}{}
	s.order = append(s.order, id)
	if len(s.order) > s.limit {
		delete(s.m, s.order[0])
		s.order = s.order[1:]
	}
	return true
}

func (s *runSet) has(id string) bool {
	_, ok := s.m[id]
	return ok
}

var (
	// ErrLocked means another process holds the pipeline lock.
	ErrLocked = errors.New("Failed to acquire lock: held by another process")
	// ErrRunActive means a non-terminal run already exists in this process.
	ErrRunActive = errors.New("a run is already active")
	// ErrNoActiveRun is returned by StopPipeline with nothing to stop.
	ErrNoActiveRun = errors.New("no active run to stop")
)

// BlockedError carries the policy decision that denied a run.
type BlockedError struct {
	Decision health.Decision
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("run blocked: %s (health %s)", e.Decision.Reason, e.Decision.Health)
}

// StartOptions parameterizes StartPipeline.
type StartOptions struct {
	Manual         bool
	ManualOverride bool
	RunID          string // empty: generate
}

// Orchestrator wires the components together and owns the active run.
type Orchestrator struct {
	cfg       *config.Config
	bus       *events.Bus
	lock      *lockfile.Manager
	state     *state.Manager
	store     *history.Store
	policy    *health.Policy
	runner    *runner.Runner
	runnerCfg runner.Config
	tail      *tailer.Tailer
	dog       *watchdog.Watchdog
	sched     *schedctl.Control

	group  *errgroup.Group
	cancel context.CancelFunc

	mu          sync.Mutex
	activeRunID string
	activeStop  context.CancelFunc
	activeDone  chan struct{}
	started     *runSet // run_ids that already got pipeline/start
	finalized   *runSet // run_ids whose summary is persisted
	notified    *runSet // run_ids already announced by the scheduler

	schedMu     sync.Mutex
	lastSchedAt time.Time
}

// New builds the orchestrator from configuration. The optional database
// mirror is best-effort: a failed connection degrades to file-only history.
func New(ctx context.Context, cfg *config.Config) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}

	bus := events.NewBus(events.Config{
		Dir:         cfg.EventsDir(),
		RingSize:    cfg.Events.RingSize,
		LiveWindow:  time.Duration(cfg.Events.LiveWindowMin) * time.Minute,
		RotateBytes: int64(cfg.Events.RotateMB) << 20,
	})

	var mirror history.Mirror
	if cfg.Database.URL != "" {
		pg, err := history.NewPostgresMirror(ctx, cfg.Database.URL)
		if err != nil {
			slog.Warn("run history mirror unavailable, file-only", "err", err)
		} else {
			mirror = pg
		}
	}
	store := history.NewStore(cfg.RunsDir(), mirror)

	policy, err := health.NewPolicy(cfg.Policy.Rule)
	if err != nil {
		return nil, err
	}

	lock := lockfile.New(cfg.LockPath(), time.Duration(cfg.Lock.MaxRuntimeSec)*time.Second)
	st := state.NewManager(cfg.StatePath(), bus)

	runnerCfg := stageBudgets(cfg.Stages)
	validator := runner.NewValidator(runner.Paths{
		TranslatedDir:   cfg.TranslatedDir(),
		AnalyzerRunsDir: cfg.AnalyzerRunsDir(),
		MergerDir:       cfg.AnalyzedDir(),
		MergerLog:       cfg.MergerLogPath(),
	})
	run := runner.New(st, bus, validator, runnerCfg)
	run.Register(runner.NewCommandExecutor(pipeline.StageTranslator,
		cfg.Stages.Translator.Command, cfg.Root, cfg.RawInputGlob(), bus))
	run.Register(runner.NewCommandExecutor(pipeline.StageAnalyzer,
		cfg.Stages.Analyzer.Command, cfg.Root, "", bus))
	run.Register(runner.NewCommandExecutor(pipeline.StageMerger,
		cfg.Stages.Merger.Command, cfg.Root, "", bus))

	o := &Orchestrator{
		cfg:       cfg,
		bus:       bus,
		lock:      lock,
		state:     st,
		store:     store,
		policy:    policy,
		runner:    run,
		runnerCfg: runnerCfg,
		sched:     schedctl.New(cfg.Scheduler.Unit, cfg.AuditPath(), cfg.SchedulePath(), bus, nil),
		started:   newRunSet(runMemo),
		finalized: newRunSet(runMemo),
		notified:  newRunSet(runMemo),
	}

	liveWindow := time.Duration(cfg.Events.LiveWindowMin) * time.Minute
	o.tail = tailer.New(cfg.EventsDir(), cfg.OffsetsPath(), bus, liveWindow,
		time.Duration(cfg.Events.TailIntervalSec)*time.Second, o.isLocalRun)

	o.dog = watchdog.New(st, lock, bus, runnerCfg,
		time.Duration(cfg.Watchdog.IntervalSec)*time.Second,
		time.Duration(cfg.Watchdog.HeartbeatTimeoutSec)*time.Second)
	o.dog.OnTimeout = func(rc *pipeline.RunContext, reason string) {
		o.finalize(rc, pipeline.ResultFailed, reason)
	}

	o.seedSchedulerClock()
	return o, nil
}

// stageBudgets maps the stage configuration onto runner budgets, keeping the
// defaults for anything unset.
func stageBudgets(sc config.StagesConfig) runner.Config {
	out := runner.DefaultConfig()
	apply := func(stg pipeline.Stage, c config.StageConfig) {
		budget := out.Stages[stg]
		if c.MaxRetries != nil {
			budget.MaxRetries = *c.MaxRetries
		}
		if c.RetryDelaySec > 0 {
			budget.RetryDelay = time.Duration(c.RetryDelaySec) * time.Second
		}
		if c.TimeoutSec > 0 {
			budget.Timeout = time.Duration(c.TimeoutSec) * time.Second
		}
		out.Stages[stg] = budget
	}
	apply(pipeline.StageTranslator, sc.Translator)
	apply(pipeline.StageAnalyzer, sc.Analyzer)
	apply(pipeline.StageMerger, sc.Merger)
	return out
}

// Start launches the background tasks: JSONL tailer, watchdog, heartbeat
// emitter, daily archive sweeper, and the scheduler liveness monitor.
func (o *Orchestrator) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	g, gctx := errgroup.WithContext(ctx)
	o.group = g

	g.Go(func() error { o.tail.Run(gctx); return nil })
	g.Go(func() error { o.dog.Run(gctx); return nil })
	g.Go(func() error { o.heartbeatLoop(gctx); return nil })
	g.Go(func() error { o.sweepLoop(gctx); return nil })
	g.Go(func() error { o.schedulerMonitor(gctx); return nil })
	slog.Info("orchestrator started", "root", o.cfg.Root)
}

// Stop cancels background tasks and waits briefly for them to drain.
func (o *Orchestrator) Stop() {
	if o.cancel == nil {
		return
	}
	o.cancel()
	done := make(chan struct{})
	go func() { _ = o.group.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(stopGrace):
		slog.Warn("background tasks did not drain in time")
	}
	slog.Info("orchestrator stopped")
}

// StartPipeline gates, locks, and launches a run in the background. It
// returns as soon as the run is launched; progress flows through the bus.
func (o *Orchestrator) StartPipeline(ctx context.Context, opts StartOptions) (*pipeline.RunContext, error) {
	recent, err := o.store.ListRuns(health.WindowSize, "")
	if err != nil {
		slog.Warn("run history unreadable, gating on empty window", "err", err)
	}
	d := o.policy.CanRun(recent, !opts.Manual, opts.ManualOverride)
	if !d.Allowed {
		o.publish(pipeline.Event{
			RunID: pipeline.SystemRunID,
			Stage: pipeline.StagePipeline,
			Type:  pipeline.EventRunBlocked,
			Msg:   d.Reason,
			Data: map[string]any{
				"run_health":      string(d.Health),
				"auto_run":        !opts.Manual,
				"manual_override": opts.ManualOverride,
				"reasons":         d.Reasons,
			},
		})
		o.state.SetMetadata(map[string]any{
			"run_health":         string(d.Health),
			"run_health_reasons": d.Reasons,
		})
		return nil, &BlockedError{Decision: d}
	}

	if s := o.state.CurrentState(); !s.Terminal() {
		return nil, fmt.Errorf("%w: state %s", ErrRunActive, s)
	}

	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	// The lock comes before any announcement so a contended start leaves no
	// trace beyond the error.
	if !o.lock.Acquire(runID) {
		return nil, ErrLocked
	}

	o.mu.Lock()
	first := o.started.add(runID)
	o.mu.Unlock()
	if first {
		o.publish(pipeline.Event{
			RunID: runID,
			Stage: pipeline.StagePipeline,
			Type:  pipeline.EventStart,
			Data:  map[string]any{"manual": opts.Manual},
		})
	}

	rc, err := o.state.CreateRun(runID, map[string]any{
		"manual":          opts.Manual,
		"manual_override": opts.ManualOverride,
		"triggered_at":    pipeline.Now().Format(time.RFC3339),
	})
	if err != nil {
		if rerr := o.lock.Release(runID); rerr != nil {
			slog.Warn("lock release after failed create", "run_id", runID, "err", rerr)
		}
		return nil, err
	}
	if err := o.state.Transition(pipeline.StateStarting, state.TransitionOpts{}); err != nil {
		if rerr := o.lock.Release(runID); rerr != nil {
			slog.Warn("lock release after failed transition", "run_id", runID, "err", rerr)
		}
		return nil, err
	}
	rc.State = pipeline.StateStarting

	if opts.Manual {
		o.publish(pipeline.Event{
			RunID: runID,
			Stage: pipeline.StagePipeline,
			Type:  pipeline.EventManualRequested,
			Data:  map[string]any{"manual_override": opts.ManualOverride},
		})
	} else {
		o.publish(pipeline.Event{
			RunID: runID,
			Stage: pipeline.StageScheduler,
			Type:  pipeline.EventStart,
			Data:  map[string]any{"run_id": runID},
		})
	}

	runCtx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	o.mu.Lock()
	o.activeRunID = runID
	o.activeStop = stop
	o.activeDone = done
	o.mu.Unlock()

	go o.runBackground(runCtx, runID, opts.Manual, done, stop)
	return rc, nil
}

// runBackground drives the stage sequence and finalizes the run whatever
// happens, including a panic inside a stage body.
func (o *Orchestrator) runBackground(ctx context.Context, runID string, manual bool, done chan struct{}, stop context.CancelFunc) {
	defer close(done)
	defer stop()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("pipeline panicked: %v", r)
			}
		}()
		return o.runner.RunPipeline(ctx, runID)
	}()

	rc := o.state.State()
	if err != nil && !errors.Is(err, runner.ErrStopped) && (rc == nil || !rc.State.Terminal()) {
		// The runner normally leaves a terminal state behind; a panic or FSM
		// bug may not. Force failed so the run cannot wedge.
		if terr := o.state.Transition(pipeline.StateFailed, state.TransitionOpts{Error: err.Error()}); terr != nil {
			slog.Error("failed to force-fail run", "run_id", runID, "err", terr)
		}
		rc = o.state.State()
	}
	if rc == nil || rc.RunID != runID {
		slog.Warn("run context lost before finalization", "run_id", runID)
		o.releaseLock(runID)
		return
	}

	stage := pipeline.StagePipeline
	if !manual {
		stage = pipeline.StageScheduler
	}
	switch rc.State {
	case pipeline.StateSuccess:
		o.publish(pipeline.Event{RunID: runID, Stage: stage, Type: pipeline.EventSuccess})
		o.finalize(rc, pipeline.ResultSuccess, "")
	case pipeline.StateFailed:
		o.publish(pipeline.Event{RunID: runID, Stage: stage, Type: pipeline.EventFailed, Msg: rc.Error})
		o.finalize(rc, pipeline.ResultFailed, rc.Error)
	case pipeline.StateStopped:
		// StopPipeline already finalized; nothing terminal to announce.
		o.finalize(rc, pipeline.ResultStopped, rc.Error)
	default:
		slog.Error("run ended in non-terminal state", "run_id", runID, "state", rc.State)
		o.finalize(rc, pipeline.ResultFailed, fmt.Sprintf("ended in state %s", rc.State))
	}
}

// finalize releases the lock, persists the run summary exactly once, and
// refreshes the derived health metadata. Safe to call from the background
// task, StopPipeline, and the watchdog timeout hook concurrently.
func (o *Orchestrator) finalize(rc *pipeline.RunContext, result pipeline.RunResult, reason string) {
	o.mu.Lock()
	if !o.finalized.add(rc.RunID) {
		o.mu.Unlock()
		return
	}
	if o.activeRunID == rc.RunID {
		o.activeRunID = ""
		o.activeStop = nil
	}
	o.mu.Unlock()

	o.releaseLock(rc.RunID)

	sum := pipeline.RunSummary{
		RunID:          rc.RunID,
		StartedAt:      rc.StartedAt,
		EndedAt:        pipeline.Now(),
		Result:         result,
		FailureReason:  reason,
		StagesExecuted: rc.StagesExecuted,
		StagesFailed:   rc.StagesFailed,
		RetryCount:     rc.RetryCount,
		Metadata:       rc.Metadata,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.store.Append(ctx, sum); err != nil {
		slog.Error("run summary persist failed", "run_id", rc.RunID, "err", err)
	}

	recent, err := o.store.ListRuns(health.WindowSize, "")
	if err == nil {
		h, reasons := health.Compute(recent)
		o.state.SetMetadata(map[string]any{
			"run_health":         string(h),
			"run_health_reasons": reasons,
		})
	}
	slog.Info("run finalized", "run_id", rc.RunID, "result", result)
}

func (o *Orchestrator) releaseLock(runID string) {
	if err := o.lock.Release(runID); err != nil {
		if errors.Is(err, lockfile.ErrNotOwner) {
			return // another run took over after the watchdog cleared it
		}
		slog.Warn("lock release failed", "run_id", runID, "err", err)
	}
}

// StopPipeline transitions the active run to stopped, cancels its stage work,
// and finalizes it.
func (o *Orchestrator) StopPipeline(ctx context.Context) (*pipeline.RunContext, error) {
	rc := o.state.State()
	if rc == nil || rc.State.Terminal() {
		return nil, ErrNoActiveRun
	}
	if err := o.state.Transition(pipeline.StateStopped, state.TransitionOpts{Error: "stopped by user"}); err != nil {
		return nil, err
	}

	o.mu.Lock()
	stop := o.activeStop
	done := o.activeDone
	o.mu.Unlock()
	if stop != nil {
		stop()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(stopGrace):
		case <-ctx.Done():
		}
	}

	rc = o.state.State()
	o.finalize(rc, pipeline.ResultStopped, "stopped by user")
	return rc, nil
}

// Wait blocks until the active run's background task exits. Used by the
// standalone runner; returns immediately when no run is active.
func (o *Orchestrator) Wait(ctx context.Context) error {
	o.mu.Lock()
	done := o.activeDone
	o.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunSingleStage executes one stage body plus validation in the background,
// outside the run FSM. Administrative path; the pipeline lock still applies.
func (o *Orchestrator) RunSingleStage(ctx context.Context, stg pipeline.Stage) (string, error) {
	if !pipeline.ValidStage(stg) {
		return "", fmt.Errorf("unknown stage %q", stg)
	}
	if s := o.state.CurrentState(); !s.Terminal() {
		return "", fmt.Errorf("%w: state %s", ErrRunActive, s)
	}
	runID := uuid.NewString()
	if !o.lock.Acquire(runID) {
		return "", ErrLocked
	}
	o.mu.Lock()
	o.started.add(runID)
	o.mu.Unlock()

	go func() {
		defer o.releaseLock(runID)
		cctx, cancel := context.WithTimeout(context.Background(), o.runnerCfg.StageTimeout(stg))
		defer cancel()

		start := pipeline.Now()
		err := o.runner.RunStageOnce(cctx, stg, runID)
		result := pipeline.ResultSuccess
		reason := ""
		if err != nil {
			result = pipeline.ResultFailed
			reason = err.Error()
			slog.Warn("single stage run failed", "stage", stg, "run_id", runID, "err", err)
		}
		sum := pipeline.RunSummary{
			RunID:          runID,
			StartedAt:      start,
			EndedAt:        pipeline.Now(),
			Result:         result,
			FailureReason:  reason,
			StagesExecuted: []string{string(stg)},
			Metadata:       map[string]any{"single_stage": string(stg)},
		}
		if result == pipeline.ResultFailed {
			sum.StagesFailed = []string{string(stg)}
		}
		sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer scancel()
		if err := o.store.Append(sctx, sum); err != nil {
			slog.Error("single stage summary persist failed", "run_id", runID, "err", err)
		}
	}()
	return runID, nil
}

// Reset force-clears the lock and drops the run context. Operator escape
// hatch for a wedged deployment.
func (o *Orchestrator) Reset() error {
	if err := o.lock.ForceClear(); err != nil {
		return err
	}
	o.state.ClearRun()
	o.publish(pipeline.Event{
		RunID: pipeline.SystemRunID,
		Stage: pipeline.StageSystem,
		Type:  pipeline.EventLog,
		Msg:   "orchestrator reset: lock cleared, run context dropped",
	})
	slog.Warn("orchestrator reset")
	return nil
}

// NotifyScheduledRun records that the OS scheduler fired. Idempotent per
// run_id; repeated notifications are ignored.
func (o *Orchestrator) NotifyScheduledRun(runID string) {
	if runID == "" {
		runID = pipeline.SystemRunID
	}
	o.mu.Lock()
	if !o.notified.add(runID) {
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()

	o.markSchedulerSeen(pipeline.Now())
	o.publish(pipeline.Event{
		RunID: runID,
		Stage: pipeline.StageScheduler,
		Type:  pipeline.EventScheduledRun,
		Data:  map[string]any{"run_id": runID},
	})
}

// isLocalRun tells the tailer to skip JSONL files for runs this process owns;
// their events already went through the bus.
func (o *Orchestrator) isLocalRun(runID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.started.has(runID)
}

func (o *Orchestrator) publish(ev pipeline.Event) {
	if err := o.bus.Publish(ev); err != nil {
		slog.Warn("event publish failed", "event", ev.Type, "err", err)
	}
}

// heartbeatLoop refreshes the run context liveness timestamp and writes a
// heartbeat line while a run is active, so the watchdog and the historical
// log both see progress during long stage bodies.
func (o *Orchestrator) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rc := o.state.State()
			if rc == nil || rc.State.Terminal() {
				continue
			}
			o.state.Touch()
			o.publish(pipeline.Event{
				RunID: rc.RunID,
				Stage: pipeline.StagePipeline,
				Type:  pipeline.EventHeartbeat,
				Data:  map[string]any{"state": string(rc.State)},
			})
		}
	}
}

// sweepLoop archives aged event logs once at startup and then daily.
func (o *Orchestrator) sweepLoop(ctx context.Context) {
	tailer.SweepArchive(o.cfg.EventsDir())
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tailer.SweepArchive(o.cfg.EventsDir())
		}
	}
}

// schedulerMonitor tracks the last observed scheduler activity on the bus so
// SchedulerHealth can classify the external scheduler as active or stale.
func (o *Orchestrator) schedulerMonitor(ctx context.Context) {
	sub, err := o.bus.Subscribe()
	if err != nil {
		slog.Warn("scheduler monitor subscribe failed", "err", err)
		return
	}
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if ev.Stage == pipeline.StageScheduler {
				o.markSchedulerSeen(ev.Timestamp)
			}
		}
	}
}

// seedSchedulerClock recovers the last scheduler sighting from the JSONL
// history so a restart does not report unknown until the next fire.
func (o *Orchestrator) seedSchedulerClock() {
	window := 2 * o.expectedInterval()
	for _, ev := range o.bus.LoadSince(window, 0, false) {
		if ev.Stage == pipeline.StageScheduler {
			o.markSchedulerSeen(ev.Timestamp)
		}
	}
}

func (o *Orchestrator) markSchedulerSeen(at time.Time) {
	o.schedMu.Lock()
	defer o.schedMu.Unlock()
	if at.After(o.lastSchedAt) {
		o.lastSchedAt = at
	}
}

func (o *Orchestrator) expectedInterval() time.Duration {
	m := o.cfg.Scheduler.ExpectedIntervalMin
	if m <= 0 {
		m = 15
	}
	return time.Duration(m) * time.Minute
}

// SchedulerHealth classifies the external scheduler: active when seen within
// twice the expected interval, stale when seen but not recently, unknown when
// never observed.
func (o *Orchestrator) SchedulerHealth() string {
	o.schedMu.Lock()
	last := o.lastSchedAt
	o.schedMu.Unlock()
	if last.IsZero() {
		return "unknown"
	}
	if time.Since(last) <= 2*o.expectedInterval() {
		return "active"
	}
	return "stale"
}

// RegisterExecutor replaces the stage executor for custom deployments and
// tests. Must be called before the first run.
func (o *Orchestrator) RegisterExecutor(exec runner.Executor) {
	o.runner.Register(exec)
}

// Component accessors for the HTTP layer.

func (o *Orchestrator) Bus() *events.Bus         { return o.bus }
func (o *Orchestrator) History() *history.Store  { return o.store }
func (o *Orchestrator) Sched() *schedctl.Control { return o.sched }
func (o *Orchestrator) State() *state.Manager    { return o.state }
func (o *Orchestrator) Lock() *lockfile.Manager  { return o.lock }
func (o *Orchestrator) Config() *config.Config   { return o.cfg }
