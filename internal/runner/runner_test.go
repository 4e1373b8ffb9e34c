package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/marketpipe/orchestrator/internal/pipeline"
	"github.com/marketpipe/orchestrator/internal/state"
)

type recordingPub struct {
	mu     sync.Mutex
	events []pipeline.Event
}

func (p *recordingPub) Publish(ev pipeline.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPub) stateSequence() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, ev := range p.events {
		if ev.Type == pipeline.EventStateChange {
			out = append(out, ev.Data["new_state"].(string))
		}
	}
	return out
}

type fakeExec struct {
	stage   pipeline.Stage
	results []Result
	hook    func(attempt int)

	mu    sync.Mutex
	calls int
}

func (f *fakeExec) Stage() pipeline.Stage { return f.stage }

func (f *fakeExec) Execute(ctx context.Context, runID string) (Result, error) {
	f.mu.Lock()
	i := f.calls
	f.calls++
	f.mu.Unlock()
	if f.hook != nil {
		f.hook(i)
	}
	if i >= len(f.results) {
		i = len(f.results) - 1
	}
	return f.results[i], nil
}

// passingPaths builds output directories with every validation artifact for
// run r1 in place.
func passingPaths(t *testing.T) Paths {
	t.Helper()
	root := t.TempDir()
	translated := filepath.Join(root, "translated", "BTC")
	analyzerRuns := filepath.Join(root, "analyzed", "runs")
	analyzed := filepath.Join(root, "analyzed")
	for _, dir := range []string{translated, analyzerRuns} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	os.WriteFile(filepath.Join(translated, "btc_1m.parquet"), []byte("pq"), 0o644)
	os.WriteFile(filepath.Join(analyzerRuns, ".success_r1.marker"), nil, 0o644)
	os.WriteFile(filepath.Join(analyzed, ".merge_complete_r1.marker"), nil, 0o644)
	return Paths{
		TranslatedDir:   filepath.Join(root, "translated"),
		AnalyzerRunsDir: analyzerRuns,
		MergerDir:       analyzed,
	}
}

func fastConfig() Config {
	cfg := DefaultConfig()
	for stg, sc := range cfg.Stages {
		sc.RetryDelay = time.Millisecond
		sc.Timeout = 5 * time.Second
		cfg.Stages[stg] = sc
	}
	return cfg
}

func newTestRunner(t *testing.T, cfg Config) (*Runner, *state.Manager, *recordingPub) {
	t.Helper()
	pub := &recordingPub{}
	st := state.NewManager(filepath.Join(t.TempDir(), "state.json"), pub)
	r := New(st, pub, NewValidator(passingPaths(t)), cfg)
	r.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return r, st, pub
}

func startRun(t *testing.T, st *state.Manager) {
	t.Helper()
	if _, err := st.CreateRun("r1", nil); err != nil {
		t.Fatal(err)
	}
	if err := st.Transition(pipeline.StateStarting, state.TransitionOpts{}); err != nil {
		t.Fatal(err)
	}
}

func success(stg pipeline.Stage) *fakeExec {
	return &fakeExec{stage: stg, results: []Result{{Status: StatusSuccess}}}
}

func TestRunPipelineSuccess(t *testing.T) {
	r, st, pub := newTestRunner(t, fastConfig())
	r.Register(success(pipeline.StageTranslator))
	r.Register(success(pipeline.StageAnalyzer))
	r.Register(success(pipeline.StageMerger))
	startRun(t, st)

	if err := r.RunPipeline(context.Background(), "r1"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := st.CurrentState(); got != pipeline.StateSuccess {
		t.Errorf("final state = %s", got)
	}

	want := []string{"starting", "running_translator", "running_analyzer", "running_merger", "success"}
	got := pub.stateSequence()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("state sequence = %v, want %v", got, want)
	}

	rc := st.State()
	if len(rc.StagesExecuted) != 3 || len(rc.StagesFailed) != 0 {
		t.Errorf("stages executed=%v failed=%v", rc.StagesExecuted, rc.StagesFailed)
	}
}

func TestRetryThenSuccess(t *testing.T) {
	r, st, pub := newTestRunner(t, fastConfig())
	r.Register(&fakeExec{stage: pipeline.StageTranslator, results: []Result{
		{Status: StatusFailed, Msg: "transient"},
		{Status: StatusSuccess},
	}})
	r.Register(success(pipeline.StageAnalyzer))
	r.Register(success(pipeline.StageMerger))
	startRun(t, st)

	if err := r.RunPipeline(context.Background(), "r1"); err != nil {
		t.Fatalf("run: %v", err)
	}
	seq := pub.stateSequence()
	joined := strings.Join(seq, ",")
	if !strings.Contains(joined, "running_translator,retrying,running_translator") {
		t.Errorf("retry path missing from %v", seq)
	}
	if rc := st.State(); rc.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", rc.RetryCount)
	}
}

func TestBackoffGrows(t *testing.T) {
	r, st, _ := newTestRunner(t, fastConfig())
	var delays []time.Duration
	r.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	r.Register(&fakeExec{stage: pipeline.StageTranslator, results: []Result{{Status: StatusFailed}}})
	startRun(t, st)

	_ = r.runStage(context.Background(), "r1", pipeline.StageTranslator)
	// translator: 2 retries → 2 sleeps, doubling.
	if len(delays) != 2 {
		t.Fatalf("got %d sleeps, want 2", len(delays))
	}
	if delays[1] != 2*delays[0] {
		t.Errorf("backoff not doubling: %v", delays)
	}
}

func TestRetriesExhausted(t *testing.T) {
	r, st, _ := newTestRunner(t, fastConfig())
	r.Register(&fakeExec{stage: pipeline.StageTranslator, results: []Result{{Status: StatusFailed, Msg: "boom"}}})
	startRun(t, st)

	err := r.RunPipeline(context.Background(), "r1")
	if err == nil {
		t.Fatal("run should fail")
	}
	if !strings.Contains(err.Error(), "after 3 attempts") {
		t.Errorf("err = %v", err)
	}
	if got := st.CurrentState(); got != pipeline.StateFailed {
		t.Errorf("final state = %s", got)
	}
	rc := st.State()
	if len(rc.StagesFailed) != 1 || rc.StagesFailed[0] != "translator" {
		t.Errorf("stages failed = %v", rc.StagesFailed)
	}
}

func TestSkippedCountsAsSuccessForTranslator(t *testing.T) {
	r, st, _ := newTestRunner(t, fastConfig())
	r.Register(&fakeExec{stage: pipeline.StageTranslator, results: []Result{{Status: StatusSkipped, Msg: "no input"}}})
	r.Register(success(pipeline.StageAnalyzer))
	r.Register(success(pipeline.StageMerger))
	startRun(t, st)

	if err := r.RunPipeline(context.Background(), "r1"); err != nil {
		t.Fatalf("skipped translator should not fail the run: %v", err)
	}
}

func TestSkippedFailsMerger(t *testing.T) {
	r, st, _ := newTestRunner(t, fastConfig())
	r.Register(success(pipeline.StageTranslator))
	r.Register(success(pipeline.StageAnalyzer))
	r.Register(&fakeExec{stage: pipeline.StageMerger, results: []Result{{Status: StatusSkipped}}})
	startRun(t, st)

	if err := r.RunPipeline(context.Background(), "r1"); err == nil {
		t.Fatal("merger must not be skippable")
	}
	if got := st.CurrentState(); got != pipeline.StateFailed {
		t.Errorf("final state = %s", got)
	}
}

func TestValidationFailureRetriesAndPublishes(t *testing.T) {
	pub := &recordingPub{}
	st := state.NewManager(filepath.Join(t.TempDir(), "state.json"), pub)
	// Empty dirs: translator validation cannot find parquet output.
	paths := Paths{
		TranslatedDir:   t.TempDir(),
		AnalyzerRunsDir: t.TempDir(),
		MergerDir:       t.TempDir(),
	}
	r := New(st, pub, NewValidator(paths), fastConfig())
	r.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	r.Register(success(pipeline.StageTranslator))
	startRun(t, st)

	err := r.runStage(context.Background(), "r1", pipeline.StageTranslator)
	if err == nil {
		t.Fatal("validation failure should exhaust the attempts")
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	found := false
	for _, ev := range pub.events {
		if ev.Type == pipeline.EventError && ev.Stage == "translator" &&
			strings.Contains(ev.Msg, "validation") {
			found = true
		}
	}
	if !found {
		t.Error("validation failure event not published")
	}
}

func TestStopDuringRunReturnsErrStopped(t *testing.T) {
	r, st, _ := newTestRunner(t, fastConfig())
	stopper := &fakeExec{stage: pipeline.StageTranslator, results: []Result{{Status: StatusSuccess}}}
	stopper.hook = func(int) {
		if err := st.Transition(pipeline.StateStopped, state.TransitionOpts{}); err != nil {
			t.Errorf("stop transition: %v", err)
		}
	}
	r.Register(stopper)
	r.Register(success(pipeline.StageAnalyzer))
	r.Register(success(pipeline.StageMerger))
	startRun(t, st)

	err := r.RunPipeline(context.Background(), "r1")
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
	if got := st.CurrentState(); got != pipeline.StateStopped {
		t.Errorf("final state = %s", got)
	}
}

func TestStageTimeout(t *testing.T) {
	cfg := fastConfig()
	sc := cfg.Stages[pipeline.StageTranslator]
	sc.Timeout = 20 * time.Millisecond
	sc.MaxRetries = 0
	cfg.Stages[pipeline.StageTranslator] = sc

	r, st, _ := newTestRunner(t, cfg)
	slow := &fakeExec{stage: pipeline.StageTranslator, results: []Result{{Status: StatusSuccess}}}
	slow.hook = func(int) { time.Sleep(300 * time.Millisecond) }
	r.Register(slow)
	startRun(t, st)

	err := r.runStage(context.Background(), "r1", pipeline.StageTranslator)
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("err = %v, want timeout", err)
	}
	if got := st.CurrentState(); got != pipeline.StateFailed {
		t.Errorf("final state = %s", got)
	}
}
