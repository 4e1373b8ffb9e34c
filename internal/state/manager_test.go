package state

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/marketpipe/orchestrator/internal/pipeline"
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

func (p *recordingPub) all() []pipeline.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]pipeline.Event(nil), p.events...)
}

func newTestManager(t *testing.T) (*Manager, *recordingPub, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "orchestrator_state.json")
	pub := &recordingPub{}
	return NewManager(path, pub), pub, path
}

// waitForFile polls for the async state write.
func waitForFile(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state file never appeared: %s", path)
}

func TestCanTransitionTable(t *testing.T) {
	valid := []struct{ from, to pipeline.RunState }{
		{pipeline.StateIdle, pipeline.StateStarting},
		{pipeline.StateStarting, pipeline.StateRunningTranslator},
		{pipeline.StateRunningTranslator, pipeline.StateRunningAnalyzer},
		{pipeline.StateRunningAnalyzer, pipeline.StateRunningMerger},
		{pipeline.StateRunningMerger, pipeline.StateSuccess},
		{pipeline.StateRunningAnalyzer, pipeline.StateRetrying},
		{pipeline.StateRetrying, pipeline.StateRunningAnalyzer},
		{pipeline.StateFailed, pipeline.StateRetrying},
		{pipeline.StateStopped, pipeline.StateIdle},
	}
	for _, tt := range valid {
		if !CanTransition(tt.from, tt.to) {
			t.Errorf("%s -> %s should be valid", tt.from, tt.to)
		}
	}

	invalid := []struct{ from, to pipeline.RunState }{
		{pipeline.StateIdle, pipeline.StateRunningTranslator},
		{pipeline.StateStarting, pipeline.StateRunningAnalyzer},
		{pipeline.StateRunningTranslator, pipeline.StateRunningMerger},
		{pipeline.StateSuccess, pipeline.StateStarting},
		{pipeline.StateSuccess, pipeline.StateRetrying},
		{pipeline.StateRunningMerger, pipeline.StateRunningTranslator},
		{pipeline.StateStopped, pipeline.StateRetrying},
	}
	for _, tt := range invalid {
		if CanTransition(tt.from, tt.to) {
			t.Errorf("%s -> %s should be invalid", tt.from, tt.to)
		}
	}
}

func TestCreateRunAndTransition(t *testing.T) {
	m, pub, _ := newTestManager(t)

	rc, err := m.CreateRun("r1", map[string]any{"manual": true})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if rc.State != pipeline.StateIdle {
		t.Errorf("fresh run state = %s, want idle", rc.State)
	}

	if err := m.Transition(pipeline.StateStarting, TransitionOpts{}); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if err := m.Transition(pipeline.StateRunningTranslator, TransitionOpts{Stage: pipeline.StageTranslator}); err != nil {
		t.Fatalf("transition: %v", err)
	}

	events := pub.all()
	if len(events) != 2 {
		t.Fatalf("got %d state_change events, want 2", len(events))
	}
	last := events[1]
	if last.Type != pipeline.EventStateChange || last.Stage != pipeline.StagePipeline {
		t.Errorf("event = %s/%s", last.Stage, last.Type)
	}
	if last.Data["old_state"] != "starting" || last.Data["new_state"] != "running_translator" {
		t.Errorf("event data = %+v", last.Data)
	}
	if _, ok := last.Data["canonical_state"].(map[string]any); !ok {
		t.Error("state_change must embed the full context snapshot")
	}
}

func TestTransitionRejectsInvalidEdge(t *testing.T) {
	m, pub, _ := newTestManager(t)
	if _, err := m.CreateRun("r1", nil); err != nil {
		t.Fatal(err)
	}
	err := m.Transition(pipeline.StateRunningMerger, TransitionOpts{})
	if err == nil {
		t.Fatal("idle -> running_merger should be rejected")
	}
	if len(pub.all()) != 0 {
		t.Error("rejected transition must not emit an event")
	}
	if got := m.CurrentState(); got != pipeline.StateIdle {
		t.Errorf("state after rejection = %s, want idle", got)
	}
}

func TestTransitionWithoutRun(t *testing.T) {
	m, _, _ := newTestManager(t)
	if err := m.Transition(pipeline.StateStarting, TransitionOpts{}); err == nil {
		t.Error("transition with no run should fail")
	}
}

func TestCreateRunWhileActive(t *testing.T) {
	m, _, _ := newTestManager(t)
	if _, err := m.CreateRun("r1", nil); err != nil {
		t.Fatal(err)
	}
	if err := m.Transition(pipeline.StateStarting, TransitionOpts{}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.CreateRun("r2", nil); err == nil {
		t.Error("second run must be rejected while the first is active")
	}

	// Terminal state frees the slot.
	if err := m.Transition(pipeline.StateStopped, TransitionOpts{}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.CreateRun("r2", nil); err != nil {
		t.Errorf("create after terminal state: %v", err)
	}
}

func TestRetryCountIncrements(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.CreateRun("r1", nil)
	m.Transition(pipeline.StateStarting, TransitionOpts{})
	m.Transition(pipeline.StateRunningTranslator, TransitionOpts{Stage: pipeline.StageTranslator})
	m.Transition(pipeline.StateRetrying, TransitionOpts{Stage: pipeline.StageTranslator})
	m.Transition(pipeline.StateRunningTranslator, TransitionOpts{Stage: pipeline.StageTranslator})
	m.Transition(pipeline.StateRetrying, TransitionOpts{Stage: pipeline.StageTranslator})

	if rc := m.State(); rc.RetryCount != 2 {
		t.Errorf("retry count = %d, want 2", rc.RetryCount)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	m, _, path := newTestManager(t)
	m.CreateRun("r1", map[string]any{"manual": false})
	m.Transition(pipeline.StateStarting, TransitionOpts{})
	m.MarkStageExecuted(pipeline.StageTranslator)
	waitForFile(t, path)

	// Give the async writer a moment to land the latest snapshot.
	deadline := time.Now().Add(2 * time.Second)
	for {
		m2 := NewManager(path, nil)
		rc := m2.State()
		if rc != nil && rc.State == pipeline.StateStarting && len(rc.StagesExecuted) == 1 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("recovered context = %+v", rc)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWriteDiscardsStaleSnapshot(t *testing.T) {
	m, _, path := newTestManager(t)

	// Simulate the writer goroutines landing out of order: the snapshot from
	// the later mutation (seq 2) reaches disk first, then the earlier one
	// (seq 1) tries to overwrite it.
	m.write(2, []byte(`{"run_id":"newer"}`))
	m.write(1, []byte(`{"run_id":"older"}`))

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"run_id":"newer"}` {
		t.Fatalf("stale snapshot won: %s", data)
	}

	// A genuinely newer snapshot still lands.
	m.write(3, []byte(`{"run_id":"newest"}`))
	data, _ = os.ReadFile(path)
	if string(data) != `{"run_id":"newest"}` {
		t.Fatalf("newer snapshot rejected: %s", data)
	}

	// Stale removal (ClearRun ordered before a later create) is also dropped.
	m.write(2, nil)
	if _, err := os.Stat(path); err != nil {
		t.Fatal("stale remove deleted the state file")
	}
}

func TestCorruptStateFileStartsClean(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orchestrator_state.json")
	if err := os.WriteFile(path, []byte("{broken"), 0o644); err != nil {
		t.Fatal(err)
	}
	m := NewManager(path, nil)
	if m.State() != nil {
		t.Error("corrupt state file should yield a clean manager")
	}
	if got := m.CurrentState(); got != pipeline.StateIdle {
		t.Errorf("state = %s, want idle", got)
	}
}

func TestClearRunRemovesFile(t *testing.T) {
	m, _, path := newTestManager(t)
	m.CreateRun("r1", nil)
	waitForFile(t, path)

	m.ClearRun()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("state file should be removed after ClearRun")
}
