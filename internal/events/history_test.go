package events

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/marketpipe/orchestrator/internal/pipeline"
)

func TestEventsForRun(t *testing.T) {
	dir := t.TempDir()
	bus := newTestBus(t, Config{Dir: dir})

	for i := 0; i < 5; i++ {
		bus.Publish(pipeline.Event{RunID: "r1", Stage: "translator", Type: pipeline.EventStart,
			Msg: fmt.Sprintf("n%d", i)})
	}
	bus.Publish(pipeline.Event{RunID: "other", Stage: "translator", Type: pipeline.EventStart})

	got, err := bus.EventsForRun("r1", 0)
	if err != nil {
		t.Fatalf("EventsForRun: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("got %d events, want 5", len(got))
	}
	if got[0].Msg != "n0" || got[4].Msg != "n4" {
		t.Errorf("order wrong: first=%s last=%s", got[0].Msg, got[4].Msg)
	}

	limited, err := bus.EventsForRun("r1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 2 || limited[0].Msg != "n3" {
		t.Errorf("limit should keep the newest events: %+v", limited)
	}
}

func TestEventsForRunMissingFile(t *testing.T) {
	bus := newTestBus(t, Config{})
	got, err := bus.EventsForRun("nope", 10)
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if got != nil {
		t.Errorf("got %+v, want nil", got)
	}
}

func TestEventsForRunSkipsCorruptLines(t *testing.T) {
	dir := t.TempDir()
	bus := newTestBus(t, Config{Dir: dir})
	bus.Publish(pipeline.Event{RunID: "r1", Stage: "translator", Type: pipeline.EventStart})

	f, err := os.OpenFile(RunLogPath(dir, "r1"), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("{not valid json\n")
	f.Close()

	got, err := bus.EventsForRun("r1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Errorf("corrupt line should be skipped, got %d events", len(got))
	}
}

func TestLoadSince(t *testing.T) {
	dir := t.TempDir()
	bus := newTestBus(t, Config{Dir: dir})

	old := pipeline.Now().Add(-2 * time.Hour)
	bus.Publish(pipeline.Event{RunID: "r1", Stage: "translator", Type: pipeline.EventStart,
		Timestamp: old, Msg: "old"})
	bus.Publish(pipeline.Event{RunID: "r2", Stage: "analyzer", Type: pipeline.EventSuccess, Msg: "new"})
	bus.Publish(pipeline.Event{RunID: "r2", Stage: "analyzer", Type: pipeline.EventLog, Msg: "verbose"})

	got := bus.LoadSince(time.Hour, 0, true)
	if len(got) != 1 || got[0].Msg != "new" {
		t.Fatalf("window/verbose filter wrong: %+v", got)
	}

	// Verbose stage events never reach JSONL, so excludeVerbose=false still
	// returns only what was written.
	all := bus.LoadSince(3*time.Hour, 0, false)
	if len(all) != 2 {
		t.Fatalf("got %d events, want 2", len(all))
	}
	if !all[0].Timestamp.Before(all[1].Timestamp) {
		t.Error("events not chronologically sorted")
	}
}

func TestSnapshotCached(t *testing.T) {
	dir := t.TempDir()
	bus := newTestBus(t, Config{Dir: dir})
	bus.Publish(pipeline.Event{RunID: "r1", Stage: "translator", Type: pipeline.EventStart})

	first := bus.SnapshotCached(time.Hour, 0, false, time.Minute)
	if len(first) != 1 {
		t.Fatalf("got %d events", len(first))
	}

	bus.Publish(pipeline.Event{RunID: "r1", Stage: "translator", Type: pipeline.EventSuccess})
	cached := bus.SnapshotCached(time.Hour, 0, false, time.Minute)
	if len(cached) != 1 {
		t.Error("second call within TTL should serve the cached snapshot")
	}

	fresh := bus.SnapshotCached(time.Hour, 5, false, time.Minute)
	if len(fresh) != 2 {
		t.Errorf("different parameters should rescan, got %d", len(fresh))
	}
}
