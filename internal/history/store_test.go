package history

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/marketpipe/orchestrator/internal/pipeline"
)

func summary(id string, endedAt time.Time, result pipeline.RunResult) pipeline.RunSummary {
	return pipeline.RunSummary{
		RunID:     id,
		StartedAt: endedAt.Add(-10 * time.Minute),
		EndedAt:   endedAt,
		Result:    result,
	}
}

func TestAppendWritesDatedFile(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, nil)

	ended := time.Date(2026, 3, 2, 9, 30, 0, 0, pipeline.Location)
	if err := s.Append(context.Background(), summary("r1", ended, pipeline.ResultSuccess)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "2026-03-02.jsonl")); err != nil {
		t.Errorf("dated file missing: %v", err)
	}
}

func TestListRunsNewestFirst(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, nil)
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, pipeline.Location)

	// Two days, several runs per day, appended chronologically.
	for i := 0; i < 6; i++ {
		ended := base.Add(time.Duration(i) * 7 * time.Hour)
		result := pipeline.ResultSuccess
		if i%3 == 0 {
			result = pipeline.ResultFailed
		}
		if err := s.Append(context.Background(), summary(fmt.Sprintf("r%d", i), ended, result)); err != nil {
			t.Fatal(err)
		}
	}

	runs, err := s.ListRuns(0, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(runs) != 6 {
		t.Fatalf("got %d runs, want 6", len(runs))
	}
	if runs[0].RunID != "r5" || runs[5].RunID != "r0" {
		t.Errorf("order wrong: first=%s last=%s", runs[0].RunID, runs[5].RunID)
	}

	limited, err := s.ListRuns(2, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 2 || limited[0].RunID != "r5" {
		t.Errorf("limit wrong: %+v", limited)
	}

	failed, err := s.ListRuns(0, pipeline.ResultFailed)
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 2 {
		t.Errorf("got %d failed runs, want 2", len(failed))
	}
	for _, r := range failed {
		if r.Result != pipeline.ResultFailed {
			t.Errorf("filter leaked %s", r.Result)
		}
	}
}

func TestGetRun(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, nil)
	ended := time.Date(2026, 3, 2, 9, 0, 0, 0, pipeline.Location)
	s.Append(context.Background(), summary("r1", ended, pipeline.ResultSuccess))

	got, err := s.GetRun("r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.RunID != "r1" {
		t.Errorf("got %s", got.RunID)
	}

	if _, err := s.GetRun("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestListRunsSkipsCorruptLines(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, nil)
	ended := time.Date(2026, 3, 2, 9, 0, 0, 0, pipeline.Location)
	s.Append(context.Background(), summary("r1", ended, pipeline.ResultSuccess))

	path := filepath.Join(dir, "2026-03-02.jsonl")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("{corrupt\n")
	f.Close()
	s.Append(context.Background(), summary("r2", ended.Add(time.Hour), pipeline.ResultFailed))

	runs, err := s.ListRuns(0, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Errorf("got %d runs, want 2 (corrupt line skipped)", len(runs))
	}
}

type failingMirror struct{ calls int }

func (m *failingMirror) InsertRun(ctx context.Context, sum pipeline.RunSummary) error {
	m.calls++
	return errors.New("database down")
}

func TestMirrorFailureDoesNotFailAppend(t *testing.T) {
	dir := t.TempDir()
	mirror := &failingMirror{}
	s := NewStore(dir, mirror)

	ended := time.Date(2026, 3, 2, 9, 0, 0, 0, pipeline.Location)
	if err := s.Append(context.Background(), summary("r1", ended, pipeline.ResultSuccess)); err != nil {
		t.Fatalf("append should survive a mirror failure: %v", err)
	}
	if mirror.calls != 1 {
		t.Errorf("mirror calls = %d, want 1", mirror.calls)
	}
	if _, err := s.GetRun("r1"); err != nil {
		t.Errorf("file record should exist: %v", err)
	}
}
