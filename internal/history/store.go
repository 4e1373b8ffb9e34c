// Package history persists run summaries as append-only JSON lines, one
// dated file per day, with an optional database mirror.
package history

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/marketpipe/orchestrator/internal/pipeline"
)

// ErrNotFound is returned by GetRun for an unknown run_id.
var ErrNotFound = errors.New("run not found")

// maxFilesScanned bounds how far back list/get reads.
const maxFilesScanned = 30

// Mirror receives a copy of every appended summary. Mirror failures are
// logged and never fail the append.
type Mirror interface {
	InsertRun(ctx context.Context, sum pipeline.RunSummary) error
}

// Store writes to and reads from the runs directory. Writes are append-only;
// past records are never mutated.
type Store struct {
	dir    string
	mirror Mirror

	mu sync.Mutex
}

// NewStore creates a Store rooted at dir. mirror may be nil.
func NewStore(dir string, mirror Mirror) *Store {
	return &Store{dir: dir, mirror: mirror}
}

// Append writes one summary line to the dated file for the run's end day.
func (s *Store) Append(ctx context.Context, sum pipeline.RunSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	line, err := json.Marshal(sum)
	if err != nil {
		return fmt.Errorf("marshal run summary: %w", err)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create runs dir: %w", err)
	}

	path := filepath.Join(s.dir, sum.EndedAt.In(pipeline.Location).Format("2006-01-02")+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open runs file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append run summary: %w", err)
	}

	if s.mirror != nil {
		if err := s.mirror.InsertRun(ctx, sum); err != nil {
			slog.Warn("run history mirror insert failed, file record kept", "run_id", sum.RunID, "err", err)
		}
	}
	return nil
}

// ListRuns returns up to limit summaries, newest first, optionally filtered
// by result. Corrupt lines are skipped with a warning.
func (s *Store) ListRuns(limit int, result pipeline.RunResult) ([]pipeline.RunSummary, error) {
	files, err := s.recentFiles()
	if err != nil {
		return nil, err
	}

	var out []pipeline.RunSummary
	for _, path := range files {
		sums, err := readSummaries(path)
		if err != nil {
			slog.Warn("runs file unreadable, skipped", "path", path, "err", err)
			continue
		}
		// In-file order is chronological; walk it backwards.
		for i := len(sums) - 1; i >= 0; i-- {
			if result != "" && sums[i].Result != result {
				continue
			}
			out = append(out, sums[i])
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
		}
	}
	return out, nil
}

// GetRun linearly searches recent files for the run_id.
func (s *Store) GetRun(runID string) (*pipeline.RunSummary, error) {
	files, err := s.recentFiles()
	if err != nil {
		return nil, err
	}
	for _, path := range files {
		sums, err := readSummaries(path)
		if err != nil {
			continue
		}
		for i := len(sums) - 1; i >= 0; i-- {
			if sums[i].RunID == runID {
				return &sums[i], nil
			}
		}
	}
	return nil, ErrNotFound
}

// recentFiles returns dated run files newest first, capped at maxFilesScanned.
func (s *Store) recentFiles() ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(s.dir, "*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("scan runs dir: %w", err)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(paths)))
	if len(paths) > maxFilesScanned {
		paths = paths[:maxFilesScanned]
	}
	return paths, nil
}

func readSummaries(path string) ([]pipeline.RunSummary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out []pipeline.RunSummary
	for _, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var sum pipeline.RunSummary
		if err := json.Unmarshal(line, &sum); err != nil {
			slog.Warn("corrupt run summary line skipped", "path", path, "err", err)
			continue
		}
		out = append(out, sum)
	}
	return out, nil
}
