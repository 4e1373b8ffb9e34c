package events

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/marketpipe/orchestrator/internal/pipeline"
)

// ArchiveDirName is the subdirectory rotated and aged JSONL files move into.
const ArchiveDirName = "archive"

// jsonlWriter appends events to per-run JSONL files and rotates files that
// outgrow the size limit into the archive directory. Write failures are
// logged and swallowed; the historical store must never backpressure the
// publisher.
type jsonlWriter struct {
	dir         string
	rotateBytes int64
}

func newJSONLWriter(dir string, rotateBytes int64) *jsonlWriter {
	return &jsonlWriter{dir: dir, rotateBytes: rotateBytes}
}

// RunLogPath returns the JSONL file path for a run in dir.
func RunLogPath(dir, runID string) string {
	return filepath.Join(dir, fmt.Sprintf("pipeline_%s.jsonl", runID))
}

func (w *jsonlWriter) append(line []byte, runID string) {
	path := RunLogPath(w.dir, runID)

	if info, err := os.Stat(path); err == nil && info.Size() >= w.rotateBytes {
		w.rotate(path)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		slog.Warn("event log open failed", "path", path, "err", err)
		return
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		slog.Warn("event log write failed", "path", path, "err", err)
	}
}

// rotate moves an oversized file into archive/ with a timestamp suffix and
// lets the caller continue on a fresh file under the original name.
func (w *jsonlWriter) rotate(path string) {
	archiveDir := filepath.Join(w.dir, ArchiveDirName)
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		slog.Warn("event log archive dir create failed", "dir", archiveDir, "err", err)
		return
	}
	base := filepath.Base(path)
	stamp := pipeline.Now().Format("20060102T150405")
	dst := filepath.Join(archiveDir, fmt.Sprintf("%s.%s", base, stamp))
	if err := os.Rename(path, dst); err != nil {
		slog.Warn("event log rotate failed", "path", path, "err", err)
		return
	}
	slog.Info("event log rotated", "path", path, "archived", dst)
}
