package tailer

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/marketpipe/orchestrator/internal/pipeline"
)

// ArchiveAge is the mtime cutoff for the daily sweep.
const ArchiveAge = 7 * 24 * time.Hour

// SweepArchive moves JSONL files older than ArchiveAge into archive/,
// appending a timestamp when the target name already exists. Returns the
// number of files moved; per-file errors are logged and skipped.
func SweepArchive(dir string) int {
	paths, err := filepath.Glob(filepath.Join(dir, "pipeline_*.jsonl"))
	if err != nil {
		slog.Warn("archive sweep scan failed", "dir", dir, "err", err)
		return 0
	}

	archiveDir := filepath.Join(dir, "archive")
	moved := 0
	for _, path := range paths {
		st, err := os.Stat(path)
		if err != nil || time.Since(st.ModTime()) <= ArchiveAge {
			continue
		}
		if err := os.MkdirAll(archiveDir, 0o755); err != nil {
			slog.Warn("archive dir create failed", "dir", archiveDir, "err", err)
			return moved
		}

		dst := filepath.Join(archiveDir, filepath.Base(path))
		if _, err := os.Stat(dst); err == nil {
			stamp := pipeline.Now().Format("20060102T150405")
			dst = fmt.Sprintf("%s.%s", dst, stamp)
		}
		if err := os.Rename(path, dst); err != nil {
			slog.Warn("archive move failed", "path", path, "err", err)
			continue
		}
		moved++
		slog.Info("archived aged event log", "path", path, "archived", dst)
	}
	return moved
}
