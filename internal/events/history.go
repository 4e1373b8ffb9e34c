package events

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/marketpipe/orchestrator/internal/pipeline"
)

// tailReadBytes bounds how far back EventsForRun reads into a run log.
const tailReadBytes = 512 << 10

// EventsForRun reads the per-run JSONL file and returns up to limit parsed
// events from its tail, oldest first. The read is a snapshot (open/read/close)
// and tolerates concurrent writers; a trailing partial line is ignored.
func (b *Bus) EventsForRun(runID string, limit int) ([]pipeline.Event, error) {
	path := RunLogPath(b.cfg.Dir, runID)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open run log: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat run log: %w", err)
	}

	offset := int64(0)
	truncatedHead := false
	if info.Size() > tailReadBytes {
		offset = info.Size() - tailReadBytes
		truncatedHead = true
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek run log: %w", err)
	}
	buf, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read run log: %w", err)
	}

	lines := bytes.Split(buf, []byte("\n"))
	if truncatedHead && len(lines) > 0 {
		lines = lines[1:] // first element is a partial line
	}

	var out []pipeline.Event
	for _, line := range lines {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var ev pipeline.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// LoadSince scans all JSONL files in the events directory and returns events
// within the window, chronologically sorted and capped at maxEvents (the most
// recent are kept). This is a utility scan for UI snapshots, not a live
// channel.
func (b *Bus) LoadSince(window time.Duration, maxEvents int, excludeVerbose bool) []pipeline.Event {
	cutoff := pipeline.Now().Add(-window)

	paths, err := filepath.Glob(filepath.Join(b.cfg.Dir, "pipeline_*.jsonl"))
	if err != nil {
		return nil
	}

	var out []pipeline.Event
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil || info.ModTime().Before(cutoff) {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		for _, line := range bytes.Split(data, []byte("\n")) {
			line = bytes.TrimSpace(line)
			if len(line) == 0 {
				continue
			}
			var ev pipeline.Event
			if err := json.Unmarshal(line, &ev); err != nil {
				continue
			}
			if ev.Timestamp.Before(cutoff) {
				continue
			}
			if excludeVerbose && !pipeline.LiveAllowed(ev.Stage, ev.Type) {
				continue
			}
			out = append(out, ev)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if maxEvents > 0 && len(out) > maxEvents {
		out = out[len(out)-maxEvents:]
	}
	return out
}

// SnapshotCached is LoadSince behind a short-lived cache keyed on the scan
// parameters, for dashboard polling.
func (b *Bus) SnapshotCached(window time.Duration, maxEvents int, excludeVerbose bool, ttl time.Duration) []pipeline.Event {
	key := fmt.Sprintf("%s|%d|%t", window, maxEvents, excludeVerbose)

	b.snapMu.Lock()
	defer b.snapMu.Unlock()

	if b.snapKey == key && time.Now().Before(b.snapUntil) {
		return b.snapshot
	}
	snap := b.LoadSince(window, maxEvents, excludeVerbose)
	b.snapshot = snap
	b.snapKey = key
	b.snapUntil = time.Now().Add(ttl)
	return snap
}
