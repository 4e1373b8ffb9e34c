// Package tailer live-tails the append-only per-run JSONL files written by
// sibling processes and republishes their events onto the event bus.
//
// The persisted per-file offset is the primary dedup mechanism: bytes behind
// the offset are never reread. The content-hash seen-set is a last-resort
// guard against restart races.
package tailer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/marketpipe/orchestrator/internal/pipeline"
)

const (
	// DefaultInterval is the poll cadence; fsnotify only accelerates it.
	DefaultInterval = 2 * time.Second

	sealAge   = time.Hour
	sealBytes = 50 << 20

	chunkLines = 100

	seenTTL  = time.Hour
	seenMax  = 50000
	seenKeep = 25000
)

// Publisher is the bus slice the tailer republishes into. Republish must not
// append to the JSONL log: the tailed file is that log.
type Publisher interface {
	Republish(pipeline.Event) error
}

// tracker is the persisted per-file state. Sealed files are never reread.
type tracker struct {
	Offset int64     `json:"offset"`
	Size   int64     `json:"size"`
	MTime  time.Time `json:"mtime"`
	Sealed bool      `json:"sealed"`
}

// Tailer watches the events directory for pipeline_*.jsonl growth.
type Tailer struct {
	dir         string
	offsetsPath string
	pub         Publisher
	liveWindow  time.Duration
	interval    time.Duration

	// skipRun filters out files owned by the local process; their events
	// already went through the bus directly.
	skipRun func(runID string) bool

	mu       sync.Mutex
	trackers map[string]*tracker
	seen     map[string]time.Time
}

// New creates a Tailer. skipRun may be nil.
func New(dir, offsetsPath string, pub Publisher, liveWindow, interval time.Duration, skipRun func(string) bool) *Tailer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if liveWindow <= 0 {
		liveWindow = 15 * time.Minute
	}
	if skipRun == nil {
		skipRun = func(string) bool { return false }
	}
	t := &Tailer{
		dir:         dir,
		offsetsPath: offsetsPath,
		pub:         pub,
		liveWindow:  liveWindow,
		interval:    interval,
		skipRun:     skipRun,
		trackers:    make(map[string]*tracker),
		seen:        make(map[string]time.Time),
	}
	t.loadOffsets()
	return t
}

// Run polls until ctx is done. Directory write events from fsnotify trigger
// an immediate tick; the interval ticker remains the correctness mechanism.
func (t *Tailer) Run(ctx context.Context) {
	var kicks <-chan fsnotify.Event
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		if err := watcher.Add(t.dir); err != nil {
			slog.Warn("tailer fsnotify watch failed, polling only", "dir", t.dir, "err", err)
		} else {
			kicks = watcher.Events
		}
	} else {
		slog.Warn("tailer fsnotify unavailable, polling only", "err", err)
	}

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Tick()
		case ev, ok := <-kicks:
			if !ok {
				kicks = nil
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				t.Tick()
			}
		}
	}
}

// Tick scans every candidate file once. Per-file errors are logged and the
// file is skipped for this tick; the tailer itself never fails.
func (t *Tailer) Tick() {
	paths, err := filepath.Glob(filepath.Join(t.dir, "pipeline_*.jsonl"))
	if err != nil {
		slog.Warn("tailer scan failed", "dir", t.dir, "err", err)
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, path := range paths {
		if t.skipRun(RunIDFromFilename(filepath.Base(path))) {
			continue
		}
		if err := t.processFile(path); err != nil {
			slog.Warn("tailer file skipped this tick", "path", path, "err", err)
		}
	}
	t.gcSeen()
}

func (t *Tailer) processFile(path string) error {
	name := filepath.Base(path)
	tr, ok := t.trackers[name]
	if !ok {
		tr = &tracker{} // a file newly appearing mid-run starts at offset 0
		t.trackers[name] = tr
	}
	if tr.Sealed {
		return nil
	}

	st, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat: %w", err)
	}
	size := st.Size()
	mtime := st.ModTime()

	// Sealing: oversized files unconditionally; quiet fully-consumed files
	// once they age out.
	if size > sealBytes {
		tr.Sealed = true
		t.persistOffsets()
		slog.Info("tailer sealed oversized file", "file", name, "size", size)
		return nil
	}
	if time.Since(mtime) > sealAge && tr.Offset == size && tr.Size == size {
		tr.Sealed = true
		t.persistOffsets()
		slog.Info("tailer sealed quiet file", "file", name)
		return nil
	}

	// Invalidation: truncation or a restored older copy resets the offset.
	if size < tr.Offset || (!tr.MTime.IsZero() && mtime.Before(tr.MTime)) {
		slog.Warn("tailer reset offset", "file", name, "size", size, "offset", tr.Offset)
		tr.Offset = 0
		tr.Size = size
		tr.MTime = mtime
		t.persistOffsets()
	}

	if size <= tr.Offset {
		tr.Size = size
		tr.MTime = mtime
		return nil
	}

	err = t.readAndPublish(path, tr, size)
	tr.Size = size
	tr.MTime = mtime
	t.persistOffsets()
	return err
}

// readAndPublish reads [offset, size), publishes complete lines in chunks of
// chunkLines, and advances (and persists) the offset after every chunk. An
// unterminated final line is left for the next tick. The offset only ever
// moves forward.
func (t *Tailer) readAndPublish(path string, tr *tracker, size int64) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer f.Close()

	if _, err := f.Seek(tr.Offset, io.SeekStart); err != nil {
		return fmt.Errorf("seek: %w", err)
	}
	buf := make([]byte, size-tr.Offset)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF {
		return fmt.Errorf("read: %w", err)
	}
	buf = buf[:n]

	// Drop the trailing incomplete line, if any.
	end := bytes.LastIndexByte(buf, '\n')
	if end < 0 {
		return nil
	}

	lines := bytes.Split(buf[:end], []byte("\n"))
	for start := 0; start < len(lines); start += chunkLines {
		stop := start + chunkLines
		if stop > len(lines) {
			stop = len(lines)
		}
		var chunkBytes int64
		for _, line := range lines[start:stop] {
			chunkBytes += int64(len(line)) + 1
			t.publishLine(line)
		}
		tr.Offset += chunkBytes
		t.persistOffsets()
	}
	return nil
}

func (t *Tailer) publishLine(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	var ev pipeline.Event
	if err := json.Unmarshal(line, &ev); err != nil {
		return // malformed line, skip
	}
	if ev.RunID == "" || ev.Type == "" {
		return
	}
	if ev.Stage != pipeline.StageScheduler && time.Since(ev.Timestamp) >= t.liveWindow {
		return
	}

	key := ev.DedupKey()
	if _, dup := t.seen[key]; dup {
		return
	}
	t.seen[key] = time.Now()

	if err := t.pub.Republish(ev); err != nil {
		slog.Warn("tailer republish rejected", "run_id", ev.RunID, "err", err)
	}
}

// gcSeen drops seen-set entries older than the TTL and bounds total size.
func (t *Tailer) gcSeen() {
	cutoff := time.Now().Add(-seenTTL)
	for k, at := range t.seen {
		if at.Before(cutoff) {
			delete(t.seen, k)
		}
	}
	if len(t.seen) <= seenMax {
		return
	}
	// Over budget: keep the most recent half of the cap.
	type entry struct {
		key string
		at  time.Time
	}
	all := make([]entry, 0, len(t.seen))
	for k, at := range t.seen {
		all = append(all, entry{k, at})
	}
	for len(all) > seenKeep {
		oldest := 0
		for i := range all {
			if all[i].at.Before(all[oldest].at) {
				oldest = i
			}
		}
		delete(t.seen, all[oldest].key)
		all[oldest] = all[len(all)-1]
		all = all[:len(all)-1]
	}
}

// Trackers returns a copy of the current tracker table (tests, snapshot API).
func (t *Tailer) Trackers() map[string]tracker {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]tracker, len(t.trackers))
	for name, tr := range t.trackers {
		out[name] = *tr
	}
	return out
}

func (t *Tailer) loadOffsets() {
	data, err := os.ReadFile(t.offsetsPath)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("offsets file unreadable, starting clean", "path", t.offsetsPath, "err", err)
		}
		return
	}
	if err := json.Unmarshal(data, &t.trackers); err != nil {
		slog.Warn("offsets file corrupt, starting clean", "path", t.offsetsPath, "err", err)
		t.trackers = make(map[string]*tracker)
	}
}

// persistOffsets writes the tracker table atomically. Callers hold t.mu.
func (t *Tailer) persistOffsets() {
	data, err := json.MarshalIndent(t.trackers, "", "  ")
	if err != nil {
		slog.Warn("offsets marshal failed", "err", err)
		return
	}
	tmp := t.offsetsPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		slog.Warn("offsets write failed", "path", tmp, "err", err)
		return
	}
	if err := os.Rename(tmp, t.offsetsPath); err != nil {
		slog.Warn("offsets rename failed", "path", t.offsetsPath, "err", err)
	}
}

// RunIDFromFilename extracts the run_id from a pipeline_{run_id}.jsonl name.
func RunIDFromFilename(name string) string {
	name = strings.TrimSuffix(name, ".jsonl")
	return strings.TrimPrefix(name, "pipeline_")
}
