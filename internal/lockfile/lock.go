// Package lockfile provides single-writer mutual exclusion across all
// orchestrator processes on one host, backed by a JSON lock file.
package lockfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/marketpipe/orchestrator/internal/pipeline"
)

// DefaultMaxRuntime is how long a lock may be held before it is stale.
const DefaultMaxRuntime = time.Hour

// ErrNotOwner is returned by Release when the lock belongs to another run.
var ErrNotOwner = errors.New("lock held by another run")

// Info is the lock file payload.
type Info struct {
	RunID      string    `json:"run_id"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Manager serializes acquire/release within the process; cross-process safety
// comes from the exclusive-create semantics of the lock file itself.
type Manager struct {
	mu         sync.Mutex
	path       string
	maxRuntime time.Duration
}

// New creates a Manager for the lock file at path. maxRuntime <= 0 selects
// the default.
func New(path string, maxRuntime time.Duration) *Manager {
	if maxRuntime <= 0 {
		maxRuntime = DefaultMaxRuntime
	}
	return &Manager{path: path, maxRuntime: maxRuntime}
}

// Acquire attempts to take the lock for runID. If the file exists but is
// stale it is reclaimed once. Returns false when the lock is held.
func (m *Manager) Acquire(runID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for attempt := 0; attempt < 2; attempt++ {
		if m.tryCreate(runID) {
			return true
		}
		if attempt > 0 {
			break
		}
		if !m.isStale() {
			return false
		}
		slog.Warn("reclaiming stale pipeline lock", "path", m.path)
		if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
			slog.Warn("stale lock remove failed", "path", m.path, "err", err)
			return false
		}
	}
	return false
}

// tryCreate writes the lock file with O_CREAT|O_EXCL. "Exists" means the lock
// is held by someone else.
func (m *Manager) tryCreate(runID string) bool {
	f, err := os.OpenFile(m.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return false
	}
	defer f.Close()

	payload, _ := json.Marshal(Info{RunID: runID, AcquiredAt: pipeline.Now()})
	if _, err := f.Write(payload); err != nil {
		slog.Warn("lock file write failed", "path", m.path, "err", err)
	}
	return true
}

// isStale reports whether the current lock file may be reclaimed: held longer
// than maxRuntime by content or by mtime, or unreadable.
func (m *Manager) isStale() bool {
	info, err := m.read()
	if err != nil {
		if os.IsNotExist(err) {
			return false
		}
		slog.Warn("unreadable lock file treated as stale", "path", m.path, "err", err)
		return true
	}
	if time.Since(info.AcquiredAt) > m.maxRuntime {
		return true
	}
	if st, err := os.Stat(m.path); err == nil && time.Since(st.ModTime()) > m.maxRuntime {
		return true
	}
	return false
}

func (m *Manager) read() (*Info, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("parse lock file: %w", err)
	}
	if info.AcquiredAt.IsZero() {
		return nil, fmt.Errorf("lock file missing acquired_at")
	}
	return &info, nil
}

// Release deletes the lock if runID owns it.
func (m *Manager) Release(runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, err := m.read()
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		// Corrupt lock: the owner cannot be established, so let the caller
		// force-clear explicitly rather than deleting here.
		return fmt.Errorf("read lock file: %w", err)
	}
	if info.RunID != runID {
		return fmt.Errorf("%w: owner %s", ErrNotOwner, info.RunID)
	}
	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock file: %w", err)
	}
	return nil
}

// IsLocked reports whether a non-stale lock is present.
func (m *Manager) IsLocked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := os.Stat(m.path); err != nil {
		return false
	}
	return !m.isStale()
}

// Info returns the current lock payload, or nil when unlocked or unreadable.
func (m *Manager) Info() *Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, err := m.read()
	if err != nil {
		return nil
	}
	return info
}

// ForceClear removes the lock file unconditionally.
func (m *Manager) ForceClear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("force clear lock: %w", err)
	}
	return nil
}
