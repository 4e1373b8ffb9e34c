package lockfile

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/marketpipe/orchestrator/internal/pipeline"
)

func newTestManager(t *testing.T, maxRuntime time.Duration) *Manager {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "pipeline.lock"), maxRuntime)
}

func TestAcquireRelease(t *testing.T) {
	m := newTestManager(t, time.Hour)

	if !m.Acquire("r1") {
		t.Fatal("first acquire should succeed")
	}
	if !m.IsLocked() {
		t.Error("IsLocked should report true")
	}
	info := m.Info()
	if info == nil || info.RunID != "r1" {
		t.Fatalf("lock info = %+v", info)
	}
	if info.AcquiredAt.IsZero() {
		t.Error("acquired_at not recorded")
	}

	if err := m.Release("r1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if m.IsLocked() {
		t.Error("still locked after release")
	}
	if err := m.Release("r1"); err != nil {
		t.Errorf("releasing an absent lock should be a no-op: %v", err)
	}
}

func TestAcquireContention(t *testing.T) {
	m := newTestManager(t, time.Hour)
	if !m.Acquire("r1") {
		t.Fatal("setup acquire failed")
	}
	if m.Acquire("r2") {
		t.Error("second acquire should fail while the lock is fresh")
	}
	if err := m.Release("r2"); !errors.Is(err, ErrNotOwner) {
		t.Errorf("non-owner release = %v, want ErrNotOwner", err)
	}
}

func TestAcquireReclaimsStaleByContent(t *testing.T) {
	m := newTestManager(t, time.Hour)

	payload, _ := json.Marshal(Info{RunID: "dead", AcquiredAt: pipeline.Now().Add(-2 * time.Hour)})
	if err := os.WriteFile(m.path, payload, 0o644); err != nil {
		t.Fatal(err)
	}
	if !m.Acquire("r2") {
		t.Fatal("stale lock should be reclaimed")
	}
	if info := m.Info(); info == nil || info.RunID != "r2" {
		t.Errorf("lock owner after reclaim = %+v", info)
	}
}

func TestAcquireReclaimsCorruptLock(t *testing.T) {
	m := newTestManager(t, time.Hour)
	if err := os.WriteFile(m.path, []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}
	if !m.Acquire("r1") {
		t.Error("corrupt lock should be treated as stale and reclaimed")
	}
}

func TestReleaseCorruptLockRefuses(t *testing.T) {
	m := newTestManager(t, time.Hour)
	if err := os.WriteFile(m.path, []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := m.Release("r1"); err == nil {
		t.Error("release should refuse when ownership cannot be established")
	}
	if err := m.ForceClear(); err != nil {
		t.Fatalf("force clear: %v", err)
	}
	if _, err := os.Stat(m.path); !os.IsNotExist(err) {
		t.Error("lock file should be gone after ForceClear")
	}
}

func TestIsLockedStale(t *testing.T) {
	m := newTestManager(t, time.Hour)
	payload, _ := json.Marshal(Info{RunID: "dead", AcquiredAt: pipeline.Now().Add(-2 * time.Hour)})
	if err := os.WriteFile(m.path, payload, 0o644); err != nil {
		t.Fatal(err)
	}
	if m.IsLocked() {
		t.Error("a stale lock should not count as locked")
	}
}
