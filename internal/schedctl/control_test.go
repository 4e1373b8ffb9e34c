package schedctl

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/marketpipe/orchestrator/internal/pipeline"
)

type fakeCommander struct {
	mu       sync.Mutex
	calls    [][]string
	outputs  map[string]string
	failWith error
}

func (f *fakeCommander) Output(ctx context.Context, name string, args ...string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := append([]string{name}, args...)
	f.calls = append(f.calls, call)
	if f.failWith != nil {
		return "", f.failWith
	}
	if out, ok := f.outputs[strings.Join(call, " ")]; ok {
		return out, nil
	}
	return "", nil
}

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

func newTestControl(t *testing.T, cmd Commander) (*Control, *recordingPub, string) {
	t.Helper()
	dir := t.TempDir()
	pub := &recordingPub{}
	c := New("", filepath.Join(dir, "scheduler_state.json"), filepath.Join(dir, "schedule.json"), pub, cmd)
	return c, pub, dir
}

func TestEnableWritesAuditAndEvent(t *testing.T) {
	cmd := &fakeCommander{}
	c, pub, _ := newTestControl(t, cmd)

	if err := c.Enable(context.Background(), "operator"); err != nil {
		t.Fatalf("enable: %v", err)
	}

	cmd.mu.Lock()
	call := strings.Join(cmd.calls[0], " ")
	cmd.mu.Unlock()
	if call != "systemctl enable --now "+DefaultUnit {
		t.Errorf("call = %q", call)
	}

	audit := c.ReadAudit()
	if audit == nil || !audit.LastRequestedEnabled || audit.LastChangedBy != "operator" {
		t.Fatalf("audit = %+v", audit)
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.events) != 1 || pub.events[0].Type != pipeline.EventEnabled {
		t.Errorf("events = %+v", pub.events)
	}
	if pub.events[0].Stage != pipeline.StageScheduler {
		t.Errorf("event stage = %s", pub.events[0].Stage)
	}
}

func TestDisableFailurePreservesAudit(t *testing.T) {
	cmd := &fakeCommander{failWith: errors.New("unit not found")}
	c, pub, _ := newTestControl(t, cmd)

	if err := c.Disable(context.Background(), "operator"); err == nil {
		t.Fatal("systemctl failure must propagate")
	}
	if c.ReadAudit() != nil {
		t.Error("audit must not record a failed toggle")
	}
	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.events) != 0 {
		t.Error("no event on a failed toggle")
	}
}

func TestIsEnabled(t *testing.T) {
	cmd := &fakeCommander{outputs: map[string]string{
		"systemctl is-enabled " + DefaultUnit: "enabled",
	}}
	c, _, _ := newTestControl(t, cmd)
	if !c.IsEnabled(context.Background()) {
		t.Error("should report enabled")
	}

	cmd2 := &fakeCommander{failWith: errors.New("nope")}
	c.SetCommander(cmd2)
	if c.IsEnabled(context.Background()) {
		t.Error("query failure should report disabled")
	}
}

func TestNextRunTime(t *testing.T) {
	c, _, dir := newTestControl(t, &fakeCommander{})
	schedule := filepath.Join(dir, "schedule.json")
	if err := os.WriteFile(schedule, []byte(`{"schedule_time": "06:30"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	next, err := c.NextRunTime()
	if err != nil {
		t.Fatalf("next run: %v", err)
	}
	if next.Hour() != 6 || next.Minute() != 30 {
		t.Errorf("next = %s", next)
	}
	if !next.After(pipeline.Now()) {
		t.Error("next run must be in the future")
	}
	if next.Location().String() != pipeline.Location.String() {
		t.Errorf("timezone = %s", next.Location())
	}
}

func TestNextRunTimeMalformed(t *testing.T) {
	c, _, dir := newTestControl(t, &fakeCommander{})
	tests := []string{
		``,
		`{"schedule_time": "630"}`,
		`{"schedule_time": "aa:bb"}`,
	}
	for i, body := range tests {
		os.WriteFile(filepath.Join(dir, "schedule.json"), []byte(body), 0o644)
		if _, err := c.NextRunTime(); err == nil {
			t.Errorf("case %d should fail: %q", i, body)
		}
	}
}

func TestStateMergesAuditAndSchedule(t *testing.T) {
	cmd := &fakeCommander{outputs: map[string]string{
		"systemctl is-enabled " + DefaultUnit: "enabled",
	}}
	c, _, dir := newTestControl(t, cmd)
	os.WriteFile(filepath.Join(dir, "schedule.json"), []byte(`{"schedule_time": "06:30"}`), 0o644)
	if err := c.Enable(context.Background(), "test"); err != nil {
		t.Fatal(err)
	}

	st := c.State(context.Background())
	if st["enabled"] != true {
		t.Errorf("enabled = %v", st["enabled"])
	}
	if st["last_changed_by"] != "test" {
		t.Errorf("audit not merged: %+v", st)
	}
	if _, ok := st["next_run"]; !ok {
		t.Error("next_run missing")
	}
}

func TestReadAuditCorrupt(t *testing.T) {
	c, _, _ := newTestControl(t, &fakeCommander{})
	if err := os.WriteFile(c.auditPath, []byte("{broken"), 0o644); err != nil {
		t.Fatal(err)
	}
	if c.ReadAudit() != nil {
		t.Error("corrupt audit should read as nil")
	}
}

func TestAuditRoundTrip(t *testing.T) {
	c, _, _ := newTestControl(t, &fakeCommander{})
	at := pipeline.Now().Truncate(time.Second)
	c.writeAudit(Audit{LastRequestedEnabled: true, LastChangedTimestamp: at, LastChangedBy: "x"})

	data, err := os.ReadFile(c.auditPath)
	if err != nil {
		t.Fatal(err)
	}
	var audit Audit
	if err := json.Unmarshal(data, &audit); err != nil {
		t.Fatalf("audit file not valid JSON: %v\n%s", err, data)
	}
	if !audit.LastChangedTimestamp.Equal(at) {
		t.Errorf("timestamp = %s, want %s", audit.LastChangedTimestamp, at)
	}
}
