// Package schedctl observes and advisory-controls the external OS task
// scheduler that triggers scheduled pipeline runs. It never executes or
// times runs itself; the OS scheduler's reported state is the source of
// truth, the audit file is audit only.
package schedctl

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/marketpipe/orchestrator/internal/pipeline"
)

// DefaultUnit is the systemd timer the orchestrator toggles.
const DefaultUnit = "pipeline-runner.timer"

// Commander shells out to the host scheduler. Tests substitute a fake.
type Commander interface {
	Output(ctx context.Context, name string, args ...string) (string, error)
}

type execCommander struct{}

func (execCommander) Output(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

// Publisher is the bus slice used for scheduler/{enabled|disabled} events.
type Publisher interface {
	Publish(pipeline.Event) error
}

// Audit is the persisted toggle history. It records what was requested, not
// what the OS scheduler currently reports.
type Audit struct {
	LastRequestedEnabled bool      `json:"last_requested_enabled"`
	LastChangedTimestamp time.Time `json:"last_changed_timestamp"`
	LastChangedBy        string    `json:"last_changed_by"`
}

// scheduleFile is the advisory schedule metadata written by the deployment.
type scheduleFile struct {
	ScheduleTime string `json:"schedule_time"` // "HH:MM"
}

// Control toggles and inspects the named OS scheduler unit.
type Control struct {
	unit         string
	auditPath    string
	schedulePath string
	cmd          Commander
	pub          Publisher

	mu sync.Mutex
}

// New creates a Control. An empty unit selects DefaultUnit; cmd nil selects
// the real shell commander.
func New(unit, auditPath, schedulePath string, pub Publisher, cmd Commander) *Control {
	if unit == "" {
		unit = DefaultUnit
	}
	if cmd == nil {
		cmd = execCommander{}
	}
	return &Control{
		unit:         unit,
		auditPath:    auditPath,
		schedulePath: schedulePath,
		cmd:          cmd,
		pub:          pub,
	}
}

// SetCommander swaps the shell commander. Used by tests and deployments
// that wrap systemctl.
func (c *Control) SetCommander(cmd Commander) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cmd = cmd
}

// Enable turns the OS timer on. Repeated calls are idempotent at both the
// unit and audit level.
func (c *Control) Enable(ctx context.Context, changedBy string) error {
	return c.toggle(ctx, true, changedBy)
}

// Disable turns the OS timer off. The control never re-enables on its own;
// a disabled timer stays disabled until explicit user action.
func (c *Control) Disable(ctx context.Context, changedBy string) error {
	return c.toggle(ctx, false, changedBy)
}

func (c *Control) toggle(ctx context.Context, enable bool, changedBy string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	verb := "disable"
	kind := pipeline.EventDisabled
	if enable {
		verb = "enable"
		kind = pipeline.EventEnabled
	}
	out, err := c.cmd.Output(ctx, "systemctl", verb, "--now", c.unit)
	if err != nil {
		return fmt.Errorf("systemctl %s %s: %v: %s", verb, c.unit, err, out)
	}

	c.writeAudit(Audit{
		LastRequestedEnabled: enable,
		LastChangedTimestamp: pipeline.Now(),
		LastChangedBy:        changedBy,
	})
	if c.pub != nil {
		if perr := c.pub.Publish(pipeline.Event{
			RunID: pipeline.SystemRunID,
			Stage: pipeline.StageScheduler,
			Type:  kind,
			Msg:   fmt.Sprintf("scheduler %sd by %s", verb, changedBy),
		}); perr != nil {
			slog.Warn("scheduler toggle event publish failed", "err", perr)
		}
	}
	slog.Info("scheduler toggled", "unit", c.unit, "enabled", enable, "by", changedBy)
	return nil
}

// IsEnabled queries the OS scheduler. On query failure it reports false.
func (c *Control) IsEnabled(ctx context.Context) bool {
	out, err := c.cmd.Output(ctx, "systemctl", "is-enabled", c.unit)
	if err != nil {
		return false
	}
	return strings.TrimSpace(out) == "enabled"
}

// State returns the merged view: OS-reported enablement, audit history, and
// the next computed run time.
func (c *Control) State(ctx context.Context) map[string]any {
	st := map[string]any{
		"unit":    c.unit,
		"enabled": c.IsEnabled(ctx),
	}
	if audit := c.ReadAudit(); audit != nil {
		st["last_requested_enabled"] = audit.LastRequestedEnabled
		st["last_changed_timestamp"] = audit.LastChangedTimestamp.Format(time.RFC3339)
		st["last_changed_by"] = audit.LastChangedBy
	}
	if next, err := c.NextRunTime(); err == nil {
		st["next_run"] = next.Format(time.RFC3339)
	}
	return st
}

// NextRunTime computes the next scheduled run from the advisory schedule
// file. The value is display-only; the OS timer holds the real schedule.
func (c *Control) NextRunTime() (time.Time, error) {
	data, err := os.ReadFile(c.schedulePath)
	if err != nil {
		return time.Time{}, fmt.Errorf("read schedule file: %w", err)
	}
	var sf scheduleFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return time.Time{}, fmt.Errorf("parse schedule file: %w", err)
	}
	parts := strings.SplitN(sf.ScheduleTime, ":", 2)
	if len(parts) != 2 {
		return time.Time{}, fmt.Errorf("malformed schedule_time %q", sf.ScheduleTime)
	}
	sched, err := cron.ParseStandard(fmt.Sprintf("%s %s * * *", parts[1], parts[0]))
	if err != nil {
		return time.Time{}, fmt.Errorf("parse schedule_time %q: %w", sf.ScheduleTime, err)
	}
	return sched.Next(pipeline.Now()), nil
}

// OSScheduleInfo returns the raw OS scheduler view of the unit.
func (c *Control) OSScheduleInfo(ctx context.Context) map[string]any {
	info := map[string]any{"unit": c.unit}
	if out, err := c.cmd.Output(ctx, "systemctl", "list-timers", c.unit, "--no-pager"); err == nil {
		info["timers"] = out
	}
	if out, err := c.cmd.Output(ctx, "systemctl", "is-active", c.unit); err == nil {
		info["active"] = strings.TrimSpace(out)
	}
	return info
}

// RunnerProcessAlive reports whether a sibling standalone runner process is
// currently in the process table.
func (c *Control) RunnerProcessAlive(ctx context.Context) bool {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return false
	}
	for _, p := range procs {
		cmdline, err := p.CmdlineWithContext(ctx)
		if err != nil {
			continue
		}
		if strings.Contains(cmdline, "orchestrator") && strings.Contains(cmdline, " run") {
			return true
		}
	}
	return false
}

// ReadAudit returns the persisted audit record, nil when absent or corrupt.
func (c *Control) ReadAudit() *Audit {
	data, err := os.ReadFile(c.auditPath)
	if err != nil {
		return nil
	}
	var audit Audit
	if err := json.Unmarshal(data, &audit); err != nil {
		slog.Warn("scheduler audit file corrupt", "path", c.auditPath, "err", err)
		return nil
	}
	return &audit
}

func (c *Control) writeAudit(audit Audit) {
	data, err := json.MarshalIndent(audit, "", "  ")
	if err != nil {
		slog.Warn("audit marshal failed", "err", err)
		return
	}
	tmp := c.auditPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		slog.Warn("audit write failed", "path", tmp, "err", err)
		return
	}
	if err := os.Rename(tmp, c.auditPath); err != nil {
		slog.Warn("audit rename failed", "path", c.auditPath, "err", err)
	}
}
