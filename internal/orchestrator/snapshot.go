package orchestrator

import (
	"log/slog"
	"sort"
	"time"

	"github.com/marketpipe/orchestrator/internal/lockfile"
	"github.com/marketpipe/orchestrator/internal/pipeline"
)

const (
	snapshotEvents = 100
	snapshotTTL    = 2 * time.Second
)

// Status is the compact pipeline view returned by the status endpoint.
type Status struct {
	State            string               `json:"state"`
	Run              *pipeline.RunContext `json:"run,omitempty"`
	Locked           bool                 `json:"locked"`
	LockInfo         *lockfile.Info       `json:"lock_info,omitempty"`
	SchedulerHealth  string               `json:"scheduler_health"`
	NextScheduledRun string               `json:"next_scheduled_run,omitempty"`
}

// Snapshot is the dashboard view: status, the live ring, and the active run's
// merged event history.
type Snapshot struct {
	Status           Status           `json:"status"`
	RecentEvents     []pipeline.Event `json:"recent_events"`
	RunEvents        []pipeline.Event `json:"run_events"`
	EventSource      string           `json:"event_source"`
	LockInfo         *lockfile.Info   `json:"lock_info,omitempty"`
	NextScheduledRun string           `json:"next_scheduled_run,omitempty"`
}

// Status derives the current view. The canonical state collapses the FSM to
// idle, running, stopped, or error.
func (o *Orchestrator) Status() Status {
	rc := o.state.State()
	st := Status{
		State:           pipeline.StateIdle.Canonical(),
		Locked:          o.lock.IsLocked(),
		LockInfo:        o.lock.Info(),
		SchedulerHealth: o.SchedulerHealth(),
	}
	if rc != nil {
		st.State = rc.State.Canonical()
		st.Run = rc
	}
	if next, err := o.sched.NextRunTime(); err == nil {
		st.NextScheduledRun = next.Format(time.RFC3339)
	}
	return st
}

// Snapshot merges the live ring with the active run's JSONL tail. The JSONL
// file holds events from before this process started (or from sibling
// processes); the ring holds what flowed through this bus. Duplicates are
// collapsed on (timestamp, stage, event).
func (o *Orchestrator) Snapshot() Snapshot {
	st := o.Status()
	snap := Snapshot{
		Status:           st,
		RecentEvents:     o.bus.Recent(snapshotEvents),
		LockInfo:         st.LockInfo,
		NextScheduledRun: st.NextScheduledRun,
	}

	if st.Run == nil {
		snap.RunEvents = o.bus.SnapshotCached(o.expectedInterval()*2, snapshotEvents, true, snapshotTTL)
		snap.EventSource = "jsonl"
		return snap
	}

	runID := st.Run.RunID
	fileEvents, err := o.bus.EventsForRun(runID, snapshotEvents)
	if err != nil {
		slog.Warn("run log read failed for snapshot", "run_id", runID, "err", err)
	}

	merged := make([]pipeline.Event, 0, len(fileEvents)+snapshotEvents)
	seen := make(map[string]struct{}, len(fileEvents))
	key := func(ev pipeline.Event) string {
		return ev.Timestamp.Format(time.RFC3339Nano) + "|" + ev.Stage + "|" + ev.Type
	}
	for _, ev := range fileEvents {
		seen[key(ev)] = struct{}{}
		merged = append(merged, ev)
	}
	for _, ev := range o.bus.Recent(0) {
		if ev.RunID != runID && ev.RunID != pipeline.SystemRunID {
			continue
		}
		if _, dup := seen[key(ev)]; dup {
			continue
		}
		merged = append(merged, ev)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Timestamp.Before(merged[j].Timestamp)
	})
	if len(merged) > snapshotEvents {
		merged = merged[len(merged)-snapshotEvents:]
	}
	snap.RunEvents = merged
	snap.EventSource = "jsonl+ring"
	return snap
}
