package pipeline

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// SystemRunID is the run_id assigned to process-global events.
const SystemRunID = "__system__"

// Pseudo-stage names used on events that do not belong to a batch stage.
const (
	StagePipeline  = "pipeline"
	StageScheduler = "scheduler"
	StageSystem    = "system"
	StageWatchdog  = "watchdog"
)

// Event kinds carried on the bus.
const (
	EventStart           = "start"
	EventStateChange     = "state_change"
	EventSuccess         = "success"
	EventFailed          = "failed"
	EventError           = "error"
	EventLog             = "log"
	EventHeartbeat       = "heartbeat"
	EventMetric          = "metric"
	EventProgress        = "progress"
	EventManualRequested = "manual_requested"
	EventRunBlocked      = "run_blocked"
	EventEnabled         = "enabled"
	EventDisabled        = "disabled"
	EventTimeout         = "timeout"
	EventScheduledRun    = "scheduled_run_started"
)

// Event is a structured record broadcast on the event bus and appended to the
// per-run JSONL file.
type Event struct {
	RunID     string         `json:"run_id"`
	Stage     string         `json:"stage"`
	Type      string         `json:"event"`
	Timestamp time.Time      `json:"timestamp"`
	Msg       string         `json:"msg,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// DedupKey is the stable content hash used by the tailer's seen-set:
// MD5 of run_id|stage|event|timestamp|sorted(data).
func (e Event) DedupKey() string {
	// encoding/json writes map keys in sorted order.
	data, _ := json.Marshal(e.Data)
	h := md5.Sum(fmt.Appendf(nil, "%s|%s|%s|%s|%s",
		e.RunID, e.Stage, e.Type, e.Timestamp.Format(time.RFC3339Nano), data))
	return hex.EncodeToString(h[:])
}

// lifecycle is the set of stage-lifecycle event kinds allowed on the live
// channel for every stage (batch stages plus pipeline/scheduler).
var lifecycle = map[string]bool{
	EventStart:   true,
	EventSuccess: true,
	EventFailed:  true,
}

var lifecycleStages = map[string]bool{
	StagePipeline:           true,
	StageScheduler:          true,
	string(StageTranslator): true,
	string(StageAnalyzer):   true,
	string(StageMerger):     true,
}

// LiveAllowed reports whether a (stage, event) pair may appear on the live
// channel. Everything else is JSONL-only.
func LiveAllowed(stage, event string) bool {
	if stage == StageScheduler {
		return true
	}
	if lifecycleStages[stage] && lifecycle[event] {
		return true
	}
	if stage == StagePipeline {
		switch event {
		case EventStateChange, EventManualRequested, EventRunBlocked:
			return true
		}
	}
	if stage == StageWatchdog && event == EventTimeout {
		return true
	}
	return event == EventError
}

// verboseEvents are high-volume event kinds suppressed from the JSONL log
// unless the stage or kind is structurally significant.
var verboseEvents = map[string]bool{
	EventMetric:    true,
	EventProgress:  true,
	EventHeartbeat: true,
	EventLog:       true,
	"file_start":   true,
	"file_finish":  true,
}

// JSONLLoggable reports whether the event is written to the per-run JSONL
// file. Pipeline and scheduler events always are, as are lifecycle, error,
// and state-change events of any stage.
func JSONLLoggable(stage, event string) bool {
	if !verboseEvents[event] {
		return true
	}
	if stage == StagePipeline || stage == StageScheduler {
		return true
	}
	switch event {
	case EventStart, EventSuccess, EventFailed, EventError, EventStateChange:
		return true
	}
	return false
}
