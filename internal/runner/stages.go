package runner

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/marketpipe/orchestrator/internal/pipeline"
)

// CommandExecutor runs an externally defined stage program. The body emits
// its own start/success/failed lifecycle events on the bus; the runner emits
// only state transitions and validation failures.
type CommandExecutor struct {
	stage     pipeline.Stage
	argv      []string
	workDir   string
	inputGlob string // non-empty: no matches means skipped, not failed
	pub       Publisher
}

// NewCommandExecutor builds an executor for one stage. inputGlob may be empty
// for stages that always run.
func NewCommandExecutor(stage pipeline.Stage, argv []string, workDir, inputGlob string, pub Publisher) *CommandExecutor {
	return &CommandExecutor{
		stage:     stage,
		argv:      argv,
		workDir:   workDir,
		inputGlob: inputGlob,
		pub:       pub,
	}
}

// Stage implements Executor.
func (e *CommandExecutor) Stage() pipeline.Stage { return e.stage }

// Execute runs the stage program to completion. Exit code zero is success;
// anything else (or a start failure) is a failed attempt.
func (e *CommandExecutor) Execute(ctx context.Context, runID string) (Result, error) {
	if e.inputGlob != "" && !hasInput(e.inputGlob) {
		msg := fmt.Sprintf("no input matching %s", e.inputGlob)
		e.emit(runID, pipeline.EventLog, msg, nil)
		return Result{Status: StatusSkipped, Msg: msg}, nil
	}
	if len(e.argv) == 0 {
		return Result{}, fmt.Errorf("stage %s has no command configured", e.stage)
	}

	e.emit(runID, pipeline.EventStart, "", nil)

	cmd := exec.CommandContext(ctx, e.argv[0], e.argv[1:]...)
	cmd.Dir = e.workDir
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	err := cmd.Run()
	tail := lastLines(output.Bytes(), 20)
	if err != nil {
		e.emit(runID, pipeline.EventFailed, err.Error(), map[string]any{"output": tail})
		return Result{Status: StatusFailed, Msg: err.Error()}, nil
	}

	e.emit(runID, pipeline.EventSuccess, "", nil)
	return Result{Status: StatusSuccess}, nil
}

func (e *CommandExecutor) emit(runID, kind, msg string, data map[string]any) {
	if e.pub == nil {
		return
	}
	err := e.pub.Publish(pipeline.Event{
		RunID: runID,
		Stage: string(e.stage),
		Type:  kind,
		Msg:   msg,
		Data:  data,
	})
	if err != nil {
		slog.Warn("stage event publish failed", "stage", e.stage, "event", kind, "err", err)
	}
}

// hasInput reports whether any file matches the pattern. A "**" segment
// matches any directory depth; plain patterns go through filepath.Glob.
// Errors count as input present so a broken pattern never skips a stage.
func hasInput(pattern string) bool {
	i := strings.Index(pattern, "**")
	if i < 0 {
		matches, err := filepath.Glob(pattern)
		return err != nil || len(matches) > 0
	}
	root := filepath.Clean(pattern[:i])
	base := strings.TrimPrefix(pattern[i+2:], string(filepath.Separator))
	found := false
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if ok, _ := filepath.Match(base, d.Name()); ok {
			found = true
			return fs.SkipAll
		}
		return nil
	})
	return found || walkErr != nil
}

// lastLines keeps the tail of process output so failed-attempt events stay
// small.
func lastLines(b []byte, n int) string {
	lines := bytes.Split(bytes.TrimSpace(b), []byte("\n"))
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return string(bytes.Join(lines, []byte("\n")))
}
