package runner

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/marketpipe/orchestrator/internal/pipeline"
)

// mergerLogFreshness is the fallback window for the merger-processed log.
const mergerLogFreshness = 5 * time.Minute

// Paths names the directories output validation inspects.
type Paths struct {
	TranslatedDir   string // translator parquet output root
	AnalyzerRunsDir string // analyzer run-scoped markers
	MergerDir       string // merger completion markers
	MergerLog       string // merger processed-log fallback
}

// Validator checks that a stage that reported success actually left its
// expected output behind. Validation failures are retried within the stage's
// attempt budget.
type Validator struct {
	paths Paths
}

// NewValidator creates a Validator over the given output paths.
func NewValidator(paths Paths) *Validator {
	return &Validator{paths: paths}
}

// Validate runs the post-success output check for a stage.
func (v *Validator) Validate(stg pipeline.Stage, runID string) error {
	switch stg {
	case pipeline.StageTranslator:
		return v.validateTranslator()
	case pipeline.StageAnalyzer:
		return v.validateAnalyzer(runID)
	case pipeline.StageMerger:
		return v.validateMerger(runID)
	}
	return fmt.Errorf("unknown stage %s", stg)
}

// validateTranslator requires at least one parquet file anywhere under the
// translated root. This is the only accepted signal; there is no directory
// fallback.
func (v *Validator) validateTranslator() error {
	found := false
	err := filepath.WalkDir(v.paths.TranslatedDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable subtree, keep walking
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), ".parquet") {
			found = true
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("walk translated dir: %w", err)
	}
	if !found {
		return fmt.Errorf("no parquet output under %s", v.paths.TranslatedDir)
	}
	return nil
}

// validateAnalyzer requires the run-scoped success marker. Accepting any file
// in the runs directory is a legacy fallback kept for operator escape hatches;
// it logs because it violates the idempotency contract.
func (v *Validator) validateAnalyzer(runID string) error {
	marker := filepath.Join(v.paths.AnalyzerRunsDir, fmt.Sprintf(".success_%s.marker", runID))
	if _, err := os.Stat(marker); err == nil {
		return nil
	}

	entries, err := os.ReadDir(v.paths.AnalyzerRunsDir)
	if err == nil && len(entries) > 0 {
		slog.Warn("analyzer validation fell back to directory contents; violates idempotency contract",
			"run_id", runID, "dir", v.paths.AnalyzerRunsDir)
		return nil
	}
	return fmt.Errorf("analyzer success marker missing: %s", marker)
}

// validateMerger requires the run-scoped completion marker, falling back to a
// recently-modified merger-processed log.
func (v *Validator) validateMerger(runID string) error {
	marker := filepath.Join(v.paths.MergerDir, fmt.Sprintf(".merge_complete_%s.marker", runID))
	if _, err := os.Stat(marker); err == nil {
		return nil
	}

	if v.paths.MergerLog != "" {
		if st, err := os.Stat(v.paths.MergerLog); err == nil &&
			time.Since(st.ModTime()) <= mergerLogFreshness {
			slog.Warn("merger validation fell back to processed-log freshness",
				"run_id", runID, "log", v.paths.MergerLog)
			return nil
		}
	}
	return fmt.Errorf("merge completion marker missing: %s", marker)
}
