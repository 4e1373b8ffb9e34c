package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/marketpipe/orchestrator/internal/pipeline"
)

const exportLimit = 1000

// exportRuns streams recent run history as an xlsx workbook.
// GET /api/runs/export
func (s *Server) exportRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.orch.History().ListRuns(exportLimit, "")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	f := excelize.NewFile()
	defer f.Close()
	const sheet = "Runs"
	f.SetSheetName("Sheet1", sheet)

	headers := []string{"Run ID", "Started", "Ended", "Duration", "Result",
		"Failure Reason", "Stages Executed", "Stages Failed", "Retries"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		f.SetCellValue(sheet, cell, h)
	}

	for row, sum := range runs {
		values := []any{
			sum.RunID,
			sum.StartedAt.In(pipeline.Location).Format(time.RFC3339),
			sum.EndedAt.In(pipeline.Location).Format(time.RFC3339),
			sum.EndedAt.Sub(sum.StartedAt).Round(time.Second).String(),
			string(sum.Result),
			sum.FailureReason,
			strings.Join(sum.StagesExecuted, ","),
			strings.Join(sum.StagesFailed, ","),
			sum.RetryCount,
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row+2)
			f.SetCellValue(sheet, cell, v)
		}
	}

	name := fmt.Sprintf("pipeline_runs_%s.xlsx", pipeline.Now().Format("2006-01-02"))
	w.Header().Set("Content-Type",
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	if err := f.Write(w); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
