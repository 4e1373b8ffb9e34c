package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/marketpipe/orchestrator/internal/history"
	"github.com/marketpipe/orchestrator/internal/pipeline"
)

const defaultRunsLimit = 50

// listRuns returns recent run summaries, newest first.
// GET /api/runs?limit=50&result=failed
func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	result := pipeline.RunResult(r.URL.Query().Get("result"))
	switch result {
	case "", pipeline.ResultSuccess, pipeline.ResultFailed, pipeline.ResultStopped:
	default:
		http.Error(w, "invalid result filter", http.StatusBadRequest)
		return
	}

	runs, err := s.orch.History().ListRuns(limit, result)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []pipeline.RunSummary{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"runs":  runs,
		"count": len(runs),
	})
}

// getRun returns one run summary by id.
// GET /api/runs/{id}
func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, err := s.orch.History().GetRun(id)
	if err != nil {
		if errors.Is(err, history.ErrNotFound) {
			http.Error(w, "run not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(run)
}
