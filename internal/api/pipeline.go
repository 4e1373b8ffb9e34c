package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/marketpipe/orchestrator/internal/orchestrator"
	"github.com/marketpipe/orchestrator/internal/pipeline"
)

// startPipeline launches a run. The body defaults to a manual start; a
// scheduled caller passes manual=false so the auto-run policy gate applies.
// POST /api/pipeline/start {"manual": bool, "manual_override": bool, "run_id": "..."}
func (s *Server) startPipeline(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Manual         *bool  `json:"manual"`
		ManualOverride bool   `json:"manual_override"`
		RunID          string `json:"run_id"`
	}
	if r.Body != nil {
		// An empty body is a plain manual start.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	manual := true
	if req.Manual != nil {
		manual = *req.Manual
	}

	rc, err := s.orch.StartPipeline(r.Context(), orchestrator.StartOptions{
		Manual:         manual,
		ManualOverride: req.ManualOverride,
		RunID:          req.RunID,
	})
	if err != nil {
		var blocked *orchestrator.BlockedError
		switch {
		case errors.As(err, &blocked):
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]any{
				"error":      blocked.Error(),
				"reason":     blocked.Decision.Reason,
				"run_health": blocked.Decision.Health,
				"reasons":    blocked.Decision.Reasons,
			})
		case errors.Is(err, orchestrator.ErrLocked),
			errors.Is(err, orchestrator.ErrRunActive):
			http.Error(w, err.Error(), http.StatusBadRequest)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{
		"run_id":  rc.RunID,
		"state":   string(rc.State),
		"message": "Pipeline started",
	})
}

// stopPipeline stops the active run.
// POST /api/pipeline/stop
func (s *Server) stopPipeline(w http.ResponseWriter, r *http.Request) {
	rc, err := s.orch.StopPipeline(r.Context())
	if err != nil {
		if errors.Is(err, orchestrator.ErrNoActiveRun) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"run_id":  rc.RunID,
		"state":   string(rc.State),
		"message": "Pipeline stopped",
	})
}

// getStatus returns the compact pipeline status.
// GET /api/pipeline/status
func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.orch.Status())
}

// getSnapshot returns the status plus merged recent events.
// GET /api/pipeline/snapshot
func (s *Server) getSnapshot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.orch.Snapshot())
}

// runSingleStage runs one stage outside the normal sequence.
// POST /api/pipeline/stage/{stage}
func (s *Server) runSingleStage(w http.ResponseWriter, r *http.Request) {
	stg := pipeline.Stage(chi.URLParam(r, "stage"))
	runID, err := s.orch.RunSingleStage(r.Context(), stg)
	if err != nil {
		switch {
		case !pipeline.ValidStage(stg):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, orchestrator.ErrLocked),
			errors.Is(err, orchestrator.ErrRunActive):
			http.Error(w, err.Error(), http.StatusBadRequest)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{
		"run_id": runID,
		"stage":  string(stg),
	})
}

// resetPipeline force-clears the lock and run context.
// POST /api/pipeline/reset
func (s *Server) resetPipeline(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.Reset(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "reset"})
}
