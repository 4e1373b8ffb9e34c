package api

import (
	"encoding/json"
	"net/http"
)

// enableScheduler turns the OS scheduler unit on.
// POST /api/scheduler/enable {"changed_by": "..."}
func (s *Server) enableScheduler(w http.ResponseWriter, r *http.Request) {
	s.toggleScheduler(w, r, true)
}

// disableScheduler turns the OS scheduler unit off.
// POST /api/scheduler/disable {"changed_by": "..."}
func (s *Server) disableScheduler(w http.ResponseWriter, r *http.Request) {
	s.toggleScheduler(w, r, false)
}

func (s *Server) toggleScheduler(w http.ResponseWriter, r *http.Request, enable bool) {
	var req struct {
		ChangedBy string `json:"changed_by"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.ChangedBy == "" {
		req.ChangedBy = "api"
	}

	var err error
	if enable {
		err = s.orch.Sched().Enable(r.Context(), req.ChangedBy)
	} else {
		err = s.orch.Sched().Disable(r.Context(), req.ChangedBy)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.orch.Sched().State(r.Context()))
}

// getSchedulerStatus merges the OS scheduler view with the observed liveness
// classification and the standalone runner process check.
// GET /api/scheduler/status
func (s *Server) getSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	st := s.orch.Sched().State(r.Context())
	st["health"] = s.orch.SchedulerHealth()
	st["os"] = s.orch.Sched().OSScheduleInfo(r.Context())
	st["runner_alive"] = s.orch.Sched().RunnerProcessAlive(r.Context())

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(st)
}

// notifyScheduledRun records that the OS scheduler fired. Idempotent.
// POST /api/scheduler/notify {"run_id": "..."}
func (s *Server) notifyScheduledRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RunID string `json:"run_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	s.orch.NotifyScheduledRun(req.RunID)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "recorded"})
}
