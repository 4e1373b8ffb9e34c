package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/marketpipe/orchestrator/internal/events"
	"github.com/marketpipe/orchestrator/internal/pipeline"
)

const maxEventBody = 1 << 20

// publishEvent accepts an event from a sibling process and puts it on the bus.
// A run_id key that is present but empty is a caller bug and is rejected; an
// absent run_id is attributed to the system.
// POST /api/events
func (s *Server) publishEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBody))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if v, present := raw["run_id"]; present {
		var runID string
		if err := json.Unmarshal(v, &runID); err != nil || runID == "" {
			http.Error(w, "run_id present but empty", http.StatusBadRequest)
			return
		}
	}

	var ev pipeline.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		http.Error(w, "invalid event", http.StatusBadRequest)
		return
	}
	if err := s.orch.Bus().Publish(ev); err != nil {
		if errors.Is(err, events.ErrInvalidEvent) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "accepted"})
}
