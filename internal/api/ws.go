package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/marketpipe/orchestrator/internal/pipeline"
)

const (
	wsSnapshotLimit = 100
	wsSnapshotChunk = 25
	wsWriteTimeout  = 10 * time.Second
	wsPingInterval  = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsMessage is the wire frame: a snapshot chunk or a single live event.
type wsMessage struct {
	Type   string           `json:"type"` // "snapshot" | "event"
	Events []pipeline.Event `json:"events,omitempty"`
	Event  *pipeline.Event  `json:"event,omitempty"`
	Done   bool             `json:"done,omitempty"`
}

// streamEvents upgrades to a WebSocket, replays a bounded snapshot, then
// streams live events. An optional run_id query filters the live stream to
// that run plus system events.
// GET /ws/events?run_id=...
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	runID := r.URL.Query().Get("run_id")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return // Upgrade already wrote the HTTP error
	}
	defer conn.Close()

	sub, err := s.orch.Bus().Subscribe()
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()),
			time.Now().Add(wsWriteTimeout))
		return
	}
	defer sub.Close()

	if err := s.sendSnapshot(conn, runID); err != nil {
		return
	}

	// Reader goroutine: we never expect client frames, but reading is what
	// surfaces the close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil,
				time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if !wsWants(runID, ev) {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(wsMessage{Type: "event", Event: &ev}); err != nil {
				slog.Debug("ws write failed", "err", err)
				return
			}
		}
	}
}

// sendSnapshot replays recent history in chunks before live traffic starts.
// A snapshot is always sent, even when empty, so clients can render
// immediately.
func (s *Server) sendSnapshot(conn *websocket.Conn, runID string) error {
	var snap []pipeline.Event
	if runID != "" {
		snap, _ = s.orch.Bus().EventsForRun(runID, wsSnapshotLimit)
	} else {
		snap = s.orch.Bus().Recent(wsSnapshotLimit)
	}

	for start := 0; ; start += wsSnapshotChunk {
		stop := start + wsSnapshotChunk
		if stop > len(snap) {
			stop = len(snap)
		}
		msg := wsMessage{Type: "snapshot", Events: snap[start:stop], Done: stop == len(snap)}
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(msg); err != nil {
			return err
		}
		if msg.Done {
			return nil
		}
	}
}

// wsWants filters the live stream: with a run_id, only that run's events and
// system-scoped events pass.
func wsWants(runID string, ev pipeline.Event) bool {
	if runID == "" {
		return true
	}
	return ev.RunID == runID || ev.RunID == pipeline.SystemRunID
}
