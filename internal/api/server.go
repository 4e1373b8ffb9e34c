// Package api exposes the orchestrator over HTTP: run control, status and
// snapshot reads, run history, scheduler control, and a live event WebSocket.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/marketpipe/orchestrator/internal/orchestrator"
)

// Server carries the facade the handlers call into.
type Server struct {
	orch *orchestrator.Orchestrator
}

// NewServer creates a Server over the orchestrator facade.
func NewServer(orch *orchestrator.Orchestrator) *Server {
	return &Server{orch: orch}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST"},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Route("/pipeline", func(r chi.Router) {
			r.Post("/start", s.startPipeline)
			r.Post("/stop", s.stopPipeline)
			r.Get("/status", s.getStatus)
			r.Get("/snapshot", s.getSnapshot)
			r.Post("/stage/{stage}", s.runSingleStage)
			r.Post("/reset", s.resetPipeline)
		})
		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.listRuns)
			r.Get("/export", s.exportRuns)
			r.Get("/{id}", s.getRun)
		})
		r.Route("/scheduler", func(r chi.Router) {
			r.Post("/enable", s.enableScheduler)
			r.Post("/disable", s.disableScheduler)
			r.Get("/status", s.getSchedulerStatus)
			r.Post("/notify", s.notifyScheduledRun)
		})
		r.Post("/events", s.publishEvent)
	})
	r.Get("/ws/events", s.streamEvents)

	return r
}
