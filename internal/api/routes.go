package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/weathervane/coordinator/internal/config"
	"github.com/weathervane/coordinator/internal/coordinator"
	"github.com/weathervane/coordinator/internal/ws"
)

func NewRouter(cfg *config.Config, coord *coordinator.Coordinator, wsServer *ws.Server) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	h := NewHandlers(cfg, coord, wsServer)

	// Health & Info
	r.Get("/health", h.Health)
	r.Get("/stats", h.Stats)

	// Jobs API
	r.Post("/api/upload", h.Upload)
	r.Get("/api/jobs", h.ListJobs)
	r.Get("/api/jobs/{id}", h.GetJob)
	r.Delete("/api/jobs/{id}", h.DeleteJob)
	r.Post("/api/jobs/{id}/retry", h.RetryJob)

	// WebSocket event stream
	r.Get("/ws/events", wsServer.HandleEvents)

	return r
}
