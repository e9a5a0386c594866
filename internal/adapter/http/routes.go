package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// MountRoutes registers all API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Get("/health", h.Health)
	r.Get("/ws", h.StreamEvents)

	r.Route("/api/v1", func(r chi.Router) {
		// Version
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		// Sessions
		r.Get("/sessions", h.ListSessions)
		r.Post("/sessions", h.CreateSession)
		r.Get("/sessions/{id}", h.GetSession)
		r.Delete("/sessions/{id}", h.DeleteSession)

		// Lifecycle
		r.Post("/sessions/{id}/start", h.StartSession)
		r.Post("/sessions/{id}/pause", h.PauseSession)
		r.Post("/sessions/{id}/resume", h.ResumeSession)
		r.Post("/sessions/{id}/terminate", h.TerminateSession)

		// Deliberation output
		r.Get("/sessions/{id}/sub-problems", h.ListSubProblems)
		r.Get("/sessions/{id}/contributions", h.ListContributions)
		r.Get("/sessions/{id}/recommendations", h.ListRecommendations)
		r.Get("/sessions/{id}/events", h.ListSessionEvents)
		r.Get("/sessions/{id}/cost", h.SessionCost)

		// Admin
		r.Post("/admin/sessions/{id}/kill", h.KillSession)
		r.Get("/admin/recovery", h.ListRecoverySessions)
	})
}
