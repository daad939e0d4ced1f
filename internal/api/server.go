// Package api exposes the management surface: campaign lifecycle,
// audience, webhook endpoints, and provider event callbacks. The public
// tracking endpoints live in internal/tracking and are mounted beside
// these routes by cmd/server.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/ignite/mailpulse/internal/store"
	"github.com/ignite/mailpulse/internal/tracking"
)

// Server bundles the API handlers and their dependencies.
type Server struct {
	store    *store.Store
	pipeline *tracking.Pipeline
	codec    *tracking.Codec
}

// NewServer creates the API server.
func NewServer(st *store.Store, pipeline *tracking.Pipeline, codec *tracking.Codec) *Server {
	return &Server{store: st, pipeline: pipeline, codec: codec}
}

// Routes returns the API router.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/campaigns", func(r chi.Router) {
			r.Post("/", s.HandleCreateCampaign)
			r.Route("/{campaignID}", func(r chi.Router) {
				r.Get("/", s.HandleGetCampaign)
				r.Post("/schedule", s.HandleScheduleCampaign)
				r.Post("/pause", s.HandlePauseCampaign)
				r.Post("/resume", s.HandleResumeCampaign)
				r.Post("/cancel", s.HandleCancelCampaign)
			})
		})

		r.Post("/contacts", s.HandleCreateContact)
		r.Post("/apikeys", s.HandleCreateAPIKey)

		r.Route("/webhooks", func(r chi.Router) {
			r.Post("/", s.HandleCreateWebhookEndpoint)
			r.Get("/", s.HandleListWebhookEndpoints)
			r.Post("/{endpointID}/activate", s.HandleSetWebhookActive(true))
			r.Post("/{endpointID}/deactivate", s.HandleSetWebhookActive(false))
			r.Get("/dead", s.HandleListDeadWebhookJobs)
			r.Post("/dead/{jobID}/retry", s.HandleRetryDeadWebhookJob)
		})

		r.Post("/events/provider", s.HandleProviderEvent)
	})

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	})

	return r
}
