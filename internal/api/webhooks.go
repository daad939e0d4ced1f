package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ignite/mailpulse/internal/domain"
	"github.com/ignite/mailpulse/internal/pkg/httputil"
)

type createEndpointRequest struct {
	APIKeyID   string   `json:"api_key_id"`
	URL        string   `json:"url"`
	Secret     string   `json:"secret"`
	EventTypes []string `json:"event_types"`
}

// HandleCreateWebhookEndpoint registers an integrator destination. An
// empty event_types list subscribes to everything.
func (s *Server) HandleCreateWebhookEndpoint(w http.ResponseWriter, r *http.Request) {
	var req createEndpointRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.URL == "" || req.Secret == "" {
		httputil.BadRequest(w, "url and secret are required")
		return
	}
	apiKeyID, err := uuid.Parse(req.APIKeyID)
	if err != nil {
		httputil.BadRequest(w, "invalid api_key_id")
		return
	}

	ep := &domain.WebhookEndpoint{
		APIKeyID:   apiKeyID,
		URL:        req.URL,
		Secret:     req.Secret,
		EventTypes: req.EventTypes,
		Active:     true,
	}
	if err := s.store.CreateWebhookEndpoint(r.Context(), ep); err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.Created(w, ep)
}

// HandleListWebhookEndpoints returns the endpoints registered under an
// API key, given as the api_key_id query parameter.
func (s *Server) HandleListWebhookEndpoints(w http.ResponseWriter, r *http.Request) {
	apiKeyID, err := uuid.Parse(r.URL.Query().Get("api_key_id"))
	if err != nil {
		httputil.BadRequest(w, "invalid api_key_id")
		return
	}
	eps, err := s.store.ListWebhookEndpoints(r.Context(), apiKeyID)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if eps == nil {
		eps = []*domain.WebhookEndpoint{}
	}
	httputil.OK(w, eps)
}

// HandleSetWebhookActive returns a handler that enables or disables an
// endpoint. Disabling strands pending jobs until reactivation.
func (s *Server) HandleSetWebhookActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "endpointID"))
		if err != nil {
			httputil.BadRequest(w, "invalid endpoint id")
			return
		}
		if err := s.store.SetWebhookEndpointActive(r.Context(), id, active); err != nil {
			httputil.InternalError(w, err)
			return
		}
		httputil.OK(w, map[string]bool{"active": active})
	}
}

// HandleListDeadWebhookJobs returns dead-lettered deliveries for
// operator inspection.
func (s *Server) HandleListDeadWebhookJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.ListDeadWebhookJobs(r.Context(), 100)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*domain.WebhookJob{}
	}
	httputil.OK(w, jobs)
}

// HandleRetryDeadWebhookJob resets a dead-lettered delivery for a fresh
// attempt cycle.
func (s *Server) HandleRetryDeadWebhookJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		httputil.BadRequest(w, "invalid job id")
		return
	}
	reset, err := s.store.RetryDeadWebhookJob(r.Context(), id)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if !reset {
		httputil.NotFound(w, "no dead job with that id")
		return
	}
	httputil.OK(w, map[string]string{"status": "pending"})
}
