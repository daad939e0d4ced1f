package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ignite/mailpulse/internal/domain"
	"github.com/ignite/mailpulse/internal/pkg/httputil"
)

type createCampaignRequest struct {
	APIKeyID    string     `json:"api_key_id"`
	ListID      *string    `json:"list_id"`
	Name        string     `json:"name"`
	Subject     string     `json:"subject"`
	FromName    string     `json:"from_name"`
	FromEmail   string     `json:"from_email"`
	ReplyTo     string     `json:"reply_to"`
	HTMLContent string     `json:"html_content"`
	TextContent string     `json:"text_content"`
	Timezone    string     `json:"timezone"`
	ScheduledAt *time.Time `json:"scheduled_at"`

	Recurrence *recurrenceRequest `json:"recurrence"`
}

type recurrenceRequest struct {
	Frequency          string     `json:"frequency"`
	CustomIntervalDays int        `json:"custom_interval_days"`
	StartDate          time.Time  `json:"start_date"`
	EndDate            *time.Time `json:"end_date"`
	MaxOccurrences     int        `json:"max_occurrences"`
	SendTime           string     `json:"send_time"`
	SendWeekdays       []string   `json:"send_weekdays"`
	SkipWeekends       bool       `json:"skip_weekends"`
}

// HandleCreateCampaign creates a draft campaign, optionally with a
// recurrence rule.
func (s *Server) HandleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req createCampaignRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.Name == "" || req.Subject == "" || req.FromEmail == "" {
		httputil.BadRequest(w, "name, subject and from_email are required")
		return
	}
	apiKeyID, err := uuid.Parse(req.APIKeyID)
	if err != nil {
		httputil.BadRequest(w, "invalid api_key_id")
		return
	}
	var listID *uuid.UUID
	if req.ListID != nil {
		id, err := uuid.Parse(*req.ListID)
		if err != nil {
			httputil.BadRequest(w, "invalid list_id")
			return
		}
		listID = &id
	}

	c := &domain.Campaign{
		APIKeyID:    apiKeyID,
		ListID:      listID,
		Name:        req.Name,
		Subject:     req.Subject,
		FromName:    req.FromName,
		FromEmail:   req.FromEmail,
		ReplyTo:     req.ReplyTo,
		HTMLContent: req.HTMLContent,
		TextContent: req.TextContent,
		Timezone:    req.Timezone,
		ScheduledAt: req.ScheduledAt,
		Recurring:   req.Recurrence != nil,
	}
	if err := s.store.CreateCampaign(r.Context(), c); err != nil {
		httputil.InternalError(w, err)
		return
	}

	if req.Recurrence != nil {
		rule := &domain.RecurrenceRule{
			CampaignID:         c.ID,
			Frequency:          domain.Frequency(req.Recurrence.Frequency),
			CustomIntervalDays: req.Recurrence.CustomIntervalDays,
			StartDate:          req.Recurrence.StartDate,
			EndDate:            req.Recurrence.EndDate,
			MaxOccurrences:     req.Recurrence.MaxOccurrences,
			Timezone:           c.Timezone,
			SendTime:           req.Recurrence.SendTime,
			SendWeekdays:       req.Recurrence.SendWeekdays,
			SkipWeekends:       req.Recurrence.SkipWeekends,
		}
		if err := s.store.CreateRecurrenceRule(r.Context(), rule); err != nil {
			httputil.InternalError(w, err)
			return
		}
	}

	httputil.Created(w, c)
}

// HandleGetCampaign returns a campaign with its aggregate stats.
func (s *Server) HandleGetCampaign(w http.ResponseWriter, r *http.Request) {
	c, ok := s.loadCampaign(w, r)
	if !ok {
		return
	}
	httputil.OK(w, c)
}

type scheduleRequest struct {
	ScheduledAt *time.Time `json:"scheduled_at"`
}

// HandleScheduleCampaign moves a draft campaign into the scheduler's
// view. Recurring campaigns fire per their rule; one-shot campaigns
// need scheduled_at here or at creation.
func (s *Server) HandleScheduleCampaign(w http.ResponseWriter, r *http.Request) {
	c, ok := s.loadCampaign(w, r)
	if !ok {
		return
	}

	var req scheduleRequest
	if r.ContentLength > 0 && !httputil.Decode(w, r, &req) {
		return
	}
	if req.ScheduledAt != nil {
		if err := s.store.SetCampaignSchedule(r.Context(), c.ID, *req.ScheduledAt); err != nil {
			httputil.InternalError(w, err)
			return
		}
		c.ScheduledAt = req.ScheduledAt
	}
	if !c.Recurring && c.ScheduledAt == nil {
		httputil.BadRequest(w, "scheduled_at is required for one-shot campaigns")
		return
	}

	moved, err := s.store.TransitionCampaign(r.Context(), c.ID,
		[]domain.CampaignStatus{domain.CampaignDraft, domain.CampaignPaused}, domain.CampaignScheduled)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if !moved {
		httputil.Conflict(w, "campaign cannot be scheduled from status "+string(c.Status))
		return
	}
	httputil.OK(w, map[string]string{"status": string(domain.CampaignScheduled)})
}

// HandlePauseCampaign pauses a scheduled or sending campaign. Queued
// sends hold; completed work is untouched.
func (s *Server) HandlePauseCampaign(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r,
		[]domain.CampaignStatus{domain.CampaignScheduled, domain.CampaignSending},
		domain.CampaignPaused)
}

// HandleResumeCampaign resumes a paused campaign to where it was: back
// to sending if dispatch had started, otherwise back to scheduled.
func (s *Server) HandleResumeCampaign(w http.ResponseWriter, r *http.Request) {
	c, ok := s.loadCampaign(w, r)
	if !ok {
		return
	}

	to := domain.CampaignScheduled
	if !c.Recurring && c.StartedAt != nil {
		to = domain.CampaignSending
	}
	moved, err := s.store.TransitionCampaign(r.Context(), c.ID,
		[]domain.CampaignStatus{domain.CampaignPaused}, to)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if !moved {
		httputil.Conflict(w, "campaign is not paused")
		return
	}
	httputil.OK(w, map[string]string{"status": string(to)})
}

// HandleCancelCampaign cancels a campaign in any non-terminal state.
func (s *Server) HandleCancelCampaign(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r,
		[]domain.CampaignStatus{
			domain.CampaignDraft, domain.CampaignScheduled,
			domain.CampaignSending, domain.CampaignPaused,
		},
		domain.CampaignCancelled)
}

func (s *Server) transition(w http.ResponseWriter, r *http.Request, from []domain.CampaignStatus, to domain.CampaignStatus) {
	c, ok := s.loadCampaign(w, r)
	if !ok {
		return
	}
	moved, err := s.store.TransitionCampaign(r.Context(), c.ID, from, to)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if !moved {
		httputil.Conflict(w, "invalid transition from status "+string(c.Status))
		return
	}
	httputil.OK(w, map[string]string{"status": string(to)})
}

func (s *Server) loadCampaign(w http.ResponseWriter, r *http.Request) (*domain.Campaign, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "campaignID"))
	if err != nil {
		httputil.BadRequest(w, "invalid campaign id")
		return nil, false
	}
	c, err := s.store.GetCampaign(r.Context(), id)
	if err != nil {
		httputil.InternalError(w, err)
		return nil, false
	}
	if c == nil {
		httputil.NotFound(w, "campaign not found")
		return nil, false
	}
	return c, true
}

type createContactRequest struct {
	APIKeyID  string  `json:"api_key_id"`
	ListID    *string `json:"list_id"`
	Email     string  `json:"email"`
	FirstName string  `json:"first_name"`
	LastName  string  `json:"last_name"`
}

// HandleCreateContact adds a contact to an API key's audience.
func (s *Server) HandleCreateContact(w http.ResponseWriter, r *http.Request) {
	var req createContactRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.Email == "" {
		httputil.BadRequest(w, "email is required")
		return
	}
	apiKeyID, err := uuid.Parse(req.APIKeyID)
	if err != nil {
		httputil.BadRequest(w, "invalid api_key_id")
		return
	}
	var listID *uuid.UUID
	if req.ListID != nil {
		id, err := uuid.Parse(*req.ListID)
		if err != nil {
			httputil.BadRequest(w, "invalid list_id")
			return
		}
		listID = &id
	}

	c := &domain.Contact{
		APIKeyID:  apiKeyID,
		ListID:    listID,
		Email:     req.Email,
		FirstName: req.FirstName,
		LastName:  req.LastName,
	}
	if err := s.store.CreateContact(r.Context(), c); err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.Created(w, c)
}

type createAPIKeyRequest struct {
	Name              string `json:"name"`
	RequestsPerMinute int    `json:"requests_per_minute"`
	RequestsPerDay    int    `json:"requests_per_day"`
	Burst             int    `json:"burst"`
}

// HandleCreateAPIKey registers a tenant key with its send limits.
func (s *Server) HandleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	var req createAPIKeyRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.Name == "" {
		httputil.BadRequest(w, "name is required")
		return
	}
	k := &domain.APIKey{
		Name:              req.Name,
		RequestsPerMinute: req.RequestsPerMinute,
		RequestsPerDay:    req.RequestsPerDay,
		Burst:             req.Burst,
		Active:            true,
	}
	if err := s.store.CreateAPIKey(r.Context(), k); err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.Created(w, k)
}
