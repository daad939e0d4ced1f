package dispatch

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/ignite/mailpulse/internal/domain"
	"github.com/ignite/mailpulse/internal/observability"
	"github.com/ignite/mailpulse/internal/pkg/backoff"
	"github.com/ignite/mailpulse/internal/pkg/logger"
	"github.com/ignite/mailpulse/internal/ratelimit"
	"github.com/ignite/mailpulse/internal/store"
	"github.com/ignite/mailpulse/internal/tracking"
)

const (
	// sendBaseDelay / sendMaxDelay shape the durable retry schedule for
	// transient transport failures.
	sendBaseDelay = 30 * time.Second
	sendMaxDelay  = 5 * time.Minute

	// pausedRecheck is how long a job of a paused campaign waits before
	// the queue looks at it again.
	pausedRecheck = time.Minute
)

// SenderStore is the persistence surface of the send worker pool.
type SenderStore interface {
	ClaimSendJobs(ctx context.Context, now time.Time, limit int) ([]*domain.SendJob, error)
	GetCampaign(ctx context.Context, id uuid.UUID) (*domain.Campaign, error)
	GetContact(ctx context.Context, id uuid.UUID) (*domain.Contact, error)
	GetOccurrence(ctx context.Context, id uuid.UUID) (*domain.Occurrence, error)
	GetAPIKey(ctx context.Context, id uuid.UUID) (*domain.APIKey, error)

	CreateTracker(ctx context.Context, t *domain.Tracker) error
	MarkTrackerSent(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkTrackerFailed(ctx context.Context, id uuid.UUID) error

	MarkJobSent(ctx context.Context, id uuid.UUID, trackerID uuid.UUID) error
	MarkJobFailed(ctx context.Context, id uuid.UUID, reason string) error
	MarkJobSkipped(ctx context.Context, id uuid.UUID, reason string) error
	DeferJob(ctx context.Context, id uuid.UUID, until time.Time, rateLimited bool) error

	IncrementCampaignStat(ctx context.Context, id uuid.UUID, column string, delta int) error
	GetUnitProgress(ctx context.Context, campaignID uuid.UUID, occurrenceID *uuid.UUID) (store.UnitProgress, error)
	TransitionCampaign(ctx context.Context, id uuid.UUID, from []domain.CampaignStatus, to domain.CampaignStatus) (bool, error)
}

// SenderConfig tunes the worker pool.
type SenderConfig struct {
	NumWorkers     int
	BatchSize      int
	PollInterval   time.Duration
	MaxAttempts    int     // transient-failure retry budget per job
	MaxDeferrals   int     // rate-limit wait budget per job
	MessagesPerSec float64 // transport throughput bound, 0 = unlimited
}

// DefaultSenderConfig returns the production defaults.
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		NumWorkers:     10,
		BatchSize:      50,
		PollInterval:   5 * time.Second,
		MaxAttempts:    5,
		MaxDeferrals:   10,
		MessagesPerSec: 50,
	}
}

// Sender is the bounded worker pool draining the send queue. Each worker
// claims disjoint batches, resolves content per recipient, and finalizes
// the queue row according to the transport outcome.
type Sender struct {
	store     SenderStore
	transport Transport
	limiter   *ratelimit.Limiter
	renderer  *Renderer
	urls      *tracking.URLBuilder
	cfg       SenderConfig

	throughput *rate.Limiter
	log        *logger.Logger
	now        func() time.Time

	// Stats
	totalSent    int64
	totalFailed  int64
	totalSkipped int64

	// Control
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex
	running bool
}

// NewSender wires the worker pool. limiter may be nil to disable
// per-key logical limits (tests, single-tenant installs).
func NewSender(st SenderStore, transport Transport, limiter *ratelimit.Limiter, urls *tracking.URLBuilder, cfg SenderConfig) *Sender {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 10
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.MaxDeferrals <= 0 {
		cfg.MaxDeferrals = 10
	}

	throughput := rate.NewLimiter(rate.Inf, 1)
	if cfg.MessagesPerSec > 0 {
		throughput = rate.NewLimiter(rate.Limit(cfg.MessagesPerSec), int(cfg.MessagesPerSec)+1)
	}

	return &Sender{
		store:      st,
		transport:  transport,
		limiter:    limiter,
		renderer:   NewRenderer(),
		urls:       urls,
		cfg:        cfg,
		throughput: throughput,
		log:        logger.With("sender"),
		now:        time.Now,
	}
}

// Start launches the workers.
func (s *Sender) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("sender already running")
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.mu.Unlock()

	log.Printf("[Sender] Starting %d workers (batch_size=%d)", s.cfg.NumWorkers, s.cfg.BatchSize)
	for i := 0; i < s.cfg.NumWorkers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return nil
}

// Stop drains the workers.
func (s *Sender) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	log.Printf("[Sender] Stopped. Sent: %d, failed: %d, skipped: %d",
		atomic.LoadInt64(&s.totalSent),
		atomic.LoadInt64(&s.totalFailed),
		atomic.LoadInt64(&s.totalSkipped))
}

// Stats returns cumulative counters.
func (s *Sender) Stats() map[string]int64 {
	return map[string]int64{
		"sent":    atomic.LoadInt64(&s.totalSent),
		"failed":  atomic.LoadInt64(&s.totalFailed),
		"skipped": atomic.LoadInt64(&s.totalSkipped),
	}
}

func (s *Sender) worker() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		jobs, err := s.store.ClaimSendJobs(s.ctx, s.now().UTC(), s.cfg.BatchSize)
		if err != nil {
			if s.ctx.Err() == nil {
				log.Printf("[Sender] Claim batch: %v", err)
			}
			s.sleep(s.cfg.PollInterval)
			continue
		}
		if len(jobs) == 0 {
			s.sleep(s.cfg.PollInterval)
			continue
		}

		for _, job := range jobs {
			if s.ctx.Err() != nil {
				// Shutdown mid-batch: release the rest for the next run.
				s.store.DeferJob(context.Background(), job.ID, s.now().UTC(), true)
				continue
			}
			if err := s.process(job); err != nil {
				log.Printf("[Sender] Job %s: %v", job.ID, err)
			}
		}
	}
}

func (s *Sender) sleep(d time.Duration) {
	select {
	case <-s.ctx.Done():
	case <-time.After(d):
	}
}

// process resolves and sends one claimed job, then finalizes its row.
func (s *Sender) process(job *domain.SendJob) error {
	ctx := s.ctx
	now := s.now().UTC()

	campaign, err := s.store.GetCampaign(ctx, job.CampaignID)
	if err != nil {
		return s.deferTransient(ctx, job, fmt.Errorf("load campaign: %w", err))
	}
	if campaign == nil || campaign.IsTerminal() {
		atomic.AddInt64(&s.totalSkipped, 1)
		return s.store.MarkJobSkipped(ctx, job.ID, "campaign-terminal")
	}
	if campaign.Status == domain.CampaignPaused {
		// Paused campaigns hold their queue. The wait is not a failure,
		// so the attempt is refunded.
		return s.store.DeferJob(ctx, job.ID, now.Add(pausedRecheck), true)
	}

	// Suppression check at send time, not schedule time.
	contact, err := s.store.GetContact(ctx, job.ContactID)
	if err != nil {
		return s.deferTransient(ctx, job, fmt.Errorf("load contact: %w", err))
	}
	if contact == nil || !contact.Sendable() {
		atomic.AddInt64(&s.totalSkipped, 1)
		reason := "recipient-missing"
		if contact != nil {
			reason = "recipient-" + string(contact.Status)
		}
		return s.store.MarkJobSkipped(ctx, job.ID, reason)
	}

	// Per-API-key logical rate limit, durable deferral when exhausted.
	if s.limiter != nil {
		key, err := s.store.GetAPIKey(ctx, campaign.APIKeyID)
		if err != nil {
			return s.deferTransient(ctx, job, fmt.Errorf("load api key: %w", err))
		}
		if key != nil {
			limits := ratelimit.Limits{
				PerMinute: key.RequestsPerMinute,
				PerDay:    key.RequestsPerDay,
				Burst:     key.Burst,
			}
			d, err := s.limiter.Allow(ctx, "key:"+key.ID.String(), limits, 1)
			if err != nil {
				s.log.Warn("rate limiter unavailable, proceeding", "error", err.Error())
			} else if !d.Allowed {
				if job.Deferrals >= s.cfg.MaxDeferrals {
					atomic.AddInt64(&s.totalFailed, 1)
					observability.SendsDeferred.Inc()
					return s.store.MarkJobFailed(ctx, job.ID, "rate-limit-exhausted")
				}
				observability.SendsDeferred.Inc()
				return s.store.DeferJob(ctx, job.ID, now.Add(d.RetryAfter), true)
			}
		}
	}

	var occ *domain.Occurrence
	if job.OccurrenceID != nil {
		occ, err = s.store.GetOccurrence(ctx, *job.OccurrenceID)
		if err != nil {
			return s.deferTransient(ctx, job, fmt.Errorf("load occurrence: %w", err))
		}
	}

	tracker := &domain.Tracker{
		CampaignID:   campaign.ID,
		OccurrenceID: job.OccurrenceID,
		ContactID:    contact.ID,
		Email:        contact.Email,
	}
	if err := s.store.CreateTracker(ctx, tracker); err != nil {
		return s.deferTransient(ctx, job, fmt.Errorf("create tracker: %w", err))
	}

	msg, err := s.buildMessage(campaign, contact, occ, tracker)
	if err != nil {
		// Template errors are permanent for the whole unit; retrying
		// cannot fix the content.
		atomic.AddInt64(&s.totalFailed, 1)
		if err := s.store.MarkTrackerFailed(ctx, tracker.ID); err != nil {
			s.log.Warn("mark tracker failed", "tracker_id", tracker.ID.String(), "error", err.Error())
		}
		return s.store.MarkJobFailed(ctx, job.ID, "render: "+err.Error())
	}

	if err := s.throughput.Wait(ctx); err != nil {
		return s.store.DeferJob(ctx, job.ID, now, true)
	}

	outcome, sendErr := s.transport.Send(ctx, msg)
	observability.SendAttempts.WithLabelValues(outcome.String()).Inc()

	switch outcome {
	case domain.SendAccepted:
		atomic.AddInt64(&s.totalSent, 1)
		sentAt := s.now().UTC()
		if err := s.store.MarkTrackerSent(ctx, tracker.ID, sentAt); err != nil {
			return fmt.Errorf("mark tracker sent: %w", err)
		}
		if err := s.store.MarkJobSent(ctx, job.ID, tracker.ID); err != nil {
			return fmt.Errorf("mark job sent: %w", err)
		}
		if err := s.store.IncrementCampaignStat(ctx, campaign.ID, "sent_count", 1); err != nil {
			s.log.Warn("bump sent_count failed", "campaign_id", campaign.ID.String(), "error", err.Error())
		}
		s.checkCompletion(ctx, campaign, job.OccurrenceID)
		return nil

	case domain.SendRejected:
		atomic.AddInt64(&s.totalFailed, 1)
		reason := "rejected"
		if sendErr != nil {
			reason = "rejected: " + sendErr.Error()
		}
		if err := s.store.MarkTrackerFailed(ctx, tracker.ID); err != nil {
			s.log.Warn("mark tracker failed", "tracker_id", tracker.ID.String(), "error", err.Error())
		}
		if err := s.store.MarkJobFailed(ctx, job.ID, reason); err != nil {
			return err
		}
		s.checkCompletion(ctx, campaign, job.OccurrenceID)
		return nil

	default: // SendTransient
		return s.deferTransient(ctx, job, sendErr)
	}
}

// deferTransient schedules a retry on the durable backoff schedule, or
// fails the job once the attempt budget is spent.
func (s *Sender) deferTransient(ctx context.Context, job *domain.SendJob, cause error) error {
	if job.Attempts >= s.cfg.MaxAttempts {
		atomic.AddInt64(&s.totalFailed, 1)
		reason := "attempts-exhausted"
		if cause != nil {
			reason = fmt.Sprintf("attempts-exhausted: %v", cause)
		}
		return s.store.MarkJobFailed(ctx, job.ID, reason)
	}
	delay := backoff.Jittered(backoff.Delay(job.Attempts-1, sendBaseDelay, sendMaxDelay))
	return s.store.DeferJob(ctx, job.ID, s.now().UTC().Add(delay), false)
}

// checkCompletion transitions a one-shot campaign to completed once its
// every queue row is terminal. Recurring occurrences need no transition;
// their campaign stays scheduled for the next occurrence.
func (s *Sender) checkCompletion(ctx context.Context, campaign *domain.Campaign, occurrenceID *uuid.UUID) {
	if occurrenceID != nil {
		return
	}
	p, err := s.store.GetUnitProgress(ctx, campaign.ID, nil)
	if err != nil {
		s.log.Warn("progress check failed", "campaign_id", campaign.ID.String(), "error", err.Error())
		return
	}
	if !p.Done() {
		return
	}
	ok, err := s.store.TransitionCampaign(ctx, campaign.ID,
		[]domain.CampaignStatus{domain.CampaignSending}, domain.CampaignCompleted)
	if err != nil {
		s.log.Warn("complete transition failed", "campaign_id", campaign.ID.String(), "error", err.Error())
		return
	}
	if ok {
		log.Printf("[Sender] Campaign %s completed (sent=%d failed=%d skipped=%d)",
			campaign.ID, p.Sent, p.Failed, p.Skipped)
	}
}

// buildMessage renders content for one recipient and injects tracking.
func (s *Sender) buildMessage(c *domain.Campaign, contact *domain.Contact, occ *domain.Occurrence, tracker *domain.Tracker) (*domain.OutboundMessage, error) {
	bindings := Bindings(c, contact, occ, s.now().UTC())

	subject, err := s.renderer.Render(c.Subject, bindings)
	if err != nil {
		return nil, fmt.Errorf("subject: %w", err)
	}
	html, err := s.renderer.Render(c.HTMLContent, bindings)
	if err != nil {
		return nil, fmt.Errorf("html body: %w", err)
	}
	text, err := s.renderer.Render(c.TextContent, bindings)
	if err != nil {
		return nil, fmt.Errorf("text body: %w", err)
	}

	headers := map[string]string{}
	if s.urls != nil {
		html = s.urls.InjectTracking(html, tracker.ID)
		unsub := s.urls.UnsubscribeURL(tracker.ID)
		headers["List-Unsubscribe"] = "<" + unsub + ">"
		headers["List-Unsubscribe-Post"] = "List-Unsubscribe=One-Click"
	}

	return &domain.OutboundMessage{
		ID:          tracker.ID.String(),
		CampaignID:  c.ID.String(),
		To:          contact.Email,
		FromName:    c.FromName,
		FromEmail:   c.FromEmail,
		ReplyTo:     c.ReplyTo,
		Subject:     subject,
		HTMLContent: html,
		TextContent: text,
		Headers:     headers,
	}, nil
}
