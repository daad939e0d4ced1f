package tracking

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/mailpulse/internal/domain"
	"github.com/ignite/mailpulse/internal/observability"
	"github.com/ignite/mailpulse/internal/pkg/logger"
	"github.com/ignite/mailpulse/internal/ratelimit"
)

const (
	// openDedupWindow collapses repeated pixel fetches with the same
	// fingerprint (image proxies re-fetch within seconds).
	openDedupWindow = 10 * time.Second
	// clickDedupWindow collapses link prefetch retries for the same URL.
	clickDedupWindow = 5 * time.Second
	// immediateOpenWindow flags opens that arrive implausibly soon after
	// the send itself; scanners fetch the pixel before any human could.
	immediateOpenWindow = 1 * time.Second
)

// Store is the persistence surface the pipeline needs. RecordEngagement
// must be transactional: event insert, tracker update, and webhook
// fan-out commit together or not at all. It also re-checks the dedup
// window under a tracker row lock and returns false for the loser of a
// concurrent-duplicate race.
type Store interface {
	GetTracker(ctx context.Context, id uuid.UUID) (*domain.Tracker, error)
	HasRecentEvent(ctx context.Context, trackerID uuid.UUID, kind domain.EventKind, fingerprint, clickURL string, since time.Time) (bool, error)
	InsertEngagementEvent(ctx context.Context, ev *domain.EngagementEvent) error
	TouchTracker(ctx context.Context, trackerID uuid.UUID) error
	RecordEngagement(ctx context.Context, ev *domain.EngagementEvent, dedupSince time.Time) (bool, error)
}

// RateLimiter gates tracking-hit processing per source IP.
type RateLimiter interface {
	Allow(ctx context.Context, subject string, limits ratelimit.Limits, cost int) (ratelimit.Decision, error)
}

// Request carries the untrusted attributes of one tracking hit.
type Request struct {
	IP         string
	UserAgent  string
	ClickURL   string
	Referrer   string
	ReceivedAt time.Time
}

// Result is the outcome of one Ingest call. Callers always serve a
// benign response regardless of Recorded, so validity never leaks.
type Result struct {
	Recorded    bool
	Reason      string
	RedirectURL string
}

// Ignore reasons.
const (
	ReasonUnknownTracker = "unknown-tracker"
	ReasonRateLimited    = "rate-limited"
	ReasonBot            = "bot"
	ReasonDuplicate      = "duplicate"
)

// Pipeline ingests engagement signals from the public tracking endpoints
// and from provider callbacks (bounces, complaints). It deduplicates,
// filters bot traffic, and atomically records events with their webhook
// fan-out.
type Pipeline struct {
	store    Store
	codec    *Codec
	limiter  RateLimiter
	detector *BotDetector
	ipLimits ratelimit.Limits
	log      *logger.Logger
	now      func() time.Time
}

// NewPipeline wires the ingestion pipeline. ipLimits is the tracking-hit
// subject class, distinct from API-key send limits.
func NewPipeline(store Store, codec *Codec, limiter RateLimiter, ipLimits ratelimit.Limits) *Pipeline {
	return &Pipeline{
		store:    store,
		codec:    codec,
		limiter:  limiter,
		detector: NewBotDetector(),
		ipLimits: ipLimits,
		log:      logger.With("ingest"),
		now:      time.Now,
	}
}

// Ingest processes one tracking hit. It never returns an error for
// untrusted-input conditions (those become ignored Results) and only
// surfaces storage failures.
func (p *Pipeline) Ingest(ctx context.Context, token string, kind domain.EventKind, req Request) (Result, error) {
	if req.ReceivedAt.IsZero() {
		req.ReceivedAt = p.now().UTC()
	}

	trackerID, err := p.codec.Resolve(token)
	if err != nil {
		observability.EventsIngested.WithLabelValues(string(kind), "invalid_token").Inc()
		return Result{Reason: ReasonUnknownTracker}, nil
	}

	// Per-IP limit: tracking traffic must never block the sender, so an
	// exceeded limit silently drops the event.
	if p.limiter != nil && req.IP != "" {
		d, err := p.limiter.Allow(ctx, "ip:"+req.IP, p.ipLimits, 1)
		if err != nil {
			// Limiter outage must not take tracking down with it.
			p.log.Warn("rate limiter unavailable, allowing hit", "error", err.Error())
		} else if !d.Allowed {
			observability.EventsIngested.WithLabelValues(string(kind), "rate_limited").Inc()
			return Result{Reason: ReasonRateLimited}, nil
		}
	}

	tracker, err := p.store.GetTracker(ctx, trackerID)
	if err != nil {
		return Result{}, fmt.Errorf("load tracker: %w", err)
	}
	if tracker == nil {
		observability.EventsIngested.WithLabelValues(string(kind), "unknown_tracker").Inc()
		return Result{Reason: ReasonUnknownTracker}, nil
	}

	ev := &domain.EngagementEvent{
		ID:          uuid.New(),
		TrackerID:   tracker.ID,
		Kind:        kind,
		IPAddress:   req.IP,
		UserAgent:   req.UserAgent,
		Fingerprint: domain.Fingerprint(req.IP, req.UserAgent),
		URL:         req.ClickURL,
		Referrer:    req.Referrer,
		OccurredAt:  req.ReceivedAt,
	}

	if isBot, reason := p.classify(kind, tracker, req); isBot {
		// Retained for audit, but bots never advance tracker state or
		// trigger webhook fan-out.
		ev.IsBot = true
		ev.BotReason = reason
		if err := p.store.InsertEngagementEvent(ctx, ev); err != nil {
			return Result{}, fmt.Errorf("record bot event: %w", err)
		}
		observability.EventsIngested.WithLabelValues(string(kind), "bot").Inc()
		return Result{Reason: ReasonBot, RedirectURL: safeRedirect(req.ClickURL)}, nil
	}

	window := openDedupWindow
	if kind == domain.EventClick {
		window = clickDedupWindow
	}
	since := req.ReceivedAt.Add(-window)

	// Fast path: a duplicate caught here skips the transaction entirely.
	dup, err := p.store.HasRecentEvent(ctx, tracker.ID, kind, ev.Fingerprint, req.ClickURL, since)
	if err != nil {
		return Result{}, fmt.Errorf("dedup check: %w", err)
	}
	if dup {
		if err := p.store.TouchTracker(ctx, tracker.ID); err != nil {
			p.log.Warn("touch tracker failed", "tracker_id", tracker.ID.String(), "error", err.Error())
		}
		observability.EventsIngested.WithLabelValues(string(kind), "duplicate").Inc()
		return Result{Reason: ReasonDuplicate, RedirectURL: safeRedirect(req.ClickURL)}, nil
	}

	recorded, err := p.store.RecordEngagement(ctx, ev, since)
	if err != nil {
		return Result{}, fmt.Errorf("record engagement: %w", err)
	}
	if !recorded {
		// A concurrent identical hit won the in-transaction dedup race.
		observability.EventsIngested.WithLabelValues(string(kind), "duplicate").Inc()
		return Result{Reason: ReasonDuplicate, RedirectURL: safeRedirect(req.ClickURL)}, nil
	}

	observability.EventsIngested.WithLabelValues(string(kind), "recorded").Inc()
	p.log.Info("engagement recorded",
		"tracker_id", tracker.ID.String(),
		"kind", string(kind),
		"ip", req.IP,
	)
	return Result{Recorded: true, RedirectURL: safeRedirect(req.ClickURL)}, nil
}

// classify applies the bot heuristics. Bounce and complaint signals come
// from provider callbacks, not recipient clients, so user-agent rules do
// not apply to them.
func (p *Pipeline) classify(kind domain.EventKind, tracker *domain.Tracker, req Request) (bool, string) {
	switch kind {
	case domain.EventBounceHard, domain.EventBounceSoft, domain.EventComplaint:
		return false, ""
	}

	if isBot, reason := p.detector.Detect(req.UserAgent); isBot {
		return true, reason
	}

	if kind == domain.EventOpen && tracker.SentAt != nil &&
		req.ReceivedAt.Sub(*tracker.SentAt) < immediateOpenWindow {
		return true, "immediate_open"
	}

	return false, ""
}

// safeRedirect returns the click URL if it is an absolute http(s) URL,
// otherwise empty so the handler can fall back. The redirect must never
// become an open relay for javascript: or data: schemes.
func safeRedirect(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	return raw
}
