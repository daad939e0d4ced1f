package dispatch

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/mailpulse/internal/domain"
	"github.com/ignite/mailpulse/internal/observability"
	"github.com/ignite/mailpulse/internal/pkg/distlock"
	"github.com/ignite/mailpulse/internal/recurrence"
	"github.com/ignite/mailpulse/internal/store"
)

const (
	// DefaultPollInterval is how often the scheduler looks for due work.
	DefaultPollInterval = 30 * time.Second
	// schedulerLockTTL must outlive one full expansion pass.
	schedulerLockTTL = 5 * time.Minute
	// maxOccurrencesPerCycle bounds catch-up after downtime so one rule
	// cannot monopolize a cycle.
	maxOccurrencesPerCycle = 5
	// staleOccurrenceAge: occurrences missed by more than this are
	// skipped instead of sent, so a long outage does not flood
	// recipients with stale recurring mail on restart.
	staleOccurrenceAge = 24 * time.Hour
	// staleClaimAge is how long a claimed queue row may sit before it is
	// assumed orphaned by a dead worker and requeued.
	staleClaimAge = 10 * time.Minute

	expansionBatchLimit = 100
)

// SchedulerStore is the persistence surface the scheduler needs.
type SchedulerStore interface {
	ListDueCampaigns(ctx context.Context, now time.Time, limit int) ([]*domain.Campaign, error)
	ListSendingCampaigns(ctx context.Context, limit int) ([]*domain.Campaign, error)
	GetCampaign(ctx context.Context, id uuid.UUID) (*domain.Campaign, error)
	TransitionCampaign(ctx context.Context, id uuid.UUID, from []domain.CampaignStatus, to domain.CampaignStatus) (bool, error)
	SetCampaignTotals(ctx context.Context, id uuid.UUID, total int) error

	ListActiveRules(ctx context.Context, limit int) ([]*domain.RecurrenceRule, error)
	InsertOccurrence(ctx context.Context, o *domain.Occurrence) error
	ClaimOccurrence(ctx context.Context, ruleID uuid.UUID, sequence int) (*domain.Occurrence, bool, error)
	MarkOccurrence(ctx context.Context, ruleID uuid.UUID, sequence int, status domain.OccurrenceStatus) (bool, error)
	AdvanceRuleCursor(ctx context.Context, ruleID uuid.UUID, sequence int) error

	ListSendableContacts(ctx context.Context, apiKeyID uuid.UUID, listID *uuid.UUID) ([]*domain.Contact, error)
	EnqueueSendJobs(ctx context.Context, jobs []*domain.SendJob) error
	HasQueueRows(ctx context.Context, campaignID uuid.UUID, occurrenceID *uuid.UUID) (bool, error)
	ReleaseStaleClaims(ctx context.Context, cutoff time.Time) (int64, error)
	ReleaseStaleWebhookClaims(ctx context.Context, cutoff time.Time) (int64, error)
}

// Scheduler is the dispatch engine's polling loop. One instance per
// process; a distributed lock keeps concurrent deployments from
// expanding the same unit twice, and the CAS claims underneath make even
// a lost lock safe.
type Scheduler struct {
	store SchedulerStore
	redis *redis.Client
	db    *sql.DB

	pollInterval time.Duration
	now          func() time.Time

	// Stats
	unitsDispatched  int64
	occurrencesFired int64

	// Control
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex
	running bool
}

// NewScheduler creates a scheduler. redisClient may be nil; the lock
// then falls back to a PostgreSQL advisory lock on db.
func NewScheduler(st *store.Store, redisClient *redis.Client) *Scheduler {
	return &Scheduler{
		store:        st,
		redis:        redisClient,
		db:           st.DB(),
		pollInterval: DefaultPollInterval,
		now:          time.Now,
	}
}

// Start begins the polling loop.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.mu.Unlock()

	log.Printf("[Scheduler] Starting (poll_interval=%s)", s.pollInterval)
	s.wg.Add(1)
	go s.loop()
	return nil
}

// Stop gracefully stops the scheduler.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	log.Printf("[Scheduler] Stopped. Units dispatched: %d, occurrences fired: %d",
		atomic.LoadInt64(&s.unitsDispatched),
		atomic.LoadInt64(&s.occurrencesFired))
}

func (s *Scheduler) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	// First pass immediately so restarts resume interrupted units without
	// waiting a full interval.
	s.runCycle()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.runCycle()
		}
	}
}

// runCycle performs one scheduling pass under the distributed lock.
func (s *Scheduler) runCycle() {
	lock := distlock.New(s.redis, s.db, "dispatch:scheduler", schedulerLockTTL)
	ok, err := lock.Acquire(s.ctx)
	if err != nil {
		log.Printf("[Scheduler] Lock error: %v", err)
		return
	}
	if !ok {
		return
	}
	defer lock.Release(s.ctx)

	s.releaseStale()
	s.resumeInterrupted()
	s.dispatchDueCampaigns()
	s.dispatchRecurring()
}

// releaseStale requeues work claimed by workers that died mid-flight,
// for both the send queue and the webhook outbox. Without this a job
// stuck in a claimed status would never reach a terminal state.
func (s *Scheduler) releaseStale() {
	cutoff := s.now().Add(-staleClaimAge)
	if n, err := s.store.ReleaseStaleClaims(s.ctx, cutoff); err != nil {
		log.Printf("[Scheduler] Release stale claims: %v", err)
	} else if n > 0 {
		log.Printf("[Scheduler] Requeued %d orphaned claims", n)
	}
	if n, err := s.store.ReleaseStaleWebhookClaims(s.ctx, cutoff); err != nil {
		log.Printf("[Scheduler] Release stale webhook claims: %v", err)
	} else if n > 0 {
		log.Printf("[Scheduler] Requeued %d orphaned webhook deliveries", n)
	}
}

// resumeInterrupted finishes expansion for campaigns that were claimed
// into sending but crashed before their queue rows landed. Campaigns
// with rows need nothing here: the send workers drain them.
func (s *Scheduler) resumeInterrupted() {
	campaigns, err := s.store.ListSendingCampaigns(s.ctx, expansionBatchLimit)
	if err != nil {
		log.Printf("[Scheduler] List sending campaigns: %v", err)
		return
	}
	for _, c := range campaigns {
		expanded, err := s.store.HasQueueRows(s.ctx, c.ID, nil)
		if err != nil {
			log.Printf("[Scheduler] Check queue rows for %s: %v", c.ID, err)
			continue
		}
		if expanded {
			continue
		}
		log.Printf("[Scheduler] Resuming interrupted expansion for campaign %s", c.ID)
		if err := s.expand(c, nil); err != nil {
			log.Printf("[Scheduler] Resume expansion for %s: %v", c.ID, err)
		}
	}
}

// dispatchDueCampaigns claims and expands one-shot campaigns whose
// scheduled time has arrived.
func (s *Scheduler) dispatchDueCampaigns() {
	due, err := s.store.ListDueCampaigns(s.ctx, s.now().UTC(), expansionBatchLimit)
	if err != nil {
		log.Printf("[Scheduler] List due campaigns: %v", err)
		return
	}

	for _, c := range due {
		ok, err := s.store.TransitionCampaign(s.ctx, c.ID,
			[]domain.CampaignStatus{domain.CampaignScheduled}, domain.CampaignSending)
		if err != nil {
			log.Printf("[Scheduler] Claim campaign %s: %v", c.ID, err)
			continue
		}
		if !ok {
			continue // another scheduler got it, or it was paused/cancelled
		}

		if err := s.expand(c, nil); err != nil {
			log.Printf("[Scheduler] Expand campaign %s: %v", c.ID, err)
			continue
		}
		atomic.AddInt64(&s.unitsDispatched, 1)
		observability.CampaignsDispatched.WithLabelValues("oneshot").Inc()
		log.Printf("[Scheduler] Dispatched campaign %s (%s)", c.ID, c.Name)
	}
}

// dispatchRecurring advances each active rule, firing due occurrences
// and skipping ones missed by more than the staleness window.
func (s *Scheduler) dispatchRecurring() {
	rules, err := s.store.ListActiveRules(s.ctx, expansionBatchLimit)
	if err != nil {
		log.Printf("[Scheduler] List active rules: %v", err)
		return
	}
	now := s.now().UTC()

	for _, rule := range rules {
		lastSeq := rule.LastSequence
		for i := 0; i < maxOccurrencesPerCycle; i++ {
			occ, err := recurrence.NextDue(rule, lastSeq, now)
			if err != nil {
				log.Printf("[Scheduler] Rule %s: %v", rule.ID, err)
				break
			}
			if occ == nil {
				// Rule exhausted: the owning campaign is complete.
				if ok, err := s.store.TransitionCampaign(s.ctx, rule.CampaignID,
					[]domain.CampaignStatus{domain.CampaignScheduled}, domain.CampaignCompleted); err != nil {
					log.Printf("[Scheduler] Complete recurring campaign %s: %v", rule.CampaignID, err)
				} else if ok {
					log.Printf("[Scheduler] Recurring campaign %s exhausted after %d occurrences",
						rule.CampaignID, lastSeq)
				}
				break
			}
			if occ.FireAt.After(now) {
				break
			}

			if err := s.fireOccurrence(rule, occ, now); err != nil {
				log.Printf("[Scheduler] Fire occurrence %s/%d: %v", rule.ID, occ.Sequence, err)
				break
			}
			lastSeq = occ.Sequence
		}
	}
}

func (s *Scheduler) fireOccurrence(rule *domain.RecurrenceRule, occ *domain.Occurrence, now time.Time) error {
	if err := s.store.InsertOccurrence(s.ctx, occ); err != nil {
		return fmt.Errorf("insert occurrence: %w", err)
	}

	if now.Sub(occ.FireAt) > staleOccurrenceAge {
		if _, err := s.store.MarkOccurrence(s.ctx, rule.ID, occ.Sequence, domain.OccurrenceSkipped); err != nil {
			return fmt.Errorf("skip stale occurrence: %w", err)
		}
		if err := s.store.AdvanceRuleCursor(s.ctx, rule.ID, occ.Sequence); err != nil {
			return fmt.Errorf("advance cursor: %w", err)
		}
		log.Printf("[Scheduler] Skipped stale occurrence %s/%d (due %s)",
			rule.ID, occ.Sequence, occ.FireAt.Format(time.RFC3339))
		return nil
	}

	campaign, err := s.store.GetCampaign(s.ctx, rule.CampaignID)
	if err != nil {
		return fmt.Errorf("load campaign: %w", err)
	}
	if campaign == nil || campaign.Status != domain.CampaignScheduled {
		// Paused or cancelled at fire time. Settle the still-pending
		// occurrence as skipped so its record says nothing was sent.
		if _, err := s.store.MarkOccurrence(s.ctx, rule.ID, occ.Sequence, domain.OccurrenceSkipped); err != nil {
			return fmt.Errorf("skip occurrence: %w", err)
		}
		log.Printf("[Scheduler] Skipped occurrence %s/%d, campaign %s not sendable",
			rule.ID, occ.Sequence, rule.CampaignID)
		return s.store.AdvanceRuleCursor(s.ctx, rule.ID, occ.Sequence)
	}

	claimed, ok, err := s.store.ClaimOccurrence(s.ctx, rule.ID, occ.Sequence)
	if err != nil {
		return fmt.Errorf("claim occurrence: %w", err)
	}
	if !ok {
		// Another scheduler dispatched it; just keep our cursor current.
		return s.store.AdvanceRuleCursor(s.ctx, rule.ID, occ.Sequence)
	}

	if err := s.expand(campaign, claimed); err != nil {
		return fmt.Errorf("expand occurrence: %w", err)
	}
	if err := s.store.AdvanceRuleCursor(s.ctx, rule.ID, occ.Sequence); err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}

	atomic.AddInt64(&s.occurrencesFired, 1)
	observability.CampaignsDispatched.WithLabelValues("recurring").Inc()
	log.Printf("[Scheduler] Fired occurrence %s/%d for campaign %s",
		rule.ID, occ.Sequence, campaign.ID)
	return nil
}

// expand materializes per-recipient queue rows for one dispatch unit.
// Idempotent: re-running after a crash fills in only the missing rows.
func (s *Scheduler) expand(c *domain.Campaign, occ *domain.Occurrence) error {
	contacts, err := s.store.ListSendableContacts(s.ctx, c.APIKeyID, c.ListID)
	if err != nil {
		return fmt.Errorf("list contacts: %w", err)
	}

	var occurrenceID *uuid.UUID
	if occ != nil {
		occurrenceID = &occ.ID
	}

	jobs := make([]*domain.SendJob, 0, len(contacts))
	for _, contact := range contacts {
		jobs = append(jobs, &domain.SendJob{
			CampaignID:   c.ID,
			OccurrenceID: occurrenceID,
			ContactID:    contact.ID,
			Email:        contact.Email,
		})
	}
	if err := s.store.EnqueueSendJobs(s.ctx, jobs); err != nil {
		return fmt.Errorf("enqueue jobs: %w", err)
	}

	if len(jobs) == 0 && occ == nil {
		// Nothing to send; a one-shot campaign with an empty audience
		// completes immediately.
		if _, err := s.store.TransitionCampaign(s.ctx, c.ID,
			[]domain.CampaignStatus{domain.CampaignSending}, domain.CampaignCompleted); err != nil {
			return err
		}
		return nil
	}

	return s.store.SetCampaignTotals(s.ctx, c.ID, len(jobs))
}
