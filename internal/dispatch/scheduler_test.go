package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/mailpulse/internal/domain"
	"github.com/ignite/mailpulse/internal/store"
)

// fakeSchedulerStore is an in-memory SchedulerStore for loop tests.
type fakeSchedulerStore struct {
	campaigns   map[uuid.UUID]*domain.Campaign
	rules       []*domain.RecurrenceRule
	contacts    []*domain.Contact
	occurrences map[string]*domain.Occurrence // rule/seq key
	jobs        []*domain.SendJob
	queueRows   map[uuid.UUID]bool // campaigns already expanded

	transitions    []string
	sendCutoffs    []time.Time
	webhookCutoffs []time.Time
}

func newFakeSchedulerStore() *fakeSchedulerStore {
	return &fakeSchedulerStore{
		campaigns:   map[uuid.UUID]*domain.Campaign{},
		occurrences: map[string]*domain.Occurrence{},
		queueRows:   map[uuid.UUID]bool{},
	}
}

func occKey(ruleID uuid.UUID, seq int) string {
	return ruleID.String() + "/" + string(rune('0'+seq))
}

func (f *fakeSchedulerStore) ListDueCampaigns(_ context.Context, now time.Time, _ int) ([]*domain.Campaign, error) {
	var out []*domain.Campaign
	for _, c := range f.campaigns {
		if c.Status == domain.CampaignScheduled && !c.Recurring &&
			c.ScheduledAt != nil && !c.ScheduledAt.After(now) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeSchedulerStore) ListSendingCampaigns(_ context.Context, _ int) ([]*domain.Campaign, error) {
	var out []*domain.Campaign
	for _, c := range f.campaigns {
		if c.Status == domain.CampaignSending {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeSchedulerStore) GetCampaign(_ context.Context, id uuid.UUID) (*domain.Campaign, error) {
	return f.campaigns[id], nil
}

func (f *fakeSchedulerStore) TransitionCampaign(_ context.Context, id uuid.UUID, from []domain.CampaignStatus, to domain.CampaignStatus) (bool, error) {
	c := f.campaigns[id]
	if c == nil {
		return false, nil
	}
	for _, st := range from {
		if c.Status == st {
			c.Status = to
			f.transitions = append(f.transitions, string(st)+"->"+string(to))
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeSchedulerStore) SetCampaignTotals(_ context.Context, id uuid.UUID, total int) error {
	if c := f.campaigns[id]; c != nil {
		c.TotalRecipients = total
	}
	return nil
}

func (f *fakeSchedulerStore) ListActiveRules(_ context.Context, _ int) ([]*domain.RecurrenceRule, error) {
	var out []*domain.RecurrenceRule
	for _, r := range f.rules {
		if c := f.campaigns[r.CampaignID]; c != nil && c.Status == domain.CampaignScheduled {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeSchedulerStore) InsertOccurrence(_ context.Context, o *domain.Occurrence) error {
	k := occKey(o.RuleID, o.Sequence)
	if _, exists := f.occurrences[k]; !exists {
		cp := *o
		f.occurrences[k] = &cp
	}
	return nil
}

func (f *fakeSchedulerStore) ClaimOccurrence(_ context.Context, ruleID uuid.UUID, seq int) (*domain.Occurrence, bool, error) {
	o := f.occurrences[occKey(ruleID, seq)]
	if o == nil || o.Status != domain.OccurrencePending {
		return nil, false, nil
	}
	o.Status = domain.OccurrenceDispatched
	return o, true, nil
}

func (f *fakeSchedulerStore) MarkOccurrence(_ context.Context, ruleID uuid.UUID, seq int, status domain.OccurrenceStatus) (bool, error) {
	o := f.occurrences[occKey(ruleID, seq)]
	if o == nil || o.Status != domain.OccurrencePending {
		return false, nil
	}
	o.Status = status
	return true, nil
}

func (f *fakeSchedulerStore) AdvanceRuleCursor(_ context.Context, ruleID uuid.UUID, seq int) error {
	for _, r := range f.rules {
		if r.ID == ruleID && seq > r.LastSequence {
			r.LastSequence = seq
		}
	}
	return nil
}

func (f *fakeSchedulerStore) ListSendableContacts(_ context.Context, _ uuid.UUID, _ *uuid.UUID) ([]*domain.Contact, error) {
	var out []*domain.Contact
	for _, c := range f.contacts {
		if c.Sendable() {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeSchedulerStore) EnqueueSendJobs(_ context.Context, jobs []*domain.SendJob) error {
	f.jobs = append(f.jobs, jobs...)
	if len(jobs) > 0 {
		f.queueRows[jobs[0].CampaignID] = true
	}
	return nil
}

func (f *fakeSchedulerStore) HasQueueRows(_ context.Context, campaignID uuid.UUID, _ *uuid.UUID) (bool, error) {
	return f.queueRows[campaignID], nil
}

func (f *fakeSchedulerStore) ReleaseStaleClaims(_ context.Context, cutoff time.Time) (int64, error) {
	f.sendCutoffs = append(f.sendCutoffs, cutoff)
	return 0, nil
}

func (f *fakeSchedulerStore) ReleaseStaleWebhookClaims(_ context.Context, cutoff time.Time) (int64, error) {
	f.webhookCutoffs = append(f.webhookCutoffs, cutoff)
	return 0, nil
}

var _ SchedulerStore = (*fakeSchedulerStore)(nil)
var _ SchedulerStore = (*store.Store)(nil)

func testScheduler(fs *fakeSchedulerStore, now time.Time) *Scheduler {
	s := &Scheduler{
		store:        fs,
		pollInterval: DefaultPollInterval,
		now:          func() time.Time { return now },
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

func TestScheduler_DispatchesDueOneShot(t *testing.T) {
	now := time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)
	due := now.Add(-time.Minute)

	fs := newFakeSchedulerStore()
	campaign := &domain.Campaign{
		ID:          uuid.New(),
		APIKeyID:    uuid.New(),
		Status:      domain.CampaignScheduled,
		ScheduledAt: &due,
	}
	fs.campaigns[campaign.ID] = campaign
	fs.contacts = []*domain.Contact{
		{ID: uuid.New(), Email: "a@example.com", Status: domain.ContactActive},
		{ID: uuid.New(), Email: "gone@example.com", Status: domain.ContactUnsubscribed},
		{ID: uuid.New(), Email: "b@example.com", Status: domain.ContactActive},
	}

	testScheduler(fs, now).dispatchDueCampaigns()

	assert.Equal(t, domain.CampaignSending, campaign.Status)
	require.Len(t, fs.jobs, 2, "unsubscribed contacts must not get queue rows")
	assert.Equal(t, 2, campaign.TotalRecipients)
	for _, j := range fs.jobs {
		assert.Nil(t, j.OccurrenceID)
		assert.Equal(t, campaign.ID, j.CampaignID)
	}
}

func TestScheduler_FutureCampaignUntouched(t *testing.T) {
	now := time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)
	later := now.Add(time.Hour)

	fs := newFakeSchedulerStore()
	campaign := &domain.Campaign{
		ID:          uuid.New(),
		Status:      domain.CampaignScheduled,
		ScheduledAt: &later,
	}
	fs.campaigns[campaign.ID] = campaign

	testScheduler(fs, now).dispatchDueCampaigns()

	assert.Equal(t, domain.CampaignScheduled, campaign.Status)
	assert.Empty(t, fs.jobs)
}

func TestScheduler_RecurringFiresDueOccurrence(t *testing.T) {
	now := time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)

	fs := newFakeSchedulerStore()
	campaign := &domain.Campaign{
		ID:        uuid.New(),
		APIKeyID:  uuid.New(),
		Status:    domain.CampaignScheduled,
		Recurring: true,
	}
	fs.campaigns[campaign.ID] = campaign
	rule := &domain.RecurrenceRule{
		ID:         uuid.New(),
		CampaignID: campaign.ID,
		Frequency:  domain.FreqDaily,
		StartDate:  now.Add(-2 * time.Hour),
		Timezone:   "UTC",
	}
	fs.rules = []*domain.RecurrenceRule{rule}
	fs.contacts = []*domain.Contact{
		{ID: uuid.New(), Email: "a@example.com", Status: domain.ContactActive},
	}

	testScheduler(fs, now).dispatchRecurring()

	require.Len(t, fs.jobs, 1)
	require.NotNil(t, fs.jobs[0].OccurrenceID)
	assert.Equal(t, 1, rule.LastSequence)
	assert.Equal(t, domain.CampaignScheduled, campaign.Status,
		"recurring campaigns stay scheduled between occurrences")

	occ := fs.occurrences[occKey(rule.ID, 1)]
	require.NotNil(t, occ)
	assert.Equal(t, domain.OccurrenceDispatched, occ.Status)
}

func TestScheduler_StaleOccurrencesSkippedNotSent(t *testing.T) {
	now := time.Date(2025, 9, 10, 12, 0, 0, 0, time.UTC)

	fs := newFakeSchedulerStore()
	campaign := &domain.Campaign{
		ID:        uuid.New(),
		Status:    domain.CampaignScheduled,
		Recurring: true,
	}
	fs.campaigns[campaign.ID] = campaign
	// Daily rule that has been down for three days. Only the occurrence
	// inside the 24h staleness window may actually send.
	rule := &domain.RecurrenceRule{
		ID:         uuid.New(),
		CampaignID: campaign.ID,
		Frequency:  domain.FreqDaily,
		StartDate:  now.Add(-72*time.Hour - time.Minute),
		Timezone:   "UTC",
	}
	fs.rules = []*domain.RecurrenceRule{rule}
	fs.contacts = []*domain.Contact{
		{ID: uuid.New(), Email: "a@example.com", Status: domain.ContactActive},
	}

	testScheduler(fs, now).dispatchRecurring()

	var skipped, dispatched int
	for _, o := range fs.occurrences {
		switch o.Status {
		case domain.OccurrenceSkipped:
			skipped++
		case domain.OccurrenceDispatched:
			dispatched++
		}
	}
	assert.Equal(t, 3, skipped)
	assert.Equal(t, 1, dispatched)
	assert.Len(t, fs.jobs, 1, "exactly one occurrence worth of mail after downtime")
	assert.Equal(t, 4, rule.LastSequence)
}

func TestScheduler_ExhaustedRuleCompletesCampaign(t *testing.T) {
	now := time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)

	fs := newFakeSchedulerStore()
	campaign := &domain.Campaign{
		ID:        uuid.New(),
		Status:    domain.CampaignScheduled,
		Recurring: true,
	}
	fs.campaigns[campaign.ID] = campaign
	rule := &domain.RecurrenceRule{
		ID:             uuid.New(),
		CampaignID:     campaign.ID,
		Frequency:      domain.FreqDaily,
		StartDate:      now.Add(-time.Hour),
		Timezone:       "UTC",
		MaxOccurrences: 2,
		LastSequence:   2,
	}
	fs.rules = []*domain.RecurrenceRule{rule}

	testScheduler(fs, now).dispatchRecurring()

	assert.Equal(t, domain.CampaignCompleted, campaign.Status)
	assert.Empty(t, fs.jobs)
}

func TestScheduler_ReleasesStaleClaimsForBothQueues(t *testing.T) {
	now := time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)
	fs := newFakeSchedulerStore()

	testScheduler(fs, now).releaseStale()

	cutoff := now.Add(-staleClaimAge)
	require.Len(t, fs.sendCutoffs, 1)
	assert.Equal(t, cutoff, fs.sendCutoffs[0])
	require.Len(t, fs.webhookCutoffs, 1, "orphaned webhook deliveries must be requeued too")
	assert.Equal(t, cutoff, fs.webhookCutoffs[0])
}

func TestScheduler_PausedCampaignSkipsOccurrenceAtFireTime(t *testing.T) {
	now := time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)

	fs := newFakeSchedulerStore()
	campaign := &domain.Campaign{
		ID:        uuid.New(),
		APIKeyID:  uuid.New(),
		Status:    domain.CampaignPaused,
		Recurring: true,
	}
	fs.campaigns[campaign.ID] = campaign
	rule := &domain.RecurrenceRule{
		ID:         uuid.New(),
		CampaignID: campaign.ID,
		Frequency:  domain.FreqDaily,
		StartDate:  now.Add(-time.Hour),
		Timezone:   "UTC",
	}
	fs.rules = []*domain.RecurrenceRule{rule}
	fs.contacts = []*domain.Contact{
		{ID: uuid.New(), Email: "a@example.com", Status: domain.ContactActive},
	}

	// The campaign was paused between rule listing and firing.
	occ := &domain.Occurrence{
		ID:       uuid.New(),
		RuleID:   rule.ID,
		Sequence: 1,
		FireAt:   now.Add(-time.Minute),
		Status:   domain.OccurrencePending,
	}
	s := testScheduler(fs, now)
	require.NoError(t, s.fireOccurrence(rule, occ, now))

	settled := fs.occurrences[occKey(rule.ID, 1)]
	require.NotNil(t, settled)
	assert.Equal(t, domain.OccurrenceSkipped, settled.Status,
		"an occurrence that sent nothing must settle as skipped, not dispatched")
	assert.Empty(t, fs.jobs)
	assert.Equal(t, 1, rule.LastSequence)
}

func TestScheduler_ResumesInterruptedExpansion(t *testing.T) {
	now := time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)

	fs := newFakeSchedulerStore()
	// Claimed into sending before a crash, no queue rows yet.
	campaign := &domain.Campaign{
		ID:       uuid.New(),
		APIKeyID: uuid.New(),
		Status:   domain.CampaignSending,
	}
	fs.campaigns[campaign.ID] = campaign
	fs.contacts = []*domain.Contact{
		{ID: uuid.New(), Email: "a@example.com", Status: domain.ContactActive},
	}

	s := testScheduler(fs, now)
	s.resumeInterrupted()
	require.Len(t, fs.jobs, 1)

	// A second pass sees the rows and does not re-expand.
	s.resumeInterrupted()
	assert.Len(t, fs.jobs, 1)
}
