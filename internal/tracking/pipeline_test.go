package tracking

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/mailpulse/internal/domain"
	"github.com/ignite/mailpulse/internal/ratelimit"
)

const chromeUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 Chrome/120.0"

type fakePipelineStore struct {
	trackers map[uuid.UUID]*domain.Tracker

	recent    bool
	txDup     bool // duplicate surfaces only inside RecordEngagement
	botEvents []*domain.EngagementEvent
	recorded  []*domain.EngagementEvent
	touched   int
}

func newFakePipelineStore() *fakePipelineStore {
	return &fakePipelineStore{trackers: map[uuid.UUID]*domain.Tracker{}}
}

func (f *fakePipelineStore) GetTracker(_ context.Context, id uuid.UUID) (*domain.Tracker, error) {
	return f.trackers[id], nil
}

func (f *fakePipelineStore) HasRecentEvent(_ context.Context, _ uuid.UUID, _ domain.EventKind, _, _ string, _ time.Time) (bool, error) {
	return f.recent, nil
}

func (f *fakePipelineStore) InsertEngagementEvent(_ context.Context, ev *domain.EngagementEvent) error {
	f.botEvents = append(f.botEvents, ev)
	return nil
}

func (f *fakePipelineStore) TouchTracker(_ context.Context, _ uuid.UUID) error {
	f.touched++
	return nil
}

func (f *fakePipelineStore) RecordEngagement(_ context.Context, ev *domain.EngagementEvent, _ time.Time) (bool, error) {
	if f.txDup {
		f.touched++
		return false, nil
	}
	f.recorded = append(f.recorded, ev)
	return true, nil
}

type stubLimiter struct {
	allowed bool
	err     error
	calls   int
}

func (l *stubLimiter) Allow(_ context.Context, _ string, _ ratelimit.Limits, _ int) (ratelimit.Decision, error) {
	l.calls++
	return ratelimit.Decision{Allowed: l.allowed, RetryAfter: time.Second}, l.err
}

func pipelineFixture(limiter RateLimiter) (*Pipeline, *fakePipelineStore, *domain.Tracker, string) {
	fs := newFakePipelineStore()
	codec := NewCodec("test-signing-key")

	sent := time.Now().UTC().Add(-time.Hour)
	tracker := &domain.Tracker{
		ID:         uuid.New(),
		CampaignID: uuid.New(),
		ContactID:  uuid.New(),
		Email:      "ana@example.com",
		Status:     domain.DeliverySent,
		SentAt:     &sent,
	}
	fs.trackers[tracker.ID] = tracker

	p := NewPipeline(fs, codec, limiter, ratelimit.Limits{PerMinute: 120, Burst: 30})
	return p, fs, tracker, codec.Mint(tracker.ID)
}

func TestPipeline_RecordsOpen(t *testing.T) {
	p, fs, tracker, token := pipelineFixture(nil)

	res, err := p.Ingest(context.Background(), token, domain.EventOpen, Request{
		IP: "203.0.113.9", UserAgent: chromeUA,
	})
	require.NoError(t, err)

	assert.True(t, res.Recorded)
	require.Len(t, fs.recorded, 1)
	assert.Equal(t, tracker.ID, fs.recorded[0].TrackerID)
	assert.Equal(t, domain.EventOpen, fs.recorded[0].Kind)
	assert.NotEmpty(t, fs.recorded[0].Fingerprint)
}

func TestPipeline_InvalidTokenIsBenign(t *testing.T) {
	p, fs, _, _ := pipelineFixture(nil)

	res, err := p.Ingest(context.Background(), "garbage-token", domain.EventOpen, Request{
		IP: "203.0.113.9", UserAgent: chromeUA,
	})
	require.NoError(t, err, "forged input must never surface as an error")

	assert.False(t, res.Recorded)
	assert.Equal(t, ReasonUnknownTracker, res.Reason)
	assert.Empty(t, fs.recorded)
	assert.Empty(t, fs.botEvents)
}

func TestPipeline_UnknownTrackerIgnored(t *testing.T) {
	p, fs, _, _ := pipelineFixture(nil)
	codec := NewCodec("test-signing-key")

	// Validly signed token for a tracker that does not exist.
	res, err := p.Ingest(context.Background(), codec.Mint(uuid.New()), domain.EventOpen, Request{
		IP: "203.0.113.9", UserAgent: chromeUA,
	})
	require.NoError(t, err)

	assert.False(t, res.Recorded)
	assert.Equal(t, ReasonUnknownTracker, res.Reason)
	assert.Empty(t, fs.recorded)
}

func TestPipeline_BotRecordedWithoutStateChange(t *testing.T) {
	p, fs, _, token := pipelineFixture(nil)

	res, err := p.Ingest(context.Background(), token, domain.EventOpen, Request{
		IP: "203.0.113.9", UserAgent: "curl/8.4.0",
	})
	require.NoError(t, err)

	assert.False(t, res.Recorded)
	assert.Equal(t, ReasonBot, res.Reason)
	require.Len(t, fs.botEvents, 1, "bot events are kept for audit")
	assert.True(t, fs.botEvents[0].IsBot)
	assert.Empty(t, fs.recorded, "bots never advance tracker state")
}

func TestPipeline_ImmediateOpenFlaggedAsBot(t *testing.T) {
	p, fs, tracker, token := pipelineFixture(nil)

	sent := time.Now().UTC()
	tracker.SentAt = &sent

	res, err := p.Ingest(context.Background(), token, domain.EventOpen, Request{
		IP:         "203.0.113.9",
		UserAgent:  chromeUA,
		ReceivedAt: sent.Add(200 * time.Millisecond),
	})
	require.NoError(t, err)

	assert.Equal(t, ReasonBot, res.Reason)
	require.Len(t, fs.botEvents, 1)
	assert.Equal(t, "immediate_open", fs.botEvents[0].BotReason)
}

func TestPipeline_RateLimitedHitIsDropped(t *testing.T) {
	limiter := &stubLimiter{allowed: false}
	p, fs, _, token := pipelineFixture(limiter)

	res, err := p.Ingest(context.Background(), token, domain.EventOpen, Request{
		IP: "203.0.113.9", UserAgent: chromeUA,
	})
	require.NoError(t, err)

	assert.False(t, res.Recorded)
	assert.Equal(t, ReasonRateLimited, res.Reason)
	assert.Equal(t, 1, limiter.calls)
	assert.Empty(t, fs.recorded)
}

func TestPipeline_LimiterOutageFailsOpen(t *testing.T) {
	limiter := &stubLimiter{err: errors.New("redis down")}
	p, fs, _, token := pipelineFixture(limiter)

	res, err := p.Ingest(context.Background(), token, domain.EventOpen, Request{
		IP: "203.0.113.9", UserAgent: chromeUA,
	})
	require.NoError(t, err)

	assert.True(t, res.Recorded, "limiter outage must not drop tracking")
	assert.Len(t, fs.recorded, 1)
}

func TestPipeline_DuplicateCollapsedToTouch(t *testing.T) {
	p, fs, _, token := pipelineFixture(nil)
	fs.recent = true

	res, err := p.Ingest(context.Background(), token, domain.EventOpen, Request{
		IP: "203.0.113.9", UserAgent: chromeUA,
	})
	require.NoError(t, err)

	assert.False(t, res.Recorded)
	assert.Equal(t, ReasonDuplicate, res.Reason)
	assert.Equal(t, 1, fs.touched)
	assert.Empty(t, fs.recorded)
}

func TestPipeline_ConcurrentDuplicateCollapsesInTransaction(t *testing.T) {
	p, fs, _, token := pipelineFixture(nil)
	// The pre-check misses the twin hit; the in-transaction recheck
	// under the tracker lock must still collapse it.
	fs.recent = false
	fs.txDup = true

	res, err := p.Ingest(context.Background(), token, domain.EventOpen, Request{
		IP: "203.0.113.9", UserAgent: chromeUA,
	})
	require.NoError(t, err)

	assert.False(t, res.Recorded)
	assert.Equal(t, ReasonDuplicate, res.Reason)
	assert.Empty(t, fs.recorded, "the losing twin must not commit a second event")
}

func TestPipeline_ProviderBounceSkipsUserAgentHeuristics(t *testing.T) {
	p, fs, _, token := pipelineFixture(nil)

	// Provider callbacks carry no recipient user agent; an empty UA must
	// not classify them as bots.
	res, err := p.Ingest(context.Background(), token, domain.EventBounceHard, Request{
		IP: "203.0.113.9",
	})
	require.NoError(t, err)

	assert.True(t, res.Recorded)
	require.Len(t, fs.recorded, 1)
	assert.Equal(t, domain.EventBounceHard, fs.recorded[0].Kind)
}

func TestPipeline_ClickCarriesSafeRedirect(t *testing.T) {
	p, _, _, token := pipelineFixture(nil)

	res, err := p.Ingest(context.Background(), token, domain.EventClick, Request{
		IP: "203.0.113.9", UserAgent: chromeUA,
		ClickURL: "https://example.com/offer",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/offer", res.RedirectURL)
}

func TestSafeRedirect_RejectsDangerousSchemes(t *testing.T) {
	assert.Empty(t, safeRedirect("javascript:alert(1)"))
	assert.Empty(t, safeRedirect("data:text/html,hi"))
	assert.Empty(t, safeRedirect("ftp://example.com/file"))
	assert.Empty(t, safeRedirect(""))
	assert.Equal(t, "http://example.com", safeRedirect("http://example.com"))
	assert.Equal(t, "https://example.com/a?b=c", safeRedirect("https://example.com/a?b=c"))
}
