package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/mailpulse/internal/domain"
	"github.com/ignite/mailpulse/internal/store"
)

type fakeWebhookStore struct {
	endpoints map[uuid.UUID]*domain.WebhookEndpoint

	delivered map[uuid.UUID]time.Time
	retries   map[uuid.UUID]retryMark
	dead      map[uuid.UUID]string
}

type retryMark struct {
	nextAttempt time.Time
	lastError   string
}

func newFakeWebhookStore() *fakeWebhookStore {
	return &fakeWebhookStore{
		endpoints: map[uuid.UUID]*domain.WebhookEndpoint{},
		delivered: map[uuid.UUID]time.Time{},
		retries:   map[uuid.UUID]retryMark{},
		dead:      map[uuid.UUID]string{},
	}
}

func (f *fakeWebhookStore) ClaimDueWebhookJobs(context.Context, time.Time, int) ([]*domain.WebhookJob, error) {
	return nil, nil
}

func (f *fakeWebhookStore) GetWebhookEndpoint(_ context.Context, id uuid.UUID) (*domain.WebhookEndpoint, error) {
	return f.endpoints[id], nil
}

func (f *fakeWebhookStore) MarkWebhookDelivered(_ context.Context, id uuid.UUID, at time.Time) error {
	f.delivered[id] = at
	return nil
}

func (f *fakeWebhookStore) MarkWebhookRetry(_ context.Context, id uuid.UUID, next time.Time, lastErr string) error {
	f.retries[id] = retryMark{nextAttempt: next, lastError: lastErr}
	return nil
}

func (f *fakeWebhookStore) MarkWebhookDead(_ context.Context, id uuid.UUID, lastErr string) error {
	f.dead[id] = lastErr
	return nil
}

var _ Store = (*fakeWebhookStore)(nil)
var _ Store = (*store.Store)(nil)

func testDeliverer(fs *fakeWebhookStore) *Deliverer {
	d := NewDeliverer(fs, nil, DefaultConfig())
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d
}

func testJob(endpointID uuid.UUID, attempts int) *domain.WebhookJob {
	payload, _ := json.Marshal(domain.WebhookPayload{
		EventType:  "email.opened",
		CampaignID: uuid.New().String(),
		TrackerID:  uuid.New().String(),
		Recipient:  "ana@example.com",
		Timestamp:  time.Now().UTC(),
	})
	eventID := uuid.New()
	return &domain.WebhookJob{
		ID:         uuid.New(),
		EndpointID: endpointID,
		EventID:    &eventID,
		EventType:  "email.opened",
		Payload:    payload,
		Status:     domain.WebhookDelivering,
		Attempts:   attempts,
	}
}

func TestSign_MatchesVerify(t *testing.T) {
	body := []byte(`{"event_type":"email.opened"}`)
	sig := Sign("whsec_topsecret", body)

	assert.True(t, len(sig) > len("sha256=") && sig[:7] == "sha256=")
	assert.True(t, VerifySignature("whsec_topsecret", body, sig))
	assert.False(t, VerifySignature("wrong_secret", body, sig))
	assert.False(t, VerifySignature("whsec_topsecret", []byte(`{}`), sig))
}

func TestDeliverer_DeliversSignedPayload(t *testing.T) {
	var gotBody []byte
	var gotHeader http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotHeader = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	fs := newFakeWebhookStore()
	ep := &domain.WebhookEndpoint{ID: uuid.New(), URL: srv.URL, Secret: "whsec_x", Active: true}
	fs.endpoints[ep.ID] = ep
	job := testJob(ep.ID, 1)

	testDeliverer(fs).attempt(job)

	_, delivered := fs.delivered[job.ID]
	require.True(t, delivered)
	assert.Empty(t, fs.retries)
	assert.Empty(t, fs.dead)

	assert.Equal(t, "email.opened", gotHeader.Get("X-MailPulse-Event"))
	assert.Equal(t, job.ID.String(), gotHeader.Get("X-MailPulse-Delivery-Id"))
	assert.Equal(t, "application/json", gotHeader.Get("Content-Type"))
	assert.True(t, VerifySignature("whsec_x", gotBody, gotHeader.Get("X-MailPulse-Signature")),
		"signature must verify against the exact delivered body")
}

func TestDeliverer_Non2xxSchedulesRetry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	fs := newFakeWebhookStore()
	ep := &domain.WebhookEndpoint{ID: uuid.New(), URL: srv.URL, Secret: "s", Active: true}
	fs.endpoints[ep.ID] = ep
	job := testJob(ep.ID, 1)

	d := testDeliverer(fs)
	before := d.now().UTC()
	d.attempt(job)

	mark, ok := fs.retries[job.ID]
	require.True(t, ok)
	assert.Contains(t, mark.lastError, "500")
	// First retry waits at least the base delay, jitter adds at most 25%.
	wait := mark.nextAttempt.Sub(before)
	assert.GreaterOrEqual(t, wait, d.cfg.BaseDelay)
	assert.LessOrEqual(t, wait, d.cfg.BaseDelay+d.cfg.BaseDelay/4+time.Second)
	assert.Empty(t, fs.delivered)
	assert.Empty(t, fs.dead)
}

func TestDeliverer_DeadAtAttemptLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	fs := newFakeWebhookStore()
	ep := &domain.WebhookEndpoint{ID: uuid.New(), URL: srv.URL, Secret: "s", Active: true}
	fs.endpoints[ep.ID] = ep

	d := testDeliverer(fs)
	job := testJob(ep.ID, d.cfg.MaxAttempts)
	d.attempt(job)

	require.Contains(t, fs.dead, job.ID)
	assert.Empty(t, fs.retries, "the final attempt must dead-letter, not retry")
}

func TestDeliverer_InactiveEndpointDeadLetters(t *testing.T) {
	fs := newFakeWebhookStore()
	ep := &domain.WebhookEndpoint{ID: uuid.New(), URL: "https://unused.example.com", Secret: "s", Active: false}
	fs.endpoints[ep.ID] = ep
	job := testJob(ep.ID, 1)

	testDeliverer(fs).attempt(job)

	assert.Equal(t, "endpoint inactive", fs.dead[job.ID])
}

func TestDeliverer_BreakerFailsFastAfterConsecutiveFailures(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt64(&hits, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	fs := newFakeWebhookStore()
	ep := &domain.WebhookEndpoint{ID: uuid.New(), URL: srv.URL, Secret: "s", Active: true}
	fs.endpoints[ep.ID] = ep

	d := testDeliverer(fs)
	for i := 0; i < 8; i++ {
		d.attempt(testJob(ep.ID, 1))
	}

	assert.Equal(t, int64(5), atomic.LoadInt64(&hits),
		"after five consecutive failures the breaker must stop network attempts")
	assert.Len(t, fs.retries, 8, "fail-fast attempts still ride the retry schedule")
}
