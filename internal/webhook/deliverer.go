package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/ignite/mailpulse/internal/domain"
	"github.com/ignite/mailpulse/internal/observability"
	"github.com/ignite/mailpulse/internal/pkg/backoff"
)

// Store is the persistence surface of the delivery loop.
type Store interface {
	ClaimDueWebhookJobs(ctx context.Context, now time.Time, limit int) ([]*domain.WebhookJob, error)
	GetWebhookEndpoint(ctx context.Context, id uuid.UUID) (*domain.WebhookEndpoint, error)
	MarkWebhookDelivered(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkWebhookRetry(ctx context.Context, id uuid.UUID, nextAttempt time.Time, lastError string) error
	MarkWebhookDead(ctx context.Context, id uuid.UUID, lastError string) error
}

// Config tunes the delivery loop.
type Config struct {
	NumWorkers   int
	BatchSize    int
	PollInterval time.Duration
	Timeout      time.Duration // per-request destination timeout
	MaxAttempts  int           // dead-letter threshold
	BaseDelay    time.Duration
	MaxDelay     time.Duration
}

// DefaultConfig returns the production defaults. The 30s/300s backoff
// pair gives roughly 13 minutes of retrying before dead-letter at the
// default attempt budget.
func DefaultConfig() Config {
	return Config{
		NumWorkers:   4,
		BatchSize:    25,
		PollInterval: 5 * time.Second,
		Timeout:      10 * time.Second,
		MaxAttempts:  5,
		BaseDelay:    30 * time.Second,
		MaxDelay:     5 * time.Minute,
	}
}

// Deliverer drains the webhook outbox. Per-destination circuit breakers
// stop hammering endpoints that are clearly down; the durable backoff
// schedule handles the per-job pacing.
type Deliverer struct {
	store  Store
	client *http.Client
	cfg    Config
	now    func() time.Time

	breakerMu sync.Mutex
	breakers  map[uuid.UUID]*gobreaker.CircuitBreaker

	// Stats
	totalDelivered int64
	totalDead      int64

	// Control
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex
	running bool
}

// NewDeliverer creates the delivery loop. client may be nil.
func NewDeliverer(st Store, client *http.Client, cfg Config) *Deliverer {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 4
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 30 * time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 5 * time.Minute
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Deliverer{
		store:    st,
		client:   client,
		cfg:      cfg,
		now:      time.Now,
		breakers: map[uuid.UUID]*gobreaker.CircuitBreaker{},
	}
}

// Start launches the delivery workers.
func (d *Deliverer) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("deliverer already running")
	}
	d.running = true
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.mu.Unlock()

	log.Printf("[WebhookDeliverer] Starting %d workers (batch_size=%d, max_attempts=%d)",
		d.cfg.NumWorkers, d.cfg.BatchSize, d.cfg.MaxAttempts)
	for i := 0; i < d.cfg.NumWorkers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return nil
}

// Stop drains the workers.
func (d *Deliverer) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.cancel()
	d.mu.Unlock()

	d.wg.Wait()
	log.Printf("[WebhookDeliverer] Stopped. Delivered: %d, dead: %d",
		atomic.LoadInt64(&d.totalDelivered),
		atomic.LoadInt64(&d.totalDead))
}

func (d *Deliverer) worker() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		default:
		}

		jobs, err := d.store.ClaimDueWebhookJobs(d.ctx, d.now().UTC(), d.cfg.BatchSize)
		if err != nil {
			if d.ctx.Err() == nil {
				log.Printf("[WebhookDeliverer] Claim batch: %v", err)
			}
			d.sleep(d.cfg.PollInterval)
			continue
		}
		if len(jobs) == 0 {
			d.sleep(d.cfg.PollInterval)
			continue
		}

		for _, job := range jobs {
			if d.ctx.Err() != nil {
				// Release for the next run instead of leaving it stuck
				// in delivering.
				d.store.MarkWebhookRetry(context.Background(), job.ID, d.now().UTC(), "shutdown")
				continue
			}
			d.attempt(job)
		}
	}
}

func (d *Deliverer) sleep(dur time.Duration) {
	select {
	case <-d.ctx.Done():
	case <-time.After(dur):
	}
}

// attempt makes one delivery try for a claimed job and settles its row.
func (d *Deliverer) attempt(job *domain.WebhookJob) {
	ctx := d.ctx

	ep, err := d.store.GetWebhookEndpoint(ctx, job.EndpointID)
	if err != nil {
		d.settleFailure(ctx, job, fmt.Sprintf("load endpoint: %v", err))
		return
	}
	if ep == nil || !ep.Active {
		// An endpoint deleted or disabled mid-flight dead-letters its
		// jobs; retrying cannot succeed.
		atomic.AddInt64(&d.totalDead, 1)
		observability.WebhookAttempts.WithLabelValues("dead").Inc()
		d.store.MarkWebhookDead(ctx, job.ID, "endpoint inactive")
		return
	}

	start := d.now()
	_, err = d.breaker(ep.ID).Execute(func() (interface{}, error) {
		return nil, d.post(ctx, ep, job)
	})
	observability.WebhookLatency.Observe(d.now().Sub(start).Seconds())

	if err != nil {
		d.settleFailure(ctx, job, err.Error())
		return
	}

	atomic.AddInt64(&d.totalDelivered, 1)
	observability.WebhookAttempts.WithLabelValues("delivered").Inc()
	if err := d.store.MarkWebhookDelivered(ctx, job.ID, d.now().UTC()); err != nil {
		log.Printf("[WebhookDeliverer] Mark delivered %s: %v", job.ID, err)
	}
}

// settleFailure routes a failed attempt to retry or dead-letter.
func (d *Deliverer) settleFailure(ctx context.Context, job *domain.WebhookJob, cause string) {
	if job.Attempts >= d.cfg.MaxAttempts {
		atomic.AddInt64(&d.totalDead, 1)
		observability.WebhookAttempts.WithLabelValues("dead").Inc()
		if err := d.store.MarkWebhookDead(ctx, job.ID, cause); err != nil {
			log.Printf("[WebhookDeliverer] Mark dead %s: %v", job.ID, err)
		}
		log.Printf("[WebhookDeliverer] Job %s dead after %d attempts: %s", job.ID, job.Attempts, cause)
		return
	}

	delay := backoff.Jittered(backoff.Delay(job.Attempts-1, d.cfg.BaseDelay, d.cfg.MaxDelay))
	observability.WebhookAttempts.WithLabelValues("retry").Inc()
	if err := d.store.MarkWebhookRetry(ctx, job.ID, d.now().UTC().Add(delay), cause); err != nil {
		log.Printf("[WebhookDeliverer] Mark retry %s: %v", job.ID, err)
	}
}

// post performs the signed HTTP POST. Any non-2xx response is a failure.
func (d *Deliverer) post(ctx context.Context, ep *domain.WebhookEndpoint, job *domain.WebhookJob) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(job.Payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "mailpulse-webhooks/1.0")
	req.Header.Set("X-MailPulse-Event", job.EventType)
	req.Header.Set("X-MailPulse-Delivery-Id", job.ID.String())
	req.Header.Set("X-MailPulse-Signature", Sign(ep.Secret, job.Payload))

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("destination returned status %d", resp.StatusCode)
	}
	return nil
}

// breaker returns the per-endpoint circuit breaker, creating it lazily.
// Five consecutive failures open the circuit for a minute; while open,
// attempts fail fast and ride the normal retry schedule.
func (d *Deliverer) breaker(endpointID uuid.UUID) *gobreaker.CircuitBreaker {
	d.breakerMu.Lock()
	defer d.breakerMu.Unlock()

	if cb, ok := d.breakers[endpointID]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "webhook:" + endpointID.String(),
		MaxRequests: 1,
		Timeout:     time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	d.breakers[endpointID] = cb
	return cb
}
