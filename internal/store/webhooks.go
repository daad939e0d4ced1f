package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ignite/mailpulse/internal/domain"
)

// CreateWebhookEndpoint registers an integrator destination.
func (s *Store) CreateWebhookEndpoint(ctx context.Context, ep *domain.WebhookEndpoint) error {
	if ep.ID == uuid.Nil {
		ep.ID = uuid.New()
	}
	ep.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_endpoints (id, api_key_id, url, secret, event_types, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, ep.ID, ep.APIKeyID, ep.URL, ep.Secret, pq.Array(ep.EventTypes), ep.Active, ep.CreatedAt)
	return err
}

const endpointColumns = `id, api_key_id, url, secret, event_types, active, created_at`

func scanEndpoint(row interface{ Scan(...interface{}) error }) (*domain.WebhookEndpoint, error) {
	ep := &domain.WebhookEndpoint{}
	var types pq.StringArray
	err := row.Scan(&ep.ID, &ep.APIKeyID, &ep.URL, &ep.Secret, &types, &ep.Active, &ep.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	ep.EventTypes = types
	return ep, err
}

// GetWebhookEndpoint retrieves an endpoint by ID, nil if absent.
func (s *Store) GetWebhookEndpoint(ctx context.Context, id uuid.UUID) (*domain.WebhookEndpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+endpointColumns+` FROM webhook_endpoints WHERE id = $1`, id)
	return scanEndpoint(row)
}

// ListWebhookEndpoints returns an API key's endpoints, newest first.
func (s *Store) ListWebhookEndpoints(ctx context.Context, apiKeyID uuid.UUID) ([]*domain.WebhookEndpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+endpointColumns+` FROM webhook_endpoints
		WHERE api_key_id = $1
		ORDER BY created_at DESC
	`, apiKeyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.WebhookEndpoint
	for rows.Next() {
		ep, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}

// SetWebhookEndpointActive enables or disables delivery to an endpoint.
// Disabling strands its pending jobs rather than deleting them.
func (s *Store) SetWebhookEndpointActive(ctx context.Context, id uuid.UUID, active bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE webhook_endpoints SET active = $2 WHERE id = $1`, id, active)
	return err
}

// EnqueueWebhookJob inserts a delivery job outside the engagement
// transaction, used by the dispatcher for campaign lifecycle events that
// have no engagement event row.
func (s *Store) EnqueueWebhookJob(ctx context.Context, j *domain.WebhookJob) error {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	if j.Status == "" {
		j.Status = domain.WebhookPending
	}
	now := time.Now().UTC()
	if j.NextAttemptAt.IsZero() {
		j.NextAttemptAt = now
	}
	j.CreatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_jobs (id, endpoint_id, event_id, event_type, payload,
			status, attempts, next_attempt_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (event_id, endpoint_id) DO NOTHING
	`, j.ID, j.EndpointID, j.EventID, j.EventType, j.Payload, j.Status, j.Attempts,
		j.NextAttemptAt, j.CreatedAt)
	return err
}

const webhookJobColumns = `id, endpoint_id, event_id, event_type, payload, status,
	attempts, next_attempt_at, last_error, delivered_at, created_at`

func scanWebhookJob(row interface{ Scan(...interface{}) error }) (*domain.WebhookJob, error) {
	j := &domain.WebhookJob{}
	var lastErr sql.NullString
	err := row.Scan(&j.ID, &j.EndpointID, &j.EventID, &j.EventType, &j.Payload, &j.Status,
		&j.Attempts, &j.NextAttemptAt, &lastErr, &j.DeliveredAt, &j.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	j.LastError = lastErr.String
	return j, err
}

// ClaimDueWebhookJobs claims a batch of pending jobs whose attempt time
// has arrived, flipping them to delivering. SKIP LOCKED keeps concurrent
// delivery loops off each other's batches. Jobs for inactive endpoints
// are never claimed.
func (s *Store) ClaimDueWebhookJobs(ctx context.Context, now time.Time, limit int) ([]*domain.WebhookJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE webhook_jobs
		SET status = $1, attempts = attempts + 1
		WHERE id IN (
			SELECT j.id FROM webhook_jobs j
			JOIN webhook_endpoints e ON e.id = j.endpoint_id
			WHERE j.status = $2 AND j.next_attempt_at <= $3 AND e.active = true
			ORDER BY j.next_attempt_at ASC
			LIMIT $4
			FOR UPDATE OF j SKIP LOCKED
		)
		RETURNING `+webhookJobColumns,
		domain.WebhookDelivering, domain.WebhookPending, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.WebhookJob
	for rows.Next() {
		j, err := scanWebhookJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// ReleaseStaleWebhookClaims requeues jobs claimed by a deliverer that
// died before settling them. Claiming leaves next_attempt_at at its due
// time, so a delivering row older than the cutoff belongs to a dead
// worker.
func (s *Store) ReleaseStaleWebhookClaims(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE webhook_jobs
		SET status = $1
		WHERE status = $2 AND next_attempt_at <= $3
	`, domain.WebhookPending, domain.WebhookDelivering, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// MarkWebhookDelivered finalizes a delivered job. Conditional on the
// delivering status so a duplicate ack cannot resurrect a job.
func (s *Store) MarkWebhookDelivered(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE webhook_jobs
		SET status = $2, delivered_at = $3, last_error = NULL
		WHERE id = $1 AND status = $4
	`, id, domain.WebhookDelivered, at, domain.WebhookDelivering)
	return err
}

// MarkWebhookRetry returns a failed attempt to pending with its next
// attempt time and the error that caused it.
func (s *Store) MarkWebhookRetry(ctx context.Context, id uuid.UUID, nextAttempt time.Time, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE webhook_jobs
		SET status = $2, next_attempt_at = $3, last_error = $4
		WHERE id = $1 AND status = $5
	`, id, domain.WebhookPending, nextAttempt, truncateError(lastError), domain.WebhookDelivering)
	return err
}

// MarkWebhookDead parks a job that exhausted its retry budget.
func (s *Store) MarkWebhookDead(ctx context.Context, id uuid.UUID, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE webhook_jobs
		SET status = $2, last_error = $3
		WHERE id = $1 AND status = $4
	`, id, domain.WebhookDead, truncateError(lastError), domain.WebhookDelivering)
	return err
}

// ListDeadWebhookJobs returns parked jobs for operator inspection.
func (s *Store) ListDeadWebhookJobs(ctx context.Context, limit int) ([]*domain.WebhookJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+webhookJobColumns+` FROM webhook_jobs
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2
	`, domain.WebhookDead, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.WebhookJob
	for rows.Next() {
		j, err := scanWebhookJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// RetryDeadWebhookJob resets a parked job for a fresh delivery cycle.
func (s *Store) RetryDeadWebhookJob(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE webhook_jobs
		SET status = $2, attempts = 0, next_attempt_at = NOW(), last_error = NULL
		WHERE id = $1 AND status = $3
	`, id, domain.WebhookPending, domain.WebhookDead)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// truncateError keeps stored delivery errors to a sane column size.
func truncateError(s string) string {
	const max = 500
	if len(s) > max {
		return s[:max]
	}
	return s
}
