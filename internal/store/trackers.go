package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/mailpulse/internal/domain"
)

// CreateTracker inserts a tracker for one (campaign, contact, occurrence)
// send. The partial unique indexes on that triple make retried sends
// idempotent: the second insert lands on DO NOTHING and the existing
// tracker ID is read back.
func (s *Store) CreateTracker(ctx context.Context, t *domain.Tracker) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.Status == "" {
		t.Status = domain.DeliveryQueued
	}
	t.CreatedAt = time.Now().UTC()
	t.UpdatedAt = t.CreatedAt

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO trackers (id, campaign_id, occurrence_id, contact_id, email, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT DO NOTHING
	`, t.ID, t.CampaignID, t.OccurrenceID, t.ContactID, t.Email, t.Status, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	// Lost the idempotency race; adopt the winner's ID.
	var query string
	var args []interface{}
	if t.OccurrenceID != nil {
		query = `SELECT id FROM trackers WHERE campaign_id = $1 AND contact_id = $2 AND occurrence_id = $3`
		args = []interface{}{t.CampaignID, t.ContactID, *t.OccurrenceID}
	} else {
		query = `SELECT id FROM trackers WHERE campaign_id = $1 AND contact_id = $2 AND occurrence_id IS NULL`
		args = []interface{}{t.CampaignID, t.ContactID}
	}
	return s.db.QueryRowContext(ctx, query, args...).Scan(&t.ID)
}

const trackerColumns = `id, campaign_id, occurrence_id, contact_id, email, status,
	open_count, click_count, first_open_at, first_click_at, unsubscribed,
	sent_at, created_at, updated_at`

func scanTracker(row interface{ Scan(...interface{}) error }) (*domain.Tracker, error) {
	t := &domain.Tracker{}
	err := row.Scan(&t.ID, &t.CampaignID, &t.OccurrenceID, &t.ContactID, &t.Email, &t.Status,
		&t.OpenCount, &t.ClickCount, &t.FirstOpenAt, &t.FirstClickAt, &t.Unsubscribed,
		&t.SentAt, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

// GetTracker retrieves a tracker by ID, nil if absent.
func (s *Store) GetTracker(ctx context.Context, id uuid.UUID) (*domain.Tracker, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+trackerColumns+` FROM trackers WHERE id = $1`, id)
	return scanTracker(row)
}

// MarkTrackerSent records a successful transport accept.
func (s *Store) MarkTrackerSent(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE trackers
		SET status = $2, sent_at = COALESCE(sent_at, $3), updated_at = NOW()
		WHERE id = $1
	`, id, domain.DeliverySent, at)
	return err
}

// MarkTrackerFailed records a permanent send failure.
func (s *Store) MarkTrackerFailed(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE trackers SET status = $2, updated_at = NOW() WHERE id = $1`,
		id, domain.DeliveryFailed)
	return err
}

// TouchTracker bumps updated_at without changing engagement state. Used
// when a duplicate hit arrives inside the dedup window.
func (s *Store) TouchTracker(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE trackers SET updated_at = NOW() WHERE id = $1`, id)
	return err
}
