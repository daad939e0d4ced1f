package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ignite/mailpulse/internal/domain"
)

// CreateCampaign inserts a new campaign in draft status.
func (s *Store) CreateCampaign(ctx context.Context, c *domain.Campaign) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.Status == "" {
		c.Status = domain.CampaignDraft
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	c.CreatedAt = time.Now().UTC()
	c.UpdatedAt = c.CreatedAt

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO campaigns (id, api_key_id, list_id, name, subject, from_name, from_email,
			reply_to, html_content, text_content, status, scheduled_at, timezone, recurring,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, c.ID, c.APIKeyID, c.ListID, c.Name, c.Subject, c.FromName, c.FromEmail,
		c.ReplyTo, c.HTMLContent, c.TextContent, c.Status, c.ScheduledAt, c.Timezone,
		c.Recurring, c.CreatedAt, c.UpdatedAt)
	return err
}

const campaignColumns = `id, api_key_id, list_id, name, subject, from_name, from_email,
	reply_to, html_content, text_content, status, scheduled_at, timezone, recurring,
	total_recipients, sent_count, open_count, click_count, bounce_count, unsubscribe_count,
	started_at, completed_at, created_at, updated_at`

func scanCampaign(row interface{ Scan(...interface{}) error }) (*domain.Campaign, error) {
	c := &domain.Campaign{}
	err := row.Scan(
		&c.ID, &c.APIKeyID, &c.ListID, &c.Name, &c.Subject, &c.FromName, &c.FromEmail,
		&c.ReplyTo, &c.HTMLContent, &c.TextContent, &c.Status, &c.ScheduledAt, &c.Timezone,
		&c.Recurring, &c.TotalRecipients, &c.SentCount, &c.OpenCount, &c.ClickCount,
		&c.BounceCount, &c.UnsubscribeCount, &c.StartedAt, &c.CompletedAt,
		&c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

// GetCampaign retrieves a campaign by ID, nil if absent.
func (s *Store) GetCampaign(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id)
	return scanCampaign(row)
}

// ListDueCampaigns returns one-shot scheduled campaigns whose time has
// arrived, oldest first.
func (s *Store) ListDueCampaigns(ctx context.Context, now time.Time, limit int) ([]*domain.Campaign, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+campaignColumns+`
		FROM campaigns
		WHERE status = $1 AND recurring = false
		  AND scheduled_at IS NOT NULL AND scheduled_at <= $2
		ORDER BY scheduled_at ASC
		LIMIT $3
	`, domain.CampaignScheduled, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// TransitionCampaign is the compare-and-swap status update: it succeeds
// only when the campaign currently holds one of the expected statuses.
// The losing party of a claim race gets ok=false, which is a no-op for
// it, not an error.
func (s *Store) TransitionCampaign(ctx context.Context, id uuid.UUID, from []domain.CampaignStatus, to domain.CampaignStatus) (bool, error) {
	current := make([]string, len(from))
	for i, st := range from {
		current[i] = string(st)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE campaigns
		SET status = $2,
			started_at = CASE WHEN $2 = 'sending' THEN NOW() ELSE started_at END,
			completed_at = CASE WHEN $2 IN ('completed', 'cancelled') THEN NOW() ELSE completed_at END,
			updated_at = NOW()
		WHERE id = $1 AND status = ANY($3)
	`, id, to, pq.Array(current))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// SetCampaignSchedule updates a campaign's send time.
func (s *Store) SetCampaignSchedule(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE campaigns SET scheduled_at = $2, updated_at = NOW() WHERE id = $1`,
		id, at)
	return err
}

// SetCampaignTotals records the expanded recipient count for a dispatch unit.
func (s *Store) SetCampaignTotals(ctx context.Context, id uuid.UUID, total int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE campaigns SET total_recipients = $2, updated_at = NOW() WHERE id = $1`,
		id, total)
	return err
}

// IncrementCampaignStat bumps one of the campaign counters.
func (s *Store) IncrementCampaignStat(ctx context.Context, id uuid.UUID, column string, delta int) error {
	return incrementCampaignStat(ctx, s.db, id, column, delta)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func incrementCampaignStat(ctx context.Context, db execer, id uuid.UUID, column string, delta int) error {
	// column comes from a closed internal set, never from user input.
	switch column {
	case "sent_count", "open_count", "click_count", "bounce_count", "unsubscribe_count":
	default:
		return nil
	}
	_, err := db.ExecContext(ctx,
		`UPDATE campaigns SET `+column+` = `+column+` + $2, updated_at = NOW() WHERE id = $1`,
		id, delta)
	return err
}
