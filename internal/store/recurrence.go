package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ignite/mailpulse/internal/domain"
)

// CreateRecurrenceRule inserts the rule owned by a recurring campaign.
func (s *Store) CreateRecurrenceRule(ctx context.Context, r *domain.RecurrenceRule) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.Timezone == "" {
		r.Timezone = "UTC"
	}
	r.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO recurrence_rules (id, campaign_id, frequency, custom_interval_days,
			start_date, end_date, max_occurrences, timezone, send_time, send_weekdays,
			skip_weekends, last_sequence, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, r.ID, r.CampaignID, r.Frequency, r.CustomIntervalDays, r.StartDate, r.EndDate,
		r.MaxOccurrences, r.Timezone, r.SendTime, pq.Array(r.SendWeekdays),
		r.SkipWeekends, r.LastSequence, r.CreatedAt)
	return err
}

const ruleColumns = `id, campaign_id, frequency, custom_interval_days, start_date, end_date,
	max_occurrences, timezone, send_time, send_weekdays, skip_weekends, last_sequence, created_at`

func scanRule(row interface{ Scan(...interface{}) error }) (*domain.RecurrenceRule, error) {
	r := &domain.RecurrenceRule{}
	var weekdays pq.StringArray
	err := row.Scan(&r.ID, &r.CampaignID, &r.Frequency, &r.CustomIntervalDays,
		&r.StartDate, &r.EndDate, &r.MaxOccurrences, &r.Timezone, &r.SendTime,
		&weekdays, &r.SkipWeekends, &r.LastSequence, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	r.SendWeekdays = weekdays
	return r, err
}

// GetRecurrenceRule retrieves the rule for a campaign, nil if absent.
func (s *Store) GetRecurrenceRule(ctx context.Context, campaignID uuid.UUID) (*domain.RecurrenceRule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+ruleColumns+` FROM recurrence_rules WHERE campaign_id = $1`, campaignID)
	return scanRule(row)
}

// ListActiveRules returns rules whose owning campaign is still scheduled.
// Paused and cancelled campaigns drop out here, which is what prevents
// their not-yet-claimed occurrences from dispatching.
func (s *Store) ListActiveRules(ctx context.Context, limit int) ([]*domain.RecurrenceRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.campaign_id, r.frequency, r.custom_interval_days, r.start_date,
			r.end_date, r.max_occurrences, r.timezone, r.send_time, r.send_weekdays,
			r.skip_weekends, r.last_sequence, r.created_at
		FROM recurrence_rules r
		JOIN campaigns c ON c.id = r.campaign_id
		WHERE c.status = $1 AND c.recurring = true
		ORDER BY r.created_at ASC
		LIMIT $2
	`, domain.CampaignScheduled, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.RecurrenceRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// InsertOccurrence persists a computed occurrence. The (rule_id, sequence)
// unique constraint makes this idempotent across racing schedulers: the
// loser's insert affects zero rows and both proceed against the same row.
func (s *Store) InsertOccurrence(ctx context.Context, o *domain.Occurrence) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	o.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO occurrences (id, rule_id, sequence, fire_at, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (rule_id, sequence) DO NOTHING
	`, o.ID, o.RuleID, o.Sequence, o.FireAt, o.Status, o.CreatedAt)
	return err
}

// ClaimOccurrence is the exactly-once dispatch guard: the conditional
// update from pending to dispatched succeeds for exactly one caller per
// (rule, sequence). Losing the race returns ok=false.
func (s *Store) ClaimOccurrence(ctx context.Context, ruleID uuid.UUID, sequence int) (*domain.Occurrence, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE occurrences
		SET status = $3
		WHERE rule_id = $1 AND sequence = $2 AND status = $4
		RETURNING id, rule_id, sequence, fire_at, status, created_at
	`, ruleID, sequence, domain.OccurrenceDispatched, domain.OccurrencePending)

	o := &domain.Occurrence{}
	err := row.Scan(&o.ID, &o.RuleID, &o.Sequence, &o.FireAt, &o.Status, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return o, true, nil
}

// MarkOccurrence moves a pending occurrence to skipped or failed. Same
// CAS shape as ClaimOccurrence, so only one scheduler settles each
// (rule, sequence).
func (s *Store) MarkOccurrence(ctx context.Context, ruleID uuid.UUID, sequence int, status domain.OccurrenceStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE occurrences SET status = $3
		WHERE rule_id = $1 AND sequence = $2 AND status = $4
	`, ruleID, sequence, status, domain.OccurrencePending)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// GetOccurrence retrieves an occurrence by ID, nil if absent.
func (s *Store) GetOccurrence(ctx context.Context, id uuid.UUID) (*domain.Occurrence, error) {
	o := &domain.Occurrence{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, rule_id, sequence, fire_at, status, created_at
		FROM occurrences WHERE id = $1
	`, id).Scan(&o.ID, &o.RuleID, &o.Sequence, &o.FireAt, &o.Status, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return o, nil
}

// AdvanceRuleCursor records the highest dispatched sequence. Monotonic:
// a stale writer can never move the cursor backwards.
func (s *Store) AdvanceRuleCursor(ctx context.Context, ruleID uuid.UUID, sequence int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE recurrence_rules SET last_sequence = GREATEST(last_sequence, $2) WHERE id = $1
	`, ruleID, sequence)
	return err
}
