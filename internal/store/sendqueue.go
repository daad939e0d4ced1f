package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/mailpulse/internal/domain"
)

// EnqueueSendJobs expands a dispatch unit into per-recipient queue rows
// in one transaction. The partial unique indexes on (campaign_id,
// contact_id, occurrence_id) mean a scheduler that crashed mid-expansion
// can simply re-run: already-inserted rows are skipped and the remainder
// fills in.
func (s *Store) EnqueueSendJobs(ctx context.Context, jobs []*domain.SendJob) error {
	if len(jobs) == 0 {
		return nil
	}
	now := time.Now().UTC()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO send_queue (id, campaign_id, occurrence_id, contact_id, email,
				status, attempts, deferrals, next_attempt_at, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, 0, 0, $7, $8)
			ON CONFLICT DO NOTHING
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, j := range jobs {
			if j.ID == uuid.Nil {
				j.ID = uuid.New()
			}
			if j.Status == "" {
				j.Status = domain.SendQueued
			}
			if j.NextAttempt.IsZero() {
				j.NextAttempt = now
			}
			j.CreatedAt = now
			if _, err := stmt.ExecContext(ctx, j.ID, j.CampaignID, j.OccurrenceID,
				j.ContactID, j.Email, j.Status, j.NextAttempt, j.CreatedAt); err != nil {
				return err
			}
		}
		return nil
	})
}

const sendJobColumns = `id, campaign_id, occurrence_id, contact_id, email, status,
	attempts, deferrals, next_attempt_at, fail_reason, tracker_id, created_at`

func scanSendJob(row interface{ Scan(...interface{}) error }) (*domain.SendJob, error) {
	j := &domain.SendJob{}
	var reason sql.NullString
	err := row.Scan(&j.ID, &j.CampaignID, &j.OccurrenceID, &j.ContactID, &j.Email,
		&j.Status, &j.Attempts, &j.Deferrals, &j.NextAttempt, &reason, &j.TrackerID, &j.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	j.FailReason = reason.String
	return j, err
}

// ClaimSendJobs atomically claims a batch of due queue rows for one
// worker. SKIP LOCKED lets concurrent workers claim disjoint batches
// without serializing on each other.
func (s *Store) ClaimSendJobs(ctx context.Context, now time.Time, limit int) ([]*domain.SendJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE send_queue
		SET status = $1, attempts = attempts + 1
		WHERE id IN (
			SELECT id FROM send_queue
			WHERE status = $2 AND next_attempt_at <= $3
			ORDER BY next_attempt_at ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+sendJobColumns,
		domain.SendClaimed, domain.SendQueued, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.SendJob
	for rows.Next() {
		j, err := scanSendJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// ReleaseStaleClaims requeues jobs claimed by a worker that died before
// finishing. Claims older than the cutoff are assumed abandoned.
func (s *Store) ReleaseStaleClaims(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE send_queue
		SET status = $1
		WHERE status = $2 AND next_attempt_at <= $3
	`, domain.SendQueued, domain.SendClaimed, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// MarkJobSent finalizes a successful send and links its tracker.
func (s *Store) MarkJobSent(ctx context.Context, id uuid.UUID, trackerID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE send_queue SET status = $2, tracker_id = $3 WHERE id = $1
	`, id, domain.SendSent, trackerID)
	return err
}

// MarkJobFailed finalizes a permanently failed send with its reason.
func (s *Store) MarkJobFailed(ctx context.Context, id uuid.UUID, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE send_queue SET status = $2, fail_reason = $3 WHERE id = $1
	`, id, domain.SendFailed, reason)
	return err
}

// MarkJobSkipped finalizes a job whose recipient became unsendable
// between scheduling and send time.
func (s *Store) MarkJobSkipped(ctx context.Context, id uuid.UUID, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE send_queue SET status = $2, fail_reason = $3 WHERE id = $1
	`, id, domain.SendSkipped, reason)
	return err
}

// DeferJob pushes a claimed job back to queued with a future attempt
// time. Used both for transient transport failures (attempts counted)
// and rate-limit waits (deferrals counted, attempt refunded so limiter
// pressure never consumes the retry budget).
func (s *Store) DeferJob(ctx context.Context, id uuid.UUID, until time.Time, rateLimited bool) error {
	query := `
		UPDATE send_queue
		SET status = $2, next_attempt_at = $3
		WHERE id = $1`
	if rateLimited {
		query = `
		UPDATE send_queue
		SET status = $2, next_attempt_at = $3, attempts = attempts - 1, deferrals = deferrals + 1
		WHERE id = $1`
	}
	_, err := s.db.ExecContext(ctx, query, id, domain.SendQueued, until)
	return err
}

// UnitProgress summarizes a dispatch unit's queue rows. A unit is done
// when no row remains queued or claimed.
type UnitProgress struct {
	Total   int
	Pending int
	Sent    int
	Failed  int
	Skipped int
}

// Done reports whether every job in the unit is terminal.
func (p UnitProgress) Done() bool {
	return p.Total > 0 && p.Pending == 0
}

// GetUnitProgress aggregates queue rows for a campaign or occurrence.
func (s *Store) GetUnitProgress(ctx context.Context, campaignID uuid.UUID, occurrenceID *uuid.UUID) (UnitProgress, error) {
	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status IN ('queued', 'claimed')),
			COUNT(*) FILTER (WHERE status = 'sent'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*) FILTER (WHERE status = 'skipped')
		FROM send_queue
		WHERE campaign_id = $1`
	args := []interface{}{campaignID}
	if occurrenceID != nil {
		query += ` AND occurrence_id = $2`
		args = append(args, *occurrenceID)
	} else {
		query += ` AND occurrence_id IS NULL`
	}

	var p UnitProgress
	err := s.db.QueryRowContext(ctx, query, args...).
		Scan(&p.Total, &p.Pending, &p.Sent, &p.Failed, &p.Skipped)
	return p, err
}

// HasQueueRows reports whether a dispatch unit was already expanded.
// Distinguishes a crashed-mid-send campaign (resume from rows) from a
// fresh one (expand the audience).
func (s *Store) HasQueueRows(ctx context.Context, campaignID uuid.UUID, occurrenceID *uuid.UUID) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM send_queue WHERE campaign_id = $1`
	args := []interface{}{campaignID}
	if occurrenceID != nil {
		query += ` AND occurrence_id = $2`
		args = append(args, *occurrenceID)
	} else {
		query += ` AND occurrence_id IS NULL`
	}
	query += `)`

	var exists bool
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&exists)
	return exists, err
}

// ListSendingCampaigns returns campaigns stuck in 'sending', used at
// scheduler startup to resume interrupted dispatch units.
func (s *Store) ListSendingCampaigns(ctx context.Context, limit int) ([]*domain.Campaign, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+campaignColumns+`
		FROM campaigns
		WHERE status = $1
		ORDER BY started_at ASC NULLS FIRST
		LIMIT $2
	`, domain.CampaignSending, limit)
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
