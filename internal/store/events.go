package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ignite/mailpulse/internal/domain"
)

// InsertEngagementEvent appends one event row without touching tracker or
// campaign state. Used for bot-flagged events kept for audit only.
func (s *Store) InsertEngagementEvent(ctx context.Context, ev *domain.EngagementEvent) error {
	return insertEngagementEvent(ctx, s.db, ev)
}

func insertEngagementEvent(ctx context.Context, db execer, ev *domain.EngagementEvent) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO engagement_events (id, tracker_id, kind, ip_address, user_agent,
			fingerprint, url, referrer, is_bot, bot_reason, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, ev.ID, ev.TrackerID, ev.Kind, ev.IPAddress, ev.UserAgent,
		ev.Fingerprint, ev.URL, ev.Referrer, ev.IsBot, ev.BotReason, ev.OccurredAt)
	return err
}

// HasRecentEvent reports whether a non-bot event of the same kind and
// fingerprint landed on the tracker since the given instant. For clicks
// the URL participates too, so distinct links within the window still
// count separately.
func (s *Store) HasRecentEvent(ctx context.Context, trackerID uuid.UUID, kind domain.EventKind, fingerprint, clickURL string, since time.Time) (bool, error) {
	return hasRecentEvent(ctx, s.db, trackerID, kind, fingerprint, clickURL, since)
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func hasRecentEvent(ctx context.Context, db rowQuerier, trackerID uuid.UUID, kind domain.EventKind, fingerprint, clickURL string, since time.Time) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM engagement_events
			WHERE tracker_id = $1 AND kind = $2 AND fingerprint = $3
			  AND is_bot = false AND occurred_at >= $4`
	args := []interface{}{trackerID, kind, fingerprint, since}
	if kind == domain.EventClick {
		query += ` AND url = $5`
		args = append(args, clickURL)
	}
	query += `)`

	var exists bool
	err := db.QueryRowContext(ctx, query, args...).Scan(&exists)
	return exists, err
}

// RecordEngagement commits one accepted event and every consequence of it
// in a single transaction: the event row, the tracker counters, the
// campaign aggregate, contact suppression for unsubscribes and hard
// bounces, and the webhook fan-out rows. Either all of it lands or none
// of it does, so a webhook can never reference an event that was rolled
// back.
//
// The tracker row is locked first and the dedup window re-checked under
// that lock. Two identical hits racing through the caller's pre-check
// serialize here; the loser returns false and commits only a tracker
// touch, never a second event or fan-out.
func (s *Store) RecordEngagement(ctx context.Context, ev *domain.EngagementEvent, dedupSince time.Time) (bool, error) {
	recorded := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var lockedID uuid.UUID
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM trackers WHERE id = $1 FOR UPDATE`, ev.TrackerID).Scan(&lockedID)
		if err == sql.ErrNoRows {
			return fmt.Errorf("tracker %s vanished mid-transaction", ev.TrackerID)
		}
		if err != nil {
			return fmt.Errorf("lock tracker: %w", err)
		}

		dup, err := hasRecentEvent(ctx, tx, ev.TrackerID, ev.Kind, ev.Fingerprint, ev.URL, dedupSince)
		if err != nil {
			return fmt.Errorf("dedup recheck: %w", err)
		}
		if dup {
			_, err := tx.ExecContext(ctx,
				`UPDATE trackers SET updated_at = NOW() WHERE id = $1`, ev.TrackerID)
			return err
		}

		if err := insertEngagementEvent(ctx, tx, ev); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}

		tracker, first, err := applyToTracker(ctx, tx, ev)
		if err != nil {
			return fmt.Errorf("update tracker: %w", err)
		}
		if tracker == nil {
			return fmt.Errorf("tracker %s vanished mid-transaction", ev.TrackerID)
		}

		// Campaign aggregates count unique engagers, not raw hits.
		if col := statColumn(ev.Kind); col != "" && first {
			if err := incrementCampaignStat(ctx, tx, tracker.CampaignID, col, 1); err != nil {
				return fmt.Errorf("bump campaign stat: %w", err)
			}
		}

		switch ev.Kind {
		case domain.EventUnsubscribe:
			if err := suppressContact(ctx, tx, tracker.ContactID, domain.ContactUnsubscribed); err != nil {
				return fmt.Errorf("suppress contact: %w", err)
			}
		case domain.EventBounceHard:
			if err := suppressContact(ctx, tx, tracker.ContactID, domain.ContactBounced); err != nil {
				return fmt.Errorf("suppress contact: %w", err)
			}
		case domain.EventComplaint:
			if err := suppressContact(ctx, tx, tracker.ContactID, domain.ContactSuppressed); err != nil {
				return fmt.Errorf("suppress contact: %w", err)
			}
		}

		if err := fanOutWebhooks(ctx, tx, ev, tracker); err != nil {
			return fmt.Errorf("webhook fan-out: %w", err)
		}
		recorded = true
		return nil
	})
	return recorded, err
}

// applyToTracker folds the event into the tracker row and reports whether
// it was the first of its kind there. First-open/first-click timestamps
// are monotone: a replayed event can never move them.
func applyToTracker(ctx context.Context, tx *sql.Tx, ev *domain.EngagementEvent) (*domain.Tracker, bool, error) {
	var query string
	args := []interface{}{ev.TrackerID}
	switch ev.Kind {
	case domain.EventOpen:
		query = `
			UPDATE trackers
			SET open_count = open_count + 1,
				first_open_at = COALESCE(first_open_at, $2),
				updated_at = NOW()
			WHERE id = $1
			RETURNING ` + trackerColumns
		args = append(args, ev.OccurredAt)
	case domain.EventClick:
		// A click proves the message was opened even if the pixel was blocked.
		query = `
			UPDATE trackers
			SET click_count = click_count + 1,
				first_click_at = COALESCE(first_click_at, $2),
				first_open_at = COALESCE(first_open_at, $2),
				updated_at = NOW()
			WHERE id = $1
			RETURNING ` + trackerColumns
		args = append(args, ev.OccurredAt)
	case domain.EventBounceHard, domain.EventBounceSoft:
		query = `
			UPDATE trackers
			SET status = 'bounced', updated_at = NOW()
			WHERE id = $1
			RETURNING ` + trackerColumns
	case domain.EventUnsubscribe:
		query = `
			UPDATE trackers
			SET unsubscribed = true, updated_at = NOW()
			WHERE id = $1
			RETURNING ` + trackerColumns
	default:
		query = `
			UPDATE trackers SET updated_at = NOW()
			WHERE id = $1
			RETURNING ` + trackerColumns
	}

	t, err := scanTracker(tx.QueryRowContext(ctx, query, args...))
	if err != nil || t == nil {
		return t, false, err
	}

	switch ev.Kind {
	case domain.EventOpen:
		return t, t.OpenCount == 1, nil
	case domain.EventClick:
		return t, t.ClickCount == 1, nil
	case domain.EventBounceHard, domain.EventBounceSoft, domain.EventComplaint, domain.EventUnsubscribe:
		return t, true, nil
	}
	return t, false, nil
}

func statColumn(kind domain.EventKind) string {
	switch kind {
	case domain.EventOpen:
		return "open_count"
	case domain.EventClick:
		return "click_count"
	case domain.EventBounceHard, domain.EventBounceSoft:
		return "bounce_count"
	case domain.EventUnsubscribe:
		return "unsubscribe_count"
	}
	return ""
}

func suppressContact(ctx context.Context, tx *sql.Tx, contactID uuid.UUID, status domain.ContactStatus) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE contacts SET status = $2, updated_at = NOW() WHERE id = $1 AND status = $3`,
		contactID, status, domain.ContactActive)
	return err
}

// fanOutWebhooks enqueues one delivery job per subscribed endpoint of the
// campaign's API key. The (event_id, endpoint_id) unique constraint makes
// the fan-out idempotent under event replay.
func fanOutWebhooks(ctx context.Context, tx *sql.Tx, ev *domain.EngagementEvent, tracker *domain.Tracker) error {
	eventType := ev.Kind.WebhookEventType()

	rows, err := tx.QueryContext(ctx, `
		SELECT e.id, e.url, e.secret, e.event_types
		FROM webhook_endpoints e
		JOIN campaigns c ON c.api_key_id = e.api_key_id
		WHERE c.id = $1 AND e.active = true
	`, tracker.CampaignID)
	if err != nil {
		return err
	}
	defer rows.Close()

	var endpoints []domain.WebhookEndpoint
	for rows.Next() {
		var ep domain.WebhookEndpoint
		var types pq.StringArray
		if err := rows.Scan(&ep.ID, &ep.URL, &ep.Secret, &types); err != nil {
			return err
		}
		ep.EventTypes = types
		endpoints = append(endpoints, ep)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	if len(endpoints) == 0 {
		return nil
	}

	payload, err := json.Marshal(domain.WebhookPayload{
		EventType:  eventType,
		CampaignID: tracker.CampaignID.String(),
		TrackerID:  tracker.ID.String(),
		Recipient:  tracker.Email,
		URL:        ev.URL,
		Timestamp:  ev.OccurredAt,
	})
	if err != nil {
		return err
	}

	for _, ep := range endpoints {
		if !ep.Subscribed(eventType) {
			continue
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO webhook_jobs (id, endpoint_id, event_id, event_type, payload,
				status, attempts, next_attempt_at, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, 0, NOW(), NOW())
			ON CONFLICT (event_id, endpoint_id) DO NOTHING
		`, uuid.New(), ep.ID, ev.ID, eventType, payload, domain.WebhookPending)
		if err != nil {
			return err
		}
	}
	return nil
}
