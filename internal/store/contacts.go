package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/mailpulse/internal/domain"
)

// CreateContact inserts a contact, normalizing the email address. The
// (api_key_id, email) pair is unique; re-inserting an existing address
// updates the name fields instead of failing.
func (s *Store) CreateContact(ctx context.Context, c *domain.Contact) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.Status == "" {
		c.Status = domain.ContactActive
	}
	c.Email = strings.ToLower(strings.TrimSpace(c.Email))
	c.CreatedAt = time.Now().UTC()
	c.UpdatedAt = c.CreatedAt

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contacts (id, api_key_id, list_id, email, first_name, last_name, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (api_key_id, email) DO UPDATE
		SET first_name = EXCLUDED.first_name,
			last_name = EXCLUDED.last_name,
			list_id = EXCLUDED.list_id,
			updated_at = NOW()
	`, c.ID, c.APIKeyID, c.ListID, c.Email, c.FirstName, c.LastName, c.Status, c.CreatedAt, c.UpdatedAt)
	return err
}

const contactColumns = `id, api_key_id, list_id, email, first_name, last_name, status, created_at, updated_at`

func scanContact(row interface{ Scan(...interface{}) error }) (*domain.Contact, error) {
	c := &domain.Contact{}
	err := row.Scan(&c.ID, &c.APIKeyID, &c.ListID, &c.Email, &c.FirstName, &c.LastName,
		&c.Status, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

// GetContact retrieves a contact by ID, nil if absent.
func (s *Store) GetContact(ctx context.Context, id uuid.UUID) (*domain.Contact, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE id = $1`, id)
	return scanContact(row)
}

// ListSendableContacts returns the active recipients for a campaign's
// audience. Campaigns bound to a list get that list; unbound campaigns
// get the key's whole audience. Suppression happens here, at expansion
// time, and again per-job at send time.
func (s *Store) ListSendableContacts(ctx context.Context, apiKeyID uuid.UUID, listID *uuid.UUID) ([]*domain.Contact, error) {
	query := `SELECT ` + contactColumns + ` FROM contacts WHERE api_key_id = $1 AND status = $2`
	args := []interface{}{apiKeyID, domain.ContactActive}
	if listID != nil {
		query += ` AND list_id = $3`
		args = append(args, *listID)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SetContactStatus moves a contact to a new subscription state. Active is
// never restored automatically; unsubscribes and bounces are sticky until
// an operator intervenes.
func (s *Store) SetContactStatus(ctx context.Context, id uuid.UUID, status domain.ContactStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE contacts SET status = $2, updated_at = NOW() WHERE id = $1`,
		id, status)
	return err
}
