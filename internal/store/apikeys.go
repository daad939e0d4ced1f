package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/mailpulse/internal/domain"
)

// CreateAPIKey inserts a tenant key with its resolved rate limits.
func (s *Store) CreateAPIKey(ctx context.Context, k *domain.APIKey) error {
	if k.ID == uuid.Nil {
		k.ID = uuid.New()
	}
	k.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, name, requests_per_minute, requests_per_day, burst, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, k.ID, k.Name, k.RequestsPerMinute, k.RequestsPerDay, k.Burst, k.Active, k.CreatedAt)
	return err
}

// GetAPIKey retrieves a key by ID, nil if absent.
func (s *Store) GetAPIKey(ctx context.Context, id uuid.UUID) (*domain.APIKey, error) {
	k := &domain.APIKey{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, requests_per_minute, requests_per_day, burst, active, created_at
		FROM api_keys WHERE id = $1
	`, id).Scan(&k.ID, &k.Name, &k.RequestsPerMinute, &k.RequestsPerDay, &k.Burst, &k.Active, &k.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return k, nil
}
