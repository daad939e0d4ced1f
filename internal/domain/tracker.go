package domain

import (
	"time"

	"github.com/google/uuid"
)

// DeliveryStatus enumerates per-recipient delivery states.
type DeliveryStatus string

const (
	DeliveryQueued    DeliveryStatus = "queued"
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryBounced   DeliveryStatus = "bounced"
	DeliveryFailed    DeliveryStatus = "failed"
)

// Tracker links one (campaign, recipient) send to its engagement history.
// Created at send time; the ingestion pipeline owns open/click/bounce
// mutations, the dispatcher owns the send outcome. Trackers are never
// deleted, only superseded by new campaigns.
type Tracker struct {
	ID           uuid.UUID      `json:"id" db:"id"`
	CampaignID   uuid.UUID      `json:"campaign_id" db:"campaign_id"`
	OccurrenceID *uuid.UUID     `json:"occurrence_id" db:"occurrence_id"`
	ContactID    uuid.UUID      `json:"contact_id" db:"contact_id"`
	Email        string         `json:"email" db:"email"`
	Status       DeliveryStatus `json:"status" db:"status"`

	OpenCount    int        `json:"open_count" db:"open_count"`
	ClickCount   int        `json:"click_count" db:"click_count"`
	FirstOpenAt  *time.Time `json:"first_open_at" db:"first_open_at"`
	FirstClickAt *time.Time `json:"first_click_at" db:"first_click_at"`
	Unsubscribed bool       `json:"unsubscribed" db:"unsubscribed"`

	SentAt    *time.Time `json:"sent_at" db:"sent_at"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
}
