package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// WebhookJobStatus enumerates outbound notification delivery states.
type WebhookJobStatus string

const (
	WebhookPending    WebhookJobStatus = "pending"
	WebhookDelivering WebhookJobStatus = "delivering"
	WebhookDelivered  WebhookJobStatus = "delivered"
	WebhookDead       WebhookJobStatus = "dead"
)

// WebhookEndpoint is an integrator destination registered under an API key.
// EventTypes limits fan-out to the subscribed event names; an empty list
// subscribes to everything.
type WebhookEndpoint struct {
	ID         uuid.UUID `json:"id" db:"id"`
	APIKeyID   uuid.UUID `json:"api_key_id" db:"api_key_id"`
	URL        string    `json:"url" db:"url"`
	Secret     string    `json:"-" db:"secret"`
	EventTypes []string  `json:"event_types" db:"event_types"`
	Active     bool      `json:"active" db:"active"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// Subscribed reports whether the endpoint wants the given event type.
func (e *WebhookEndpoint) Subscribed(eventType string) bool {
	if len(e.EventTypes) == 0 {
		return true
	}
	for _, t := range e.EventTypes {
		if t == eventType {
			return true
		}
	}
	return false
}

// WebhookJob is one attempted notification of one event to one endpoint.
// Rows are created by the ingestion pipeline or dispatcher and mutated
// exclusively by the delivery subsystem. Terminal at delivered or dead.
// The (event_id, endpoint_id) pair is unique, making fan-out idempotent.
type WebhookJob struct {
	ID            uuid.UUID        `json:"id" db:"id"`
	EndpointID    uuid.UUID        `json:"endpoint_id" db:"endpoint_id"`
	EventID       *uuid.UUID       `json:"event_id" db:"event_id"`
	EventType     string           `json:"event_type" db:"event_type"`
	Payload       json.RawMessage  `json:"payload" db:"payload"`
	Status        WebhookJobStatus `json:"status" db:"status"`
	Attempts      int              `json:"attempts" db:"attempts"`
	NextAttemptAt time.Time        `json:"next_attempt_at" db:"next_attempt_at"`
	LastError     string           `json:"last_error,omitempty" db:"last_error"`
	DeliveredAt   *time.Time       `json:"delivered_at" db:"delivered_at"`
	CreatedAt     time.Time        `json:"created_at" db:"created_at"`
}

// WebhookPayload is the JSON body posted to integrator endpoints.
type WebhookPayload struct {
	EventType  string    `json:"event_type"`
	CampaignID string    `json:"campaign_id"`
	TrackerID  string    `json:"tracker_id"`
	Recipient  string    `json:"recipient"`
	URL        string    `json:"url,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// APIKey identifies a sending tenant and carries its resolved rate limits.
// Limit values come from the owning plan tier; the engine only consumes
// the numbers.
type APIKey struct {
	ID                uuid.UUID `json:"id" db:"id"`
	Name              string    `json:"name" db:"name"`
	RequestsPerMinute int       `json:"requests_per_minute" db:"requests_per_minute"`
	RequestsPerDay    int       `json:"requests_per_day" db:"requests_per_day"`
	Burst             int       `json:"burst" db:"burst"`
	Active            bool      `json:"active" db:"active"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
}
