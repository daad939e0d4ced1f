package domain

import (
	"time"

	"github.com/google/uuid"
)

// CampaignStatus enumerates the lifecycle states of a campaign.
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignSending   CampaignStatus = "sending"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
	CampaignCancelled CampaignStatus = "cancelled"
)

// Campaign represents an email campaign with its content and delivery config.
// A recurring campaign stays in 'scheduled' while its occurrences cycle; a
// one-shot campaign follows draft → scheduled → sending → completed.
type Campaign struct {
	ID          uuid.UUID      `json:"id" db:"id"`
	APIKeyID    uuid.UUID      `json:"api_key_id" db:"api_key_id"`
	ListID      *uuid.UUID     `json:"list_id" db:"list_id"`
	Name        string         `json:"name" db:"name"`
	Subject     string         `json:"subject" db:"subject"`
	FromName    string         `json:"from_name" db:"from_name"`
	FromEmail   string         `json:"from_email" db:"from_email"`
	ReplyTo     string         `json:"reply_to" db:"reply_to"`
	HTMLContent string         `json:"html_content" db:"html_content"`
	TextContent string         `json:"text_content" db:"text_content"`
	Status      CampaignStatus `json:"status" db:"status"`
	ScheduledAt *time.Time     `json:"scheduled_at" db:"scheduled_at"`
	Timezone    string         `json:"timezone" db:"timezone"`
	Recurring   bool           `json:"recurring" db:"recurring"`

	// Stats (read-only, populated by queries)
	TotalRecipients  int `json:"total_recipients" db:"total_recipients"`
	SentCount        int `json:"sent_count" db:"sent_count"`
	OpenCount        int `json:"open_count" db:"open_count"`
	ClickCount       int `json:"click_count" db:"click_count"`
	BounceCount      int `json:"bounce_count" db:"bounce_count"`
	UnsubscribeCount int `json:"unsubscribe_count" db:"unsubscribe_count"`

	StartedAt   *time.Time `json:"started_at" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at" db:"completed_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// IsTerminal returns true if the campaign is in a final state.
// Completed campaigns are immutable.
func (c *Campaign) IsTerminal() bool {
	return c.Status == CampaignCompleted || c.Status == CampaignCancelled
}

// ContactStatus enumerates subscription states for a contact.
type ContactStatus string

const (
	ContactActive       ContactStatus = "active"
	ContactUnsubscribed ContactStatus = "unsubscribed"
	ContactBounced      ContactStatus = "bounced"
	ContactSuppressed   ContactStatus = "suppressed"
)

// Contact is a single recipient belonging to an API key's audience.
type Contact struct {
	ID        uuid.UUID     `json:"id" db:"id"`
	APIKeyID  uuid.UUID     `json:"api_key_id" db:"api_key_id"`
	ListID    *uuid.UUID    `json:"list_id" db:"list_id"`
	Email     string        `json:"email" db:"email"`
	FirstName string        `json:"first_name" db:"first_name"`
	LastName  string        `json:"last_name" db:"last_name"`
	Status    ContactStatus `json:"status" db:"status"`
	CreatedAt time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt time.Time     `json:"updated_at" db:"updated_at"`
}

// Sendable reports whether the contact may receive campaign mail.
// Checked at send time, not at scheduling time, so that unsubscribes
// landing between the two are honored.
func (c *Contact) Sendable() bool {
	return c.Status == ContactActive
}
