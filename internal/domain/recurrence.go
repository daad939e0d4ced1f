package domain

import (
	"time"

	"github.com/google/uuid"
)

// Frequency enumerates supported recurrence intervals.
type Frequency string

const (
	FreqDaily     Frequency = "daily"
	FreqWeekly    Frequency = "weekly"
	FreqBiweekly  Frequency = "biweekly"
	FreqMonthly   Frequency = "monthly"
	FreqQuarterly Frequency = "quarterly"
	FreqYearly    Frequency = "yearly"
	FreqCustom    Frequency = "custom"
)

// RecurrenceRule describes how a recurring campaign repeats. The rule is
// owned by its campaign and never mutated by the recurrence engine; only
// the dispatcher advances LastSequence after a successful claim.
type RecurrenceRule struct {
	ID                 uuid.UUID  `json:"id" db:"id"`
	CampaignID         uuid.UUID  `json:"campaign_id" db:"campaign_id"`
	Frequency          Frequency  `json:"frequency" db:"frequency"`
	CustomIntervalDays int        `json:"custom_interval_days" db:"custom_interval_days"`
	StartDate          time.Time  `json:"start_date" db:"start_date"`
	EndDate            *time.Time `json:"end_date" db:"end_date"`
	MaxOccurrences     int        `json:"max_occurrences" db:"max_occurrences"`
	Timezone           string     `json:"timezone" db:"timezone"`
	SendTime           string     `json:"send_time" db:"send_time"` // "HH:MM", optional
	SendWeekdays       []string   `json:"send_weekdays" db:"send_weekdays"`
	SkipWeekends       bool       `json:"skip_weekends" db:"skip_weekends"`
	LastSequence       int        `json:"last_sequence" db:"last_sequence"`
	CreatedAt          time.Time  `json:"created_at" db:"created_at"`
}

// OccurrenceStatus enumerates the lifecycle of one firing of a recurring rule.
type OccurrenceStatus string

const (
	OccurrencePending    OccurrenceStatus = "pending"
	OccurrenceDispatched OccurrenceStatus = "dispatched"
	OccurrenceSkipped    OccurrenceStatus = "skipped"
	OccurrenceFailed     OccurrenceStatus = "failed"
)

// Occurrence is one concrete firing instance of a recurring campaign.
// A (rule, sequence) pair reaches 'dispatched' at most once; that row
// is the exactly-once dispatch guard.
type Occurrence struct {
	ID        uuid.UUID        `json:"id" db:"id"`
	RuleID    uuid.UUID        `json:"rule_id" db:"rule_id"`
	Sequence  int              `json:"sequence" db:"sequence"`
	FireAt    time.Time        `json:"fire_at" db:"fire_at"`
	Status    OccurrenceStatus `json:"status" db:"status"`
	CreatedAt time.Time        `json:"created_at" db:"created_at"`
}

// IsTerminal returns true once the occurrence can no longer be dispatched.
func (o *Occurrence) IsTerminal() bool {
	return o.Status == OccurrenceDispatched || o.Status == OccurrenceSkipped
}
