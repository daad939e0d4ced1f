package domain

import (
	"time"

	"github.com/google/uuid"
)

// SendJobStatus enumerates the lifecycle of a single email in the send queue.
type SendJobStatus string

const (
	SendQueued  SendJobStatus = "queued"
	SendClaimed SendJobStatus = "claimed"
	SendSent    SendJobStatus = "sent"
	SendFailed  SendJobStatus = "failed"
	SendSkipped SendJobStatus = "skipped"
)

// SendJob is one per-recipient unit of work expanded from a due campaign
// or occurrence. The set of queue rows for a dispatch unit doubles as its
// crash-recovery record: a restarted scheduler re-derives remaining work
// from these rows instead of re-expanding the recipient set.
type SendJob struct {
	ID           uuid.UUID     `json:"id" db:"id"`
	CampaignID   uuid.UUID     `json:"campaign_id" db:"campaign_id"`
	OccurrenceID *uuid.UUID    `json:"occurrence_id" db:"occurrence_id"`
	ContactID    uuid.UUID     `json:"contact_id" db:"contact_id"`
	Email        string        `json:"email" db:"email"`
	Status       SendJobStatus `json:"status" db:"status"`
	Attempts     int           `json:"attempts" db:"attempts"`
	Deferrals    int           `json:"deferrals" db:"deferrals"`
	NextAttempt  time.Time     `json:"next_attempt_at" db:"next_attempt_at"`
	FailReason   string        `json:"fail_reason,omitempty" db:"fail_reason"`
	TrackerID    *uuid.UUID    `json:"tracker_id" db:"tracker_id"`
	CreatedAt    time.Time     `json:"created_at" db:"created_at"`
}

// IsTerminal returns true once the job needs no further work.
func (j *SendJob) IsTerminal() bool {
	return j.Status == SendSent || j.Status == SendFailed || j.Status == SendSkipped
}

// OutboundMessage is the fully-resolved message handed to the transport.
// All template substitution, tracking injection, and header generation is
// complete by the time a message reaches this struct.
type OutboundMessage struct {
	ID          string            `json:"id"`
	CampaignID  string            `json:"campaign_id"`
	To          string            `json:"to"`
	FromName    string            `json:"from_name"`
	FromEmail   string            `json:"from_email"`
	ReplyTo     string            `json:"reply_to"`
	Subject     string            `json:"subject"`
	HTMLContent string            `json:"html_content"`
	TextContent string            `json:"text_content"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// SendOutcome classifies a transport send attempt.
type SendOutcome int

const (
	// SendAccepted means the provider accepted the message.
	SendAccepted SendOutcome = iota
	// SendRejected is a permanent failure (e.g. invalid address). Not retried.
	SendRejected
	// SendTransient is a retryable failure (e.g. provider timeout).
	SendTransient
)

// String implements fmt.Stringer for log output.
func (o SendOutcome) String() string {
	switch o {
	case SendAccepted:
		return "accepted"
	case SendRejected:
		return "rejected"
	case SendTransient:
		return "transient-failure"
	}
	return "unknown"
}
