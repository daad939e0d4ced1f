package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventKind enumerates engagement event types. The set is closed so that
// switches over it can be exhaustive.
type EventKind string

const (
	EventOpen        EventKind = "open"
	EventClick       EventKind = "click"
	EventBounceHard  EventKind = "bounce_hard"
	EventBounceSoft  EventKind = "bounce_soft"
	EventComplaint   EventKind = "complaint"
	EventUnsubscribe EventKind = "unsubscribe"
)

// WebhookEventType returns the integrator-facing event name for this kind.
func (k EventKind) WebhookEventType() string {
	switch k {
	case EventOpen:
		return "email.opened"
	case EventClick:
		return "email.clicked"
	case EventBounceHard, EventBounceSoft:
		return "email.bounced"
	case EventComplaint:
		return "email.complained"
	case EventUnsubscribe:
		return "email.unsubscribed"
	}
	return "email.event"
}

// EngagementEvent is one append-only log entry for a tracker. Immutable
// once written. Bot-flagged events are retained for audit but never
// advance tracker state or trigger webhook fan-out.
type EngagementEvent struct {
	ID          uuid.UUID `json:"id" db:"id"`
	TrackerID   uuid.UUID `json:"tracker_id" db:"tracker_id"`
	Kind        EventKind `json:"kind" db:"kind"`
	IPAddress   string    `json:"ip_address" db:"ip_address"`
	UserAgent   string    `json:"user_agent" db:"user_agent"`
	Fingerprint string    `json:"fingerprint" db:"fingerprint"`
	URL         string    `json:"url,omitempty" db:"url"`
	Referrer    string    `json:"referrer,omitempty" db:"referrer"`
	IsBot       bool      `json:"is_bot" db:"is_bot"`
	BotReason   string    `json:"bot_reason,omitempty" db:"bot_reason"`
	OccurredAt  time.Time `json:"occurred_at" db:"occurred_at"`
}

// Fingerprint hashes an (IP, user-agent) pair into the raw-request
// fingerprint used for dedup and bot heuristics.
func Fingerprint(ip, userAgent string) string {
	h := sha256.Sum256([]byte(strings.TrimSpace(ip) + "|" + strings.TrimSpace(userAgent)))
	return hex.EncodeToString(h[:16])
}
