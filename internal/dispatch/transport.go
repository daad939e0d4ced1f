package dispatch

import (
	"context"
	"log"

	"github.com/ignite/mailpulse/internal/domain"
)

// Transport hands a fully-resolved message to a delivery provider. The
// engine treats the provider as a black box and only consumes the
// outcome classification; rejected is permanent, transient is retried on
// the durable backoff schedule.
type Transport interface {
	Send(ctx context.Context, msg *domain.OutboundMessage) (domain.SendOutcome, error)
}

// LogTransport accepts every message and logs it. Used in development
// and as the stand-in when no provider is configured.
type LogTransport struct{}

func (LogTransport) Send(_ context.Context, msg *domain.OutboundMessage) (domain.SendOutcome, error) {
	log.Printf("[LogTransport] would send campaign=%s to=%s subject=%q",
		msg.CampaignID, msg.To, msg.Subject)
	return domain.SendAccepted, nil
}
