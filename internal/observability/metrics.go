// Package observability defines the Prometheus metrics exported by the
// engine. Counters are registered once at process start via Register.
package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	EventsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "mailpulse_events_ingested_total", Help: "Tracking hits by kind and outcome"},
		[]string{"kind", "result"},
	)
	SendAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "mailpulse_send_attempts_total", Help: "Transport send attempts by outcome"},
		[]string{"outcome"},
	)
	SendsDeferred = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "mailpulse_sends_deferred_total", Help: "Sends deferred by the API-key rate limiter"},
	)
	CampaignsDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "mailpulse_campaigns_dispatched_total", Help: "Dispatch units claimed by the scheduler"},
		[]string{"kind"},
	)
	WebhookAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "mailpulse_webhook_attempts_total", Help: "Webhook delivery attempts by result"},
		[]string{"result"},
	)
	WebhookLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "mailpulse_webhook_latency_seconds", Help: "Webhook destination response latency"},
	)
)

// Register registers all engine metrics on the given registerer.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		EventsIngested,
		SendAttempts,
		SendsDeferred,
		CampaignsDispatched,
		WebhookAttempts,
		WebhookLatency,
	)
}
