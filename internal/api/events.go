package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/mailpulse/internal/domain"
	"github.com/ignite/mailpulse/internal/pkg/httputil"
	"github.com/ignite/mailpulse/internal/tracking"
)

type providerEventRequest struct {
	TrackerID  string     `json:"tracker_id"`
	Kind       string     `json:"kind"`
	OccurredAt *time.Time `json:"occurred_at"`
}

// providerKinds is the subset of event kinds providers may report.
// Opens, clicks, and unsubscribes only ever arrive via the tracking
// endpoints.
var providerKinds = map[domain.EventKind]bool{
	domain.EventBounceHard: true,
	domain.EventBounceSoft: true,
	domain.EventComplaint:  true,
}

// HandleProviderEvent ingests a bounce or complaint reported by the
// sending provider. These are trusted callbacks, so they go through the
// same pipeline as tracking hits but skip user-agent heuristics.
func (s *Server) HandleProviderEvent(w http.ResponseWriter, r *http.Request) {
	var req providerEventRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	trackerID, err := uuid.Parse(req.TrackerID)
	if err != nil {
		httputil.BadRequest(w, "invalid tracker_id")
		return
	}
	kind := domain.EventKind(req.Kind)
	if !providerKinds[kind] {
		httputil.BadRequest(w, "kind must be bounce_hard, bounce_soft, or complaint")
		return
	}

	hit := tracking.Request{IP: r.RemoteAddr}
	if req.OccurredAt != nil {
		hit.ReceivedAt = req.OccurredAt.UTC()
	}

	res, err := s.pipeline.Ingest(r.Context(), s.codec.Mint(trackerID), kind, hit)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if !res.Recorded {
		// Unknown trackers and duplicates are acknowledged so providers
		// stop retrying them.
		httputil.OK(w, map[string]string{"status": "ignored", "reason": res.Reason})
		return
	}
	httputil.OK(w, map[string]string{"status": "recorded"})
}
