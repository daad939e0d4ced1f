package tracking

import (
	"encoding/base64"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/mailpulse/internal/domain"
)

// transparentPixel is a 1x1 transparent GIF, served for every open hit
// regardless of token validity so that broken tokens never break images
// and validity information never leaks.
var transparentPixel, _ = base64.StdEncoding.DecodeString(
	"R0lGODlhAQABAIAAAAAAAP///yH5BAEAAAAALAAAAAABAAEAAAIBRAA7")

const unsubscribePage = `<!DOCTYPE html>
<html>
<head><title>Unsubscribed</title></head>
<body style="font-family:sans-serif;max-width:480px;margin:80px auto;text-align:center">
<h2>You have been unsubscribed</h2>
<p>You will no longer receive emails from this sender.</p>
</body>
</html>`

// Handler exposes the public tracking endpoints. Every path returns a
// benign response: pixels render, clicks redirect, unsubscribes confirm,
// whatever the token looked like.
type Handler struct {
	pipeline *Pipeline
}

// NewHandler creates the tracking HTTP handler.
func NewHandler(pipeline *Pipeline) *Handler {
	return &Handler{pipeline: pipeline}
}

// Routes returns the tracking router. Paths are relative; the server
// mounts this under /track to match the URLs the builder mints.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/open/{token}", h.HandleOpen)
	r.Get("/click/{token}", h.HandleClick)
	r.Get("/unsubscribe/{token}", h.HandleUnsubscribe)
	r.Get("/health", h.HandleHealth)
	return r
}

// HandleOpen records an open and serves the pixel.
func (h *Handler) HandleOpen(w http.ResponseWriter, r *http.Request) {
	h.pipeline.Ingest(r.Context(), chi.URLParam(r, "token"), domain.EventOpen, requestInfo(r))

	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
	w.Write(transparentPixel)
}

// HandleClick records a click and redirects to the original URL.
func (h *Handler) HandleClick(w http.ResponseWriter, r *http.Request) {
	info := requestInfo(r)
	info.ClickURL = r.URL.Query().Get("url")

	res, _ := h.pipeline.Ingest(r.Context(), chi.URLParam(r, "token"), domain.EventClick, info)

	target := res.RedirectURL
	if target == "" {
		target = safeRedirect(info.ClickURL)
	}
	if target == "" {
		// No usable destination; a blank page beats an error for a link
		// followed from an email.
		w.WriteHeader(http.StatusOK)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// HandleUnsubscribe records the unsubscribe and shows a confirmation page.
func (h *Handler) HandleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	h.pipeline.Ingest(r.Context(), chi.URLParam(r, "token"), domain.EventUnsubscribe, requestInfo(r))

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(unsubscribePage))
}

// HandleHealth is the liveness probe.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("ok"))
}

func requestInfo(r *http.Request) Request {
	return Request{
		IP:         realIP(r),
		UserAgent:  r.UserAgent(),
		Referrer:   r.Referer(),
		ReceivedAt: time.Now().UTC(),
	}
}

// realIP resolves the client address behind proxies.
func realIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	if xri := r.Header.Get("X-Real-Ip"); xri != "" {
		return xri
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		host = host[:idx]
	}
	return host
}
