package tracking

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// URLBuilder generates tracking URLs for a tracker and rewrites campaign
// HTML to route opens and clicks through the tracking endpoints.
type URLBuilder struct {
	codec   *Codec
	baseURL string
}

// NewURLBuilder creates a builder rooted at the public tracking base URL.
func NewURLBuilder(codec *Codec, baseURL string) *URLBuilder {
	return &URLBuilder{codec: codec, baseURL: strings.TrimRight(baseURL, "/")}
}

// PixelURL returns the open-tracking pixel URL for a tracker.
func (b *URLBuilder) PixelURL(trackerID uuid.UUID) string {
	return fmt.Sprintf("%s/track/open/%s", b.baseURL, b.codec.Mint(trackerID))
}

// ClickURL returns a redirect URL that records a click before sending
// the recipient to originalURL.
func (b *URLBuilder) ClickURL(trackerID uuid.UUID, originalURL string) string {
	return fmt.Sprintf("%s/track/click/%s?url=%s",
		b.baseURL, b.codec.Mint(trackerID), url.QueryEscape(originalURL))
}

// UnsubscribeURL returns the one-click unsubscribe URL for a tracker.
func (b *URLBuilder) UnsubscribeURL(trackerID uuid.UUID) string {
	return fmt.Sprintf("%s/track/unsubscribe/%s", b.baseURL, b.codec.Mint(trackerID))
}

// InjectTracking rewrites campaign HTML for one recipient: every http(s)
// link becomes a click redirect, and an invisible open pixel is appended
// before </body> (or at the end when no body tag exists).
func (b *URLBuilder) InjectTracking(html string, trackerID uuid.UUID) string {
	html = b.rewriteLinks(html, trackerID)

	pixel := fmt.Sprintf(`<img src="%s" width="1" height="1" style="display:none" alt="" />`,
		b.PixelURL(trackerID))
	if idx := strings.LastIndex(strings.ToLower(html), "</body>"); idx >= 0 {
		return html[:idx] + pixel + html[idx:]
	}
	return html + pixel
}

// rewriteLinks replaces href="http..." targets with tracked redirects.
// Links already pointing at the tracking host are left alone so
// unsubscribe URLs are not double-wrapped.
func (b *URLBuilder) rewriteLinks(html string, trackerID uuid.UUID) string {
	var out strings.Builder
	rest := html

	for {
		idx := strings.Index(rest, `href="http`)
		if idx < 0 {
			out.WriteString(rest)
			break
		}
		start := idx + len(`href="`)
		end := strings.Index(rest[start:], `"`)
		if end < 0 {
			out.WriteString(rest)
			break
		}

		original := rest[start : start+end]
		out.WriteString(rest[:start])
		if strings.HasPrefix(original, b.baseURL+"/track/") {
			out.WriteString(original)
		} else {
			out.WriteString(b.ClickURL(trackerID, original))
		}
		rest = rest[start+end:]
	}

	return out.String()
}
