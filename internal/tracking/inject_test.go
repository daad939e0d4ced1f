package tracking

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestURLBuilder_InjectTracking(t *testing.T) {
	codec := NewCodec("test-signing-key")
	b := NewURLBuilder(codec, "https://track.example.com/")
	trackerID := uuid.New()

	html := `<html><body><p>Hello</p><a href="https://shop.example.com/offer?ref=1">Offer</a></body></html>`
	out := b.InjectTracking(html, trackerID)

	assert.Contains(t, out, "https://track.example.com/track/open/", "pixel must be injected")
	assert.Contains(t, out, "https://track.example.com/track/click/", "links must be rewritten")
	assert.NotContains(t, out, `href="https://shop.example.com`, "original targets must go through the redirect")
	assert.Contains(t, out, "url=https%3A%2F%2Fshop.example.com%2Foffer%3Fref%3D1")

	// Pixel sits inside the body, not after the closing html tag.
	pixelIdx := strings.Index(out, "/track/open/")
	bodyIdx := strings.Index(out, "</body>")
	assert.Less(t, pixelIdx, bodyIdx)
}

func TestURLBuilder_NoBodyTagAppendsPixel(t *testing.T) {
	b := NewURLBuilder(NewCodec("test-signing-key"), "https://track.example.com")
	out := b.InjectTracking("<p>plain fragment</p>", uuid.New())
	assert.True(t, strings.Contains(out, "/track/open/"))
	assert.True(t, strings.HasSuffix(out, `/>`), "pixel appended at the end")
}

func TestURLBuilder_DoesNotDoubleWrapTrackingLinks(t *testing.T) {
	codec := NewCodec("test-signing-key")
	b := NewURLBuilder(codec, "https://track.example.com")
	trackerID := uuid.New()

	unsub := b.UnsubscribeURL(trackerID)
	html := `<body><a href="` + unsub + `">Unsubscribe</a></body>`
	out := b.InjectTracking(html, trackerID)

	assert.Contains(t, out, `href="`+unsub+`"`, "tracking links stay as-is")
	assert.NotContains(t, out, "url=https%3A%2F%2Ftrack.example.com")
}

func TestURLBuilder_TokenRoundTripsThroughURLs(t *testing.T) {
	codec := NewCodec("test-signing-key")
	b := NewURLBuilder(codec, "https://track.example.com")
	trackerID := uuid.New()

	pixel := b.PixelURL(trackerID)
	token := pixel[strings.LastIndex(pixel, "/")+1:]

	got, err := codec.Resolve(token)
	require.NoError(t, err)
	assert.Equal(t, trackerID, got)
}
