package tracking

import "strings"

// BotDetector classifies tracking requests by user agent. The keyword
// list is conservative: only obvious crawlers, prefetch proxies, and
// scripting tools are flagged, and known email clients are allowlisted
// first so that legitimate image-proxy fetches still count as opens.
type BotDetector struct {
	botKeywords    []string
	knownClients   []string
	browserMarkers []string
}

// NewBotDetector creates a detector with the default signature lists.
func NewBotDetector() *BotDetector {
	return &BotDetector{
		botKeywords: []string{
			"googlebot", "bingbot", "slurp", "duckduckbot", "baiduspider",
			"yandexbot", "crawler", "spider", "scraper", "preview", "scanner",
			"phantom", "selenium", "webdriver", "automation",
			"curl/", "wget/", "python-requests/", "postman",
			"bot/", "bot;",
		},
		knownClients: []string{
			"outlook", "thunderbird", "apple mail", "gmail", "yahoo",
			"googleimageproxy",
		},
		browserMarkers: []string{
			"mozilla", "webkit", "gecko", "chrome", "safari", "firefox", "edge",
		},
	}
}

// Detect returns whether the user agent looks like a bot and, if so, why.
func (d *BotDetector) Detect(userAgent string) (bool, string) {
	if userAgent == "" {
		return true, "empty_user_agent"
	}

	ua := strings.ToLower(userAgent)

	for _, client := range d.knownClients {
		if strings.Contains(ua, client) {
			return false, ""
		}
	}

	for _, kw := range d.botKeywords {
		if strings.Contains(ua, kw) {
			return true, "bot_keyword:" + strings.TrimSuffix(kw, "/")
		}
	}

	if len(userAgent) < 5 {
		return true, "short_user_agent"
	}

	for _, marker := range d.browserMarkers {
		if strings.Contains(ua, marker) {
			return false, ""
		}
	}

	return false, ""
}
