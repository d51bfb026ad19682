package adledger

import "strings"

// TrafficClass buckets an inbound request for attribution purposes.
type TrafficClass string

const (
	// TrafficHuman is an ordinary browser request and the only class counted.
	TrafficHuman TrafficClass = "human"
	// TrafficBot matches crawlers and link-preview fetchers.
	TrafficBot TrafficClass = "bot"
	// TrafficPrefetch matches speculative loads announced via purpose headers.
	TrafficPrefetch TrafficClass = "prefetch"
)

// Link-preview and crawler user-agent fragments, matched case-insensitively.
// Chat and social platforms fetch every pasted link once, so counting them
// would inflate campaign numbers.
var crawlerFragments = []string{
	"bot",
	"crawler",
	"spider",
	"facebookexternalhit",
	"facebookcatalog",
	"whatsapp",
	"telegrambot",
	"slackbot",
	"twitterbot",
	"discordbot",
	"linkedinbot",
	"skypeuripreview",
	"pinterest",
	"vkshare",
	"headlesschrome",
	"preview",
}

// ClassifyTraffic buckets a request from its user-agent and any
// prefetch/preview purpose header values (Purpose, X-Purpose, Sec-Purpose and
// friends). Prefetch signaling wins over user-agent matching; an empty
// user-agent is treated as non-human.
func ClassifyTraffic(userAgent string, purposeHints ...string) TrafficClass {
	for _, hint := range purposeHints {
		normalized := strings.ToLower(strings.TrimSpace(hint))
		if normalized == "" {
			continue
		}
		if strings.Contains(normalized, "prefetch") || strings.Contains(normalized, "preview") || strings.Contains(normalized, "prerender") {
			return TrafficPrefetch
		}
	}
	normalizedAgent := strings.ToLower(strings.TrimSpace(userAgent))
	if normalizedAgent == "" {
		return TrafficBot
	}
	for _, fragment := range crawlerFragments {
		if strings.Contains(normalizedAgent, fragment) {
			return TrafficBot
		}
	}
	return TrafficHuman
}

// String returns the class value.
func (class TrafficClass) String() string {
	return string(class)
}
