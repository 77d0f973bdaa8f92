package app

import "strings"

// botUASubstrings covers link prefetchers and mailbox-provider scanners
// whose fetches would otherwise count as recipient opens. Lowercased;
// matching is case-insensitive substring.
var botUASubstrings = []string{
	"googlebot",
	"bingbot",
	"yandexbot",
	"slackbot",
	"twitterbot",
	"facebookexternalhit",
	"linkedinbot",
	"whatsapp",
	"telegrambot",
	"discordbot",
	"skypeuripreview",
	"bitlybot",
	"outlook-protection",
	"barracuda",
	"proofpoint",
	"mimecast",
	"headlesschrome",
	"phantomjs",
	"python-requests",
	"go-http-client",
	"curl/",
	"wget/",
	"crawler",
	"spider",
}

// IsBot reports whether the user agent looks like an automated fetcher
// rather than a human mail client. An empty user agent is treated as a
// bot; real mail clients always send one.
func IsBot(userAgent string) bool {
	if userAgent == "" {
		return true
	}
	ua := strings.ToLower(userAgent)
	for _, s := range botUASubstrings {
		if strings.Contains(ua, s) {
			return true
		}
	}
	return false
}
