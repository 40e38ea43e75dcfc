package utils

import (
	"net"
	"strings"
)

// Signatures of automated clients that must never count as engagement.
// Matched case-insensitively as substrings of the User-Agent.
var botUserAgentPatterns = []string{
	"bot",
	"crawler",
	"spider",
	"curl",
	"wget",
	"python-requests",
	"python-urllib",
	"go-http-client",
	"java/",
	"httpclient",
	"headless",
	"phantomjs",
	"selenium",
	"scanner",
	"monitor",
	"pingdom",
	"uptimerobot",
	"slurp",
	"facebookexternalhit",
	"preview",
}

// IsAutomatedClient classifies a beacon hit as non-human traffic: a
// known automation signature in the User-Agent, an empty User-Agent,
// or a loopback source address. Classified hits still get the normal
// beacon response but never mutate tracking state.
func IsAutomatedClient(userAgent, ipAddress string) bool {
	if strings.TrimSpace(userAgent) == "" {
		return true
	}

	lower := strings.ToLower(userAgent)
	for _, pattern := range botUserAgentPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}

	if ip := net.ParseIP(ipAddress); ip != nil && ip.IsLoopback() {
		return true
	}

	return false
}
