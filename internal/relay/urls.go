package relay

import (
	"net/url"
	"strings"
)

// CandidateURLs derives websocket connect candidates for a charger from a
// node's advertised base URLs. HTTP schemes map to their websocket
// equivalents, the serial is percent-encoded, and each base yields both a
// bare path and a /ws-prefixed path. Remote nodes sit behind varied
// reverse-proxy layouts, so connect attempts walk the list in order and
// take the first that succeeds.
func CandidateURLs(baseURLs []string, serial string) []string {
	escaped := url.PathEscape(serial)
	seen := make(map[string]bool)
	var candidates []string

	add := func(u string) {
		if !seen[u] {
			seen[u] = true
			candidates = append(candidates, u)
		}
	}

	for _, base := range baseURLs {
		parsed, err := url.Parse(strings.TrimSpace(base))
		if err != nil || parsed.Host == "" {
			continue
		}
		switch parsed.Scheme {
		case "http":
			parsed.Scheme = "ws"
		case "https":
			parsed.Scheme = "wss"
		case "ws", "wss":
		default:
			continue
		}

		root := strings.TrimRight(parsed.String(), "/")
		add(root + "/" + escaped)
		add(root + "/ws/" + escaped)
	}

	return candidates
}
