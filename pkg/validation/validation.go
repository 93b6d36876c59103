package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/pion/sdp/v3"
)

var (
	// PeerIDRegex validates peer ID format
	PeerIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	candidateTypes = map[string]bool{
		"host":  true,
		"srflx": true,
		"prflx": true,
		"relay": true,
	}
)

// ValidatePeerID validates peer ID
func ValidatePeerID(peerID string) error {
	if peerID == "" {
		return fmt.Errorf("peer ID is required")
	}
	if len(peerID) > 100 {
		return fmt.Errorf("peer ID is too long (max 100 characters)")
	}
	if !PeerIDRegex.MatchString(peerID) {
		return fmt.Errorf("invalid peer ID format")
	}
	return nil
}

// ValidateRelayURL validates the address of a websocket relay.
func ValidateRelayURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" && u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid URL scheme %q (must be ws, wss, http or https)", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateICEServerURL accepts stun:, turn: and turns: URIs.
func ValidateICEServerURL(uri string) error {
	scheme, rest, ok := strings.Cut(uri, ":")
	if !ok || rest == "" {
		return fmt.Errorf("invalid ICE server URL %q", uri)
	}
	switch scheme {
	case "stun", "stuns", "turn", "turns":
		return nil
	default:
		return fmt.Errorf("invalid ICE server scheme %q (must be stun, stuns, turn or turns)", scheme)
	}
}

// ValidateSessionDescription parses the SDP body. It does not check that the
// description is acceptable to a particular transport.
func ValidateSessionDescription(body string) error {
	if strings.TrimSpace(body) == "" {
		return fmt.Errorf("SDP cannot be empty")
	}
	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(body)); err != nil {
		return fmt.Errorf("invalid SDP: %w", err)
	}
	return nil
}

// ValidateCandidate checks the candidate-attribute grammar loosely:
// "candidate:<foundation> <component> <transport> <priority> <address> <port> typ <type> ...".
// The empty string is the end-of-candidates marker and is accepted.
func ValidateCandidate(candidate string) error {
	if candidate == "" {
		return nil
	}
	body, ok := strings.CutPrefix(candidate, "candidate:")
	if !ok {
		return fmt.Errorf("candidate must start with %q", "candidate:")
	}
	fields := strings.Fields(body)
	if len(fields) < 8 {
		return fmt.Errorf("candidate has %d fields, want at least 8", len(fields))
	}
	if fields[6] != "typ" {
		return fmt.Errorf("candidate is missing the typ keyword")
	}
	if !candidateTypes[fields[7]] {
		return fmt.Errorf("unknown candidate type %q", fields[7])
	}
	return nil
}
