package proto

import (
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Signal message types. The relay treats payloads as opaque; only the type
// and addressing fields are interpreted.
const (
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice-candidate"
	TypeRelayRequest = "relay-request"
)

// Server-to-client frame kinds on the live signaling connection.
const (
	FrameWelcome = "welcome"
	FrameSignal  = "signal"
	FrameError   = "error"
)

// Device capabilities carried in presence records.
const (
	CapRelay       = "relay"
	CapStore       = "store"
	CapCoordinator = "coordinator"
)

// Device IDs are "peer_" followed by alphanumerics/underscores,
// 6..64 characters total.
var deviceIDRe = regexp.MustCompile(`^peer_[A-Za-z0-9_]{1,59}$`)

// ValidDeviceID reports whether s is a well-formed device identifier.
func ValidDeviceID(s string) bool {
	return deviceIDRe.MatchString(s)
}

// ValidSignalType reports whether t is one of the relayable message types.
func ValidSignalType(t string) bool {
	switch t {
	case TypeOffer, TypeAnswer, TypeICECandidate, TypeRelayRequest:
		return true
	}
	return false
}

// ValidRendezvousAddr reports whether addr is a ws:// or wss:// URL with a host.
func ValidRendezvousAddr(addr string) bool {
	u, err := url.Parse(addr)
	if err != nil {
		return false
	}
	return (u.Scheme == "ws" || u.Scheme == "wss") && u.Host != ""
}

// ChannelKey derives the order-independent mailbox key for a device pair.
// Both directions of a conversation map to the same key.
func ChannelKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

// NormalizeCapabilities lowercases, dedupes and sorts a capability list,
// dropping unknown entries.
func NormalizeCapabilities(caps []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(caps))
	for _, c := range caps {
		c = strings.ToLower(strings.TrimSpace(c))
		switch c {
		case CapRelay, CapStore, CapCoordinator:
			if !seen[c] {
				seen[c] = true
				out = append(out, c)
			}
		}
	}
	sort.Strings(out)
	return out
}

// HasCapability reports whether want is present in caps.
func HasCapability(caps []string, want string) bool {
	for _, c := range caps {
		if c == want {
			return true
		}
	}
	return false
}

// AddCapability returns caps with the given capability added (sorted, no duplicates).
func AddCapability(caps []string, add string) []string {
	if HasCapability(caps, add) {
		return caps
	}
	out := append(append([]string(nil), caps...), add)
	sort.Strings(out)
	return out
}

// RemoveCapability returns caps with the given capability removed.
func RemoveCapability(caps []string, drop string) []string {
	out := make([]string, 0, len(caps))
	for _, c := range caps {
		if c != drop {
			out = append(out, c)
		}
	}
	return out
}

// EncodeCapabilities renders a capability set for single-column storage.
func EncodeCapabilities(caps []string) string {
	return strings.Join(NormalizeCapabilities(caps), ",")
}

// DecodeCapabilities parses the storage encoding back into a set.
func DecodeCapabilities(s string) []string {
	if s == "" {
		return nil
	}
	return NormalizeCapabilities(strings.Split(s, ","))
}

func NowMillis() int64 { return time.Now().UnixMilli() }
