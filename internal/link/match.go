package link

import "strings"

// MatchKind says why an advertisement was accepted.
type MatchKind int

const (
	NoMatch MatchKind = iota
	MatchStoredAddress
	MatchName
	MatchCachedName
	MatchServiceUUID
)

func (k MatchKind) String() string {
	switch k {
	case MatchStoredAddress:
		return "stored_address"
	case MatchName:
		return "name_marker"
	case MatchCachedName:
		return "cached_name"
	case MatchServiceUUID:
		return "service_uuid"
	default:
		return "none"
	}
}

// Matcher implements the advertisement acceptance policy.
type Matcher struct {
	ServiceUUID string
	NameMarkers []string
}

// Discovery classifies a result seen during an initial discovery scan.
// A stored address match wins over everything else.
func (m Matcher) Discovery(p Peer, id PeerIdentity) MatchKind {
	if id.HasStoredAddress && p.Address == id.Address {
		return MatchStoredAddress
	}
	for _, marker := range m.NameMarkers {
		if marker != "" && strings.Contains(p.Name, marker) {
			return MatchName
		}
	}
	if m.ServiceUUID != "" && p.Advertises(m.ServiceUUID) {
		return MatchServiceUUID
	}
	return NoMatch
}

// Rescan classifies a result while re-acquiring an already chosen target.
// Connectability is checked by the caller so it can warn about it.
func (m Matcher) Rescan(p Peer, id PeerIdentity) MatchKind {
	if id.HasStoredAddress && p.Address == id.Address {
		return MatchStoredAddress
	}
	if id.CachedName != "" && strings.Contains(p.Name, id.CachedName) {
		return MatchCachedName
	}
	if m.ServiceUUID != "" && p.Advertises(m.ServiceUUID) {
		return MatchServiceUUID
	}
	return NoMatch
}
