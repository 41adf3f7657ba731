// Package channel derives and parses conversation channel identifiers.
// Direct channels are addressed as "DM_<a>|<b>" with the two participant
// identities lowercased, trimmed and sorted, so both peers compute the same
// ID without a negotiation round trip. Group channels are "GROUP_<id>" with
// a server-assigned opaque ID.
package channel

import "strings"

// Kind is the conversation type a channel ID addresses.
type Kind int

const (
	KindDirect Kind = iota
	KindGroup
)

const (
	directPrefix = "DM_"
	groupPrefix  = "GROUP_"
)

// Normalize canonicalizes a user identity: trimmed and lowercased.
// All identity comparisons in this codebase go through this.
func Normalize(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}

// SameIdentity reports whether two identities refer to the same user.
func SameIdentity(a, b string) bool {
	return Normalize(a) == Normalize(b)
}

// Direct returns the channel ID for a 1:1 conversation between a and b.
// Commutative: Direct(a, b) == Direct(b, a).
func Direct(a, b string) string {
	lo, hi := Normalize(a), Normalize(b)
	if lo > hi {
		lo, hi = hi, lo
	}
	return directPrefix + lo + "|" + hi
}

// Group returns the channel ID for a group conversation. The group ID is
// opaque and server-assigned, so no normalization is applied.
func Group(id string) string {
	return groupPrefix + id
}

// KindOf classifies a channel ID. Identifiers without a recognized prefix
// are treated as group channels; some callers still hold raw group IDs
// from before the prefix scheme existed.
func KindOf(id string) Kind {
	if strings.HasPrefix(id, directPrefix) {
		return KindDirect
	}
	return KindGroup
}

// Room strips the channel prefix, yielding the bare room name used in bus
// destinations: the "<a>|<b>" pair for direct channels, the group ID for
// group channels, and the input itself for raw identifiers.
func Room(id string) string {
	switch {
	case strings.HasPrefix(id, directPrefix):
		return id[len(directPrefix):]
	case strings.HasPrefix(id, groupPrefix):
		return id[len(groupPrefix):]
	default:
		return id
	}
}

// Participants returns the two identities of a direct channel.
// ok is false for group channels and malformed direct IDs.
func Participants(id string) (a, b string, ok bool) {
	if !strings.HasPrefix(id, directPrefix) {
		return "", "", false
	}
	pair := id[len(directPrefix):]
	sep := strings.IndexByte(pair, '|')
	if sep <= 0 || sep == len(pair)-1 {
		return "", "", false
	}
	return pair[:sep], pair[sep+1:], true
}

// Peer returns the other participant of a direct channel relative to self.
// ok is false if the channel is not direct or self is not a participant.
func Peer(id, self string) (string, bool) {
	a, b, ok := Participants(id)
	if !ok {
		return "", false
	}
	switch Normalize(self) {
	case a:
		return b, true
	case b:
		return a, true
	}
	return "", false
}
