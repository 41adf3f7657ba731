// Package notify classifies inbound bus events and fans them out to every
// registered consumer exactly once, while appending user-facing entries to
// the durable notification log.
package notify

import "strings"

// Type is the classification of an inbound notification event.
// The set is closed: payloads with any other type are ignored so newer
// backends can add event kinds without breaking older clients.
type Type string

const (
	TypeDM               Type = "dm"
	TypeGroupMessage     Type = "group_message"
	TypeIncomingCall     Type = "incoming_call"
	TypeNewGroup         Type = "new_group"
	TypeGroupLeft        Type = "group_left"
	TypeGroupDeleted     Type = "group_deleted"
	TypeAnnouncement     Type = "announcement"
	TypePoll             Type = "poll"
	TypeMeetingScheduled Type = "meeting_scheduled"
	TypeMeetingCancelled Type = "meeting_cancelled"
	TypeTaskAssigned     Type = "task_assigned"
)

// classify maps a wire type string to a Type. The backend is inconsistent
// about casing (GROUP_DELETED vs group_deleted, MEETING_INVITATION vs
// meetings.scheduled payloads), so matching is case-insensitive with the
// known aliases folded in. ok is false for unknown types.
func classify(wire string) (Type, bool) {
	switch strings.ToLower(strings.TrimSpace(wire)) {
	case "dm":
		return TypeDM, true
	case "group_message":
		return TypeGroupMessage, true
	case "incoming_call":
		return TypeIncomingCall, true
	case "new_group":
		return TypeNewGroup, true
	case "group_left":
		return TypeGroupLeft, true
	case "group_deleted":
		return TypeGroupDeleted, true
	case "announcement":
		return TypeAnnouncement, true
	case "poll":
		return TypePoll, true
	case "meeting_scheduled", "meeting_invitation":
		return TypeMeetingScheduled, true
	case "meeting_cancelled":
		return TypeMeetingCancelled, true
	case "task_assigned":
		return TypeTaskAssigned, true
	}
	return "", false
}

// isLifecycle reports whether a type describes a group/meeting lifecycle
// change. Lifecycle events can arrive on both the user queue and a fallback
// broadcast topic, so the router deduplicates them; plain chat messages are
// not deduplicated here (the UI owns de-dup by message ID).
func isLifecycle(t Type) bool {
	switch t {
	case TypeNewGroup, TypeGroupLeft, TypeGroupDeleted,
		TypeMeetingScheduled, TypeMeetingCancelled:
		return true
	}
	return false
}

// Event is a classified notification delivered to consumers.
type Event struct {
	Type    Type     `json:"type"`
	From    string   `json:"from,omitempty"`
	Title   string   `json:"title"`
	Message string   `json:"message"`
	RoomID  string   `json:"roomId,omitempty"`
	GroupID string   `json:"groupId,omitempty"`
	Members []string `json:"members,omitempty"`
}
