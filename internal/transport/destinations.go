package transport

import "github.com/interacthub/livecomm/internal/channel"

// ── Destination constants ─────────────────────────────────────────────────────
// Single source of truth for all bus destination strings used across the
// codebase. The bus treats /queue/... and /user/... as point-to-point and
// /topic/... as broadcast.
const (
	// Global broadcast topics.
	TopicPresence           = "/topic/presence"
	TopicGroupNotifications = "/topic/group-notifications"
	TopicAnnouncements      = "/topic/announcements.new"
	TopicPolls              = "/topic/polls.new"
	TopicMeetingsScheduled  = "/topic/meetings.scheduled"
	TopicMeetingsCancelled  = "/topic/meetings.cancelled"

	// Application inbound destinations (client → bus handlers).
	SendDM        = "/app/dm.send"
	SendGroup     = "/app/group.send"
	SendTyping    = "/app/typing"
	SendSignal    = "/app/chat.sendSignal"
	SendCallEvent = "/app/chat.sendCallEvent"
	SendDelivered = "/app/message.delivered"
	SendRead      = "/app/message.read"
)

// UserQueue is the per-user durable notification queue.
func UserQueue(identity string) string {
	return "/user/" + channel.Normalize(identity) + "/queue/notify"
}

// UserNotifyTopic is the broadcast fallback for UserQueue. The backend
// publishes some notifications on both paths; the router deduplicates
// lifecycle events that arrive twice.
func UserNotifyTopic(identity string) string {
	return "/topic/user-notifications." + channel.Normalize(identity)
}

// UserStatusQueue carries delivery/read receipt updates back to a sender.
func UserStatusQueue(identity string) string {
	return "/user/" + channel.Normalize(identity) + "/queue/status"
}

// ChannelMessages is where new messages for a conversation are delivered:
// a point-to-point queue for direct channels, a topic for groups.
func ChannelMessages(channelID string) string {
	if channel.KindOf(channelID) == channel.KindDirect {
		return "/queue/dm." + channel.Room(channelID)
	}
	return "/topic/group." + channel.Room(channelID)
}

// ChannelTyping is the per-conversation typing indicator topic.
func ChannelTyping(channelID string) string {
	return "/topic/typing." + channel.Room(channelID)
}

// ChannelSignal carries WebRTC offer/answer/ICE payloads for a conversation.
func ChannelSignal(channelID string) string {
	return "/topic/channel." + channelID + ".signal"
}

// ChannelCall carries call lifecycle events (call-started, user-joined,
// user-left, call-ended) for a conversation.
func ChannelCall(channelID string) string {
	return "/topic/channel." + channelID + ".call"
}
