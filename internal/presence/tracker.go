package presence

import (
	"encoding/json"
	"log"
	"sort"
	"sync"

	"github.com/interacthub/livecomm/internal/channel"
	"github.com/interacthub/livecomm/internal/transport"
)

// Subscriber is the inbound slice of the bus connection.
type Subscriber interface {
	Subscribe(destination string, fn func(body []byte)) func()
}

// presencePayload is the wire shape on the global presence topic.
type presencePayload struct {
	UserID string `json:"userId"`
	Status string `json:"status"` // ONLINE or OFFLINE
}

// Tracker maintains the receiver-side view of presence: which users are
// online globally, and which display names are currently typing per
// channel. Typing names are removed when the sender publishes
// typing=false; there is no receiver-side timeout, the sender owns expiry.
type Tracker struct {
	self string

	mu     sync.RWMutex
	online map[string]struct{}
	typing map[string]map[string]struct{} // room -> display names
	unsubs []func()
}

// NewTracker creates a Tracker and subscribes it to the global presence
// topic. Per-channel typing topics are watched via WatchTyping.
func NewTracker(bus Subscriber, self string) *Tracker {
	t := &Tracker{
		self:   channel.Normalize(self),
		online: make(map[string]struct{}),
		typing: make(map[string]map[string]struct{}),
	}
	t.unsubs = append(t.unsubs, bus.Subscribe(transport.TopicPresence, t.handlePresence))
	return t
}

// WatchTyping subscribes to a channel's typing topic. Returns an
// unsubscribe function; the channel's typing set is cleared on unsubscribe.
func (t *Tracker) WatchTyping(bus Subscriber, channelID string) func() {
	room := channel.Room(channelID)
	cancel := bus.Subscribe(transport.ChannelTyping(channelID), func(body []byte) {
		t.handleTyping(room, body)
	})
	return func() {
		cancel()
		t.mu.Lock()
		delete(t.typing, room)
		t.mu.Unlock()
	}
}

func (t *Tracker) handlePresence(body []byte) {
	var p presencePayload
	if err := json.Unmarshal(body, &p); err != nil {
		log.Printf("PRESENCE: malformed presence payload: %v", err)
		return
	}
	id := channel.Normalize(p.UserID)
	t.mu.Lock()
	if p.Status == "ONLINE" {
		t.online[id] = struct{}{}
	} else {
		delete(t.online, id)
	}
	t.mu.Unlock()
}

func (t *Tracker) handleTyping(room string, body []byte) {
	var p TypingPayload
	if err := json.Unmarshal(body, &p); err != nil {
		log.Printf("PRESENCE: malformed typing payload: %v", err)
		return
	}
	// Our own typing events come back on the topic; never show ourselves.
	if channel.SameIdentity(p.UserID, t.self) {
		return
	}

	t.mu.Lock()
	set := t.typing[room]
	if p.Typing {
		if set == nil {
			set = make(map[string]struct{})
			t.typing[room] = set
		}
		set[p.UserName] = struct{}{} // idempotent for repeated true
	} else if set != nil {
		delete(set, p.UserName)
	}
	t.mu.Unlock()
}

// Online reports whether a user is currently online.
func (t *Tracker) Online(identity string) bool {
	t.mu.RLock()
	_, ok := t.online[channel.Normalize(identity)]
	t.mu.RUnlock()
	return ok
}

// TypingNames returns the display names currently typing in a channel,
// sorted for stable rendering.
func (t *Tracker) TypingNames(channelID string) []string {
	room := channel.Room(channelID)
	t.mu.RLock()
	names := make([]string, 0, len(t.typing[room]))
	for n := range t.typing[room] {
		names = append(names, n)
	}
	t.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Close removes the tracker's bus subscriptions.
func (t *Tracker) Close() {
	for _, u := range t.unsubs {
		u()
	}
	t.unsubs = nil
}
