// Package presence handles the ephemeral signals around a conversation:
// who is typing and who is online. Typing has no persisted identity; the
// authoritative expiry lives on the sender, which re-asserts typing=false
// after two seconds of inactivity.
package presence

import (
	"log"
	"sync"
	"time"

	"github.com/interacthub/livecomm/internal/channel"
	"github.com/interacthub/livecomm/internal/transport"
)

// typingExpiry is how long after the last keystroke the sender auto-clears
// its typing state.
const typingExpiry = 2 * time.Second

// Publisher is the outbound slice of the bus connection.
type Publisher interface {
	Publish(destination string, payload any) error
}

// TypingPayload is the wire shape of a typing indicator event.
type TypingPayload struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	Typing   bool   `json:"typing"`
}

// Typist publishes this user's typing state with debounce: a burst of
// keystrokes produces exactly one typing=true publish, and one typing=false
// publish two seconds after the last keystroke.
type Typist struct {
	bus  Publisher
	self string
	name string

	mu     sync.Mutex
	active map[string]bool        // channelID -> currently typing
	timers map[string]*time.Timer // channelID -> pending auto-clear
}

// NewTypist creates a Typist for the given identity.
func NewTypist(bus Publisher, self, displayName string) *Typist {
	return &Typist{
		bus:    bus,
		self:   channel.Normalize(self),
		name:   displayName,
		active: make(map[string]bool),
		timers: make(map[string]*time.Timer),
	}
}

// Keystroke records typing activity on a channel. The first keystroke of a
// burst publishes typing=true; later ones only push the auto-clear timer
// forward.
func (t *Typist) Keystroke(channelID string) {
	t.mu.Lock()
	wasActive := t.active[channelID]
	t.active[channelID] = true
	if timer, ok := t.timers[channelID]; ok {
		timer.Stop()
	}
	t.timers[channelID] = time.AfterFunc(typingExpiry, func() { t.clear(channelID) })
	t.mu.Unlock()

	if !wasActive {
		t.publish(channelID, true)
	}
}

// Stop cancels pending timers and clears any channels still marked typing,
// so a closed conversation never leaves a stuck indicator on the remote side.
func (t *Typist) Stop() {
	t.mu.Lock()
	var stillTyping []string
	for _, timer := range t.timers {
		timer.Stop()
	}
	for id, active := range t.active {
		if active {
			stillTyping = append(stillTyping, id)
		}
	}
	t.timers = make(map[string]*time.Timer)
	t.active = make(map[string]bool)
	t.mu.Unlock()

	for _, id := range stillTyping {
		t.publish(id, false)
	}
}

// clear is the auto-expiry path after typingExpiry of inactivity.
func (t *Typist) clear(channelID string) {
	t.mu.Lock()
	if !t.active[channelID] {
		t.mu.Unlock()
		return
	}
	t.active[channelID] = false
	delete(t.timers, channelID)
	t.mu.Unlock()

	t.publish(channelID, false)
}

func (t *Typist) publish(channelID string, typing bool) {
	err := t.bus.Publish(transport.SendTyping, TypingPayload{
		RoomID:   channel.Room(channelID),
		UserID:   t.self,
		UserName: t.name,
		Typing:   typing,
	})
	if err != nil {
		log.Printf("PRESENCE: typing publish failed: %v", err)
	}
}
