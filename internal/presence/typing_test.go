package presence

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/interacthub/livecomm/internal/transport"
)

// recorder captures published payloads per destination.
type recorder struct {
	mu   sync.Mutex
	sent []TypingPayload
}

func (r *recorder) Publish(destination string, payload any) error {
	if destination != transport.SendTyping {
		return nil
	}
	r.mu.Lock()
	r.sent = append(r.sent, payload.(TypingPayload))
	r.mu.Unlock()
	return nil
}

func (r *recorder) snapshot() []TypingPayload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]TypingPayload(nil), r.sent...)
}

func TestTypingBurstPublishesOnce(t *testing.T) {
	rec := &recorder{}
	typist := NewTypist(rec, "Me@X.com", "Me")

	// Five keystrokes in quick succession: one typing=true.
	for i := 0; i < 5; i++ {
		typist.Keystroke("DM_bob@x.com|me@x.com")
		time.Sleep(10 * time.Millisecond)
	}

	sent := rec.snapshot()
	if len(sent) != 1 || !sent[0].Typing {
		t.Fatalf("burst produced %d publishes: %+v", len(sent), sent)
	}
	if sent[0].UserID != "me@x.com" {
		t.Fatalf("identity not normalized: %q", sent[0].UserID)
	}
	if sent[0].RoomID != "bob@x.com|me@x.com" {
		t.Fatalf("room = %q", sent[0].RoomID)
	}
}

func TestTypingAutoClearsAfterExpiry(t *testing.T) {
	rec := &recorder{}
	typist := NewTypist(rec, "me@x.com", "Me")

	typist.Keystroke("DM_bob@x.com|me@x.com")

	deadline := time.Now().Add(typingExpiry + time.Second)
	for time.Now().Before(deadline) {
		if len(rec.snapshot()) == 2 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	sent := rec.snapshot()
	if len(sent) != 2 {
		t.Fatalf("expected true then false, got %d publishes", len(sent))
	}
	if !sent[0].Typing || sent[1].Typing {
		t.Fatalf("wrong sequence: %+v", sent)
	}
}

func TestStopClearsActiveTyping(t *testing.T) {
	rec := &recorder{}
	typist := NewTypist(rec, "me@x.com", "Me")

	typist.Keystroke("GROUP_g1")
	typist.Stop()

	sent := rec.snapshot()
	if len(sent) != 2 || sent[1].Typing {
		t.Fatalf("Stop did not clear typing: %+v", sent)
	}

	// A later expiry tick must not publish a second false.
	time.Sleep(typingExpiry + 200*time.Millisecond)
	if n := len(rec.snapshot()); n != 2 {
		t.Fatalf("extra publish after Stop: %d", n)
	}
}

// fakeSub lets tests feed typing and presence payloads into a Tracker.
type fakeSub struct {
	handlers map[string][]func([]byte)
}

func newFakeSub() *fakeSub { return &fakeSub{handlers: make(map[string][]func([]byte))} }

func (f *fakeSub) Subscribe(destination string, fn func(body []byte)) func() {
	f.handlers[destination] = append(f.handlers[destination], fn)
	return func() {}
}

func (f *fakeSub) inject(t *testing.T, destination string, payload any) {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	for _, fn := range f.handlers[destination] {
		fn(body)
	}
}

func TestTrackerTypingNames(t *testing.T) {
	bus := newFakeSub()
	tr := NewTracker(bus, "me@x.com")
	defer tr.Close()

	ch := "GROUP_g1"
	cancel := tr.WatchTyping(bus, ch)
	defer cancel()

	dest := transport.ChannelTyping(ch)
	bus.inject(t, dest, TypingPayload{RoomID: "g1", UserID: "bob@x.com", UserName: "Bob", Typing: true})
	bus.inject(t, dest, TypingPayload{RoomID: "g1", UserID: "carol@x.com", UserName: "Carol", Typing: true})
	// Repeated true is idempotent for the set.
	bus.inject(t, dest, TypingPayload{RoomID: "g1", UserID: "bob@x.com", UserName: "Bob", Typing: true})
	// Own events are ignored.
	bus.inject(t, dest, TypingPayload{RoomID: "g1", UserID: "ME@x.com", UserName: "Me", Typing: true})

	if got := tr.TypingNames(ch); len(got) != 2 || got[0] != "Bob" || got[1] != "Carol" {
		t.Fatalf("typing names = %v", got)
	}

	bus.inject(t, dest, TypingPayload{RoomID: "g1", UserID: "bob@x.com", UserName: "Bob", Typing: false})
	if got := tr.TypingNames(ch); len(got) != 1 || got[0] != "Carol" {
		t.Fatalf("after false, typing names = %v", got)
	}
}

func TestTrackerOnline(t *testing.T) {
	bus := newFakeSub()
	tr := NewTracker(bus, "me@x.com")
	defer tr.Close()

	bus.inject(t, transport.TopicPresence, presencePayload{UserID: "Bob@X.com", Status: "ONLINE"})
	if !tr.Online("bob@x.com") {
		t.Fatal("bob should be online")
	}
	bus.inject(t, transport.TopicPresence, presencePayload{UserID: "bob@x.com", Status: "OFFLINE"})
	if tr.Online("bob@x.com") {
		t.Fatal("bob should be offline")
	}
}
