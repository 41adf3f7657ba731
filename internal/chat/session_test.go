package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/interacthub/livecomm/internal/directory"
	"github.com/interacthub/livecomm/internal/transport"
)

// fakeBus records publishes and lets tests inject inbound bodies.
type fakeBus struct {
	mu   sync.Mutex
	subs map[string][]func([]byte)
	sent []sentFrame
}

type sentFrame struct {
	dest string
	body []byte
}

func newFakeBus() *fakeBus { return &fakeBus{subs: make(map[string][]func([]byte))} }

func (b *fakeBus) Publish(dest string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.sent = append(b.sent, sentFrame{dest: dest, body: body})
	b.mu.Unlock()
	return nil
}

func (b *fakeBus) Subscribe(dest string, fn func([]byte)) func() {
	b.mu.Lock()
	b.subs[dest] = append(b.subs[dest], fn)
	b.mu.Unlock()
	return func() {}
}

func (b *fakeBus) deliver(t *testing.T, dest string, payload any) {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	b.mu.Lock()
	fns := append([]func([]byte){}, b.subs[dest]...)
	b.mu.Unlock()
	for _, fn := range fns {
		fn(body)
	}
}

func (b *fakeBus) sentTo(dest string) []sentFrame {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []sentFrame
	for _, f := range b.sent {
		if f.dest == dest {
			out = append(out, f)
		}
	}
	return out
}

const dmChannel = "DM_alice@corp.io|bob@corp.io"

func openTestSession(t *testing.T, bus *fakeBus, history HistoryFetcher) *Session {
	t.Helper()
	s, err := Open(context.Background(), bus, history, nil, dmChannel, "Alice@Corp.io")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestSendDirectMessage(t *testing.T) {
	bus := newFakeBus()
	s := openTestSession(t, bus, nil)

	msg, err := s.Send("hello", "")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if msg.Status != StatusSent {
		t.Fatalf("status = %q", msg.Status)
	}

	frames := bus.sentTo(transport.SendDM)
	if len(frames) != 1 {
		t.Fatalf("published %d dm frames", len(frames))
	}
	var p dmPayload
	if err := json.Unmarshal(frames[0].body, &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.SenderEmail != "alice@corp.io" || p.RecipientEmail != "bob@corp.io" || p.RoomID != dmChannel {
		t.Fatalf("payload = %+v", p)
	}
	if got := s.Messages(); len(got) != 1 || got[0].ID != msg.ID {
		t.Fatalf("buffer = %+v", got)
	}
}

func TestSendGroupMessage(t *testing.T) {
	bus := newFakeBus()
	s, err := Open(context.Background(), bus, nil, nil, "GROUP_7", "alice@corp.io")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if _, err := s.Send("standup in 5", "m0"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	frames := bus.sentTo(transport.SendGroup)
	if len(frames) != 1 {
		t.Fatalf("published %d group frames", len(frames))
	}
	var p groupPayload
	json.Unmarshal(frames[0].body, &p)
	if p.GroupID != "7" || p.ReplyToID != "m0" {
		t.Fatalf("payload = %+v", p)
	}
}

func TestInboundMessageAcknowledged(t *testing.T) {
	bus := newFakeBus()
	s := openTestSession(t, bus, nil)

	var got []Message
	var mu sync.Mutex
	s.Subscribe(func(m Message) {
		mu.Lock()
		got = append(got, m)
		mu.Unlock()
	})

	bus.deliver(t, transport.ChannelMessages(dmChannel), wireMessage{
		ID: "m1", RoomID: dmChannel, SenderEmail: "Bob@Corp.io", Content: "hi", SentAt: time.Now(),
	})

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].Sender != "bob@corp.io" {
		t.Fatalf("listener saw %+v", got)
	}
	receipts := bus.sentTo(transport.SendDelivered)
	if len(receipts) != 1 {
		t.Fatalf("published %d delivered receipts", len(receipts))
	}
	var r receiptPayload
	json.Unmarshal(receipts[0].body, &r)
	if r.MessageID != "m1" || r.UserID != "alice@corp.io" {
		t.Fatalf("receipt = %+v", r)
	}
}

func TestOwnEchoNotDuplicated(t *testing.T) {
	bus := newFakeBus()
	s := openTestSession(t, bus, nil)

	msg, err := s.Send("hello", "")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	bus.deliver(t, transport.ChannelMessages(dmChannel), wireMessage{
		ID: msg.ID, RoomID: dmChannel, SenderEmail: "alice@corp.io", Content: "hello",
	})

	if got := len(s.Messages()); got != 1 {
		t.Fatalf("buffer holds %d messages after echo", got)
	}
	if receipts := bus.sentTo(transport.SendDelivered); len(receipts) != 0 {
		t.Fatalf("acknowledged own message %d times", len(receipts))
	}
}

func TestStatusUpgradesAreMonotonic(t *testing.T) {
	bus := newFakeBus()
	s := openTestSession(t, bus, nil)

	msg, err := s.Send("hello", "")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	statusQueue := transport.UserStatusQueue("alice@corp.io")

	bus.deliver(t, statusQueue, statusUpdate{MessageID: msg.ID, Status: StatusRead})
	// A late DELIVERED must not demote READ.
	bus.deliver(t, statusQueue, statusUpdate{MessageID: msg.ID, Status: StatusDelivered})

	got := s.Messages()
	if len(got) != 1 || got[0].Status != StatusRead {
		t.Fatalf("status = %q, want READ", got[0].Status)
	}
}

func TestMarkReadPublishesForPeerMessagesOnly(t *testing.T) {
	bus := newFakeBus()
	s := openTestSession(t, bus, nil)

	if _, err := s.Send("mine", ""); err != nil {
		t.Fatalf("Send: %v", err)
	}
	bus.deliver(t, transport.ChannelMessages(dmChannel), wireMessage{
		ID: "m1", RoomID: dmChannel, SenderEmail: "bob@corp.io", Content: "theirs",
	})

	s.MarkRead()
	receipts := bus.sentTo(transport.SendRead)
	if len(receipts) != 1 {
		t.Fatalf("published %d read receipts", len(receipts))
	}
	var r receiptPayload
	json.Unmarshal(receipts[0].body, &r)
	if r.MessageID != "m1" {
		t.Fatalf("read receipt for %q", r.MessageID)
	}
}

func TestOpenBackfillsHistory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]directory.HistoryMessage{
			{ID: "h1", RoomID: dmChannel, Sender: "bob@corp.io", Content: "old", Status: "READ"},
			{ID: "h2", RoomID: dmChannel, Sender: "alice@corp.io", Content: "older"},
		})
	}))
	defer srv.Close()

	bus := newFakeBus()
	client := directory.NewClient("", "", srv.URL, nil)
	s := openTestSession(t, bus, client)

	got := s.Messages()
	if len(got) != 2 {
		t.Fatalf("backfilled %d messages", len(got))
	}
	if got[0].ID != "h1" || got[0].Status != StatusRead {
		t.Fatalf("first = %+v", got[0])
	}
	if got[1].Status != StatusSent {
		t.Fatalf("missing status not defaulted: %+v", got[1])
	}
}

func TestMalformedInboundDropped(t *testing.T) {
	bus := newFakeBus()
	s := openTestSession(t, bus, nil)

	b := bus
	b.mu.Lock()
	fns := append([]func([]byte){}, b.subs[transport.ChannelMessages(dmChannel)]...)
	b.mu.Unlock()
	for _, fn := range fns {
		fn([]byte("{not json"))
	}

	if got := len(s.Messages()); got != 0 {
		t.Fatalf("buffer holds %d messages after malformed input", got)
	}
}

func TestSendAttachmentCarriesURL(t *testing.T) {
	bus := newFakeBus()
	s := openTestSession(t, bus, nil)

	msg, err := s.SendAttachment("see attached", "https://files.corp.io/u/report.pdf", "")
	if err != nil {
		t.Fatalf("SendAttachment: %v", err)
	}
	if msg.Attachment != "https://files.corp.io/u/report.pdf" {
		t.Fatalf("local copy attachment = %q", msg.Attachment)
	}

	frames := bus.sentTo(transport.SendDM)
	if len(frames) != 1 {
		t.Fatalf("published %d dm frames", len(frames))
	}
	var p dmPayload
	if err := json.Unmarshal(frames[0].body, &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.AttachmentURL != "https://files.corp.io/u/report.pdf" {
		t.Fatalf("payload attachment = %q", p.AttachmentURL)
	}
}

func TestInboundAttachmentPreserved(t *testing.T) {
	bus := newFakeBus()
	s := openTestSession(t, bus, nil)

	bus.deliver(t, transport.ChannelMessages(dmChannel), wireMessage{
		ID:            "m-att-1",
		RoomID:        dmChannel,
		SenderEmail:   "bob@corp.io",
		Content:       "photo",
		AttachmentURL: "https://files.corp.io/u/cat.png",
		SentAt:        time.Now(),
	})

	got := s.Messages()
	if len(got) != 1 {
		t.Fatalf("buffer = %+v", got)
	}
	if got[0].Attachment != "https://files.corp.io/u/cat.png" {
		t.Fatalf("attachment = %q", got[0].Attachment)
	}
}
