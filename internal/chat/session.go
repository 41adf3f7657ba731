// Package chat composes transport, presence and history access into one
// conversation: its buffered message list, live stream and send path.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/interacthub/livecomm/internal/channel"
	"github.com/interacthub/livecomm/internal/directory"
	"github.com/interacthub/livecomm/internal/presence"
	"github.com/interacthub/livecomm/internal/transport"
	"github.com/interacthub/livecomm/internal/util"
)

const (
	// DefaultBufferSize is the number of messages kept in memory per session.
	DefaultBufferSize = 100

	// DefaultHistoryLimit is how many persisted messages Open backfills.
	DefaultHistoryLimit = 50
)

// Bus is the slice of the transport connection a session needs.
type Bus interface {
	Publish(destination string, payload any) error
	Subscribe(destination string, fn func(body []byte)) func()
}

// HistoryFetcher backfills persisted messages. *directory.Client satisfies it.
type HistoryFetcher interface {
	History(ctx context.Context, channelID string, limit int) ([]directory.HistoryMessage, error)
}

// Session is one open conversation.
type Session struct {
	channelID string
	self      string
	bus       Bus
	typist    *presence.Typist // may be nil

	messages *util.RingBuffer[Message]

	mu        sync.RWMutex
	listeners map[int]func(Message)
	nextID    int
	closed    bool

	unsubMsg    func()
	unsubStatus func()
}

// Open backfills history for channelID and subscribes to its live message
// stream and to the per-user status queue. typist may be nil when typing
// indicators are not wanted.
func Open(ctx context.Context, bus Bus, history HistoryFetcher, typist *presence.Typist, channelID, self string) (*Session, error) {
	s := &Session{
		channelID: channelID,
		self:      channel.Normalize(self),
		bus:       bus,
		typist:    typist,
		messages:  util.NewRingBuffer[Message](DefaultBufferSize),
		listeners: make(map[int]func(Message)),
	}

	if history != nil {
		msgs, err := history.History(ctx, channelID, DefaultHistoryLimit)
		if err != nil {
			return nil, fmt.Errorf("chat: backfill %s: %w", channelID, err)
		}
		for _, h := range msgs {
			s.messages.Push(fromHistory(h))
		}
	}

	s.unsubMsg = bus.Subscribe(transport.ChannelMessages(channelID), s.handleInbound)
	s.unsubStatus = bus.Subscribe(transport.UserStatusQueue(s.self), s.handleStatus)
	log.Printf("CHAT [%s]: session open, %d messages backfilled", channelID, s.messages.Len())
	return s, nil
}

// ChannelID returns the conversation this session is bound to.
func (s *Session) ChannelID() string { return s.channelID }

// Messages returns the buffered conversation, oldest first.
func (s *Session) Messages() []Message {
	return s.messages.Snapshot()
}

// Subscribe registers a listener for new and updated messages. The returned
// func removes it.
func (s *Session) Subscribe(fn func(Message)) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Send publishes a message on this conversation and records the local copy.
// While offline the publish lands in the transport's pending queue, so Send
// does not fail for connectivity reasons.
func (s *Session) Send(content, replyToID string) (Message, error) {
	return s.send(content, "", replyToID)
}

// SendAttachment publishes a message carrying an uploaded attachment's URL
// alongside the (possibly empty) text content.
func (s *Session) SendAttachment(content, attachmentURL, replyToID string) (Message, error) {
	return s.send(content, attachmentURL, replyToID)
}

func (s *Session) send(content, attachmentURL, replyToID string) (Message, error) {
	msg := newMessage(s.channelID, s.self, content, attachmentURL, replyToID)

	var err error
	if channel.KindOf(s.channelID) == channel.KindDirect {
		peer, ok := channel.Peer(s.channelID, s.self)
		if !ok {
			return Message{}, fmt.Errorf("chat: %s does not include %s", s.channelID, s.self)
		}
		err = s.bus.Publish(transport.SendDM, dmPayload{
			ID:             msg.ID,
			RoomID:         s.channelID,
			SenderEmail:    s.self,
			RecipientEmail: peer,
			Content:        content,
			AttachmentURL:  attachmentURL,
			ReplyToID:      replyToID,
		})
	} else {
		err = s.bus.Publish(transport.SendGroup, groupPayload{
			ID:            msg.ID,
			GroupID:       channel.Room(s.channelID),
			SenderEmail:   s.self,
			Content:       content,
			AttachmentURL: attachmentURL,
			ReplyToID:     replyToID,
		})
	}
	if err != nil {
		return Message{}, fmt.Errorf("chat: send on %s: %w", s.channelID, err)
	}

	s.messages.Push(msg)
	s.notify(msg)
	return msg, nil
}

// Typing records a keystroke for the typing indicator.
func (s *Session) Typing() {
	if s.typist != nil {
		s.typist.Keystroke(s.channelID)
	}
}

// MarkRead publishes a read receipt for every buffered message from the
// other participants. The sender's copy is upgraded via the status queue,
// not locally.
func (s *Session) MarkRead() {
	for _, m := range s.messages.Snapshot() {
		if channel.SameIdentity(m.Sender, s.self) {
			continue
		}
		s.publishReceipt(transport.SendRead, m.ID)
	}
}

// handleInbound processes one live message from the bus. The local copy of
// our own send is already buffered, so echoes are dropped by ID.
func (s *Session) handleInbound(body []byte) {
	var w wireMessage
	if err := json.Unmarshal(body, &w); err != nil {
		log.Printf("CHAT [%s]: malformed message dropped: %v", s.channelID, err)
		return
	}
	if w.ID == "" {
		return
	}
	for _, m := range s.messages.Snapshot() {
		if m.ID == w.ID {
			return
		}
	}

	msg := Message{
		ID:         w.ID,
		ChannelID:  s.channelID,
		Sender:     channel.Normalize(w.SenderEmail),
		Content:    w.Content,
		Attachment: w.AttachmentURL,
		ReplyToID:  w.ReplyToID,
		SentAt:     w.SentAt,
		Status:     StatusSent,
	}
	s.messages.Push(msg)

	if !channel.SameIdentity(msg.Sender, s.self) {
		s.publishReceipt(transport.SendDelivered, msg.ID)
	}
	s.notify(msg)
}

// handleStatus applies a receipt-driven status upgrade to the local copy of
// a sent message. Downgrades are ignored.
func (s *Session) handleStatus(body []byte) {
	var u statusUpdate
	if err := json.Unmarshal(body, &u); err != nil {
		log.Printf("CHAT [%s]: malformed status update dropped: %v", s.channelID, err)
		return
	}
	if u.MessageID == "" || u.Status.rank() == 0 {
		return
	}

	var changed *Message
	s.messages.Replace(func(m Message) Message {
		if m.ID != u.MessageID {
			return m
		}
		next := upgrade(m.Status, u.Status)
		if next != m.Status {
			m.Status = next
			changed = &m
		}
		return m
	})
	if changed != nil {
		s.notify(*changed)
	}
}

func (s *Session) publishReceipt(destination, messageID string) {
	err := s.bus.Publish(destination, receiptPayload{
		MessageID: messageID,
		RoomID:    s.channelID,
		UserID:    s.self,
	})
	if err != nil {
		log.Printf("CHAT [%s]: publish receipt for %s: %v", s.channelID, messageID, err)
	}
}

func (s *Session) notify(msg Message) {
	s.mu.RLock()
	fns := make([]func(Message), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.RUnlock()
	for _, fn := range fns {
		fn(msg)
	}
}

// Close detaches the session from the bus. Buffered messages remain
// readable afterwards.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.listeners = make(map[int]func(Message))
	s.mu.Unlock()

	s.unsubMsg()
	s.unsubStatus()
	log.Printf("CHAT [%s]: session closed", s.channelID)
}
