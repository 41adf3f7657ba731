package chat

import (
	"time"

	"github.com/google/uuid"

	"github.com/interacthub/livecomm/internal/directory"
)

// Status is a message's delivery state. It only moves forward: a READ
// message never drops back to DELIVERED.
type Status string

const (
	StatusSent      Status = "SENT"
	StatusDelivered Status = "DELIVERED"
	StatusRead      Status = "READ"
)

func (s Status) rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return 0
}

// upgrade returns next when it outranks cur, otherwise cur.
func upgrade(cur, next Status) Status {
	if next.rank() > cur.rank() {
		return next
	}
	return cur
}

// Message is one conversation message as held in memory.
type Message struct {
	ID         string    `json:"id"`
	ChannelID  string    `json:"roomId"`
	Sender     string    `json:"senderEmail"`
	Content    string    `json:"content"`
	Attachment string    `json:"attachmentUrl,omitempty"`
	ReplyToID  string    `json:"replyToId,omitempty"`
	SentAt     time.Time `json:"sentAt"`
	Status     Status    `json:"status,omitempty"`
}

func newMessage(channelID, sender, content, attachment, replyToID string) Message {
	return Message{
		ID:         uuid.NewString(),
		ChannelID:  channelID,
		Sender:     sender,
		Content:    content,
		Attachment: attachment,
		ReplyToID:  replyToID,
		SentAt:     time.Now(),
		Status:     StatusSent,
	}
}

func fromHistory(h directory.HistoryMessage) Message {
	status := Status(h.Status)
	if status.rank() == 0 {
		status = StatusSent
	}
	return Message{
		ID:         h.ID,
		ChannelID:  h.RoomID,
		Sender:     h.Sender,
		Content:    h.Content,
		Attachment: h.Attachment,
		ReplyToID:  h.ReplyToID,
		SentAt:     h.SentAt,
		Status:     status,
	}
}

// dmPayload is the outbound shape for direct messages.
type dmPayload struct {
	ID             string `json:"id"`
	RoomID         string `json:"roomId"`
	SenderEmail    string `json:"senderEmail"`
	RecipientEmail string `json:"recipientEmail"`
	Content        string `json:"content"`
	AttachmentURL  string `json:"attachmentUrl,omitempty"`
	ReplyToID      string `json:"replyToId,omitempty"`
}

// groupPayload is the outbound shape for group messages.
type groupPayload struct {
	ID            string `json:"id"`
	GroupID       string `json:"groupId"`
	SenderEmail   string `json:"senderEmail"`
	Content       string `json:"content"`
	AttachmentURL string `json:"attachmentUrl,omitempty"`
	ReplyToID     string `json:"replyToId,omitempty"`
}

// receiptPayload acknowledges delivery or reading of one message.
type receiptPayload struct {
	MessageID string `json:"messageId"`
	RoomID    string `json:"roomId"`
	UserID    string `json:"userId"`
}

// statusUpdate arrives on the sender's status queue when a recipient
// acknowledges a message.
type statusUpdate struct {
	MessageID string `json:"messageId"`
	Status    Status `json:"status"`
}

// wireMessage is the inbound shape on a channel's message destination.
// Group fan-out uses groupId where direct delivery uses roomId.
type wireMessage struct {
	ID            string    `json:"id"`
	RoomID        string    `json:"roomId"`
	GroupID       string    `json:"groupId"`
	SenderEmail   string    `json:"senderEmail"`
	Content       string    `json:"content"`
	AttachmentURL string    `json:"attachmentUrl,omitempty"`
	ReplyToID     string    `json:"replyToId,omitempty"`
	SentAt        time.Time `json:"sentAt"`
}
