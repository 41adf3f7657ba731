package notify

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/interacthub/livecomm/internal/channel"
	"github.com/interacthub/livecomm/internal/storage"
	"github.com/interacthub/livecomm/internal/transport"
)

// Bus is the slice of the transport connection the router needs.
type Bus interface {
	Subscribe(destination string, fn func(body []byte)) func()
}

// Log is the durable notification sink.
type Log interface {
	AppendNotification(n storage.Notification) error
}

// wirePayload is the superset of fields the backend puts on notification
// payloads across all its delivery paths.
type wirePayload struct {
	Type           string   `json:"type"`
	ID             any      `json:"id"`
	From           string   `json:"from"`
	FromName       string   `json:"fromName"`
	SenderName     string   `json:"senderName"`
	FullName       string   `json:"fullName"`
	Preview        string   `json:"preview"`
	RoomID         string   `json:"roomId"`
	GroupID        string   `json:"groupId"`
	GroupName      string   `json:"groupName"`
	Members        []string `json:"members"`
	Title          string   `json:"title"`
	Content        string   `json:"content"`
	Question       string   `json:"question"`
	TargetAudience string   `json:"targetAudience"`
	MeetingDate    string   `json:"meetingDate"`
	MeetingTime    string   `json:"meetingTime"`
	OrganizerName  string   `json:"organizerName"`
	AssignerName   string   `json:"assignerName"`
	TaskTitle      string   `json:"taskTitle"`
	CallType       string   `json:"callType"`
}

// Router subscribes to every notification-bearing destination, classifies
// inbound payloads, deduplicates lifecycle events that arrive on both the
// user queue and a fallback topic, suppresses self-echo, appends to the
// durable log, and broadcasts to registered consumers.
type Router struct {
	self string // normalized identity
	role string // audience role for announcement/poll filtering
	bus  Bus
	bc   *Broadcaster
	log  Log

	mu      sync.Mutex
	seen    map[string]struct{}
	unsubs  []func()
	started bool
}

// NewRouter creates a Router. role is the current user's audience role
// (EMPLOYEE, MANAGER, HR, ADMIN); announcements and polls targeted at a
// different audience are dropped.
func NewRouter(bus Bus, bc *Broadcaster, store Log, self, role string) *Router {
	return &Router{
		self: channel.Normalize(self),
		role: strings.ToUpper(strings.TrimSpace(role)),
		bus:  bus,
		bc:   bc,
		log:  store,
		seen: make(map[string]struct{}),
	}
}

// Start registers the router's bus subscriptions. Idempotent.
func (r *Router) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true

	// Typed notification payloads arrive on the user queue and, as a
	// fallback path, on a per-user broadcast topic and the group topic.
	r.unsubs = append(r.unsubs,
		r.bus.Subscribe(transport.UserQueue(r.self), r.handleTyped),
		r.bus.Subscribe(transport.UserNotifyTopic(r.self), r.handleTyped),
		r.bus.Subscribe(transport.TopicGroupNotifications, r.handleTyped),

		// Announcement and poll topics carry the bare entity, not a typed
		// envelope; the destination implies the kind.
		r.bus.Subscribe(transport.TopicAnnouncements, r.handleEntity(TypeAnnouncement)),
		r.bus.Subscribe(transport.TopicPolls, r.handleEntity(TypePoll)),
		r.bus.Subscribe(transport.TopicMeetingsScheduled, r.handleEntity(TypeMeetingScheduled)),
		r.bus.Subscribe(transport.TopicMeetingsCancelled, r.handleEntity(TypeMeetingCancelled)),
	)
	log.Printf("NOTIFY: router started for %s (role %s)", r.self, r.role)
}

// Stop removes all bus subscriptions. Safe to call more than once.
func (r *Router) Stop() {
	r.mu.Lock()
	unsubs := r.unsubs
	r.unsubs = nil
	r.started = false
	r.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
}

// handleTyped processes a payload whose "type" field determines the event.
func (r *Router) handleTyped(body []byte) {
	var p wirePayload
	if err := json.Unmarshal(body, &p); err != nil {
		log.Printf("NOTIFY: malformed payload dropped: %v", err)
		return
	}
	t, ok := classify(p.Type)
	if !ok {
		// Unknown types are silently skipped so newer backends stay
		// compatible with this client.
		return
	}
	r.process(t, &p)
}

// handleEntity wraps a bare entity payload (announcement, poll, meeting)
// whose kind is implied by the destination it arrived on.
func (r *Router) handleEntity(t Type) func(body []byte) {
	return func(body []byte) {
		var p wirePayload
		if err := json.Unmarshal(body, &p); err != nil {
			log.Printf("NOTIFY: malformed %s payload dropped: %v", t, err)
			return
		}
		r.process(t, &p)
	}
}

func (r *Router) process(t Type, p *wirePayload) {
	// Self-echo: our own actions come back on broadcast topics; they must
	// not produce user-facing notifications.
	if p.From != "" && channel.SameIdentity(p.From, r.self) {
		return
	}

	if (t == TypeAnnouncement || t == TypePoll) && !r.audienceAllowed(p.TargetAudience) {
		return
	}

	if isLifecycle(t) {
		key := string(t) + ":" + entityKey(p)
		r.mu.Lock()
		if _, dup := r.seen[key]; dup {
			r.mu.Unlock()
			log.Printf("NOTIFY: duplicate %s dropped", key)
			return
		}
		r.seen[key] = struct{}{}
		r.mu.Unlock()
	}

	evt := r.buildEvent(t, p)

	entry := storage.Notification{
		ID:        notificationID(t, p),
		Type:      string(t),
		Title:     evt.Title,
		Message:   evt.Message,
		Timestamp: time.Now(),
	}
	if err := r.log.AppendNotification(entry); err != nil {
		log.Printf("NOTIFY: append to log failed: %v", err)
	}

	r.bc.Broadcast(evt)
}

func (r *Router) audienceAllowed(target string) bool {
	target = strings.ToUpper(strings.TrimSpace(target))
	return target == "" || target == "ALL" || target == r.role
}

// buildEvent renders the user-facing title and message for a payload.
func (r *Router) buildEvent(t Type, p *wirePayload) Event {
	evt := Event{
		Type:    t,
		From:    channel.Normalize(p.From),
		RoomID:  p.RoomID,
		GroupID: p.GroupID,
		Members: p.Members,
	}
	sender := senderDisplayName(p)

	switch t {
	case TypeDM:
		evt.Title = "Message from " + sender
		evt.Message = orDefault(p.Preview, "New message")
	case TypeGroupMessage:
		evt.Title = orDefault(p.GroupName, "Group message")
		evt.Message = sender + ": " + orDefault(p.Preview, "New message")
	case TypeIncomingCall:
		kind := orDefault(strings.ToUpper(p.CallType), "VIDEO")
		evt.Title = "Incoming " + kind + " call"
		evt.Message = "From: " + sender
	case TypeNewGroup:
		evt.Title = "Added to " + orDefault(p.GroupName, "a group")
		evt.Message = orDefault(p.Preview, "You were added to a new group")
	case TypeGroupLeft:
		evt.Title = orDefault(p.GroupName, "Group") + " update"
		evt.Message = sender + " left the group"
	case TypeGroupDeleted:
		evt.Title = "Group deleted"
		evt.Message = orDefault(p.GroupName, "A group") + " is no longer available"
	case TypeAnnouncement:
		evt.Title = orDefault(p.Title, "New Announcement")
		evt.Message = truncate(orDefault(p.Content, "New announcement posted"), 100)
	case TypePoll:
		evt.Title = "New Poll"
		evt.Message = truncate(orDefault(p.Question, "New poll created"), 100)
	case TypeMeetingScheduled:
		evt.Title = "Meeting Scheduled: " + orDefault(p.Title, "New Meeting")
		evt.Message = fmt.Sprintf("You've been invited to %q on %s at %s",
			orDefault(p.Title, "a meeting"), p.MeetingDate, p.MeetingTime)
	case TypeMeetingCancelled:
		evt.Title = "Meeting Cancelled: " + orDefault(p.Title, "Meeting")
		evt.Message = fmt.Sprintf("The meeting %q has been cancelled", orDefault(p.Title, "a meeting"))
	case TypeTaskAssigned:
		evt.Title = "Task Assigned to You"
		evt.Message = orDefault(p.TaskTitle, "New task assigned")
	}
	return evt
}

// entityKey derives the dedup identity of a lifecycle payload.
func entityKey(p *wirePayload) string {
	switch {
	case p.GroupID != "":
		return p.GroupID
	case p.ID != nil:
		return fmt.Sprint(p.ID)
	case p.RoomID != "":
		return p.RoomID
	}
	return p.Title
}

// notificationID gives lifecycle entries a stable ID so a duplicate that
// slips past the in-memory set is still collapsed by the log's primary key.
func notificationID(t Type, p *wirePayload) string {
	if isLifecycle(t) {
		return string(t) + ":" + entityKey(p)
	}
	return uuid.NewString()
}

// senderDisplayName extracts a readable sender name, falling back to the
// capitalized local part of the email, then to a generic placeholder.
func senderDisplayName(p *wirePayload) string {
	for _, cand := range []string{p.FullName, p.FromName, p.SenderName, p.OrganizerName, p.AssignerName} {
		if s := strings.TrimSpace(cand); s != "" {
			return s
		}
	}
	from := strings.TrimSpace(p.From)
	if at := strings.IndexByte(from, '@'); at > 0 {
		local := []rune(from[:at])
		return strings.ToUpper(string(local[:1])) + string(local[1:])
	}
	if from != "" {
		return from
	}
	return "Someone"
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

// truncate shortens s to n runes. Counting runes keeps multi-byte content
// from being cut mid-sequence.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
