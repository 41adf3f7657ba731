// Package directory wraps the HTTP services the realtime core depends on:
// the user directory, the call log, and the channel history store. All of
// them are opaque fetch-and-parse boundaries with bounded timeouts.
package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/interacthub/livecomm/internal/channel"
)

// User is one directory entry.
type User struct {
	Email     string `json:"email"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Role      string `json:"role,omitempty"`
}

// DisplayName renders a user's full name, falling back to the email
// local part when the directory has no name on file.
func (u User) DisplayName() string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name != "" {
		return name
	}
	local, _, _ := strings.Cut(u.Email, "@")
	if local == "" {
		return u.Email
	}
	r := []rune(local)
	return strings.ToUpper(string(r[:1])) + string(r[1:])
}

// HistoryMessage is one persisted message as the history service returns it.
type HistoryMessage struct {
	ID         string    `json:"id"`
	RoomID     string    `json:"roomId"`
	Sender     string    `json:"senderEmail"`
	Content    string    `json:"content"`
	Attachment string    `json:"attachmentUrl,omitempty"`
	ReplyToID  string    `json:"replyToId,omitempty"`
	SentAt     time.Time `json:"sentAt"`
	Status     string    `json:"status,omitempty"`
}

// NameCache persists identity to display-name mappings between runs.
// *storage.DB satisfies it.
type NameCache interface {
	CacheName(identity, displayName string) error
	CachedName(identity string) (name string, ok bool)
}

// Client talks to the directory, call and history services.
type Client struct {
	DirectoryURL string
	CallURL      string
	HistoryURL   string
	PresenceURL  string // heartbeat POST target, optional
	HTTP         *http.Client

	cache NameCache // may be nil
}

// NewClient builds a Client. cache may be nil, in which case every
// DisplayName lookup goes to the directory service.
func NewClient(directoryURL, callURL, historyURL string, cache NameCache) *Client {
	return &Client{
		DirectoryURL: strings.TrimRight(strings.TrimSpace(directoryURL), "/"),
		CallURL:      strings.TrimRight(strings.TrimSpace(callURL), "/"),
		HistoryURL:   strings.TrimRight(strings.TrimSpace(historyURL), "/"),
		HTTP:         &http.Client{Timeout: 10 * time.Second},
		cache:        cache,
	}
}

// Users fetches the full directory listing.
func (c *Client) Users(ctx context.Context) ([]User, error) {
	if c.DirectoryURL == "" {
		return nil, nil
	}
	var users []User
	if err := c.getJSON(ctx, c.DirectoryURL+"/api/users", &users); err != nil {
		return nil, err
	}
	if c.cache != nil {
		for _, u := range users {
			if err := c.cache.CacheName(channel.Normalize(u.Email), u.DisplayName()); err != nil {
				return users, fmt.Errorf("cache name for %s: %w", u.Email, err)
			}
		}
	}
	return users, nil
}

// DisplayName resolves a display name for identity, preferring the local
// cache over a directory round trip. A miss on both sides falls back to the
// email local part rather than erroring.
func (c *Client) DisplayName(ctx context.Context, identity string) string {
	identity = channel.Normalize(identity)
	if c.cache != nil {
		if name, ok := c.cache.CachedName(identity); ok {
			return name
		}
	}
	users, err := c.Users(ctx)
	if err == nil {
		for _, u := range users {
			if channel.SameIdentity(u.Email, identity) {
				return u.DisplayName()
			}
		}
	}
	return User{Email: identity}.DisplayName()
}

// StartCall records call origination with the call service.
func (c *Client) StartCall(ctx context.Context, channelID, callerID string) error {
	if c.CallURL == "" {
		return nil
	}
	return c.postJSON(ctx, c.CallURL+"/call/start", map[string]string{
		"roomId": channelID,
		"userId": channel.Normalize(callerID),
	})
}

// EndCall records call termination with the call service.
func (c *Client) EndCall(ctx context.Context, channelID, callerID string) error {
	if c.CallURL == "" {
		return nil
	}
	return c.postJSON(ctx, c.CallURL+"/call/end", map[string]string{
		"roomId": channelID,
		"userId": channel.Normalize(callerID),
	})
}

// Heartbeat announces the user as online to the presence endpoint.
func (c *Client) Heartbeat(ctx context.Context, identity, displayName string) error {
	if c.PresenceURL == "" {
		return nil
	}
	return c.postJSON(ctx, strings.TrimRight(c.PresenceURL, "/")+"/presence/heartbeat", map[string]string{
		"userId":      channel.Normalize(identity),
		"displayName": displayName,
	})
}

// History fetches up to limit persisted messages for a channel, oldest
// first. limit <= 0 means the service default.
func (c *Client) History(ctx context.Context, channelID string, limit int) ([]HistoryMessage, error) {
	if c.HistoryURL == "" {
		return nil, nil
	}
	u := c.HistoryURL + "/api/messages/" + channelID
	if limit > 0 {
		u += "?limit=" + strconv.Itoa(limit)
	}
	var msgs []HistoryMessage
	if err := c.getJSON(ctx, u, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// getJSON performs a GET, drains the response body, and decodes JSON into v.
func (c *Client) getJSON(ctx context.Context, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("GET %s: status %s", url, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func (c *Client) postJSON(ctx context.Context, url string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("content-type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("POST %s: status %s", url, resp.Status)
	}
	return nil
}
