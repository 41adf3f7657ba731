package call

import (
	"errors"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
)

// Signaler is the only surface the call package needs from the transport
// layer. The shared bus connection satisfies it directly.
type Signaler interface {
	Publish(destination string, payload any) error
	Subscribe(destination string, fn func(body []byte)) func()
}

// State is a call session's position in its lifecycle.
type State int

const (
	StateIdle State = iota
	StateRequesting    // caller: acquiring media, building the offer
	StateOfferReceived // callee: remote offer arrived, building the answer
	StateNegotiating   // offer published or answer sent, waiting for media
	StateActive        // first remote track arrived
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequesting:
		return "requesting"
	case StateOfferReceived:
		return "offer-received"
	case StateNegotiating:
		return "negotiating"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	}
	return "unknown"
}

// Role distinguishes who initiated the session.
type Role int

const (
	RoleNone Role = iota
	RoleCaller
	RoleCallee
)

// Signal type constants, the value of the "type" field on signaling payloads.
const (
	SignalOffer  = "offer"
	SignalAnswer = "answer"
	SignalICE    = "ice-candidate"
)

// Lifecycle event constants for the per-channel call topic.
const (
	EventCallStarted = "call-started"
	EventUserJoined  = "user-joined"
	EventUserLeft    = "user-left"
	EventCallEnded   = "call-ended"
)

// SignalPayload is the wire shape for offer/answer/ICE exchange. UserID is
// always set so receivers can drop their own echoed payloads.
type SignalPayload struct {
	Type      string                   `json:"type"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
	UserID    string                   `json:"userId"`
}

// signalEnvelope wraps an outbound signal with its channel so the bus can
// route it. Inbound payloads may arrive either wrapped or bare; the inlined
// fields absorb the bare form.
type signalEnvelope struct {
	ChannelID string         `json:"channelId"`
	Signal    *SignalPayload `json:"signal,omitempty"`

	Type      string                   `json:"type,omitempty"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
	UserID    string                   `json:"userId,omitempty"`
}

// unwrap returns the effective signal regardless of envelope shape.
func (e *signalEnvelope) unwrap() SignalPayload {
	if e.Signal != nil {
		return *e.Signal
	}
	return SignalPayload{Type: e.Type, SDP: e.SDP, Candidate: e.Candidate, UserID: e.UserID}
}

// LifecyclePayload is the wire shape on the per-channel call topic.
type LifecyclePayload struct {
	ChannelID string `json:"channelId"`
	Type      string `json:"type"`
	UserID    string `json:"userId"`
	UserName  string `json:"userName,omitempty"`
}

// MediaReason distinguishes why local media acquisition failed. Callers
// render different recovery hints per reason.
type MediaReason string

const (
	ReasonDeviceBusy       MediaReason = "device-busy"
	ReasonPermissionDenied MediaReason = "permission-denied"
	ReasonDeviceNotFound   MediaReason = "device-not-found"
)

// MediaError is a terminal, user-visible media acquisition failure. The
// session does not retry on its own; the user must start a new call.
type MediaError struct {
	Reason MediaReason
	Err    error
}

func (e *MediaError) Error() string {
	return fmt.Sprintf("media: %s: %v", e.Reason, e.Err)
}

func (e *MediaError) Unwrap() error { return e.Err }

// ErrRingTimeout is surfaced when the remote peer never answered within the
// configured ring window.
var ErrRingTimeout = errors.New("call: no answer from remote peer")

const defaultRingTimeout = 45 * time.Second

// Config carries call engine settings.
type Config struct {
	ICEServers  []webrtc.ICEServer
	RingTimeout time.Duration

	// NewPeerConnection overrides peer connection construction. When nil
	// the platform media path (camera/mic capture) is used. Tests inject a
	// device-free constructor here.
	NewPeerConnection func(channelID string) (*webrtc.PeerConnection, func(), error)
}

func (c Config) ringTimeout() time.Duration {
	if c.RingTimeout > 0 {
		return c.RingTimeout
	}
	return defaultRingTimeout
}

func (c Config) iceServers() []webrtc.ICEServer {
	if len(c.ICEServers) > 0 {
		return c.ICEServers
	}
	return []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
}
