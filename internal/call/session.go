package call

import (
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/interacthub/livecomm/internal/transport"
)

// Session is one call on one channel. A session created by Attach sits in
// StateIdle listening for a remote offer; Start flips it into the caller
// role. Either way it ends exactly once.
type Session struct {
	channelID string
	selfID    string
	selfName  string
	sig       Signaler
	cfg       Config
	media     *mediaSource

	mu           sync.Mutex
	role         Role
	state        State
	pc           *webrtc.PeerConnection
	mediaClose   func()
	pendingICE   []webrtc.ICECandidateInit
	remoteSet    bool
	participants map[string]string // userID -> display name
	ended        bool
	endPublished bool
	ringTimer    *time.Timer
	held         map[webrtc.RTPCodecType]heldTrack

	unsubSignal func()
	unsubCall   func()
	onRemove    func(channelID string)

	stateMu sync.RWMutex
	onState []func(State)
	onEnded []func(error)
	onTrack []func(*webrtc.TrackRemote)
}

func newSession(channelID, selfID, selfName string, sig Signaler, cfg Config, media *mediaSource, onRemove func(string)) *Session {
	return &Session{
		channelID:    channelID,
		selfID:       selfID,
		selfName:     selfName,
		sig:          sig,
		cfg:          cfg,
		media:        media,
		state:        StateIdle,
		participants: make(map[string]string),
		held:         make(map[webrtc.RTPCodecType]heldTrack),
		onRemove:     onRemove,
	}
}

// attach subscribes the session to its channel's signaling and lifecycle
// topics. Called once by the manager before the session is handed out.
func (s *Session) attach() {
	s.unsubSignal = s.sig.Subscribe(transport.ChannelSignal(s.channelID), s.handleSignal)
	s.unsubCall = s.sig.Subscribe(transport.ChannelCall(s.channelID), s.handleLifecycle)
}

// ChannelID returns the channel this session belongs to.
func (s *Session) ChannelID() string { return s.channelID }

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Role reports whether this side initiated the call.
func (s *Session) Role() Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// Participants returns the display names of everyone known to be on the
// call, sorted for stable rendering.
func (s *Session) Participants() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.participants))
	for _, n := range s.participants {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// OnStateChange registers a callback fired on every state transition.
func (s *Session) OnStateChange(fn func(State)) {
	s.stateMu.Lock()
	s.onState = append(s.onState, fn)
	s.stateMu.Unlock()
}

// OnEnded registers a callback fired once when the session ends. The error
// is nil for a normal hangup, ErrRingTimeout when the remote never answered.
func (s *Session) OnEnded(fn func(error)) {
	s.stateMu.Lock()
	s.onEnded = append(s.onEnded, fn)
	s.stateMu.Unlock()
}

// OnRemoteTrack registers a callback for each inbound media track.
func (s *Session) OnRemoteTrack(fn func(*webrtc.TrackRemote)) {
	s.stateMu.Lock()
	s.onTrack = append(s.onTrack, fn)
	s.stateMu.Unlock()
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	if s.state == next || s.state == StateEnded {
		s.mu.Unlock()
		return
	}
	s.state = next
	s.mu.Unlock()
	log.Printf("CALL [%s]: state -> %s", s.channelID, next)
	s.stateMu.RLock()
	fns := make([]func(State), len(s.onState))
	copy(fns, s.onState)
	s.stateMu.RUnlock()
	for _, fn := range fns {
		fn(next)
	}
}

// Start makes this side the caller: acquire media, publish an offer and the
// call-started lifecycle event, and arm the ring timer.
func (s *Session) Start() error {
	s.mu.Lock()
	if s.state != StateIdle {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("call: cannot start from state %s", st)
	}
	s.role = RoleCaller
	s.mu.Unlock()
	s.setState(StateRequesting)

	pc, mediaClose, err := s.newPC()
	if err != nil {
		s.teardown(true, err)
		return err
	}
	s.installPC(pc, mediaClose)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		s.teardown(true, err)
		return fmt.Errorf("call: create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		s.teardown(true, err)
		return fmt.Errorf("call: set local offer: %w", err)
	}

	// Arm the ring timer before the offer goes out so a fast answer cannot
	// beat it.
	s.mu.Lock()
	s.participants[strings.ToLower(s.selfID)] = s.selfName
	s.ringTimer = time.AfterFunc(s.cfg.ringTimeout(), s.ringExpired)
	s.mu.Unlock()

	if err := s.publishSignal(SignalPayload{Type: SignalOffer, SDP: offer.SDP, UserID: s.selfID}); err != nil {
		s.teardown(true, err)
		return err
	}
	s.publishLifecycle(EventCallStarted)
	s.publishLifecycle(EventUserJoined)

	s.setState(StateNegotiating)
	return nil
}

func (s *Session) ringExpired() {
	s.mu.Lock()
	answered := s.remoteSet || s.state == StateActive || s.state == StateEnded
	s.mu.Unlock()
	if answered {
		return
	}
	log.Printf("CALL [%s]: ring timeout", s.channelID)
	s.teardown(true, ErrRingTimeout)
}

// newPC builds the peer connection, through the injected constructor when
// one is configured, otherwise the platform media path.
func (s *Session) newPC() (*webrtc.PeerConnection, func(), error) {
	if s.cfg.NewPeerConnection != nil {
		return s.cfg.NewPeerConnection(s.channelID)
	}
	return initMediaPC(s.channelID, s.cfg, s.media)
}

// installPC wires the shared peer connection callbacks.
func (s *Session) installPC(pc *webrtc.PeerConnection, mediaClose func()) {
	s.mu.Lock()
	s.pc = pc
	s.mediaClose = mediaClose
	s.mu.Unlock()

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		if err := s.publishSignal(SignalPayload{Type: SignalICE, Candidate: &init, UserID: s.selfID}); err != nil {
			log.Printf("CALL [%s]: publish ICE candidate: %v", s.channelID, err)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Printf("CALL [%s]: remote track %s (%s)", s.channelID, track.ID(), track.Kind())
		s.stopRingTimer()
		s.setState(StateActive)
		s.stateMu.RLock()
		fns := make([]func(*webrtc.TrackRemote), len(s.onTrack))
		copy(fns, s.onTrack)
		s.stateMu.RUnlock()
		for _, fn := range fns {
			fn(track)
		}
	})

	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		log.Printf("CALL [%s]: peer connection %s", s.channelID, st)
		if st == webrtc.PeerConnectionStateFailed {
			s.teardown(true, fmt.Errorf("call: peer connection failed"))
		}
	})
}

// handleSignal processes one inbound signaling payload from the channel's
// signaling topic.
func (s *Session) handleSignal(body []byte) {
	var env signalEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		log.Printf("CALL [%s]: malformed signal dropped: %v", s.channelID, err)
		return
	}
	sig := env.unwrap()
	if strings.EqualFold(sig.UserID, s.selfID) {
		return
	}

	switch sig.Type {
	case SignalOffer:
		s.handleOffer(sig)
	case SignalAnswer:
		s.handleAnswer(sig)
	case SignalICE:
		s.handleCandidate(sig)
	default:
		log.Printf("CALL [%s]: unknown signal type %q ignored", s.channelID, sig.Type)
	}
}

// handleOffer answers an inbound offer when the session is idle. An offer
// arriving while we have a live call of our own (glare, duplicates) is
// ignored rather than renegotiated.
func (s *Session) handleOffer(sig SignalPayload) {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		log.Printf("CALL [%s]: offer ignored in state %s", s.channelID, s.state)
		return
	}
	s.role = RoleCallee
	s.mu.Unlock()
	s.setState(StateOfferReceived)

	pc, mediaClose, err := s.newPC()
	if err != nil {
		s.teardown(true, err)
		return
	}
	s.installPC(pc, mediaClose)

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sig.SDP}); err != nil {
		log.Printf("CALL [%s]: set remote offer: %v", s.channelID, err)
		s.teardown(true, err)
		return
	}
	s.markRemoteSet()

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		s.teardown(true, err)
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		s.teardown(true, err)
		return
	}
	if err := s.publishSignal(SignalPayload{Type: SignalAnswer, SDP: answer.SDP, UserID: s.selfID}); err != nil {
		s.teardown(true, err)
		return
	}
	s.publishLifecycle(EventUserJoined)
	s.mu.Lock()
	s.participants[strings.ToLower(s.selfID)] = s.selfName
	s.mu.Unlock()
	s.setState(StateNegotiating)
}

// handleAnswer applies a remote answer only while our own offer is still
// outstanding. Stale or duplicate answers are discarded.
func (s *Session) handleAnswer(sig SignalPayload) {
	s.mu.Lock()
	pc := s.pc
	s.mu.Unlock()
	if pc == nil || pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		log.Printf("CALL [%s]: answer discarded, no outstanding offer", s.channelID)
		return
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sig.SDP}); err != nil {
		log.Printf("CALL [%s]: set remote answer: %v", s.channelID, err)
		return
	}
	s.stopRingTimer()
	s.markRemoteSet()
}

// handleCandidate applies a remote ICE candidate, buffering it until the
// remote description is in place.
func (s *Session) handleCandidate(sig SignalPayload) {
	if sig.Candidate == nil {
		return
	}
	s.mu.Lock()
	if !s.remoteSet || s.pc == nil {
		s.pendingICE = append(s.pendingICE, *sig.Candidate)
		s.mu.Unlock()
		return
	}
	pc := s.pc
	s.mu.Unlock()
	if err := pc.AddICECandidate(*sig.Candidate); err != nil {
		log.Printf("CALL [%s]: add ICE candidate: %v", s.channelID, err)
	}
}

// markRemoteSet flushes candidates buffered before the remote description
// arrived, in arrival order.
func (s *Session) markRemoteSet() {
	s.mu.Lock()
	s.remoteSet = true
	queued := s.pendingICE
	s.pendingICE = nil
	pc := s.pc
	s.mu.Unlock()
	for _, c := range queued {
		if err := pc.AddICECandidate(c); err != nil {
			log.Printf("CALL [%s]: add buffered ICE candidate: %v", s.channelID, err)
		}
	}
}

// handleLifecycle tracks the participant roster and tears the session down
// when the remote side ends the call.
func (s *Session) handleLifecycle(body []byte) {
	var ev LifecyclePayload
	if err := json.Unmarshal(body, &ev); err != nil {
		log.Printf("CALL [%s]: malformed call event dropped: %v", s.channelID, err)
		return
	}
	if strings.EqualFold(ev.UserID, s.selfID) {
		return
	}

	switch ev.Type {
	case EventCallStarted, EventUserJoined:
		name := ev.UserName
		if name == "" {
			name = ev.UserID
		}
		s.mu.Lock()
		s.participants[strings.ToLower(ev.UserID)] = name
		s.mu.Unlock()
	case EventUserLeft:
		s.mu.Lock()
		delete(s.participants, strings.ToLower(ev.UserID))
		s.mu.Unlock()
	case EventCallEnded:
		log.Printf("CALL [%s]: ended by %s", s.channelID, ev.UserID)
		s.teardown(false, nil)
	}
}

// heldTrack remembers which sender a detached track came from so a later
// toggle can put it back on the same negotiated m-line.
type heldTrack struct {
	sender *webrtc.RTPSender
	track  webrtc.TrackLocal
}

// ToggleAudio detaches or reattaches the local audio track. Returns the new
// muted state.
func (s *Session) ToggleAudio() bool {
	muted := s.toggleTrack(webrtc.RTPCodecTypeAudio)
	log.Printf("CALL [%s]: audio muted=%v", s.channelID, muted)
	return muted
}

// ToggleVideo detaches or reattaches the local video track. Returns the new
// disabled state.
func (s *Session) ToggleVideo() bool {
	disabled := s.toggleTrack(webrtc.RTPCodecTypeVideo)
	log.Printf("CALL [%s]: video disabled=%v", s.channelID, disabled)
	return disabled
}

// toggleTrack swaps the local track of the given kind off its sender, or back
// on when a previous toggle detached it. Reports true while the track is
// detached. A session with no local track of that kind stays false.
func (s *Session) toggleTrack(kind webrtc.RTPCodecType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.held[kind]; ok {
		if err := h.sender.ReplaceTrack(h.track); err != nil {
			log.Printf("CALL [%s]: reattach %s track: %v", s.channelID, kind, err)
			return true
		}
		delete(s.held, kind)
		return false
	}
	if s.pc == nil {
		return false
	}
	for _, sender := range s.pc.GetSenders() {
		track := sender.Track()
		if track == nil || track.Kind() != kind {
			continue
		}
		if err := sender.ReplaceTrack(nil); err != nil {
			log.Printf("CALL [%s]: detach %s track: %v", s.channelID, kind, err)
			return false
		}
		s.held[kind] = heldTrack{sender: sender, track: track}
		return true
	}
	return false
}

// End hangs up the call. Idempotent; the call-ended event is published at
// most once, and only by the side that ends the call.
func (s *Session) End() {
	s.teardown(true, nil)
}

// teardown releases everything exactly once. publishEnd is false when the
// remote side already announced the end, so we only announce our own leave.
func (s *Session) teardown(publishEnd bool, cause error) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
	pc := s.pc
	mediaClose := s.mediaClose
	started := s.role != RoleNone
	doPublish := publishEnd && started && !s.endPublished
	if doPublish {
		s.endPublished = true
	}
	s.mu.Unlock()

	if s.unsubSignal != nil {
		s.unsubSignal()
	}
	if s.unsubCall != nil {
		s.unsubCall()
	}
	if doPublish {
		s.publishLifecycle(EventUserLeft)
		s.publishLifecycle(EventCallEnded)
	}
	if mediaClose != nil {
		mediaClose()
	}
	if pc != nil {
		if err := pc.Close(); err != nil {
			log.Printf("CALL [%s]: close peer connection: %v", s.channelID, err)
		}
	}
	s.setState(StateEnded)
	if s.onRemove != nil {
		s.onRemove(s.channelID)
	}

	s.stateMu.RLock()
	fns := make([]func(error), len(s.onEnded))
	copy(fns, s.onEnded)
	s.stateMu.RUnlock()
	for _, fn := range fns {
		fn(cause)
	}
}

func (s *Session) stopRingTimer() {
	s.mu.Lock()
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
	s.mu.Unlock()
}

func (s *Session) publishSignal(sig SignalPayload) error {
	err := s.sig.Publish(transport.SendSignal, signalEnvelope{ChannelID: s.channelID, Signal: &sig})
	if err != nil {
		return fmt.Errorf("call: publish %s: %w", sig.Type, err)
	}
	return nil
}

func (s *Session) publishLifecycle(event string) {
	payload := LifecyclePayload{ChannelID: s.channelID, Type: event, UserID: s.selfID, UserName: s.selfName}
	if err := s.sig.Publish(transport.SendCallEvent, payload); err != nil {
		log.Printf("CALL [%s]: publish %s: %v", s.channelID, event, err)
	}
}
