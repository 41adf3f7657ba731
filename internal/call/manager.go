// Package call manages WebRTC call sessions using Pion. Coupling to the
// rest of livecomm is via the Signaler interface only.
package call

import (
	"log"
	"sync"
)

// Manager owns call sessions, at most one per channel.
type Manager struct {
	sig      Signaler
	selfID   string
	selfName string
	cfg      Config
	media    *mediaSource

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool

	incomingMu sync.RWMutex
	incoming   []func(*Session)
}

// New creates a call Manager attached to sig. selfID identifies this user on
// the wire; selfName is the display name announced in lifecycle events.
func New(sig Signaler, selfID, selfName string, cfg Config) *Manager {
	return &Manager{
		sig:      sig,
		selfID:   selfID,
		selfName: selfName,
		cfg:      cfg,
		media:    newMediaSource(),
		sessions: make(map[string]*Session),
	}
}

// OnIncoming registers a callback fired when an attached session receives a
// remote offer. The session is already answering by the time fn runs.
func (m *Manager) OnIncoming(fn func(*Session)) {
	m.incomingMu.Lock()
	m.incoming = append(m.incoming, fn)
	m.incomingMu.Unlock()
}

// Attach creates an idle session on channelID and subscribes it to the
// channel's signaling and call topics. If a session already exists it is
// returned unchanged. An inbound offer flips an idle session into the
// callee role automatically.
func (m *Manager) Attach(channelID string) *Session {
	m.mu.Lock()
	if sess, ok := m.sessions[channelID]; ok {
		m.mu.Unlock()
		return sess
	}
	sess := newSession(channelID, m.selfID, m.selfName, m.sig, m.cfg, m.media, m.removeSession)
	m.sessions[channelID] = sess
	m.mu.Unlock()

	sess.OnStateChange(func(st State) {
		if st != StateOfferReceived {
			return
		}
		m.incomingMu.RLock()
		handlers := make([]func(*Session), len(m.incoming))
		copy(handlers, m.incoming)
		m.incomingMu.RUnlock()
		for _, fn := range handlers {
			fn(sess)
		}
	})
	sess.attach()
	log.Printf("CALL: attached to %s", channelID)
	return sess
}

// StartCall attaches to channelID and starts an outbound call on it.
func (m *Manager) StartCall(channelID string) (*Session, error) {
	sess := m.Attach(channelID)
	if err := sess.Start(); err != nil {
		return nil, err
	}
	log.Printf("CALL: started on %s", channelID)
	return sess, nil
}

// Session returns the session for channelID, if any.
func (m *Manager) Session(channelID string) (*Session, bool) {
	m.mu.RLock()
	s, ok := m.sessions[channelID]
	m.mu.RUnlock()
	return s, ok
}

func (m *Manager) removeSession(channelID string) {
	m.mu.Lock()
	delete(m.sessions, channelID)
	m.mu.Unlock()
}

// Close ends all active sessions and releases the captured devices.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.End()
	}
	m.media.Close()
}
