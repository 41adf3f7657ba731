package call

import (
	"log"
	"strings"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// captureFunc acquires local media. It returns the captured tracks, a setup
// func registering the matching codecs on a media engine, and a stop func
// releasing the devices. Platform builds supply capturePlatform.
type captureFunc func(cfg Config) (tracks []webrtc.TrackLocal, setup func(*webrtc.MediaEngine) error, stop func(), err error)

// mediaSource captures camera and microphone once and hands the same tracks
// to every peer connection until Close releases them. Back-to-back calls and
// concurrent calls on different channels share one capture instead of
// re-opening the devices per call.
type mediaSource struct {
	mu       sync.Mutex
	capture  captureFunc
	captured bool
	tracks   []webrtc.TrackLocal
	setup    func(*webrtc.MediaEngine) error
	stop     func()
}

func newMediaSource() *mediaSource {
	return &mediaSource{capture: capturePlatform}
}

// acquire captures the devices on first use. A failed capture is not cached;
// the next call retries.
func (m *mediaSource) acquire(cfg Config) ([]webrtc.TrackLocal, func(*webrtc.MediaEngine) error, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.captured {
		tracks, setup, stop, err := m.capture(cfg)
		if err != nil {
			return nil, nil, err
		}
		m.tracks, m.setup, m.stop = tracks, setup, stop
		m.captured = true
	}
	return m.tracks, m.setup, nil
}

// Close releases the captured devices. Idempotent.
func (m *mediaSource) Close() {
	m.mu.Lock()
	stop := m.stop
	m.tracks, m.setup, m.stop = nil, nil, nil
	m.captured = false
	m.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// initMediaPC builds a peer connection carrying the shared local tracks from
// src. The returned close func is nil: the tracks outlive the session and
// are released by the source, not per call.
func initMediaPC(channelID string, cfg Config, src *mediaSource) (*webrtc.PeerConnection, func(), error) {
	tracks, setup, err := src.acquire(cfg)
	if err != nil {
		return nil, nil, err
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := setup(mediaEngine); err != nil {
		return nil, nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, nil, err
	}

	// Generous ICE timeouts so a brief relay/NAT hiccup does not terminate
	// the call. The default disconnectedTimeout is 5 s, too short for relay
	// paths with short outages during re-keying or failover.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.iceServers()})
	if err != nil {
		return nil, nil, err
	}

	if len(tracks) == 0 {
		addRecvOnlyTransceivers(channelID, pc)
		log.Printf("CALL [%s]: peer connection ready (receive-only, no local media)", channelID)
		return pc, nil, nil
	}
	for _, track := range tracks {
		if _, err := pc.AddTrack(track); err != nil {
			log.Printf("CALL [%s]: AddTrack error: %v", channelID, err)
		}
	}
	log.Printf("CALL [%s]: peer connection ready, %d shared local tracks", channelID, len(tracks))
	return pc, nil, nil
}

// addRecvOnlyTransceivers adds recvonly transceivers for video and audio so
// CreateOffer/CreateAnswer always produces valid m-lines with ICE credentials.
func addRecvOnlyTransceivers(channelID string, pc *webrtc.PeerConnection) {
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Printf("CALL [%s]: AddTransceiver(video) error: %v", channelID, err)
	}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Printf("CALL [%s]: AddTransceiver(audio) error: %v", channelID, err)
	}
}

// classifyMediaError maps a capture failure onto the reason taxonomy the
// caller can act on. Driver error strings are the only signal available.
func classifyMediaError(err error) *MediaError {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "busy"):
		return &MediaError{Reason: ReasonDeviceBusy, Err: err}
	case strings.Contains(msg, "permission") || strings.Contains(msg, "denied") || strings.Contains(msg, "not permitted"):
		return &MediaError{Reason: ReasonPermissionDenied, Err: err}
	case strings.Contains(msg, "not found") || strings.Contains(msg, "no such") || strings.Contains(msg, "failed to find"):
		return &MediaError{Reason: ReasonDeviceNotFound, Err: err}
	}
	return &MediaError{Reason: ReasonDeviceNotFound, Err: err}
}
