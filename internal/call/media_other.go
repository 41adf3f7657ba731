//go:build !linux || !cgo

package call

import (
	"github.com/pion/webrtc/v4"
)

// capturePlatform yields no local tracks on non-Linux platforms.
// Camera/mic capture via pion/mediadevices requires platform-specific drivers
// (V4L2/malgo on Linux); elsewhere the session still receives remote media.
func capturePlatform(Config) ([]webrtc.TrackLocal, func(*webrtc.MediaEngine) error, func(), error) {
	setup := func(me *webrtc.MediaEngine) error {
		return me.RegisterDefaultCodecs()
	}
	return nil, setup, nil, nil
}
