//go:build linux && cgo

package call

import (
	"errors"
	"log"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// capturePlatform opens camera/mic via pion/mediadevices (V4L2 + malgo) and
// encodes VP8+Opus. When every capture attempt fails the error is a
// *MediaError so callers can tell the user what to fix.
func capturePlatform(cfg Config) ([]webrtc.TrackLocal, func(*webrtc.MediaEngine) error, func(), error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, nil, nil, err
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, nil, nil, err
	}

	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)
	setup := func(me *webrtc.MediaEngine) error {
		codecSelector.Populate(me)
		return nil
	}

	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		return nil, nil, nil, &MediaError{Reason: ReasonDeviceNotFound, Err: errors.New("no media devices found")}
	}
	for _, d := range devices {
		log.Printf("CALL: media device kind=%v label=%q", d.Kind, d.Label)
	}

	// GetUserMedia fails as a unit if either track (video OR audio) can't be
	// opened. Try video+audio first, then video-only, then audio-only so a
	// missing or busy microphone doesn't prevent the camera from working and
	// vice versa.
	type attempt struct {
		video bool
		audio bool
		label string
	}
	var lastErr error
	for _, a := range []attempt{
		{true, true, "video+audio"},
		{true, false, "video-only"},
		{false, true, "audio-only"},
	} {
		constraints := mediadevices.MediaStreamConstraints{Codec: codecSelector}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Exclude MJPEG. Some cameras expose an MJPEG V4L2 node that
				// produces malformed JPEG frames, which poisons the VP8
				// encoder and breaks SDP negotiation. Raw formats only.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				// Cap at 640×480 to keep VP8 encoding latency down.
				c.Width = prop.IntRanged{Max: 640}
				c.Height = prop.IntRanged{Max: 480}
			}
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Printf("CALL: GetUserMedia (%s) failed: %v", a.label, err)
			lastErr = err
			continue
		}

		captured := stream.GetTracks()
		tracks := make([]webrtc.TrackLocal, 0, len(captured))
		for _, track := range captured {
			track.OnEnded(func(err error) {
				if err != nil {
					log.Printf("CALL: local track ended: %v", err)
				}
			})
			tracks = append(tracks, track)
		}

		log.Printf("CALL: local media captured (%s), %d tracks", a.label, len(tracks))
		stop := func() {
			for _, t := range captured {
				t.Close()
			}
		}
		return tracks, setup, stop, nil
	}

	if lastErr == nil {
		lastErr = errors.New("media capture failed")
	}
	return nil, nil, nil, classifyMediaError(lastErr)
}
