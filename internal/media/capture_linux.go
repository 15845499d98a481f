//go:build linux && cgo

package media

import (
	"fmt"
	"log"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// deviceCodecSelector returns the VP8 + Opus encoders used for captured
// tracks. The same selector must populate the MediaEngine.
func deviceCodecSelector() (codecPopulator, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	), nil
}

type deviceMedia struct {
	tracks []mediadevices.Track
	once   sync.Once
}

func (d *deviceMedia) Tracks() []webrtc.TrackLocal {
	out := make([]webrtc.TrackLocal, 0, len(d.tracks))
	for _, t := range d.tracks {
		out = append(out, t)
	}
	return out
}

func (d *deviceMedia) Stop() {
	d.once.Do(func() {
		for _, t := range d.tracks {
			t.Close()
		}
	})
}

// captureDevices opens camera and microphone through pion/mediadevices
// (V4L2 + malgo). GetUserMedia fails as a unit when either track cannot be
// opened, so video+audio is tried first, then each alone.
func captureDevices(sel codecPopulator, c Constraints) (LocalMedia, error) {
	selector, ok := sel.(*mediadevices.CodecSelector)
	if !ok || selector == nil {
		return nil, fmt.Errorf("%w: no codec selector", ErrMediaAccessDenied)
	}

	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		log.Printf("MEDIA: no media devices found")
	}
	for _, d := range devices {
		log.Printf("MEDIA: device kind=%v label=%q", d.Kind, d.Label)
	}

	type attempt struct {
		video bool
		audio bool
		label string
	}
	var attempts []attempt
	switch {
	case c.Video && c.Audio:
		attempts = []attempt{
			{true, true, "video+audio"},
			{true, false, "video-only"},
			{false, true, "audio-only"},
		}
	case c.Video:
		attempts = []attempt{{true, false, "video-only"}}
	case c.Audio:
		attempts = []attempt{{false, true, "audio-only"}}
	}

	var lastErr error
	for _, a := range attempts {
		constraints := mediadevices.MediaStreamConstraints{Codec: selector}
		if a.video {
			constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
				// Raw formats only: some cameras expose an MJPEG node whose
				// malformed frames poison the VP8 encoder.
				mc.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				mc.Width = prop.IntRanged{Max: 640}
				mc.Height = prop.IntRanged{Max: 480}
			}
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Printf("MEDIA: GetUserMedia (%s) failed: %v", a.label, err)
			lastErr = err
			continue
		}

		tracks := stream.GetTracks()
		brokenVideo := false
		for _, track := range tracks {
			track.OnEnded(func(err error) {
				if err != nil {
					log.Printf("MEDIA: local track ended: %v", err)
				}
			})
			if track.Kind() != webrtc.RTPCodecTypeVideo {
				continue
			}
			// Probe the encoder; a broken one makes SetRemoteDescription fail
			// later and break negotiation entirely.
			r, err := track.NewEncodedReader(webrtc.MimeTypeVP8)
			if err != nil {
				log.Printf("MEDIA: video track broken, skipping attempt (%s): %v", a.label, err)
				lastErr = err
				brokenVideo = true
				continue
			}
			r.Close()
		}
		if brokenVideo {
			for _, t := range tracks {
				t.Close()
			}
			continue
		}

		log.Printf("MEDIA: local media captured (%s), %d tracks", a.label, len(tracks))
		return &deviceMedia{tracks: tracks}, nil
	}

	if lastErr == nil {
		return nil, ErrMediaAccessDenied
	}
	return nil, fmt.Errorf("%w: %v", ErrMediaAccessDenied, lastErr)
}
