package media

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// opusSilence is a single 20 ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const syntheticFrame = 20 * time.Millisecond

// syntheticMedia provides static sample tracks for hosts without devices.
// The audio track carries Opus silence; the video track is negotiated but
// carries no frames.
type syntheticMedia struct {
	tracks []webrtc.TrackLocal
	done   chan struct{}
	once   sync.Once
}

func newSyntheticMedia(c Constraints) (LocalMedia, error) {
	stream := "goopcall-" + uuid.NewString()[:8]
	sm := &syntheticMedia{done: make(chan struct{})}

	if c.Audio {
		audio, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
			"audio", stream,
		)
		if err != nil {
			return nil, err
		}
		sm.tracks = append(sm.tracks, audio)
		go sm.feedSilence(audio)
	}
	if c.Video {
		video, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			"video", stream,
		)
		if err != nil {
			return nil, err
		}
		sm.tracks = append(sm.tracks, video)
	}
	return sm, nil
}

func (s *syntheticMedia) feedSilence(track *webrtc.TrackLocalStaticSample) {
	ticker := time.NewTicker(syntheticFrame)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			// Unbound tracks drop samples, which is fine before negotiation.
			_ = track.WriteSample(pionmedia.Sample{Data: opusSilence, Duration: syntheticFrame})
		}
	}
}

func (s *syntheticMedia) Tracks() []webrtc.TrackLocal { return s.tracks }

func (s *syntheticMedia) Stop() {
	s.once.Do(func() { close(s.done) })
}
