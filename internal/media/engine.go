package media

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// Options configures the pion engine.
type Options struct {
	ICEServers []webrtc.ICEServer

	// Capture is one of CaptureDevice, CaptureSynthetic or CaptureNone.
	Capture string
	// AllowReceiveOnly lets a call proceed without local tracks when capture
	// finds nothing. Without it a capture failure fails the call.
	AllowReceiveOnly bool

	ICEDisconnectedTimeout time.Duration
	ICEFailedTimeout       time.Duration
	ICEKeepalive           time.Duration

	// PLIInterval is how often a keyframe is requested on remote video.
	PLIInterval time.Duration

	// IncludeLoopback gathers 127.0.0.1 host candidates. Used by tests.
	IncludeLoopback bool
}

// PionEngine implements Engine with pion/webrtc.
type PionEngine struct {
	opt      Options
	api      *webrtc.API
	selector codecPopulator
}

// codecPopulator registers the codecs capture will produce.
type codecPopulator interface {
	Populate(m *webrtc.MediaEngine)
}

// NewEngine builds the webrtc API shared by every peer the engine creates.
func NewEngine(opt Options) (*PionEngine, error) {
	if opt.Capture == "" {
		opt.Capture = CaptureDevice
	}
	if opt.ICEDisconnectedTimeout <= 0 {
		opt.ICEDisconnectedTimeout = 30 * time.Second
	}
	if opt.ICEFailedTimeout <= 0 {
		opt.ICEFailedTimeout = 120 * time.Second
	}
	if opt.ICEKeepalive <= 0 {
		opt.ICEKeepalive = 2 * time.Second
	}
	if opt.PLIInterval <= 0 {
		opt.PLIInterval = 3 * time.Second
	}

	mediaEngine := &webrtc.MediaEngine{}
	var selector codecPopulator
	if opt.Capture == CaptureDevice {
		sel, err := deviceCodecSelector()
		if err != nil {
			return nil, err
		}
		selector = sel
	}
	if selector != nil {
		selector.Populate(mediaEngine)
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	// Generous ICE timeouts so a brief relay/NAT hiccup does not end the call.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(opt.ICEDisconnectedTimeout, opt.ICEFailedTimeout, opt.ICEKeepalive)
	if opt.IncludeLoopback {
		se.SetIncludeLoopbackCandidate(true)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)
	return &PionEngine{opt: opt, api: api, selector: selector}, nil
}

// Capture opens local media according to the configured capture mode.
func (e *PionEngine) Capture(ctx context.Context, c Constraints) (LocalMedia, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var (
		lm  LocalMedia
		err error
	)
	switch e.opt.Capture {
	case CaptureDevice:
		lm, err = captureDevices(e.selector, c)
	case CaptureSynthetic:
		lm, err = newSyntheticMedia(c)
	case CaptureNone:
		err = ErrMediaAccessDenied
	default:
		return nil, fmt.Errorf("unknown capture mode %q", e.opt.Capture)
	}
	if err != nil {
		if e.opt.AllowReceiveOnly {
			log.Printf("MEDIA: capture unavailable (%v), proceeding receive-only", err)
			return emptyMedia{}, nil
		}
		return nil, err
	}
	return lm, nil
}

// NewPeer creates a peer connection using the engine's ICE servers.
func (e *PionEngine) NewPeer(callID string) (Peer, error) {
	pc, err := e.api.NewPeerConnection(webrtc.Configuration{ICEServers: e.opt.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	return newPionPeer(callID, pc, e.opt.PLIInterval), nil
}

// emptyMedia stands in for a receive-only capture.
type emptyMedia struct{}

func (emptyMedia) Tracks() []webrtc.TrackLocal { return nil }
func (emptyMedia) Stop()                       {}
