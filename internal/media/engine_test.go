package media

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

func newSyntheticEngine(t *testing.T) *PionEngine {
	t.Helper()
	e, err := NewEngine(Options{Capture: CaptureSynthetic, IncludeLoopback: true})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func newPeer(t *testing.T, e *PionEngine, label string) Peer {
	t.Helper()
	p, err := e.NewPeer(label)
	if err != nil {
		t.Fatalf("NewPeer: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestOfferCarriesAudio(t *testing.T) {
	e := newSyntheticEngine(t)
	lm, err := e.Capture(context.Background(), Constraints{Audio: true, Video: true})
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	defer lm.Stop()

	p := newPeer(t, e, "offer")
	if err := p.AddLocalMedia(lm); err != nil {
		t.Fatalf("AddLocalMedia: %v", err)
	}
	offer, err := p.CreateOffer()
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if offer.Type != webrtc.SDPTypeOffer {
		t.Errorf("type = %v", offer.Type)
	}
	for _, m := range []string{"m=audio", "m=video"} {
		if !strings.Contains(offer.SDP, m) {
			t.Errorf("offer SDP has no %s line", m)
		}
	}
}

func TestMalformedRemoteDescriptionRejected(t *testing.T) {
	e := newSyntheticEngine(t)
	p := newPeer(t, e, "bad")
	err := p.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "not sdp"})
	if !errors.Is(err, ErrRemoteDescriptionRejected) {
		t.Fatalf("err = %v, want ErrRemoteDescriptionRejected", err)
	}
}

func TestCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	e := newSyntheticEngine(t)
	caller := newPeer(t, e, "caller")
	callee := newPeer(t, e, "callee")

	lm, err := e.Capture(context.Background(), Constraints{Audio: true})
	if err != nil {
		t.Fatal(err)
	}
	defer lm.Stop()
	if err := caller.AddLocalMedia(lm); err != nil {
		t.Fatal(err)
	}

	// Arrives before any remote description; must be held, not rejected.
	mid := "0"
	idx := uint16(0)
	early := webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2122260223 127.0.0.1 50000 typ host", SDPMid: &mid, SDPMLineIndex: &idx}
	if err := callee.AddICECandidate(early); err != nil {
		t.Fatalf("early AddICECandidate: %v", err)
	}

	offer, err := caller.CreateOffer()
	if err != nil {
		t.Fatal(err)
	}
	if err := caller.SetLocalDescription(offer); err != nil {
		t.Fatal(err)
	}
	if err := callee.SetRemoteDescription(offer); err != nil {
		t.Fatalf("SetRemoteDescription: %v", err)
	}
	if pp := callee.(*pionPeer); len(pp.pending) != 0 {
		t.Errorf("pending = %d after remote description, want 0", len(pp.pending))
	}
}

func TestLoopbackCallConnects(t *testing.T) {
	e := newSyntheticEngine(t)
	caller := newPeer(t, e, "caller")
	callee := newPeer(t, e, "callee")

	for _, p := range []Peer{caller, callee} {
		lm, err := e.Capture(context.Background(), Constraints{Audio: true})
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(lm.Stop)
		if err := p.AddLocalMedia(lm); err != nil {
			t.Fatal(err)
		}
	}

	// Trickle directly between the two peers.
	caller.OnICECandidate(func(c webrtc.ICECandidateInit) { _ = callee.AddICECandidate(c) })
	callee.OnICECandidate(func(c webrtc.ICECandidateInit) { _ = caller.AddICECandidate(c) })

	connected := make(chan struct{}, 2)
	for _, p := range []Peer{caller, callee} {
		p.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
			if s == webrtc.PeerConnectionStateConnected {
				connected <- struct{}{}
			}
		})
	}

	offer, err := caller.CreateOffer()
	if err != nil {
		t.Fatal(err)
	}
	if err := caller.SetLocalDescription(offer); err != nil {
		t.Fatal(err)
	}
	if err := callee.SetRemoteDescription(offer); err != nil {
		t.Fatal(err)
	}
	answer, err := callee.CreateAnswer()
	if err != nil {
		t.Fatal(err)
	}
	if err := callee.SetLocalDescription(answer); err != nil {
		t.Fatal(err)
	}
	if err := caller.SetRemoteDescription(answer); err != nil {
		t.Fatal(err)
	}

	for range 2 {
		select {
		case <-connected:
		case <-time.After(15 * time.Second):
			t.Fatal("peers did not connect over loopback")
		}
	}
	if err := caller.SetTrackEnabled(webrtc.RTPCodecTypeAudio, false); err != nil {
		t.Errorf("mute: %v", err)
	}
	if err := caller.SetTrackEnabled(webrtc.RTPCodecTypeAudio, true); err != nil {
		t.Errorf("unmute: %v", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	e := newSyntheticEngine(t)
	p, err := e.NewPeer("close")
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := p.CreateOffer(); !errors.Is(err, ErrPeerClosed) {
		t.Errorf("CreateOffer after Close = %v, want ErrPeerClosed", err)
	}
}

func TestCaptureNone(t *testing.T) {
	e, err := NewEngine(Options{Capture: CaptureNone})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Capture(context.Background(), Constraints{Audio: true}); !errors.Is(err, ErrMediaAccessDenied) {
		t.Fatalf("err = %v, want ErrMediaAccessDenied", err)
	}

	e, err = NewEngine(Options{Capture: CaptureNone, AllowReceiveOnly: true})
	if err != nil {
		t.Fatal(err)
	}
	lm, err := e.Capture(context.Background(), Constraints{Audio: true})
	if err != nil {
		t.Fatalf("receive-only Capture: %v", err)
	}
	if len(lm.Tracks()) != 0 {
		t.Errorf("receive-only capture has %d tracks", len(lm.Tracks()))
	}

	p := newPeer(t, e, "recvonly")
	if err := p.AddLocalMedia(lm); err != nil {
		t.Fatal(err)
	}
	offer, err := p.CreateOffer()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(offer.SDP, "a=recvonly") {
		t.Errorf("receive-only offer lacks recvonly direction")
	}
}
