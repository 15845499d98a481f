// Package mediatest provides in-memory media fakes for exercising call
// sessions without devices or network.
package mediatest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/petervdpas/goopcall/internal/media"
	"github.com/pion/webrtc/v4"
)

// Engine is a fake media.Engine.
type Engine struct {
	// CaptureErr, when set, is returned by Capture.
	CaptureErr error
	// NewPeerErr, when set, is returned by NewPeer.
	NewPeerErr error
	// RejectRemote makes new peers reject remote descriptions.
	RejectRemote bool
	// Candidates is how many local candidates each peer gathers after
	// SetLocalDescription.
	Candidates int

	mu     sync.Mutex
	peers  []*Peer
	medias []*LocalMedia
}

var _ media.Engine = (*Engine)(nil)

func (e *Engine) Capture(ctx context.Context, c media.Constraints) (media.LocalMedia, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e.CaptureErr != nil {
		return nil, e.CaptureErr
	}
	lm := &LocalMedia{constraints: c}
	e.mu.Lock()
	e.medias = append(e.medias, lm)
	e.mu.Unlock()
	return lm, nil
}

func (e *Engine) NewPeer(label string) (media.Peer, error) {
	if e.NewPeerErr != nil {
		return nil, e.NewPeerErr
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	p := &Peer{
		label:        label,
		n:            len(e.peers) + 1,
		candidates:   e.Candidates,
		rejectRemote: e.RejectRemote,
		state:        webrtc.PeerConnectionStateNew,
	}
	e.peers = append(e.peers, p)
	return p, nil
}

// Peers returns the peers created so far, oldest first.
func (e *Engine) Peers() []*Peer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Peer(nil), e.peers...)
}

// LastPeer returns the most recently created peer, or nil.
func (e *Engine) LastPeer() *Peer {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.peers) == 0 {
		return nil
	}
	return e.peers[len(e.peers)-1]
}

// Medias returns every capture handed out so far.
func (e *Engine) Medias() []*LocalMedia {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*LocalMedia(nil), e.medias...)
}

// LocalMedia is a fake capture with no real tracks.
type LocalMedia struct {
	constraints media.Constraints
	stops       atomic.Int32
}

func (m *LocalMedia) Tracks() []webrtc.TrackLocal { return nil }
func (m *LocalMedia) Stop()                       { m.stops.Add(1) }

// Stops reports how many times Stop was called.
func (m *LocalMedia) Stops() int { return int(m.stops.Load()) }

// Peer is a fake media.Peer. Connection state changes are driven by the
// test through SetState.
type Peer struct {
	label        string
	n            int
	candidates   int
	rejectRemote bool

	mu         sync.Mutex
	local      *webrtc.SessionDescription
	remote     *webrtc.SessionDescription
	remoteCand []webrtc.ICECandidateInit
	pending    []webrtc.ICECandidateInit
	state      webrtc.PeerConnectionState
	audioOff   bool
	videoOff   bool
	candFn     func(webrtc.ICECandidateInit)
	stateFn    func(webrtc.PeerConnectionState)
	trackFn    func(webrtc.RTPCodecType, string)
	closes     int
}

var _ media.Peer = (*Peer)(nil)

func (p *Peer) Label() string { return p.label }

func (p *Peer) AddLocalMedia(media.LocalMedia) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closes > 0 {
		return media.ErrPeerClosed
	}
	return nil
}

func (p *Peer) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  fmt.Sprintf("v=0\r\ns=fake-offer-%s-%d\r\nm=audio 9 UDP/TLS/RTP/SAVPF 111\r\n", p.label, p.n),
	}, nil
}

func (p *Peer) CreateAnswer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: no remote offer")
	}
	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  fmt.Sprintf("v=0\r\ns=fake-answer-%s-%d\r\nm=audio 9 UDP/TLS/RTP/SAVPF 111\r\n", p.label, p.n),
	}, nil
}

// SetLocalDescription records sd and gathers the configured number of
// candidates asynchronously, in order.
func (p *Peer) SetLocalDescription(sd webrtc.SessionDescription) error {
	p.mu.Lock()
	if p.closes > 0 {
		p.mu.Unlock()
		return media.ErrPeerClosed
	}
	p.local = &sd
	fn := p.candFn
	n := p.candidates
	p.state = webrtc.PeerConnectionStateConnecting
	p.mu.Unlock()

	if fn != nil && n > 0 {
		go func() {
			for i := 1; i <= n; i++ {
				fn(p.Candidate(i))
			}
		}()
	}
	return nil
}

// Candidate returns the i-th candidate this peer gathers.
func (p *Peer) Candidate(i int) webrtc.ICECandidateInit {
	mid := "0"
	idx := uint16(0)
	return webrtc.ICECandidateInit{
		Candidate:     fmt.Sprintf("candidate:%s-%d-%d 1 udp 2122260223 192.0.2.%d 5000 typ host", p.label, p.n, i, i),
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}
}

func (p *Peer) SetRemoteDescription(sd webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closes > 0 {
		return media.ErrPeerClosed
	}
	if p.rejectRemote {
		return fmt.Errorf("%w: fake rejection", media.ErrRemoteDescriptionRejected)
	}
	p.remote = &sd
	p.remoteCand = append(p.remoteCand, p.pending...)
	p.pending = nil
	return nil
}

func (p *Peer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closes > 0 {
		return media.ErrPeerClosed
	}
	if p.remote == nil {
		p.pending = append(p.pending, c)
		return nil
	}
	p.remoteCand = append(p.remoteCand, c)
	return nil
}

func (p *Peer) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.mu.Lock()
	p.candFn = fn
	p.mu.Unlock()
}

func (p *Peer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	p.stateFn = fn
	p.mu.Unlock()
}

func (p *Peer) OnTrack(fn func(webrtc.RTPCodecType, string)) {
	p.mu.Lock()
	p.trackFn = fn
	p.mu.Unlock()
}

func (p *Peer) SetTrackEnabled(kind webrtc.RTPCodecType, enabled bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closes > 0 {
		return media.ErrPeerClosed
	}
	switch kind {
	case webrtc.RTPCodecTypeAudio:
		p.audioOff = !enabled
	case webrtc.RTPCodecTypeVideo:
		p.videoOff = !enabled
	}
	return nil
}

func (p *Peer) Stats() media.Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return media.Stats{State: p.state}
}

func (p *Peer) Close() error {
	p.mu.Lock()
	p.closes++
	p.state = webrtc.PeerConnectionStateClosed
	p.mu.Unlock()
	return nil
}

// SetState reports a connection state change to the session.
func (p *Peer) SetState(s webrtc.PeerConnectionState) {
	p.mu.Lock()
	p.state = s
	fn := p.stateFn
	p.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// RemoteTrack reports a remote track to the session.
func (p *Peer) RemoteTrack(kind webrtc.RTPCodecType, id string) {
	p.mu.Lock()
	fn := p.trackFn
	p.mu.Unlock()
	if fn != nil {
		fn(kind, id)
	}
}

// Remote returns the applied remote description, or nil.
func (p *Peer) Remote() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return nil
	}
	sd := *p.remote
	return &sd
}

// Local returns the applied local description, or nil.
func (p *Peer) Local() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.local == nil {
		return nil
	}
	sd := *p.local
	return &sd
}

// RemoteCandidates returns the applied remote candidates in order.
func (p *Peer) RemoteCandidates() []webrtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), p.remoteCand...)
}

// Closes reports how many times Close was called.
func (p *Peer) Closes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closes
}

// Muted reports the current mute flags.
func (p *Peer) Muted() (audio, video bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.audioOff, p.videoOff
}
