package media

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/multierr"
)

type localSender struct {
	sender *webrtc.RTPSender
	track  webrtc.TrackLocal
	muted  bool
}

// pionPeer wraps a PeerConnection with remote candidate buffering, mute by
// track replacement and receive statistics.
type pionPeer struct {
	callID      string
	pc          *webrtc.PeerConnection
	pliInterval time.Duration

	// candMu is held across SetRemoteDescription so a candidate cannot slip
	// between the remote description check and the flush.
	candMu    sync.Mutex
	pending   []webrtc.ICECandidateInit
	remoteSet bool

	mu      sync.Mutex
	senders []*localSender
	trackFn func(webrtc.RTPCodecType, string)

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
	done      chan struct{}

	remoteTracks atomic.Int64
	packets      atomic.Uint64
	bytes        atomic.Uint64
	plis         atomic.Uint64
	lastPacket   atomic.Int64
}

func newPionPeer(callID string, pc *webrtc.PeerConnection, pliInterval time.Duration) *pionPeer {
	p := &pionPeer{
		callID:      callID,
		pc:          pc,
		pliInterval: pliInterval,
		done:        make(chan struct{}),
	}
	pc.OnTrack(p.handleTrack)
	return p
}

func (p *pionPeer) handleTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	p.remoteTracks.Add(1)
	log.Printf("MEDIA [%s]: remote %s track %s (%s)", p.callID, track.Kind(), track.ID(), track.Codec().MimeType)

	go p.drain(track)
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		go p.requestKeyframes(track)
	}

	p.mu.Lock()
	fn := p.trackFn
	p.mu.Unlock()
	if fn != nil {
		fn(track.Kind(), track.ID())
	}
}

// drain reads the remote track so the interceptors keep running and
// counts what arrives.
func (p *pionPeer) drain(track *webrtc.TrackRemote) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		p.countPacket(pkt)
	}
}

func (p *pionPeer) countPacket(pkt *rtp.Packet) {
	p.packets.Add(1)
	p.bytes.Add(uint64(pkt.MarshalSize()))
	p.lastPacket.Store(time.Now().UnixNano())
}

// requestKeyframes sends a PLI periodically so a late or lossy start on the
// remote video recovers without waiting for the sender's keyframe interval.
func (p *pionPeer) requestKeyframes(track *webrtc.TrackRemote) {
	ticker := time.NewTicker(p.pliInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			err := p.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}})
			if err != nil {
				return
			}
			p.plis.Add(1)
		}
	}
}

func (p *pionPeer) AddLocalMedia(lm LocalMedia) error {
	if p.closed.Load() {
		return ErrPeerClosed
	}
	tracks := lm.Tracks()
	if len(tracks) == 0 {
		// Receive-only: recvonly transceivers keep valid m-lines with ICE
		// credentials in the SDP.
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
			if _, err := p.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			}); err != nil {
				return fmt.Errorf("add %s transceiver: %w", kind, err)
			}
		}
		log.Printf("MEDIA [%s]: receive-only", p.callID)
		return nil
	}

	for _, t := range tracks {
		sender, err := p.pc.AddTrack(t)
		if err != nil {
			return fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
		p.mu.Lock()
		p.senders = append(p.senders, &localSender{sender: sender, track: t})
		p.mu.Unlock()
		go drainRTCP(sender)
	}
	return nil
}

// drainRTCP reads incoming RTCP for a sender; interceptors such as NACK
// only work while someone reads.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (p *pionPeer) CreateOffer() (webrtc.SessionDescription, error) {
	if p.closed.Load() {
		return webrtc.SessionDescription{}, ErrPeerClosed
	}
	return p.pc.CreateOffer(nil)
}

func (p *pionPeer) CreateAnswer() (webrtc.SessionDescription, error) {
	if p.closed.Load() {
		return webrtc.SessionDescription{}, ErrPeerClosed
	}
	return p.pc.CreateAnswer(nil)
}

func (p *pionPeer) SetLocalDescription(sd webrtc.SessionDescription) error {
	if p.closed.Load() {
		return ErrPeerClosed
	}
	return p.pc.SetLocalDescription(sd)
}

func (p *pionPeer) SetRemoteDescription(sd webrtc.SessionDescription) error {
	if p.closed.Load() {
		return ErrPeerClosed
	}
	p.candMu.Lock()
	defer p.candMu.Unlock()

	if err := p.pc.SetRemoteDescription(sd); err != nil {
		return fmt.Errorf("%w: %v", ErrRemoteDescriptionRejected, err)
	}
	p.remoteSet = true

	pending := p.pending
	p.pending = nil
	for _, c := range pending {
		if err := p.pc.AddICECandidate(c); err != nil {
			log.Printf("MEDIA [%s]: buffered candidate rejected: %v", p.callID, err)
		}
	}
	if len(pending) > 0 {
		log.Printf("MEDIA [%s]: applied %d buffered candidates", p.callID, len(pending))
	}
	return nil
}

func (p *pionPeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	if p.closed.Load() {
		return ErrPeerClosed
	}
	p.candMu.Lock()
	defer p.candMu.Unlock()

	if !p.remoteSet {
		p.pending = append(p.pending, c)
		return nil
	}
	if err := p.pc.AddICECandidate(c); err != nil {
		return fmt.Errorf("%w: %v", ErrCandidateRejected, err)
	}
	return nil
}

func (p *pionPeer) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering.
		if c == nil {
			return
		}
		fn(c.ToJSON())
	})
}

func (p *pionPeer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(fn)
}

func (p *pionPeer) OnTrack(fn func(kind webrtc.RTPCodecType, trackID string)) {
	p.mu.Lock()
	p.trackFn = fn
	p.mu.Unlock()
}

func (p *pionPeer) SetTrackEnabled(kind webrtc.RTPCodecType, enabled bool) error {
	if p.closed.Load() {
		return ErrPeerClosed
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs error
	for _, s := range p.senders {
		if s.track.Kind() != kind || s.muted == !enabled {
			continue
		}
		var next webrtc.TrackLocal
		if enabled {
			next = s.track
		}
		if err := s.sender.ReplaceTrack(next); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("replace %s track: %w", kind, err))
			continue
		}
		s.muted = !enabled
	}
	return errs
}

func (p *pionPeer) Stats() Stats {
	st := Stats{
		State:           p.pc.ConnectionState(),
		RemoteTracks:    int(p.remoteTracks.Load()),
		PacketsReceived: p.packets.Load(),
		BytesReceived:   p.bytes.Load(),
		PLIsSent:        p.plis.Load(),
	}
	if ns := p.lastPacket.Load(); ns != 0 {
		st.LastPacketAt = time.Unix(0, ns)
	}
	return st
}

func (p *pionPeer) Close() error {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		close(p.done)
		p.closeErr = p.pc.Close()
	})
	return p.closeErr
}
