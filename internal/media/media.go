// Package media is the WebRTC media engine behind a call session: local
// capture, peer connections and the small surface the call state machine
// drives. The pion implementation lives in engine.go; tests substitute the
// fakes from mediatest.
package media

import (
	"context"
	"errors"
	"time"

	"github.com/pion/webrtc/v4"
)

var (
	// ErrMediaAccessDenied is returned by Capture when no usable camera or
	// microphone could be opened.
	ErrMediaAccessDenied = errors.New("media access denied")

	// ErrRemoteDescriptionRejected wraps the engine error for an offer or
	// answer that could not be applied.
	ErrRemoteDescriptionRejected = errors.New("remote description rejected")

	// ErrCandidateRejected wraps the engine error for a remote ICE candidate
	// that could not be applied.
	ErrCandidateRejected = errors.New("remote candidate rejected")

	// ErrPeerClosed is returned by Peer methods after Close.
	ErrPeerClosed = errors.New("peer connection closed")
)

// Capture modes.
const (
	CaptureDevice    = "device"
	CaptureSynthetic = "synthetic"
	CaptureNone      = "none"
)

// Constraints selects what Capture tries to open.
type Constraints struct {
	Audio bool
	Video bool
}

// Engine opens local media and creates peer connections.
type Engine interface {
	Capture(ctx context.Context, c Constraints) (LocalMedia, error)
	NewPeer(callID string) (Peer, error)
}

// LocalMedia is a set of captured local tracks.
type LocalMedia interface {
	Tracks() []webrtc.TrackLocal
	// Stop releases the capture devices. Safe to call more than once.
	Stop()
}

// Peer is one end of a WebRTC connection.
type Peer interface {
	AddLocalMedia(lm LocalMedia) error
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(sd webrtc.SessionDescription) error
	SetRemoteDescription(sd webrtc.SessionDescription) error
	// AddICECandidate applies a remote candidate, or holds it until the
	// remote description is set.
	AddICECandidate(c webrtc.ICECandidateInit) error

	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))
	OnTrack(fn func(kind webrtc.RTPCodecType, trackID string))

	// SetTrackEnabled mutes or unmutes every local track of kind.
	SetTrackEnabled(kind webrtc.RTPCodecType, enabled bool) error
	Stats() Stats
	// Close tears the connection down. Safe to call more than once.
	Close() error
}

// Stats is a snapshot of what a peer has received.
type Stats struct {
	State           webrtc.PeerConnectionState `json:"state"`
	RemoteTracks    int                        `json:"remote_tracks"`
	PacketsReceived uint64                     `json:"packets_received"`
	BytesReceived   uint64                     `json:"bytes_received"`
	PLIsSent        uint64                     `json:"plis_sent"`
	LastPacketAt    time.Time                  `json:"last_packet_at,omitzero"`
}
