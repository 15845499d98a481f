package call

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/observe"
	"github.com/petervdpas/goopcall/internal/signaling"
	"github.com/pion/webrtc/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Relay moves ICE candidates between a media peer and the signaling
// channel. Local candidates found before the call record exists are held
// and appended, in order, once Attach names the sink.
type Relay struct {
	label   string
	ch      *signaling.Channel
	peer    media.Peer
	metrics *observe.Metrics

	mu      sync.Mutex
	sink    *signaling.CandidateSink
	queued  []webrtc.ICECandidateInit
	cancels []func()
	stopped bool
}

func candidatesRelayed(m *observe.Metrics) metric.Int64Counter { return m.CandidatesRelayed }
func candidatesRejected(m *observe.Metrics) metric.Int64Counter { return m.CandidatesRejected }

// NewRelay starts forwarding peer's local candidates. It must be created
// before the peer's local description is set.
func NewRelay(label string, ch *signaling.Channel, peer media.Peer, metrics *observe.Metrics) *Relay {
	r := &Relay{label: label, ch: ch, peer: peer, metrics: metrics}
	peer.OnICECandidate(r.onLocal)
	return r
}

func (r *Relay) onLocal(c webrtc.ICECandidateInit) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	if r.sink == nil {
		r.queued = append(r.queued, c)
		return
	}
	r.ch.AppendCandidate(r.sink, c)
	r.metrics.Inc(context.Background(), candidatesRelayed, attribute.String("direction", "local"))
}

// Attach names the sink for local candidates and flushes the queue.
func (r *Relay) Attach(sink *signaling.CandidateSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped || r.sink != nil {
		return
	}
	r.sink = sink
	for _, c := range r.queued {
		r.ch.AppendCandidate(sink, c)
		r.metrics.Inc(context.Background(), candidatesRelayed, attribute.String("direction", "local"))
	}
	if n := len(r.queued); n > 0 {
		log.Printf("CALL [%s]: flushed %d early local candidates", r.label, n)
	}
	r.queued = nil
}

// ObserveRemote applies every candidate appended to sink to the peer. A
// rejected candidate is logged and the relay carries on.
func (r *Relay) ObserveRemote(sink *signaling.CandidateSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	cancel := r.ch.ObserveCandidates(sink, func(c webrtc.ICECandidateInit) {
		if err := r.peer.AddICECandidate(c); err != nil {
			if !errors.Is(err, media.ErrPeerClosed) {
				log.Printf("CALL [%s]: remote candidate rejected: %v", r.label, err)
				r.metrics.Inc(context.Background(), candidatesRejected)
			}
			return
		}
		r.metrics.Inc(context.Background(), candidatesRelayed, attribute.String("direction", "remote"))
	})
	r.cancels = append(r.cancels, cancel)
}

// Stop cancels remote observation and drops further local candidates.
// Candidates already handed to the channel are still written.
func (r *Relay) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	cancels := r.cancels
	r.cancels = nil
	r.queued = nil
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}
