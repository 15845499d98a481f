package signaling

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/petervdpas/goopcall/internal/observe"
	"github.com/pion/webrtc/v4"
)

const (
	// DefaultFreshness is how old a ringing record may be and still be
	// delivered as an incoming call.
	DefaultFreshness = 30 * time.Second

	// DefaultPollInterval is the observer tick when the store has no change
	// notifications, and the fallback tick when it does.
	DefaultPollInterval = 250 * time.Millisecond

	// DefaultWriteTimeout bounds detached writes (candidate appends).
	DefaultWriteTimeout = 10 * time.Second
)

// Options tunes a Channel. Zero values select the defaults above.
type Options struct {
	PollInterval time.Duration
	Freshness    time.Duration
	WriteTimeout time.Duration

	// Now is the clock used for timestamps and freshness checks.
	Now func() time.Time

	Metrics *observe.Metrics
}

// Channel is the signaling channel over a Store.
type Channel struct {
	store Store

	pollInterval time.Duration
	freshness    time.Duration
	writeTimeout time.Duration
	now          func() time.Time
	metrics      *observe.Metrics
}

// New creates a Channel on store.
func New(store Store, opt Options) *Channel {
	c := &Channel{
		store:        store,
		pollInterval: opt.PollInterval,
		freshness:    opt.Freshness,
		writeTimeout: opt.WriteTimeout,
		now:          opt.Now,
		metrics:      opt.Metrics,
	}
	if c.pollInterval <= 0 {
		c.pollInterval = DefaultPollInterval
	}
	if c.freshness <= 0 {
		c.freshness = DefaultFreshness
	}
	if c.writeTimeout <= 0 {
		c.writeTimeout = DefaultWriteTimeout
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// Freshness returns the incoming-call freshness window.
func (c *Channel) Freshness() time.Duration { return c.freshness }

// WriteTimeout returns the bound used for detached writes.
func (c *Channel) WriteTimeout() time.Duration { return c.writeTimeout }

// CreateCallRecord stores a new ringing call carrying offer and returns a
// handle to it. On failure no call exists.
func (c *Channel) CreateCallRecord(ctx context.Context, offer webrtc.SessionDescription, calleeAddress, callerDisplayName string) (*CallHandle, error) {
	rec, err := c.store.InsertCall(ctx, CallRecord{
		Offer:       offer,
		CallerName:  callerDisplayName,
		CalleeEmail: NormalizeAddress(calleeAddress),
		Status:      StatusRinging,
		Timestamp:   c.now(),
	})
	if err != nil {
		c.metrics.StoreError(ctx, "insert_call")
		return nil, wrapWrite("insert_call", err)
	}
	log.Printf("SIGNAL: created call %s for %s", rec.ID, rec.CalleeEmail)
	return c.handle(rec.ID), nil
}

// AnswerCallRecord writes answer into an existing call record.
func (c *Channel) AnswerCallRecord(ctx context.Context, callID string, answer webrtc.SessionDescription) (*CallHandle, error) {
	rec, err := c.store.GetCall(ctx, callID)
	if err != nil {
		c.metrics.StoreError(ctx, "get_call")
		return nil, wrapRead("get_call", err)
	}
	if rec.Status.Terminal() {
		return nil, ErrCallTerminated
	}
	if rec.HasAnswer() {
		return nil, ErrAlreadyAnswered
	}
	if err := c.store.SetAnswer(ctx, callID, answer); err != nil {
		c.metrics.StoreError(ctx, "set_answer")
		return nil, wrapWrite("set_answer", err)
	}
	log.Printf("SIGNAL: answered call %s", callID)
	return c.handle(callID), nil
}

// GetCall reads a call record.
func (c *Channel) GetCall(ctx context.Context, callID string) (CallRecord, error) {
	rec, err := c.store.GetCall(ctx, callID)
	if err != nil {
		return CallRecord{}, wrapRead("get_call", err)
	}
	return rec, nil
}

// SetCallStatus writes status once. Last write wins at the store.
func (c *Channel) SetCallStatus(ctx context.Context, callID string, status Status) error {
	if err := c.store.SetStatus(ctx, callID, status); err != nil {
		c.metrics.StoreError(ctx, "set_status")
		return wrapWrite("set_status", err)
	}
	log.Printf("SIGNAL: call %s status=%s", callID, status)
	return nil
}

// AppendCandidate queues c for append to sink. It returns immediately.
// Appends on one sink reach the store in call order; failures are logged
// and not retried.
func (c *Channel) AppendCandidate(sink *CandidateSink, cand webrtc.ICECandidateInit) {
	sink.enqueue(cand)
}

func (c *Channel) handle(callID string) *CallHandle {
	return &CallHandle{
		ID:               callID,
		OfferCandidates:  &CandidateSink{CallID: callID, Side: SideOffer, ch: c},
		AnswerCandidates: &CandidateSink{CallID: callID, Side: SideAnswer, ch: c},
	}
}

// NormalizeAddress lower-cases and trims a callee address so the watcher
// match is not defeated by case or whitespace.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// CandidateSink is one side's candidate sequence of a call.
type CandidateSink struct {
	CallID string
	Side   Side

	ch *Channel

	mu      sync.Mutex
	pending []webrtc.ICECandidateInit
	running bool
}

func (s *CandidateSink) enqueue(cand webrtc.ICECandidateInit) {
	s.mu.Lock()
	s.pending = append(s.pending, cand)
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()
	go s.drain()
}

// drain writes queued candidates one at a time until the queue is empty.
func (s *CandidateSink) drain() {
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.running = false
			s.mu.Unlock()
			return
		}
		cand := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), s.ch.writeTimeout)
		_, err := s.ch.store.AppendCandidate(ctx, s.CallID, s.Side, cand)
		cancel()
		if err != nil {
			s.ch.metrics.StoreError(context.Background(), "append_candidate")
			log.Printf("SIGNAL: call %s: append %s candidate failed: %v", s.CallID, s.Side, wrapWrite("append_candidate", err))
		}
	}
}

// Flush blocks until every queued candidate has been attempted or ctx ends.
func (s *CandidateSink) Flush(ctx context.Context) error {
	t := time.NewTicker(5 * time.Millisecond)
	defer t.Stop()
	for {
		s.mu.Lock()
		idle := !s.running && len(s.pending) == 0
		s.mu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}
