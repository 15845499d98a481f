package signaling

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
)

// observer is one polling subscription. Its cancel is idempotent, does not
// wait for the loop to exit and may be called from inside a callback.
type observer struct {
	cancelled atomic.Bool
	stop      context.CancelFunc
	once      sync.Once
}

func (o *observer) cancel() {
	o.once.Do(func() {
		o.cancelled.Store(true)
		o.stop()
	})
}

// live reports whether callbacks may still be delivered.
func (o *observer) live() bool { return !o.cancelled.Load() }

// runObserver calls tick immediately and then on every poll interval or
// store change notification until cancelled.
func (c *Channel) runObserver(name string, tick func(ctx context.Context, o *observer) error) func() {
	ctx, stop := context.WithCancel(context.Background())
	o := &observer{stop: stop}

	var wake <-chan struct{}
	unsub := func() {}
	if n, ok := c.store.(ChangeNotifier); ok {
		wake, unsub = n.Changes()
	}

	go func() {
		defer unsub()
		t := time.NewTicker(c.pollInterval)
		defer t.Stop()

		failing := false
		for {
			err := tick(ctx, o)
			switch {
			case err == nil:
				if failing {
					log.Printf("SIGNAL: %s recovered", name)
				}
				failing = false
			case ctx.Err() != nil:
			case !failing:
				// Log the first failure of a streak only; polling continues.
				c.metrics.StoreError(context.Background(), "observe")
				log.Printf("SIGNAL: %s: %v", name, err)
				failing = true
			}

			select {
			case <-ctx.Done():
				return
			case <-t.C:
			case _, ok := <-wake:
				if !ok {
					// Store closed its notifier; keep polling on the ticker.
					wake = nil
				}
			}
		}
	}()

	return o.cancel
}

// ObserveAnswer calls onAnswer once per distinct non-empty answer that
// appears on the call record.
func (c *Channel) ObserveAnswer(h *CallHandle, onAnswer func(webrtc.SessionDescription)) (cancel func()) {
	var last string
	return c.runObserver("observe answer "+h.ID, func(ctx context.Context, o *observer) error {
		rec, err := c.store.GetCall(ctx, h.ID)
		if err != nil {
			return wrapRead("get_call", err)
		}
		if !rec.HasAnswer() {
			return nil
		}
		key := rec.Answer.Type.String() + "\x00" + rec.Answer.SDP
		if key == last {
			return nil
		}
		last = key
		if o.live() {
			onAnswer(*rec.Answer)
		}
		return nil
	})
}

// ObserveStatus calls onStatus each time the record's status differs from
// the last one seen. The reference starts at ringing, so a record that is
// already terminal is reported on the first read.
func (c *Channel) ObserveStatus(callID string, onStatus func(Status)) (cancel func()) {
	last := StatusRinging
	return c.runObserver("observe status "+callID, func(ctx context.Context, o *observer) error {
		rec, err := c.store.GetCall(ctx, callID)
		if err != nil {
			return wrapRead("get_call", err)
		}
		if rec.Status == last {
			return nil
		}
		last = rec.Status
		if o.live() {
			onStatus(rec.Status)
		}
		return nil
	})
}

// ObserveCandidates replays every candidate already in sink's sequence and
// then each newly appended one, in append order, each exactly once.
func (c *Channel) ObserveCandidates(sink *CandidateSink, onCandidate func(webrtc.ICECandidateInit)) (cancel func()) {
	var cursor int64
	return c.runObserver("observe "+string(sink.Side)+" candidates "+sink.CallID, func(ctx context.Context, o *observer) error {
		entries, err := c.store.CandidatesSince(ctx, sink.CallID, sink.Side, cursor)
		if err != nil {
			return wrapRead("candidates_since", err)
		}
		for _, e := range entries {
			if e.Seq <= cursor {
				continue
			}
			cursor = e.Seq
			if e.Malformed {
				log.Printf("SIGNAL: skipping malformed %s candidate %d of %s", sink.Side, e.Seq, sink.CallID)
				continue
			}
			if !o.live() {
				return nil
			}
			onCandidate(e.Candidate)
		}
		return nil
	})
}

// WatchIncomingCalls delivers, once each, ringing records addressed to
// localAddress whose timestamp is within the freshness window. Records
// already present are delivered on subscribe if they are still fresh.
func (c *Channel) WatchIncomingCalls(localAddress string, onIncoming func(CallRecord)) (cancel func()) {
	addr := NormalizeAddress(localAddress)
	seen := make(map[string]time.Time)

	return c.runObserver("watch incoming "+addr, func(ctx context.Context, o *observer) error {
		now := c.now()
		cutoff := now.Add(-c.freshness)

		// Records older than the window can never match again.
		for id, ts := range seen {
			if !ts.After(cutoff) {
				delete(seen, id)
			}
		}

		recs, err := c.store.RingingCalls(ctx, addr, cutoff)
		if err != nil {
			return wrapRead("ringing_calls", err)
		}
		for _, rec := range recs {
			if _, dup := seen[rec.ID]; dup {
				continue
			}
			if !c.Fresh(rec, now) {
				continue
			}
			seen[rec.ID] = rec.Timestamp
			if !o.live() {
				return nil
			}
			onIncoming(rec)
		}
		return nil
	})
}

// Fresh reports whether rec qualifies as an incoming call at now.
func (c *Channel) Fresh(rec CallRecord, now time.Time) bool {
	return rec.Status == StatusRinging && now.Sub(rec.Timestamp) < c.freshness
}
