// Package signaling implements the call signaling channel: durable
// append/observe primitives over a shared document store. A call is one
// record holding the caller's offer and, later, the callee's answer, plus two
// append-only candidate sequences, one per side.
//
// The package knows nothing about media. Sessions in internal/call drive it.
package signaling

import (
	"time"

	"github.com/pion/webrtc/v4"
)

// Status is the lifecycle status stored on a call record.
type Status string

const (
	StatusRinging  Status = "ringing"
	StatusEnded    Status = "ended"
	StatusRejected Status = "rejected"
)

// Terminal reports whether no further status transitions are expected.
func (s Status) Terminal() bool {
	return s == StatusEnded || s == StatusRejected
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusRinging, StatusEnded, StatusRejected:
		return true
	}
	return false
}

// Side names one of the two candidate sequences of a call.
type Side string

const (
	SideOffer  Side = "offer"  // candidates gathered by the caller
	SideAnswer Side = "answer" // candidates gathered by the callee
)

// Other returns the opposite side.
func (s Side) Other() Side {
	if s == SideOffer {
		return SideAnswer
	}
	return SideOffer
}

// CallRecord is the shared document describing one call attempt.
type CallRecord struct {
	ID          string                     `json:"id"`
	Offer       webrtc.SessionDescription  `json:"offer"`
	Answer      *webrtc.SessionDescription `json:"answer,omitempty"`
	CallerName  string                     `json:"callerName"`
	CalleeEmail string                     `json:"calleeEmail"`
	Status      Status                     `json:"status"`
	Timestamp   time.Time                  `json:"timestamp"`
}

// HasAnswer reports whether an answer with a non-empty SDP is present.
func (r CallRecord) HasAnswer() bool {
	return r.Answer != nil && r.Answer.SDP != ""
}

// Clone returns a copy that shares no pointers with r.
func (r CallRecord) Clone() CallRecord {
	if r.Answer != nil {
		a := *r.Answer
		r.Answer = &a
	}
	return r
}

// CandidateEntry is one element of a candidate sequence. Seq is assigned by
// the store and strictly increases in append order within a sequence.
type CandidateEntry struct {
	Seq       int64                   `json:"seq"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`

	// Malformed marks a stored entry that could not be decoded. Observers
	// move past its Seq without delivering it.
	Malformed bool `json:"-"`
}

// CallHandle is returned by create and answer. It names the call and the
// two candidate sinks; the local side appends to one and observes the other.
type CallHandle struct {
	ID               string
	OfferCandidates  *CandidateSink
	AnswerCandidates *CandidateSink
}

// Sink returns the candidate sink for side.
func (h *CallHandle) Sink(side Side) *CandidateSink {
	if side == SideOffer {
		return h.OfferCandidates
	}
	return h.AnswerCandidates
}
