package signaling

import (
	"context"
	"time"

	"github.com/pion/webrtc/v4"
)

// Store is the document store the channel is built on. Implementations live
// in internal/state (memory), internal/storage (SQLite),
// internal/storage/mongostore and internal/storage/pgstore.
//
// Implementations must be safe for concurrent use and must return
// ErrNotFound / ErrAlreadyAnswered unwrapped so the channel can match them.
type Store interface {
	// InsertCall stores rec. The store assigns rec.ID when it is empty and
	// returns the stored record.
	InsertCall(ctx context.Context, rec CallRecord) (CallRecord, error)

	// GetCall returns the record with id, or ErrNotFound.
	GetCall(ctx context.Context, id string) (CallRecord, error)

	// SetAnswer sets the answer once. ErrNotFound when the record is missing,
	// ErrAlreadyAnswered when an answer is already present.
	SetAnswer(ctx context.Context, id string, answer webrtc.SessionDescription) error

	// SetStatus overwrites the status. Last write wins.
	SetStatus(ctx context.Context, id string, status Status) error

	// RingingCalls returns records addressed to calleeEmail with status
	// ringing and a timestamp after since, oldest first.
	RingingCalls(ctx context.Context, calleeEmail string, since time.Time) ([]CallRecord, error)

	// AppendCandidate appends c to the (callID, side) sequence and returns
	// its sequence number.
	AppendCandidate(ctx context.Context, callID string, side Side, c webrtc.ICECandidateInit) (int64, error)

	// CandidatesSince returns entries of the (callID, side) sequence whose
	// Seq is greater than after, in Seq order.
	CandidatesSince(ctx context.Context, callID string, side Side, after int64) ([]CandidateEntry, error)

	// DeleteCallsBefore removes records created before t together with their
	// candidates and returns the number of records removed.
	DeleteCallsBefore(ctx context.Context, t time.Time) (int64, error)

	Close() error
}

// ChangeNotifier is implemented by stores that can signal "something
// changed" so observers poll immediately instead of waiting for the next
// tick. The channel is coalescing: one pending wakeup at most.
type ChangeNotifier interface {
	Changes() (ch <-chan struct{}, cancel func())
}
