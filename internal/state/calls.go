// Package state holds the in-process call table: a signaling.Store kept in
// memory. Two managers sharing one CallTable can call each other, which is
// what tests and the single-process demo use.
package state

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/petervdpas/goopcall/internal/signaling"
	"github.com/pion/webrtc/v4"
)

type candKey struct {
	callID string
	side   signaling.Side
}

// CallTable is a mutex-protected map of call records and candidate
// sequences with change fan-out to subscribed listeners.
type CallTable struct {
	mu         sync.Mutex
	calls      map[string]signaling.CallRecord
	candidates map[candKey][]signaling.CandidateEntry
	seq        int64
	listeners  []chan struct{}
	closed     bool
}

var (
	_ signaling.Store          = (*CallTable)(nil)
	_ signaling.ChangeNotifier = (*CallTable)(nil)
)

func NewCallTable() *CallTable {
	return &CallTable{
		calls:      map[string]signaling.CallRecord{},
		candidates: map[candKey][]signaling.CandidateEntry{},
		listeners:  make([]chan struct{}, 0),
	}
}

func (t *CallTable) InsertCall(ctx context.Context, rec signaling.CallRecord) (signaling.CallRecord, error) {
	if err := ctx.Err(); err != nil {
		return signaling.CallRecord{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec = rec.Clone()
	t.calls[rec.ID] = rec
	t.notifyListeners()
	return rec.Clone(), nil
}

func (t *CallTable) GetCall(ctx context.Context, id string) (signaling.CallRecord, error) {
	if err := ctx.Err(); err != nil {
		return signaling.CallRecord{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.calls[id]
	if !ok {
		return signaling.CallRecord{}, signaling.ErrNotFound
	}
	return rec.Clone(), nil
}

func (t *CallTable) SetAnswer(ctx context.Context, id string, answer webrtc.SessionDescription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.calls[id]
	if !ok {
		return signaling.ErrNotFound
	}
	if rec.Answer != nil {
		return signaling.ErrAlreadyAnswered
	}
	rec.Answer = &answer
	t.calls[id] = rec
	t.notifyListeners()
	return nil
}

func (t *CallTable) SetStatus(ctx context.Context, id string, status signaling.Status) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.calls[id]
	if !ok {
		return signaling.ErrNotFound
	}
	if rec.Status == status {
		return nil
	}
	rec.Status = status
	t.calls[id] = rec
	t.notifyListeners()
	return nil
}

func (t *CallTable) RingingCalls(ctx context.Context, calleeEmail string, since time.Time) ([]signaling.CallRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]signaling.CallRecord, 0)
	for _, rec := range t.calls {
		if rec.CalleeEmail != calleeEmail || rec.Status != signaling.StatusRinging {
			continue
		}
		if !rec.Timestamp.After(since) {
			continue
		}
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (t *CallTable) AppendCandidate(ctx context.Context, callID string, side signaling.Side, c webrtc.ICECandidateInit) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.calls[callID]; !ok {
		return 0, signaling.ErrNotFound
	}
	t.seq++
	k := candKey{callID, side}
	t.candidates[k] = append(t.candidates[k], signaling.CandidateEntry{Seq: t.seq, Candidate: c})
	t.notifyListeners()
	return t.seq, nil
}

func (t *CallTable) CandidatesSince(ctx context.Context, callID string, side signaling.Side, after int64) ([]signaling.CandidateEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	all := t.candidates[candKey{callID, side}]
	i := sort.Search(len(all), func(i int) bool { return all[i].Seq > after })
	out := make([]signaling.CandidateEntry, len(all)-i)
	copy(out, all[i:])
	return out, nil
}

func (t *CallTable) DeleteCallsBefore(ctx context.Context, before time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	var n int64
	for id, rec := range t.calls {
		if rec.Timestamp.Before(before) {
			delete(t.calls, id)
			delete(t.candidates, candKey{id, signaling.SideOffer})
			delete(t.candidates, candKey{id, signaling.SideAnswer})
			n++
		}
	}
	if n > 0 {
		t.notifyListeners()
	}
	return n, nil
}

// Snapshot returns a copy of every stored call record.
func (t *CallTable) Snapshot() map[string]signaling.CallRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := make(map[string]signaling.CallRecord, len(t.calls))
	for k, v := range t.calls {
		cp[k] = v.Clone()
	}
	return cp
}

func (t *CallTable) Changes() (<-chan struct{}, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan struct{}, 1)
	if t.closed {
		close(ch)
		return ch, func() {}
	}
	t.listeners = append(t.listeners, ch)
	return ch, func() { t.unsubscribe(ch) }
}

func (t *CallTable) unsubscribe(ch chan struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, listener := range t.listeners {
		if listener == ch {
			close(listener)
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return
		}
	}
}

// Close drops every listener. Stored records stay readable.
func (t *CallTable) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	for _, ch := range t.listeners {
		close(ch)
	}
	t.listeners = nil
	return nil
}

func (t *CallTable) notifyListeners() {
	for _, ch := range t.listeners {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
