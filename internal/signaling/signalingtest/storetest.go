// Package signalingtest holds the behavioural checks every signaling.Store
// implementation must pass, plus small fixtures shared by store and session
// tests.
package signalingtest

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/petervdpas/goopcall/internal/signaling"
	"github.com/pion/webrtc/v4"
)

// Offer returns a minimal offer description for tests.
func Offer(tag string) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\no=- " + tag + " 1 IN IP4 0.0.0.0\r\n"}
}

// Answer returns a minimal answer description for tests.
func Answer(tag string) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0\r\no=- " + tag + " 2 IN IP4 0.0.0.0\r\n"}
}

// Candidate returns a host candidate carrying n in its foundation.
func Candidate(n int) webrtc.ICECandidateInit {
	mid := "0"
	idx := uint16(0)
	return webrtc.ICECandidateInit{
		Candidate:     "candidate:" + strconv.Itoa(n) + " 1 udp 2130706431 192.0.2.1 " + strconv.Itoa(50000+n) + " typ host",
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}
}

// RunStoreTests exercises the signaling.Store contract against stores built
// by newStore. Each subtest gets a fresh store.
func RunStoreTests(t *testing.T, newStore func(t *testing.T) signaling.Store) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	insert := func(t *testing.T, s signaling.Store, callee string, ts time.Time) signaling.CallRecord {
		t.Helper()
		rec, err := s.InsertCall(ctx, signaling.CallRecord{
			Offer:       Offer(callee),
			CallerName:  "Alice",
			CalleeEmail: callee,
			Status:      signaling.StatusRinging,
			Timestamp:   ts,
		})
		if err != nil {
			t.Fatalf("InsertCall: %v", err)
		}
		if rec.ID == "" {
			t.Fatal("InsertCall returned empty id")
		}
		return rec
	}

	t.Run("insert and get", func(t *testing.T) {
		s := newStore(t)
		rec := insert(t, s, "bob@example.com", now)

		got, err := s.GetCall(ctx, rec.ID)
		if err != nil {
			t.Fatalf("GetCall: %v", err)
		}
		if got.Offer.SDP != rec.Offer.SDP || got.Offer.Type != webrtc.SDPTypeOffer {
			t.Errorf("offer = %+v, want %+v", got.Offer, rec.Offer)
		}
		if got.Answer != nil {
			t.Errorf("answer = %+v, want nil", got.Answer)
		}
		if got.CalleeEmail != "bob@example.com" || got.CallerName != "Alice" {
			t.Errorf("addressing = %q/%q", got.CalleeEmail, got.CallerName)
		}
		if got.Status != signaling.StatusRinging {
			t.Errorf("status = %q, want ringing", got.Status)
		}
		if !got.Timestamp.Equal(now) {
			t.Errorf("timestamp = %v, want %v", got.Timestamp, now)
		}

		if _, err := s.GetCall(ctx, "does-not-exist"); !errors.Is(err, signaling.ErrNotFound) {
			t.Errorf("GetCall(missing) = %v, want ErrNotFound", err)
		}
	})

	t.Run("answer set once", func(t *testing.T) {
		s := newStore(t)
		rec := insert(t, s, "bob@example.com", now)

		if err := s.SetAnswer(ctx, rec.ID, Answer("first")); err != nil {
			t.Fatalf("SetAnswer: %v", err)
		}
		if err := s.SetAnswer(ctx, rec.ID, Answer("second")); !errors.Is(err, signaling.ErrAlreadyAnswered) {
			t.Errorf("second SetAnswer = %v, want ErrAlreadyAnswered", err)
		}
		got, err := s.GetCall(ctx, rec.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Answer == nil || got.Answer.SDP != Answer("first").SDP {
			t.Errorf("answer = %+v, want first", got.Answer)
		}
		if err := s.SetAnswer(ctx, "missing", Answer("x")); !errors.Is(err, signaling.ErrNotFound) {
			t.Errorf("SetAnswer(missing) = %v, want ErrNotFound", err)
		}
	})

	t.Run("status last write wins", func(t *testing.T) {
		s := newStore(t)
		rec := insert(t, s, "bob@example.com", now)

		for _, st := range []signaling.Status{signaling.StatusRejected, signaling.StatusEnded} {
			if err := s.SetStatus(ctx, rec.ID, st); err != nil {
				t.Fatalf("SetStatus(%s): %v", st, err)
			}
		}
		got, _ := s.GetCall(ctx, rec.ID)
		if got.Status != signaling.StatusEnded {
			t.Errorf("status = %q, want ended", got.Status)
		}
		if err := s.SetStatus(ctx, "missing", signaling.StatusEnded); !errors.Is(err, signaling.ErrNotFound) {
			t.Errorf("SetStatus(missing) = %v, want ErrNotFound", err)
		}
	})

	t.Run("ringing calls filter", func(t *testing.T) {
		s := newStore(t)
		older := insert(t, s, "bob@example.com", now.Add(-20*time.Second))
		newer := insert(t, s, "bob@example.com", now.Add(-5*time.Second))
		insert(t, s, "carol@example.com", now)
		stale := insert(t, s, "bob@example.com", now.Add(-2*time.Minute))
		ended := insert(t, s, "bob@example.com", now.Add(-time.Second))
		if err := s.SetStatus(ctx, ended.ID, signaling.StatusEnded); err != nil {
			t.Fatal(err)
		}

		got, err := s.RingingCalls(ctx, "bob@example.com", now.Add(-30*time.Second))
		if err != nil {
			t.Fatalf("RingingCalls: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("got %d records, want 2: %+v", len(got), got)
		}
		if got[0].ID != older.ID || got[1].ID != newer.ID {
			t.Errorf("order = [%s %s], want [%s %s]", got[0].ID, got[1].ID, older.ID, newer.ID)
		}
		for _, r := range got {
			if r.ID == stale.ID {
				t.Error("stale record returned")
			}
		}
	})

	t.Run("candidate sequences", func(t *testing.T) {
		s := newStore(t)
		rec := insert(t, s, "bob@example.com", now)

		var offerSeqs []int64
		for i := 1; i <= 3; i++ {
			seq, err := s.AppendCandidate(ctx, rec.ID, signaling.SideOffer, Candidate(i))
			if err != nil {
				t.Fatalf("AppendCandidate: %v", err)
			}
			offerSeqs = append(offerSeqs, seq)
		}
		if _, err := s.AppendCandidate(ctx, rec.ID, signaling.SideAnswer, Candidate(9)); err != nil {
			t.Fatal(err)
		}
		for i := 1; i < len(offerSeqs); i++ {
			if offerSeqs[i] <= offerSeqs[i-1] {
				t.Fatalf("seqs not increasing: %v", offerSeqs)
			}
		}

		all, err := s.CandidatesSince(ctx, rec.ID, signaling.SideOffer, 0)
		if err != nil {
			t.Fatal(err)
		}
		if len(all) != 3 {
			t.Fatalf("offer side has %d entries, want 3", len(all))
		}
		for i, e := range all {
			if e.Candidate.Candidate != Candidate(i+1).Candidate {
				t.Errorf("entry %d = %q, want %q", i, e.Candidate.Candidate, Candidate(i+1).Candidate)
			}
			if e.Candidate.SDPMid == nil || *e.Candidate.SDPMid != "0" {
				t.Errorf("entry %d lost sdpMid", i)
			}
		}

		tail, err := s.CandidatesSince(ctx, rec.ID, signaling.SideOffer, all[0].Seq)
		if err != nil {
			t.Fatal(err)
		}
		if len(tail) != 2 || tail[0].Seq != all[1].Seq {
			t.Errorf("tail after first = %+v", tail)
		}

		ans, _ := s.CandidatesSince(ctx, rec.ID, signaling.SideAnswer, 0)
		if len(ans) != 1 || ans[0].Candidate.Candidate != Candidate(9).Candidate {
			t.Errorf("answer side = %+v", ans)
		}
	})

	t.Run("delete before", func(t *testing.T) {
		s := newStore(t)
		old := insert(t, s, "bob@example.com", now.Add(-48*time.Hour))
		keep := insert(t, s, "bob@example.com", now)
		if _, err := s.AppendCandidate(ctx, old.ID, signaling.SideOffer, Candidate(1)); err != nil {
			t.Fatal(err)
		}

		n, err := s.DeleteCallsBefore(ctx, now.Add(-24*time.Hour))
		if err != nil {
			t.Fatalf("DeleteCallsBefore: %v", err)
		}
		if n != 1 {
			t.Errorf("deleted %d, want 1", n)
		}
		if _, err := s.GetCall(ctx, old.ID); !errors.Is(err, signaling.ErrNotFound) {
			t.Errorf("old record still present: %v", err)
		}
		if _, err := s.GetCall(ctx, keep.ID); err != nil {
			t.Errorf("recent record removed: %v", err)
		}
		cands, _ := s.CandidatesSince(ctx, old.ID, signaling.SideOffer, 0)
		if len(cands) != 0 {
			t.Errorf("candidates of deleted call remain: %d", len(cands))
		}
	})

	t.Run("change notifications", func(t *testing.T) {
		s := newStore(t)
		n, ok := s.(signaling.ChangeNotifier)
		if !ok {
			t.Skip("store has no change notifications")
		}
		ch, cancel := n.Changes()
		defer cancel()

		insert(t, s, "bob@example.com", now)
		select {
		case <-ch:
		case <-time.After(5 * time.Second):
			t.Fatal("no change notification after insert")
		}
	})
}
