package storage

import (
	"context"
	"testing"
	"time"

	"github.com/petervdpas/goopcall/internal/signaling"
	"github.com/petervdpas/goopcall/internal/signaling/signalingtest"
)

func openTestDB(t *testing.T, dir string) *DB {
	t.Helper()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSQLiteStoreContract(t *testing.T) {
	signalingtest.RunStoreTests(t, func(t *testing.T) signaling.Store {
		return openTestDB(t, t.TempDir())
	})
}

func TestUndecodableCandidateIsMarked(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	ctx := context.Background()

	rec, err := db.InsertCall(ctx, signaling.CallRecord{
		Offer:       signalingtest.Offer("o"),
		CalleeEmail: "bob@example.com",
		Status:      signaling.StatusRinging,
		Timestamp:   time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.AppendCandidate(ctx, rec.ID, signaling.SideOffer, signalingtest.Candidate(1)); err != nil {
		t.Fatal(err)
	}
	if _, err := db.db.ExecContext(ctx, `INSERT INTO call_candidates (call_id, side, candidate) VALUES (?, ?, ?)`,
		rec.ID, string(signaling.SideOffer), `{"candidate":5}`); err != nil {
		t.Fatal(err)
	}
	if _, err := db.AppendCandidate(ctx, rec.ID, signaling.SideOffer, signalingtest.Candidate(3)); err != nil {
		t.Fatal(err)
	}

	got, err := db.CandidatesSince(ctx, rec.ID, signaling.SideOffer, 0)
	if err != nil {
		t.Fatalf("CandidatesSince: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("entries = %d, want 3", len(got))
	}
	if got[0].Malformed || !got[1].Malformed || got[2].Malformed {
		t.Errorf("malformed flags = %v %v %v, want only the middle entry", got[0].Malformed, got[1].Malformed, got[2].Malformed)
	}
	if !(got[0].Seq < got[1].Seq && got[1].Seq < got[2].Seq) {
		t.Errorf("seqs out of order: %d %d %d", got[0].Seq, got[1].Seq, got[2].Seq)
	}
	if got[2].Candidate.Candidate != signalingtest.Candidate(3).Candidate {
		t.Errorf("last candidate = %q", got[2].Candidate.Candidate)
	}
}

func TestOpenRecordsSchemaVersion(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	v, err := db.SchemaVersion()
	if err != nil {
		t.Fatal(err)
	}
	if v != schemaVersion {
		t.Fatalf("schema version = %q, want %q", v, schemaVersion)
	}
}

func TestReopenKeepsRecords(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	db, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	rec, err := db.InsertCall(ctx, signaling.CallRecord{
		Offer:       signalingtest.Offer("persist"),
		CalleeEmail: "bob@example.com",
		Status:      signaling.StatusRinging,
		Timestamp:   time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	db2 := openTestDB(t, dir)
	got, err := db2.GetCall(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetCall after reopen: %v", err)
	}
	if got.Offer.SDP != rec.Offer.SDP {
		t.Errorf("offer changed across reopen")
	}
}

// Two handles on one directory stand in for two peer processes.
func TestSharedDirectoryWakesOtherHandle(t *testing.T) {
	dir := t.TempDir()
	writer := openTestDB(t, dir)
	reader := openTestDB(t, dir)

	ch, cancel := reader.Changes()
	defer cancel()

	if _, err := writer.InsertCall(context.Background(), signaling.CallRecord{
		Offer:       signalingtest.Offer("x"),
		CalleeEmail: "bob@example.com",
		Status:      signaling.StatusRinging,
		Timestamp:   time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("reader handle was not woken by a write from the other handle")
	}
}
