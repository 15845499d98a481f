package state

import (
	"testing"

	"github.com/petervdpas/goopcall/internal/signaling"
	"github.com/petervdpas/goopcall/internal/signaling/signalingtest"
)

func TestCallTableStoreContract(t *testing.T) {
	signalingtest.RunStoreTests(t, func(t *testing.T) signaling.Store {
		tbl := NewCallTable()
		t.Cleanup(func() { _ = tbl.Close() })
		return tbl
	})
}

func TestCallTableCloseReleasesListeners(t *testing.T) {
	tbl := NewCallTable()
	ch, cancel := tbl.Changes()
	if err := tbl.Close(); err != nil {
		t.Fatal(err)
	}
	if _, ok := <-ch; ok {
		t.Fatal("listener channel still open after Close")
	}
	// cancel after Close must not panic on a double close
	cancel()

	late, _ := tbl.Changes()
	if _, ok := <-late; ok {
		t.Fatal("Changes after Close returned an open channel")
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	tbl := NewCallTable()
	rec, err := tbl.InsertCall(t.Context(), signaling.CallRecord{
		Offer:       signalingtest.Offer("a"),
		CalleeEmail: "bob@example.com",
		Status:      signaling.StatusRinging,
	})
	if err != nil {
		t.Fatal(err)
	}
	snap := tbl.Snapshot()
	r := snap[rec.ID]
	r.Status = signaling.StatusEnded
	snap[rec.ID] = r

	got, _ := tbl.GetCall(t.Context(), rec.ID)
	if got.Status != signaling.StatusRinging {
		t.Fatalf("mutating snapshot changed the table: status=%s", got.Status)
	}
}
