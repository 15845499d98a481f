package mongostore_test

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/petervdpas/goopcall/internal/signaling"
	"github.com/petervdpas/goopcall/internal/signaling/signalingtest"
	"github.com/petervdpas/goopcall/internal/storage/mongostore"
	"github.com/pion/webrtc/v4"
)

// testURI returns the MongoDB URI from the environment, or skips the test if
// GOOPCALL_TEST_MONGO_URI is not set.
func testURI(t *testing.T) string {
	t.Helper()
	uri := os.Getenv("GOOPCALL_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("GOOPCALL_TEST_MONGO_URI not set, skipping MongoDB integration tests")
	}
	return uri
}

// newTestStore opens a store on a throwaway database that is dropped on cleanup.
func newTestStore(t *testing.T) *mongostore.Store {
	t.Helper()
	uri := testURI(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dbName := "goopcall_test_" + strings.ReplaceAll(uuid.NewString()[:8], "-", "")
	s, err := mongostore.Open(ctx, mongostore.Options{URI: uri, Database: dbName, TTL: time.Hour})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		_ = s.DropDatabase(context.Background())
		_ = s.Close()
	})
	return s
}

func TestMongoStoreContract(t *testing.T) {
	signalingtest.RunStoreTests(t, func(t *testing.T) signaling.Store {
		return newTestStore(t)
	})
}

func TestCandidateFieldsSurviveRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec, err := s.InsertCall(ctx, signaling.CallRecord{
		Offer:       signalingtest.Offer("o"),
		CalleeEmail: "bob@example.com",
		Status:      signaling.StatusRinging,
		Timestamp:   time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}

	ufrag := "abcd"
	idx := uint16(1)
	mid := "1"
	in := webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 192.0.2.1 9 typ host", SDPMid: &mid, SDPMLineIndex: &idx, UsernameFragment: &ufrag}
	if _, err := s.AppendCandidate(ctx, rec.ID, signaling.SideAnswer, in); err != nil {
		t.Fatal(err)
	}
	got, err := s.CandidatesSince(ctx, rec.ID, signaling.SideAnswer, 0)
	if err != nil || len(got) != 1 {
		t.Fatalf("CandidatesSince = %v, %v", got, err)
	}
	c := got[0].Candidate
	if c.UsernameFragment == nil || *c.UsernameFragment != ufrag || c.SDPMLineIndex == nil || *c.SDPMLineIndex != 1 {
		t.Errorf("candidate fields lost: %+v", c)
	}
}
