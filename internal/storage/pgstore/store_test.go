package pgstore_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/petervdpas/goopcall/internal/signaling"
	"github.com/petervdpas/goopcall/internal/signaling/signalingtest"
	"github.com/petervdpas/goopcall/internal/storage/pgstore"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if GOOPCALL_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("GOOPCALL_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("GOOPCALL_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a fresh store on a clean schema and closes it when
// the test finishes.
func newTestStore(t *testing.T) *pgstore.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	cleanPool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(cleanPool.Close)
	for _, stmt := range []string{
		"DROP TABLE IF EXISTS call_candidates CASCADE",
		"DROP TABLE IF EXISTS calls CASCADE",
	} {
		if _, err := cleanPool.Exec(ctx, stmt); err != nil {
			t.Fatalf("drop schema: %s: %v", stmt, err)
		}
	}

	s, err := pgstore.NewStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPostgresStoreContract(t *testing.T) {
	signalingtest.RunStoreTests(t, func(t *testing.T) signaling.Store {
		return newTestStore(t)
	})
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	if err := pgstore.Migrate(context.Background(), s.Pool()); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
}

// A second store on the same database stands in for a peer on another host.
func TestNotifyWakesOtherStore(t *testing.T) {
	writer := newTestStore(t)
	reader, err := pgstore.NewStore(context.Background(), testDSN(t))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { _ = reader.Close() })

	ch, cancel := reader.Changes()
	defer cancel()
	// Drain the wakeup issued when the LISTEN connection comes up.
	time.Sleep(200 * time.Millisecond)
	select {
	case <-ch:
	default:
	}

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
		t.Fatal("reader store was not notified of the other store's write")
	}
}

func TestUndecodableCandidateIsMarked(t *testing.T) {
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
	if _, err := s.Pool().Exec(ctx, `INSERT INTO call_candidates (call_id, side, candidate) VALUES ($1, $2, $3)`,
		rec.ID, string(signaling.SideAnswer), `{"candidate":5}`); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AppendCandidate(ctx, rec.ID, signaling.SideAnswer, signalingtest.Candidate(2)); err != nil {
		t.Fatal(err)
	}

	got, err := s.CandidatesSince(ctx, rec.ID, signaling.SideAnswer, 0)
	if err != nil {
		t.Fatalf("CandidatesSince: %v", err)
	}
	if len(got) != 2 || !got[0].Malformed || got[1].Malformed {
		t.Fatalf("entries = %+v, want a malformed entry then a good one", got)
	}
}
