// Package pgstore is a PostgreSQL implementation of signaling.Store. Every
// write issues a NOTIFY on a shared channel; each Store holds one pooled
// connection in LISTEN mode and turns notifications into observer wakeups,
// so peers on different hosts see each other's writes without waiting for
// the next poll.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/petervdpas/goopcall/internal/signaling"
	"github.com/pion/webrtc/v4"
)

// NotifyChannel is the LISTEN/NOTIFY channel name used for wakeups.
const NotifyChannel = "goopcall_changes"

// Schema is the DDL applied by Migrate.
const Schema = `
CREATE TABLE IF NOT EXISTS calls (
    id           TEXT         PRIMARY KEY,
    offer        JSONB        NOT NULL,
    answer       JSONB,
    caller_name  TEXT         NOT NULL DEFAULT '',
    callee_email TEXT         NOT NULL,
    status       TEXT         NOT NULL,
    created_at   TIMESTAMPTZ  NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_calls_callee
    ON calls (callee_email, status, created_at);

CREATE INDEX IF NOT EXISTS idx_calls_created
    ON calls (created_at);

CREATE TABLE IF NOT EXISTS call_candidates (
    seq        BIGSERIAL    PRIMARY KEY,
    call_id    TEXT         NOT NULL REFERENCES calls(id) ON DELETE CASCADE,
    side       TEXT         NOT NULL,
    candidate  JSONB        NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_call_candidates_call
    ON call_candidates (call_id, side, seq);
`

var (
	_ signaling.Store          = (*Store)(nil)
	_ signaling.ChangeNotifier = (*Store)(nil)
)

// Store is the PostgreSQL signaling store.
type Store struct {
	pool *pgxpool.Pool

	cancel  context.CancelFunc
	workers sync.WaitGroup

	listenMu  sync.Mutex
	listeners []chan struct{}
	closed    bool
}

// NewStore connects to dsn, applies the schema and starts the LISTEN loop.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgstore: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	s := &Store{pool: pool, cancel: cancel}
	s.workers.Add(1)
	go s.listenLoop(listenCtx)
	return s, nil
}

// Migrate applies Schema.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("pgstore: migrate: %w", err)
	}
	return nil
}

// listenLoop keeps one connection in LISTEN mode, reacquiring it after
// errors until the store is closed.
func (s *Store) listenLoop(ctx context.Context) {
	defer s.workers.Done()

	backoff := time.Second
	for ctx.Err() == nil {
		err := s.listenOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		log.Printf("STORE: postgres listen interrupted, retrying in %s: %v", backoff, err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (s *Store) listenOnce(ctx context.Context) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+NotifyChannel); err != nil {
		return err
	}
	// Anything written while we were reconnecting would otherwise be missed
	// until the next poll.
	s.notifyListeners()

	for {
		if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
			// The connection is in an unknown state after a cancelled wait.
			_ = conn.Conn().Close(context.Background())
			return err
		}
		s.notifyListeners()
	}
}

// publish wakes local observers and, through NOTIFY, observers in other
// processes. A failed NOTIFY only costs remote peers a poll interval.
func (s *Store) publish(ctx context.Context) {
	s.notifyListeners()
	if _, err := s.pool.Exec(ctx, "SELECT pg_notify($1, '')", NotifyChannel); err != nil {
		log.Printf("STORE: postgres notify failed: %v", err)
	}
}

func (s *Store) InsertCall(ctx context.Context, rec signaling.CallRecord) (signaling.CallRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	offer, err := json.Marshal(rec.Offer)
	if err != nil {
		return signaling.CallRecord{}, fmt.Errorf("pgstore: marshal offer: %w", err)
	}
	var answer []byte
	if rec.Answer != nil {
		if answer, err = json.Marshal(rec.Answer); err != nil {
			return signaling.CallRecord{}, fmt.Errorf("pgstore: marshal answer: %w", err)
		}
	}

	const query = `
		INSERT INTO calls (id, offer, answer, caller_name, callee_email, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	if _, err := s.pool.Exec(ctx, query,
		rec.ID, offer, answer, rec.CallerName, rec.CalleeEmail, string(rec.Status), rec.Timestamp,
	); err != nil {
		return signaling.CallRecord{}, fmt.Errorf("pgstore: insert call: %w", err)
	}
	s.publish(ctx)
	return rec.Clone(), nil
}

const selectCall = `
	SELECT id, offer, answer, caller_name, callee_email, status, created_at
	FROM calls`

func scanCall(row pgx.Row) (signaling.CallRecord, error) {
	var (
		rec    signaling.CallRecord
		offer  []byte
		answer []byte
		status string
	)
	if err := row.Scan(&rec.ID, &offer, &answer, &rec.CallerName, &rec.CalleeEmail, &status, &rec.Timestamp); err != nil {
		return signaling.CallRecord{}, err
	}
	if err := json.Unmarshal(offer, &rec.Offer); err != nil {
		return signaling.CallRecord{}, fmt.Errorf("pgstore: unmarshal offer: %w", err)
	}
	if len(answer) > 0 {
		var a webrtc.SessionDescription
		if err := json.Unmarshal(answer, &a); err != nil {
			return signaling.CallRecord{}, fmt.Errorf("pgstore: unmarshal answer: %w", err)
		}
		rec.Answer = &a
	}
	rec.Status = signaling.Status(status)
	rec.Timestamp = rec.Timestamp.UTC()
	return rec, nil
}

func (s *Store) GetCall(ctx context.Context, id string) (signaling.CallRecord, error) {
	rec, err := scanCall(s.pool.QueryRow(ctx, selectCall+` WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return signaling.CallRecord{}, signaling.ErrNotFound
		}
		return signaling.CallRecord{}, fmt.Errorf("pgstore: get call %q: %w", id, err)
	}
	return rec, nil
}

func (s *Store) SetAnswer(ctx context.Context, id string, answer webrtc.SessionDescription) error {
	b, err := json.Marshal(answer)
	if err != nil {
		return fmt.Errorf("pgstore: marshal answer: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `UPDATE calls SET answer = $2 WHERE id = $1 AND answer IS NULL`, id, b)
	if err != nil {
		return fmt.Errorf("pgstore: set answer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetCall(ctx, id); err != nil {
			return err
		}
		return signaling.ErrAlreadyAnswered
	}
	s.publish(ctx)
	return nil
}

func (s *Store) SetStatus(ctx context.Context, id string, status signaling.Status) error {
	tag, err := s.pool.Exec(ctx, `UPDATE calls SET status = $2 WHERE id = $1`, id, string(status))
	if err != nil {
		return fmt.Errorf("pgstore: set status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return signaling.ErrNotFound
	}
	s.publish(ctx)
	return nil
}

func (s *Store) RingingCalls(ctx context.Context, calleeEmail string, since time.Time) ([]signaling.CallRecord, error) {
	rows, err := s.pool.Query(ctx, selectCall+`
		WHERE callee_email = $1 AND status = $2 AND created_at > $3
		ORDER BY created_at, id`, calleeEmail, string(signaling.StatusRinging), since)
	if err != nil {
		return nil, fmt.Errorf("pgstore: query ringing calls: %w", err)
	}
	defer rows.Close()

	var out []signaling.CallRecord
	for rows.Next() {
		rec, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) AppendCandidate(ctx context.Context, callID string, side signaling.Side, c webrtc.ICECandidateInit) (int64, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return 0, fmt.Errorf("pgstore: marshal candidate: %w", err)
	}

	// The INSERT ... SELECT yields no row when the call is missing.
	var seq int64
	err = s.pool.QueryRow(ctx, `
		INSERT INTO call_candidates (call_id, side, candidate)
		SELECT id, $2, $3 FROM calls WHERE id = $1
		RETURNING seq`, callID, string(side), b).Scan(&seq)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, signaling.ErrNotFound
		}
		return 0, fmt.Errorf("pgstore: insert candidate: %w", err)
	}
	s.publish(ctx)
	return seq, nil
}

func (s *Store) CandidatesSince(ctx context.Context, callID string, side signaling.Side, after int64) ([]signaling.CandidateEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT seq, candidate FROM call_candidates
		WHERE call_id = $1 AND side = $2 AND seq > $3
		ORDER BY seq`, callID, string(side), after)
	if err != nil {
		return nil, fmt.Errorf("pgstore: query candidates: %w", err)
	}
	defer rows.Close()

	var out []signaling.CandidateEntry
	for rows.Next() {
		var (
			e   signaling.CandidateEntry
			raw []byte
		)
		if err := rows.Scan(&e.Seq, &raw); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &e.Candidate); err != nil {
			log.Printf("STORE: candidate %d of %s undecodable: %v", e.Seq, callID, err)
			e = signaling.CandidateEntry{Seq: e.Seq, Malformed: true}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) DeleteCallsBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM calls WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("pgstore: delete calls: %w", err)
	}
	n := tag.RowsAffected()
	if n > 0 {
		s.publish(ctx)
	}
	return n, nil
}

func (s *Store) Changes() (<-chan struct{}, func()) {
	s.listenMu.Lock()
	defer s.listenMu.Unlock()
	ch := make(chan struct{}, 1)
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	s.listeners = append(s.listeners, ch)
	return ch, func() {
		s.listenMu.Lock()
		defer s.listenMu.Unlock()
		for i, l := range s.listeners {
			if l == ch {
				close(l)
				s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
				return
			}
		}
	}
}

func (s *Store) notifyListeners() {
	s.listenMu.Lock()
	defer s.listenMu.Unlock()
	for _, ch := range s.listeners {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Pool exposes the connection pool. Used by tests.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Close stops the LISTEN loop and closes the pool.
func (s *Store) Close() error {
	s.listenMu.Lock()
	if s.closed {
		s.listenMu.Unlock()
		return nil
	}
	s.closed = true
	for _, ch := range s.listeners {
		close(ch)
	}
	s.listeners = nil
	s.listenMu.Unlock()

	s.cancel()
	s.workers.Wait()
	s.pool.Close()
	return nil
}
