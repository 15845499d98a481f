package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/petervdpas/goopcall/internal/signaling"
	"github.com/pion/webrtc/v4"
)

var (
	_ signaling.Store          = (*DB)(nil)
	_ signaling.ChangeNotifier = (*DB)(nil)
)

func (d *DB) InsertCall(ctx context.Context, rec signaling.CallRecord) (signaling.CallRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	offer, err := json.Marshal(rec.Offer)
	if err != nil {
		return signaling.CallRecord{}, fmt.Errorf("encode offer: %w", err)
	}
	var answer sql.NullString
	if rec.Answer != nil {
		b, err := json.Marshal(rec.Answer)
		if err != nil {
			return signaling.CallRecord{}, fmt.Errorf("encode answer: %w", err)
		}
		answer = sql.NullString{String: string(b), Valid: true}
	}

	d.mu.Lock()
	_, err = d.db.ExecContext(ctx, `
		INSERT INTO calls (id, offer, answer, caller_name, callee_email, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, string(offer), answer, rec.CallerName, rec.CalleeEmail, string(rec.Status), rec.Timestamp.UnixMilli())
	d.mu.Unlock()
	if err != nil {
		return signaling.CallRecord{}, fmt.Errorf("insert call: %w", err)
	}
	d.notifyListeners()
	return rec.Clone(), nil
}

func (d *DB) GetCall(ctx context.Context, id string) (signaling.CallRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	row := d.db.QueryRowContext(ctx, `
		SELECT id, offer, answer, caller_name, callee_email, status, created_at
		FROM calls WHERE id = ?
	`, id)
	rec, err := scanCall(row)
	if errors.Is(err, sql.ErrNoRows) {
		return signaling.CallRecord{}, signaling.ErrNotFound
	}
	return rec, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCall(s scanner) (signaling.CallRecord, error) {
	var (
		rec       signaling.CallRecord
		offer     string
		answer    sql.NullString
		status    string
		createdAt int64
	)
	if err := s.Scan(&rec.ID, &offer, &answer, &rec.CallerName, &rec.CalleeEmail, &status, &createdAt); err != nil {
		return signaling.CallRecord{}, err
	}
	if err := json.Unmarshal([]byte(offer), &rec.Offer); err != nil {
		return signaling.CallRecord{}, fmt.Errorf("decode offer: %w", err)
	}
	if answer.Valid && answer.String != "" {
		var a webrtc.SessionDescription
		if err := json.Unmarshal([]byte(answer.String), &a); err != nil {
			return signaling.CallRecord{}, fmt.Errorf("decode answer: %w", err)
		}
		rec.Answer = &a
	}
	rec.Status = signaling.Status(status)
	rec.Timestamp = time.UnixMilli(createdAt).UTC()
	return rec, nil
}

func (d *DB) SetAnswer(ctx context.Context, id string, answer webrtc.SessionDescription) error {
	b, err := json.Marshal(answer)
	if err != nil {
		return fmt.Errorf("encode answer: %w", err)
	}

	d.mu.Lock()
	res, err := d.db.ExecContext(ctx, `UPDATE calls SET answer = ? WHERE id = ? AND answer IS NULL`, string(b), id)
	d.mu.Unlock()
	if err != nil {
		return fmt.Errorf("set answer: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := d.GetCall(ctx, id); err != nil {
			return err
		}
		return signaling.ErrAlreadyAnswered
	}
	d.notifyListeners()
	return nil
}

func (d *DB) SetStatus(ctx context.Context, id string, status signaling.Status) error {
	d.mu.Lock()
	res, err := d.db.ExecContext(ctx, `UPDATE calls SET status = ? WHERE id = ?`, string(status), id)
	d.mu.Unlock()
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return signaling.ErrNotFound
	}
	d.notifyListeners()
	return nil
}

func (d *DB) RingingCalls(ctx context.Context, calleeEmail string, since time.Time) ([]signaling.CallRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.QueryContext(ctx, `
		SELECT id, offer, answer, caller_name, callee_email, status, created_at
		FROM calls
		WHERE callee_email = ? AND status = ? AND created_at > ?
		ORDER BY created_at, id
	`, calleeEmail, string(signaling.StatusRinging), since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query ringing calls: %w", err)
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

func (d *DB) AppendCandidate(ctx context.Context, callID string, side signaling.Side, c webrtc.ICECandidateInit) (int64, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return 0, fmt.Errorf("encode candidate: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var one int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM calls WHERE id = ?`, callID).Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, signaling.ErrNotFound
		}
		return 0, fmt.Errorf("lookup call: %w", err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO call_candidates (call_id, side, candidate) VALUES (?, ?, ?)`,
		callID, string(side), string(b))
	if err != nil {
		return 0, fmt.Errorf("insert candidate: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	d.notifyListeners()
	return seq, nil
}

func (d *DB) CandidatesSince(ctx context.Context, callID string, side signaling.Side, after int64) ([]signaling.CandidateEntry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.QueryContext(ctx, `
		SELECT seq, candidate FROM call_candidates
		WHERE call_id = ? AND side = ? AND seq > ?
		ORDER BY seq
	`, callID, string(side), after)
	if err != nil {
		return nil, fmt.Errorf("query candidates: %w", err)
	}
	defer rows.Close()

	var out []signaling.CandidateEntry
	for rows.Next() {
		var (
			e   signaling.CandidateEntry
			raw string
		)
		if err := rows.Scan(&e.Seq, &raw); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(raw), &e.Candidate); err != nil {
			log.Printf("STORE: candidate %d of %s undecodable: %v", e.Seq, callID, err)
			e = signaling.CandidateEntry{Seq: e.Seq, Malformed: true}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (d *DB) DeleteCallsBefore(ctx context.Context, before time.Time) (int64, error) {
	d.mu.Lock()
	res, err := d.db.ExecContext(ctx, `DELETE FROM calls WHERE created_at < ?`, before.UnixMilli())
	d.mu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("delete calls: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		d.notifyListeners()
	}
	return n, nil
}
