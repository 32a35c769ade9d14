package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// terminalTypes names the (channel, type) pairs that close a session to
// further events once recorded. Routine "<kind>:error" events (e.g.
// ai:error/json for a malformed turn, file:error/json for an unreadable
// path) are recoverable and not terminal by themselves; an adapter that
// hits an unrecoverable fault is expected to follow one with an explicit
// system:status/close or /exit, which is what actually closes the session.
var terminalTypes = map[string]map[string]bool{
	"system:status": {"exit": true, "close": true},
}

func isTerminal(channel, typ string) bool {
	return terminalTypes[channel][typ]
}

// IsTerminalEvent reports whether (channel, typ) is a terminal event: the
// last event a session's adapter may emit.
func IsTerminalEvent(channel, typ string) bool {
	return isTerminal(channel, typ)
}

// AppendEvent atomically assigns the next sequence number for sessionId,
// inserts the event row, and returns the assigned seq. Appends to the same
// session are serialized so that seq values are dense, gap-free, and
// strictly increasing regardless of caller concurrency.
//
// Fails with ErrUnknownSession if the session row does not exist and
// ErrPayloadTooLarge if payload exceeds the store's configured cap.
//
// The store itself does not reject appends to a session whose last event
// was terminal: terminal-event closure is enforced by the Router, which
// refuses to call AppendEvent again once it has observed a terminal event.
// The store stays permissive so that Resume can hand a fresh Router the
// same session id and keep appending to the same log after a prior run's
// terminal event.
func (s *Store) AppendEvent(sessionID, channel, typ string, payload []byte, ts int64) (int64, error) {
	if s.maxPayloadBytes > 0 && len(payload) > s.maxPayloadBytes {
		return 0, ErrPayloadTooLarge
	}

	mu := s.lockFor(sessionID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("store: append event: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRow(`SELECT 1 FROM sessions WHERE id = ?`, sessionID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrUnknownSession
		}
		return 0, fmt.Errorf("store: append event: %w", err)
	}

	var maxSeq sql.NullInt64
	err = tx.QueryRow(`SELECT MAX(seq) FROM events WHERE session_id = ?`, sessionID).Scan(&maxSeq)
	if err != nil {
		return 0, fmt.Errorf("store: append event: %w", err)
	}

	seq := maxSeq.Int64 + 1
	if _, err := tx.Exec(
		`INSERT INTO events (session_id, seq, channel, type, payload, ts) VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, seq, channel, typ, payload, ts,
	); err != nil {
		return 0, fmt.Errorf("store: append event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: append event: %w", err)
	}
	return seq, nil
}

// ReadEventsSince returns events with seq > sinceSeq for sessionID, ascending
// by seq. If limit > 0, at most limit events are returned.
func (s *Store) ReadEventsSince(sessionID string, sinceSeq int64, limit int) ([]Event, error) {
	query := `SELECT session_id, seq, channel, type, payload, ts FROM events
	          WHERE session_id = ? AND seq > ? ORDER BY seq ASC`
	args := []any{sessionID, sinceSeq}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: read events since %d: %w", sinceSeq, err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.SessionID, &ev.Seq, &ev.Channel, &ev.Type, &ev.Payload, &ev.TS); err != nil {
			return nil, fmt.Errorf("store: read events since %d: %w", sinceSeq, err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// pruneBefore deletes events with seq <= upToSeq for sessionID. Unexported:
// nothing outside this package performs truncation — the event log is
// append-only to every other component — and this exists only so the
// store's own tests can pin that boundary down.
func (s *Store) pruneBefore(sessionID string, upToSeq int64) error {
	mu := s.lockFor(sessionID)
	mu.Lock()
	defer mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM events WHERE session_id = ? AND seq <= ?`, sessionID, upToSeq)
	if err != nil {
		return fmt.Errorf("store: prune before %d: %w", upToSeq, err)
	}
	return nil
}
