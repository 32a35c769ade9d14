package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// CreateSession inserts a new session row. Fails with ErrAlreadyExists if
// row.ID is already taken.
func (s *Store) CreateSession(row Session) error {
	mu := s.lockFor(row.ID)
	mu.Lock()
	defer mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO sessions (id, kind, status, owner_principal, created_at, updated_at, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		row.ID, row.Kind, string(row.Status), row.OwnerPrincipal, row.CreatedAt, row.UpdatedAt, row.Metadata,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("store: create session %s: %w", row.ID, err)
	}
	return nil
}

// UpdateSessionStatus transitions a session's status. Fails with
// ErrUnknownSession if the row does not exist.
func (s *Store) UpdateSessionStatus(id string, status Status, updatedAt int64) error {
	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	res, err := s.db.Exec(
		`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), updatedAt, id,
	)
	if err != nil {
		return fmt.Errorf("store: update session %s status: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: update session %s status: %w", id, err)
	}
	if n == 0 {
		return ErrUnknownSession
	}
	return nil
}

// GetSession returns a session row, or ErrNotFound.
func (s *Store) GetSession(id string) (Session, error) {
	row := s.db.QueryRow(
		`SELECT id, kind, status, owner_principal, created_at, updated_at, metadata FROM sessions WHERE id = ?`,
		id,
	)
	return scanSession(row)
}

// ListSessions returns session rows matching filter; zero-value fields on
// filter are unconstrained.
func (s *Store) ListSessions(filter ListFilter) ([]Session, error) {
	query := `SELECT id, kind, status, owner_principal, created_at, updated_at, metadata FROM sessions WHERE 1=1`
	var args []any
	if filter.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, filter.Kind)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("store: list sessions: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// rowScanner is implemented by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var sess Session
	var status string
	err := row.Scan(&sess.ID, &sess.Kind, &status, &sess.OwnerPrincipal, &sess.CreatedAt, &sess.UpdatedAt, &sess.Metadata)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, err
	}
	sess.Status = Status(status)
	return sess, nil
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite surfaces constraint violations as a generic error
	// whose message contains "UNIQUE constraint failed"; there is no typed
	// sentinel to check against.
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
