package store

import (
	"fmt"
)

// GetLayout returns the workspace-layout rows a client has placed, across
// all sessions. This is a narrow UI-placement accessor with no effect on
// event semantics.
func (s *Store) GetLayout(clientID string) ([]LayoutRow, error) {
	rows, err := s.db.Query(
		`SELECT client_id, session_id, tile_id, updated_at FROM layouts WHERE client_id = ?`,
		clientID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: get layout: %w", err)
	}
	defer rows.Close()

	var out []LayoutRow
	for rows.Next() {
		var r LayoutRow
		if err := rows.Scan(&r.ClientID, &r.SessionID, &r.TileID, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: get layout: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SetLayout upserts the tile placement of sessionID for clientID.
func (s *Store) SetLayout(clientID, sessionID, tileID string, updatedAt int64) error {
	_, err := s.db.Exec(
		`INSERT INTO layouts (client_id, session_id, tile_id, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(session_id, client_id) DO UPDATE SET tile_id = excluded.tile_id, updated_at = excluded.updated_at`,
		clientID, sessionID, tileID, updatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: set layout: %w", err)
	}
	return nil
}

// RemoveLayout deletes the layout row for (sessionID, clientID), if any.
// Fails with ErrNotFound if no such row existed.
func (s *Store) RemoveLayout(clientID, sessionID string) error {
	res, err := s.db.Exec(
		`DELETE FROM layouts WHERE client_id = ? AND session_id = ?`,
		clientID, sessionID,
	)
	if err != nil {
		return fmt.Errorf("store: remove layout: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: remove layout: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
