package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const (
	sqlGetCursor = `SELECT cursor FROM cursors WHERE blog_id = ? AND backend = ?`

	sqlUpsertCursor = `INSERT INTO cursors (blog_id, backend, cursor, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(blog_id, backend) DO UPDATE SET
		 cursor = excluded.cursor,
		 updated_at = excluded.updated_at`

	sqlDeleteCursor = `DELETE FROM cursors WHERE blog_id = ? AND backend = ?`
)

// GetCursor returns the saved cursor for a blog and backend, or empty string
// if no cursor has been saved yet.
func (s *Store) GetCursor(ctx context.Context, blogID, backend string) (string, error) {
	var cursor string

	err := s.db.QueryRowContext(ctx, sqlGetCursor, blogID, backend).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}

	if err != nil {
		return "", fmt.Errorf("store: getting %s cursor for blog %s: %w", backend, blogID, err)
	}

	return cursor, nil
}

// SaveCursor overwrites the cursor for a blog and backend.
func (s *Store) SaveCursor(ctx context.Context, blogID, backend, cursor string) error {
	_, err := s.db.ExecContext(ctx, sqlUpsertCursor, blogID, backend, cursor, toNanos(s.nowFunc()))
	if err != nil {
		return fmt.Errorf("store: saving %s cursor for blog %s: %w", backend, blogID, err)
	}

	return nil
}

// DeleteCursor removes the cursor so the next pass starts from scratch.
func (s *Store) DeleteCursor(ctx context.Context, blogID, backend string) error {
	if _, err := s.db.ExecContext(ctx, sqlDeleteCursor, blogID, backend); err != nil {
		return fmt.Errorf("store: deleting %s cursor for blog %s: %w", backend, blogID, err)
	}

	return nil
}
