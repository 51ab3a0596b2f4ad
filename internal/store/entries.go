package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tonimelisma/blogsync/internal/blog"
)

const entryColumns = `blog_id, path, guid, url, title, fingerprint, size, draft,
	created_at, updated_at, deleted, deleted_at, batch_id, created_batch, deleted_batch,
	renamed_from, renamed_to, build_error`

const (
	sqlGetEntry = `SELECT ` + entryColumns + ` FROM entries WHERE blog_id = ? AND path = ?`

	sqlUpsertEntry = `INSERT INTO entries (` + entryColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(blog_id, path) DO UPDATE SET
		 guid = excluded.guid,
		 url = excluded.url,
		 title = excluded.title,
		 fingerprint = excluded.fingerprint,
		 size = excluded.size,
		 draft = excluded.draft,
		 created_at = excluded.created_at,
		 updated_at = excluded.updated_at,
		 deleted = excluded.deleted,
		 deleted_at = excluded.deleted_at,
		 batch_id = excluded.batch_id,
		 created_batch = excluded.created_batch,
		 deleted_batch = excluded.deleted_batch,
		 renamed_from = excluded.renamed_from,
		 renamed_to = excluded.renamed_to,
		 build_error = excluded.build_error`

	// Tombstones the path itself and, when it was a directory, everything
	// below it.
	sqlTombstone = `UPDATE entries SET deleted = 1, deleted_at = ?, deleted_batch = ?, batch_id = ?
		WHERE blog_id = ? AND deleted = 0 AND (path = ? OR path LIKE ? ESCAPE '\')`

	sqlListBatchDeleted = `SELECT ` + entryColumns + ` FROM entries
		WHERE blog_id = ? AND deleted = 1 AND deleted_batch = ? AND renamed_to = ''
		ORDER BY path`

	sqlListBatchCreated = `SELECT ` + entryColumns + ` FROM entries
		WHERE blog_id = ? AND deleted = 0 AND created_batch = ? AND fingerprint = ?
		 AND renamed_from = ''
		ORDER BY path`

	sqlListEntries        = `SELECT ` + entryColumns + ` FROM entries WHERE blog_id = ? AND deleted = 0 ORDER BY path`
	sqlListEntriesWithDel = `SELECT ` + entryColumns + ` FROM entries WHERE blog_id = ? ORDER BY path`

	sqlRenameTarget = `UPDATE entries SET url = ?, created_at = ?, renamed_from = ?
		WHERE blog_id = ? AND path = ? AND deleted = 0`
	sqlRenameSource = `UPDATE entries SET renamed_to = ?
		WHERE blog_id = ? AND path = ? AND deleted = 1`
)

// GetEntry returns the entry at path, including tombstones, or ErrNotFound.
func (s *Store) GetEntry(ctx context.Context, blogID, path string) (*blog.Entry, error) {
	e, err := scanEntry(s.db.QueryRowContext(ctx, sqlGetEntry, blogID, path))
	if err != nil {
		return nil, fmt.Errorf("store: getting entry %s: %w", path, err)
	}

	return e, nil
}

// UpsertEntry writes the full entry record.
func (s *Store) UpsertEntry(ctx context.Context, e *blog.Entry) error {
	_, err := s.db.ExecContext(ctx, sqlUpsertEntry,
		e.BlogID, e.Path, e.GUID, e.URL, e.Title, e.Fingerprint, e.Size, boolInt(e.Draft),
		toNanos(e.CreatedAt), toNanos(e.UpdatedAt), boolInt(e.Deleted), toNanos(e.DeletedAt),
		e.BatchID, e.CreatedBatch, e.DeletedBatch, e.RenamedFrom, e.RenamedTo, e.BuildError,
	)
	if err != nil {
		return fmt.Errorf("store: upserting entry %s: %w", e.Path, err)
	}

	return nil
}

// TombstoneEntries marks the entry at path and all entries beneath it as
// deleted within batchID. It returns the number of entries tombstoned.
func (s *Store) TombstoneEntries(ctx context.Context, blogID, path, batchID string, at time.Time) (int64, error) {
	prefix := escapeLike(strings.TrimSuffix(path, "/")) + "/%"

	res, err := s.db.ExecContext(ctx, sqlTombstone, toNanos(at), batchID, batchID, blogID, path, prefix)
	if err != nil {
		return 0, fmt.Errorf("store: tombstoning %s: %w", path, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: tombstoning %s: %w", path, err)
	}

	return n, nil
}

// ListBatchDeleted returns entries tombstoned in batchID that have not yet
// been resolved as the source of a rename.
func (s *Store) ListBatchDeleted(ctx context.Context, blogID, batchID string) ([]*blog.Entry, error) {
	return s.queryEntries(ctx, sqlListBatchDeleted, blogID, batchID)
}

// ListBatchCreated returns live entries created or restored in batchID with
// the given fingerprint that have not yet been claimed by a rename, ordered
// by path.
func (s *Store) ListBatchCreated(ctx context.Context, blogID, batchID, fingerprint string) ([]*blog.Entry, error) {
	return s.queryEntries(ctx, sqlListBatchCreated, blogID, batchID, fingerprint)
}

// ListEntries returns the blog's entries ordered by path.
func (s *Store) ListEntries(ctx context.Context, blogID string, includeDeleted bool) ([]*blog.Entry, error) {
	if includeDeleted {
		return s.queryEntries(ctx, sqlListEntriesWithDel, blogID)
	}

	return s.queryEntries(ctx, sqlListEntries, blogID)
}

// ApplyRename copies the public URL and creation time of the tombstone at
// from onto the live entry at to, and links the two. Both updates commit
// together; if either record is missing the rename is not applied and
// ErrNotFound is returned.
func (s *Store) ApplyRename(ctx context.Context, blogID, from, to string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: beginning rename transaction: %w", err)
	}
	defer tx.Rollback()

	src, err := scanEntry(tx.QueryRowContext(ctx, sqlGetEntry, blogID, from))
	if err != nil {
		return fmt.Errorf("store: renaming %s: %w", from, err)
	}

	if !src.Deleted {
		return fmt.Errorf("store: renaming %s: source is live: %w", from, ErrNotFound)
	}

	res, err := tx.ExecContext(ctx, sqlRenameTarget, src.URL, toNanos(src.CreatedAt), from, blogID, to)
	if err != nil {
		return fmt.Errorf("store: renaming %s to %s: %w", from, to, err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store: renaming %s to %s: target: %w", from, to, ErrNotFound)
	}

	if _, err := tx.ExecContext(ctx, sqlRenameSource, to, blogID, from); err != nil {
		return fmt.Errorf("store: renaming %s to %s: %w", from, to, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: committing rename: %w", err)
	}

	return nil
}

func (s *Store) queryEntries(ctx context.Context, query string, args ...any) ([]*blog.Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: querying entries: %w", err)
	}
	defer rows.Close()

	var out []*blog.Entry

	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scanning entry: %w", err)
		}

		out = append(out, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating entry rows: %w", err)
	}

	return out, nil
}

func scanEntry(row rowScanner) (*blog.Entry, error) {
	var (
		e                              blog.Entry
		draft, deleted                 int
		created, updated, deletedAtVal int64
	)

	err := row.Scan(&e.BlogID, &e.Path, &e.GUID, &e.URL, &e.Title, &e.Fingerprint, &e.Size, &draft,
		&created, &updated, &deleted, &deletedAtVal, &e.BatchID, &e.CreatedBatch, &e.DeletedBatch,
		&e.RenamedFrom, &e.RenamedTo, &e.BuildError)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	e.Draft = draft != 0
	e.Deleted = deleted != 0
	e.CreatedAt = fromNanos(created)
	e.UpdatedAt = fromNanos(updated)
	e.DeletedAt = fromNanos(deletedAtVal)

	return &e, nil
}

// escapeLike escapes LIKE wildcards so paths match literally.
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
