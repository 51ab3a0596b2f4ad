package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tonimelisma/blogsync/internal/blog"
)

const blogColumns = `id, handle, client, folder, remote_root_id, remote_root_path,
	disabled, cache_epoch, options, last_synced_at, created_at, updated_at`

const (
	sqlInsertBlog = `INSERT INTO blogs (` + blogColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	sqlGetBlog         = `SELECT ` + blogColumns + ` FROM blogs WHERE id = ?`
	sqlGetBlogByHandle = `SELECT ` + blogColumns + ` FROM blogs WHERE handle = ?`
	sqlListBlogs       = `SELECT ` + blogColumns + ` FROM blogs ORDER BY handle`
	sqlListBlogsClient = `SELECT ` + blogColumns + ` FROM blogs WHERE client = ? ORDER BY handle`

	sqlSetDisabled = `UPDATE blogs SET disabled = ?, updated_at = ? WHERE id = ?`

	// json_set keeps the option update a single statement, so concurrent
	// writers of different options never clobber each other.
	sqlSetOption = `UPDATE blogs SET options = json_set(options, '$."' || ? || '"', json(?)),
		updated_at = ? WHERE id = ?`

	sqlSetRemoteRoot = `UPDATE blogs SET remote_root_id = ?, remote_root_path = ?, updated_at = ?
		WHERE id = ?`

	sqlBumpEpoch = `UPDATE blogs SET cache_epoch = cache_epoch + 1, updated_at = ?
		WHERE id = ? RETURNING cache_epoch`

	sqlMarkSynced = `UPDATE blogs SET last_synced_at = ? WHERE id = ?`
)

// CreateBlog inserts a new blog. An empty ID is filled with a fresh UUID.
func (s *Store) CreateBlog(ctx context.Context, b *blog.Blog) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}

	if b.Options == nil {
		b.Options = map[string]bool{}
	}

	opts, err := json.Marshal(b.Options)
	if err != nil {
		return fmt.Errorf("store: encoding options for blog %s: %w", b.Handle, err)
	}

	now := s.nowFunc()
	b.CreatedAt, b.UpdatedAt = now, now

	_, err = s.db.ExecContext(ctx, sqlInsertBlog,
		b.ID, b.Handle, string(b.Client), b.Folder, b.RemoteRootID, b.RemoteRootPath,
		boolInt(b.Disabled), b.CacheEpoch, string(opts), toNanos(b.LastSyncedAt),
		toNanos(now), toNanos(now),
	)
	if err != nil {
		return fmt.Errorf("store: creating blog %s: %w", b.Handle, err)
	}

	return nil
}

// GetBlog returns the blog with the given ID, or ErrNotFound.
func (s *Store) GetBlog(ctx context.Context, id string) (*blog.Blog, error) {
	b, err := scanBlog(s.db.QueryRowContext(ctx, sqlGetBlog, id))
	if err != nil {
		return nil, fmt.Errorf("store: getting blog %s: %w", id, err)
	}

	return b, nil
}

// GetBlogByHandle returns the blog with the given handle, or ErrNotFound.
func (s *Store) GetBlogByHandle(ctx context.Context, handle string) (*blog.Blog, error) {
	b, err := scanBlog(s.db.QueryRowContext(ctx, sqlGetBlogByHandle, handle))
	if err != nil {
		return nil, fmt.Errorf("store: getting blog %q: %w", handle, err)
	}

	return b, nil
}

// ListBlogs returns all blogs using the given client, ordered by handle.
// An empty client lists every blog.
func (s *Store) ListBlogs(ctx context.Context, client blog.Client) ([]*blog.Blog, error) {
	var (
		rows *sql.Rows
		err  error
	)

	if client == "" {
		rows, err = s.db.QueryContext(ctx, sqlListBlogs)
	} else {
		rows, err = s.db.QueryContext(ctx, sqlListBlogsClient, string(client))
	}

	if err != nil {
		return nil, fmt.Errorf("store: listing blogs: %w", err)
	}
	defer rows.Close()

	var out []*blog.Blog

	for rows.Next() {
		b, err := scanBlog(rows)
		if err != nil {
			return nil, fmt.Errorf("store: listing blogs: %w", err)
		}

		out = append(out, b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating blog rows: %w", err)
	}

	return out, nil
}

// SetDisabled enables or disables a blog.
func (s *Store) SetDisabled(ctx context.Context, id string, disabled bool) error {
	return s.execOne(ctx, "setting disabled on blog "+id, sqlSetDisabled,
		boolInt(disabled), toNanos(s.nowFunc()), id)
}

// SetBlogOption records an explicit option value. Writing false marks an
// opt-out that automatic policies respect.
func (s *Store) SetBlogOption(ctx context.Context, id, name string, value bool) error {
	if name == "" || strings.ContainsAny(name, `"\`) {
		return fmt.Errorf("store: invalid option name %q", name)
	}

	v := "false"
	if value {
		v = "true"
	}

	return s.execOne(ctx, "setting option "+name+" on blog "+id, sqlSetOption,
		name, v, toNanos(s.nowFunc()), id)
}

// SetRemoteRoot records the remote mirror root. Backends that track the
// root by opaque ID re-resolve its path at the start of each pass.
func (s *Store) SetRemoteRoot(ctx context.Context, id, rootID, rootPath string) error {
	return s.execOne(ctx, "setting remote root on blog "+id, sqlSetRemoteRoot,
		rootID, rootPath, toNanos(s.nowFunc()), id)
}

// BumpCacheEpoch atomically increments the blog's cache epoch and returns
// the new value.
func (s *Store) BumpCacheEpoch(ctx context.Context, id string) (int64, error) {
	var epoch int64

	err := s.db.QueryRowContext(ctx, sqlBumpEpoch, toNanos(s.nowFunc()), id).Scan(&epoch)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("store: bumping cache epoch for blog %s: %w", id, ErrNotFound)
	}

	if err != nil {
		return 0, fmt.Errorf("store: bumping cache epoch for blog %s: %w", id, err)
	}

	return epoch, nil
}

// MarkSynced records when the blog's last sync session finished.
func (s *Store) MarkSynced(ctx context.Context, id string, at time.Time) error {
	return s.execOne(ctx, "marking blog "+id+" synced", sqlMarkSynced, toNanos(at), id)
}

// execOne runs a single-row update, mapping zero affected rows to ErrNotFound.
func (s *Store) execOne(ctx context.Context, what, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("store: %s: %w", what, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: %s: %w", what, err)
	}

	if n == 0 {
		return fmt.Errorf("store: %s: %w", what, ErrNotFound)
	}

	return nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanBlog(row rowScanner) (*blog.Blog, error) {
	var (
		b                             blog.Blog
		client, opts                  string
		disabled                      int
		lastSynced, created, modified int64
	)

	err := row.Scan(&b.ID, &b.Handle, &client, &b.Folder, &b.RemoteRootID, &b.RemoteRootPath,
		&disabled, &b.CacheEpoch, &opts, &lastSynced, &created, &modified)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	b.Client = blog.Client(client)
	b.Disabled = disabled != 0
	b.LastSyncedAt = fromNanos(lastSynced)
	b.CreatedAt = fromNanos(created)
	b.UpdatedAt = fromNanos(modified)

	if err := json.Unmarshal([]byte(opts), &b.Options); err != nil {
		return nil, fmt.Errorf("decoding options: %w", err)
	}

	if b.Options == nil {
		b.Options = map[string]bool{}
	}

	return &b, nil
}
