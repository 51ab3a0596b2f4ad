// Package sync runs update sessions against a blog folder.
//
// A session starts with Coordinator.Begin, which takes the blog's folder
// lock. The caller reports changed paths through FolderHandle.Update, each
// of which converges the persisted entry with the file's current bytes.
// The FinishFunc returned by Begin must be called exactly once: it waits for
// in-flight updates, resolves renames within the batch, rebuilds templates,
// releases the lock, and advances the blog's cache epoch if anything was
// updated.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	stdsync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/tonimelisma/blogsync/internal/blog"
	"github.com/tonimelisma/blogsync/internal/folderlock"
	"github.com/tonimelisma/blogsync/internal/ignore"
	"github.com/tonimelisma/blogsync/internal/store"
)

// Sentinel errors returned by the coordinator.
var (
	ErrBlogNotFound    = errors.New("sync: blog not found")
	ErrBlogDisabled    = errors.New("sync: blog is disabled")
	ErrAlreadyFinished = errors.New("sync: session already finished")
	ErrSessionClosed   = errors.New("sync: session is finishing or released")
	ErrNotConverged    = errors.New("sync: file kept changing, gave up converging")
)

// Store is the persistence the coordinator needs. Satisfied by *store.Store.
type Store interface {
	GetBlog(ctx context.Context, id string) (*blog.Blog, error)
	SetBlogOption(ctx context.Context, id, name string, value bool) error
	BumpCacheEpoch(ctx context.Context, id string) (int64, error)
	MarkSynced(ctx context.Context, id string, at time.Time) error

	GetEntry(ctx context.Context, blogID, path string) (*blog.Entry, error)
	UpsertEntry(ctx context.Context, e *blog.Entry) error
	TombstoneEntries(ctx context.Context, blogID, path, batchID string, at time.Time) (int64, error)
	ListBatchDeleted(ctx context.Context, blogID, batchID string) ([]*blog.Entry, error)
	ListBatchCreated(ctx context.Context, blogID, batchID, fingerprint string) ([]*blog.Entry, error)
	ApplyRename(ctx context.Context, blogID, from, to string) error
}

// Locker acquires folder locks. Satisfied by *folderlock.Locker.
type Locker interface {
	Acquire(ctx context.Context, blogID, folder string) (*folderlock.Handle, error)
}

// CacheInvalidator drops downstream response caches for a blog.
type CacheInvalidator interface {
	Invalidate(blogID string)
}

// Config holds the options for New.
type Config struct {
	Store     Store
	Locker    Locker
	Builder   blog.Builder
	Templates blog.TemplateBuilder // optional
	Cache     CacheInvalidator     // optional
	Status    StatusPublisher      // optional

	// Fs is the local filesystem. Defaults to the OS filesystem.
	Fs afero.Fs

	// MarkerDirs maps a top-level directory name to the blog option its
	// presence enables.
	MarkerDirs map[string]string

	// MaxIterations bounds the convergence loop per Update call. Zero
	// means unbounded.
	MaxIterations int

	IgnoreFile     string
	IgnorePatterns []string

	Logger *slog.Logger
}

// Coordinator opens update sessions. It is safe for concurrent use; the
// folder lock serializes sessions on the same blog.
type Coordinator struct {
	cfg     Config
	fs      afero.Fs
	logger  *slog.Logger
	nowFunc func() time.Time

	mu        stdsync.Mutex
	completed map[string]time.Time // blog ID -> last finished session
}

// New creates a Coordinator.
func New(cfg Config) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if cfg.Builder == nil {
		cfg.Builder = blog.MarkdownBuilder{}
	}

	fsys := cfg.Fs
	if fsys == nil {
		fsys = afero.NewOsFs()
	}

	return &Coordinator{
		cfg:       cfg,
		fs:        fsys,
		logger:    cfg.Logger,
		nowFunc:   time.Now,
		completed: make(map[string]time.Time),
	}
}

// FinishFunc ends a session. It returns syncErr unchanged so callers can
// pass their own failure through; a second call returns ErrAlreadyFinished.
type FinishFunc func(ctx context.Context, syncErr error) error

// Begin resolves the blog, rejects missing or disabled blogs, and takes the
// folder lock. The returned FinishFunc must be called.
func (c *Coordinator) Begin(ctx context.Context, blogID string) (*FolderHandle, FinishFunc, error) {
	b, err := c.cfg.Store.GetBlog(ctx, blogID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, fmt.Errorf("%w: %s", ErrBlogNotFound, blogID)
	}

	if err != nil {
		return nil, nil, fmt.Errorf("sync: loading blog %s: %w", blogID, err)
	}

	if b.Disabled {
		return nil, nil, fmt.Errorf("%w: %s", ErrBlogDisabled, b.Handle)
	}

	matcher, err := ignore.Load(afero.NewBasePathFs(c.fs, b.Folder), c.cfg.IgnoreFile, c.cfg.IgnorePatterns)
	if err != nil {
		return nil, nil, fmt.Errorf("sync: loading ignore patterns for %s: %w", b.Handle, err)
	}

	lock, err := c.cfg.Locker.Acquire(ctx, b.ID, b.Folder)
	if err != nil {
		return nil, nil, fmt.Errorf("sync: locking %s: %w", b.Handle, err)
	}

	h := &FolderHandle{
		c:       c,
		blog:    b,
		batchID: uuid.NewString(),
		lock:    lock,
		ignore:  matcher,
		state:   StateLocked,
		logger: c.logger.With(
			slog.String("blog_id", b.ID),
			slog.String("handle", b.Handle),
		),
	}

	h.logger.Debug("sync session started", slog.String("batch_id", h.batchID))

	return h, h.finish, nil
}

// SyncedSince reports whether a session for blogID finished after t.
func (c *Coordinator) SyncedSince(blogID string, t time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	last, ok := c.completed[blogID]

	return ok && last.After(t)
}

func (c *Coordinator) recordCompleted(blogID string, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if at.After(c.completed[blogID]) {
		c.completed[blogID] = at
	}
}

func (c *Coordinator) invalidate(blogID string) {
	if c.cfg.Cache != nil {
		c.cfg.Cache.Invalidate(blogID)
	}
}
