// Package reconcile mirrors a blog folder to or from a remote storage
// backend with a one-directional, content-hash tree diff.
//
// One pass walks the tree from the root. At each level it lists both sides
// concurrently, deletes destination entries the source lacks, transfers
// files whose fingerprints differ, and recurses into directories. Per-item
// failures are collected in a Report; only cancellation, a root listing
// failure, or a cursor failure end the pass early.
package reconcile

import (
	"context"
	"io"
	"time"

	"github.com/tonimelisma/blogsync/internal/fingerprint"
)

// DirEntry is one child of a listed directory.
type DirEntry struct {
	Name        string
	IsDir       bool
	Fingerprint string // backend content hash, empty for directories
	Size        int64
	ModTime     time.Time
	ID          string // backend item ID, if it has one
}

// Metadata describes a downloaded file.
type Metadata struct {
	Fingerprint string
	Size        int64
	ModTime     time.Time
}

// Root is the resolved remote mirror root.
type Root struct {
	ID   string
	Path string
}

// Client is implemented per storage backend. Paths are absolute remote
// paths ("/Apps/blog/posts/a.md"); the root itself is "/". A missing path
// reported by ListChildren or Download wraps fs.ErrNotExist. Delete of a
// missing path and CreateDirectory of an existing one succeed.
type Client interface {
	// Name keys persisted cursors ("dropbox", "gdrive").
	Name() string

	// ResolveRootPath returns the current path of the folder with the given
	// opaque ID. The folder may have moved since the last pass.
	ResolveRootPath(ctx context.Context, rootID string) (string, error)

	// GetLatestCursor returns a token for the remote tree state as of now.
	GetLatestCursor(ctx context.Context, root Root) (string, error)

	ListChildren(ctx context.Context, dir string) ([]DirEntry, error)
	Delete(ctx context.Context, path string) error
	CreateDirectory(ctx context.Context, path string) error
	Upload(ctx context.Context, path string, r io.Reader, size int64, modTime time.Time) error
	Download(ctx context.Context, path string, w io.Writer) (Metadata, error)

	// Fingerprinter returns the hash the backend reports in
	// DirEntry.Fingerprint, so local files can be compared without a
	// download.
	Fingerprinter() fingerprint.Func
}

// State persists pass results.
type State interface {
	SaveCursor(ctx context.Context, blogID, backend, cursor string) error
	SetRemoteRoot(ctx context.Context, blogID, rootID, rootPath string) error
}
