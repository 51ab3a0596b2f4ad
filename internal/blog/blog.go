// Package blog defines the blog and entry records the sync engine persists,
// plus the collaborators that turn a file into a published entry.
package blog

import (
	"context"
	"time"
)

// Client identifies where a blog's content originates.
type Client string

// Supported content clients.
const (
	ClientLocal   Client = "local"
	ClientDropbox Client = "dropbox"
	ClientGDrive  Client = "gdrive"
	ClientGit     Client = "git"
)

// Valid reports whether c is a known client.
func (c Client) Valid() bool {
	switch c {
	case ClientLocal, ClientDropbox, ClientGDrive, ClientGit:
		return true
	default:
		return false
	}
}

// Blog is one user's site. Folder is the absolute path of its content tree.
//
// Options holds display toggles. A key explicitly set to false records that
// the user opted out, which automatic policies must respect; an absent key
// means the option was never decided.
type Blog struct {
	ID             string
	Handle         string
	Client         Client
	Folder         string
	RemoteRootID   string
	RemoteRootPath string
	Disabled       bool
	CacheEpoch     int64
	Options        map[string]bool
	LastSyncedAt   time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// OptionSet reports whether the option has an explicit value, and what it is.
func (b *Blog) OptionSet(name string) (value, ok bool) {
	value, ok = b.Options[name]
	return value, ok
}

// Entry is the published record for one file path within a blog.
// Paths are slash-rooted and relative to the blog folder ("/posts/a.md").
// Deleted entries are kept as tombstones so renames can be resolved.
type Entry struct {
	BlogID       string
	Path         string
	GUID         string
	URL          string
	Title        string
	Fingerprint  string
	Size         int64
	Draft        bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Deleted      bool
	DeletedAt    time.Time
	BatchID      string
	CreatedBatch string
	DeletedBatch string
	RenamedFrom  string
	RenamedTo    string
	BuildError   string
}

// Builder derives a published entry from a file's bytes. Implementations fill
// presentation fields (URL, Title, Draft); the caller owns identity, paths,
// fingerprints and timestamps.
type Builder interface {
	Build(ctx context.Context, b *Blog, path string, content []byte) (*Entry, error)
}

// TemplateBuilder rebuilds a template found in the blog folder. dir is the
// slash-rooted template directory.
type TemplateBuilder interface {
	BuildTemplate(ctx context.Context, b *Blog, dir string) error
}
