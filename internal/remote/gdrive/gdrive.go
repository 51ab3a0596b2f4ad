// Package gdrive implements the reconcile.Client interface against the
// Google Drive v3 API.
//
// Drive addresses items by ID, so paths are resolved one component at a
// time from the "My Drive" root. Resolved IDs are kept in an LRU cache
// and concurrent lookups of the same path share one request.
package gdrive

import (
	"context"
	"crypto/md5" //nolint:gosec // Drive reports md5Checksum
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/tonimelisma/blogsync/internal/fingerprint"
	"github.com/tonimelisma/blogsync/internal/reconcile"
)

// Backend is the cursor key for Google Drive.
const Backend = "gdrive"

const (
	folderMimeType = "application/vnd.google-apps.folder"
	nativePrefix   = "application/vnd.google-apps."

	rootAlias        = "root"
	defaultCacheSize = 4096
	listPageSize     = 1000

	itemFields = "id, name, mimeType, md5Checksum, size, modifiedTime, parents"
	listFields = "nextPageToken, files(" + itemFields + ")"
)

// Config configures a Client. When HTTPClient is set it must carry its own
// authentication and Token is ignored.
type Config struct {
	Endpoint   string
	HTTPClient *http.Client
	Token      oauth2.TokenSource
	CacheSize  int
	Logger     *slog.Logger
}

// Client talks to one Google Drive account.
type Client struct {
	svc    *drive.Service
	ids    *lru.Cache[string, string]
	group  singleflight.Group
	logger *slog.Logger
}

// New creates a Drive client.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if cfg.CacheSize <= 0 {
		cfg.CacheSize = defaultCacheSize
	}

	var opts []option.ClientOption

	switch {
	case cfg.HTTPClient != nil:
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	case cfg.Token != nil:
		opts = append(opts, option.WithTokenSource(cfg.Token))
	}

	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}

	svc, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gdrive: creating service: %w", err)
	}

	ids, err := lru.New[string, string](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("gdrive: creating id cache: %w", err)
	}

	return &Client{svc: svc, ids: ids, logger: cfg.Logger}, nil
}

// Name returns the cursor key.
func (c *Client) Name() string { return Backend }

// Fingerprinter returns MD5, the checksum Drive reports for binary files.
func (c *Client) Fingerprinter() fingerprint.Func { return md5.New }

// native reports whether f is a Google Docs style file with no binary
// content to mirror.
func native(f *drive.File) bool {
	return strings.HasPrefix(f.MimeType, nativePrefix) && f.MimeType != folderMimeType
}

func dirEntry(f *drive.File) reconcile.DirEntry {
	e := reconcile.DirEntry{
		Name:  f.Name,
		IsDir: f.MimeType == folderMimeType,
		ID:    f.Id,
	}

	if !e.IsDir {
		e.Fingerprint = f.Md5Checksum
		e.Size = f.Size
		e.ModTime = parseTime(f.ModifiedTime)
	}

	return e
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}

	return t
}

func cleanPath(p string) string {
	return path.Clean("/" + p)
}

// ListChildren returns the direct children of dir. Native Google files are
// skipped. When Drive holds several children with the same name only the
// first is kept.
func (c *Client) ListChildren(ctx context.Context, dir string) ([]reconcile.DirEntry, error) {
	dir = cleanPath(dir)

	id, err := c.resolve(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("gdrive: listing %s: %w", dir, err)
	}

	var (
		out  []reconcile.DirEntry
		seen = make(map[string]bool)
	)

	q := fmt.Sprintf("'%s' in parents and trashed = false", escapeQuery(id))

	err = c.svc.Files.List().
		Q(q).
		Fields(listFields).
		PageSize(listPageSize).
		OrderBy("name").
		Pages(ctx, func(page *drive.FileList) error {
			for _, f := range page.Files {
				if native(f) || seen[f.Name] {
					continue
				}

				seen[f.Name] = true
				c.ids.Add(path.Join(dir, f.Name), f.Id)
				out = append(out, dirEntry(f))
			}

			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("gdrive: listing %s: %w", dir, translate(err))
	}

	return out, nil
}

// GetLatestCursor returns the current changes start page token.
func (c *Client) GetLatestCursor(ctx context.Context, _ reconcile.Root) (string, error) {
	tok, err := c.svc.Changes.GetStartPageToken().Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("gdrive: fetching start page token: %w", translate(err))
	}

	return tok.StartPageToken, nil
}

// ResolveRootPath rebuilds the path of a folder ID by walking its parents.
func (c *Client) ResolveRootPath(ctx context.Context, rootID string) (string, error) {
	top, err := c.svc.Files.Get(rootAlias).Fields("id").Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("gdrive: fetching drive root: %w", translate(err))
	}

	var names []string

	for id := rootID; id != top.Id; {
		f, err := c.svc.Files.Get(id).Fields("id, name, parents").Context(ctx).Do()
		if err != nil {
			return "", fmt.Errorf("gdrive: resolving root %s: %w", rootID, translate(err))
		}

		if len(f.Parents) == 0 {
			// Shared items outside My Drive have no parent chain.
			break
		}

		names = append(names, f.Name)
		id = f.Parents[0]
	}

	for i, j := 0, len(names)-1; i < j; i, j = i+1, j-1 {
		names[i], names[j] = names[j], names[i]
	}

	p := "/" + strings.Join(names, "/")
	c.ids.Add(p, rootID)

	return p, nil
}

// LookupRoot returns the ID and path of the folder at p.
func (c *Client) LookupRoot(ctx context.Context, p string) (reconcile.Root, error) {
	p = cleanPath(p)

	id, err := c.resolve(ctx, p)
	if err != nil {
		return reconcile.Root{}, fmt.Errorf("gdrive: looking up %s: %w", p, err)
	}

	return reconcile.Root{ID: id, Path: p}, nil
}

// Delete moves the item at p to the trash. A missing path is not an error.
func (c *Client) Delete(ctx context.Context, p string) error {
	p = cleanPath(p)

	id, err := c.resolve(ctx, p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("gdrive: deleting %s: %w", p, err)
	}

	_, err = c.svc.Files.Update(id, &drive.File{Trashed: true}).Fields("id").Context(ctx).Do()
	if err != nil && !errors.Is(translate(err), fs.ErrNotExist) {
		return fmt.Errorf("gdrive: trashing %s: %w", p, translate(err))
	}

	c.forget(p)

	return nil
}

// CreateDirectory creates the folder at p. An existing folder is not an
// error.
func (c *Client) CreateDirectory(ctx context.Context, p string) error {
	p = cleanPath(p)

	if _, err := c.resolve(ctx, p); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("gdrive: creating folder %s: %w", p, err)
	}

	parent, err := c.resolve(ctx, path.Dir(p))
	if err != nil {
		return fmt.Errorf("gdrive: creating folder %s: %w", p, err)
	}

	f, err := c.svc.Files.Create(&drive.File{
		Name:     path.Base(p),
		MimeType: folderMimeType,
		Parents:  []string{parent},
	}).Fields("id").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("gdrive: creating folder %s: %w", p, translate(err))
	}

	c.ids.Add(p, f.Id)

	return nil
}

// Upload creates or replaces the file at p.
func (c *Client) Upload(ctx context.Context, p string, r io.Reader, _ int64, modTime time.Time) error {
	p = cleanPath(p)

	meta := &drive.File{}
	if !modTime.IsZero() {
		meta.ModifiedTime = modTime.UTC().Format(time.RFC3339Nano)
	}

	id, err := c.resolve(ctx, p)

	switch {
	case err == nil:
		_, err = c.svc.Files.Update(id, meta).Media(r).Fields("id").Context(ctx).Do()
	case errors.Is(err, fs.ErrNotExist):
		var parent string

		parent, err = c.resolve(ctx, path.Dir(p))
		if err != nil {
			return fmt.Errorf("gdrive: uploading %s: %w", p, err)
		}

		meta.Name = path.Base(p)
		meta.Parents = []string{parent}

		var f *drive.File

		f, err = c.svc.Files.Create(meta).Media(r).Fields("id").Context(ctx).Do()
		if err == nil {
			c.ids.Add(p, f.Id)
		}
	default:
		return fmt.Errorf("gdrive: uploading %s: %w", p, err)
	}

	if err != nil {
		return fmt.Errorf("gdrive: uploading %s: %w", p, translate(err))
	}

	return nil
}

// Download streams the file at p into w.
func (c *Client) Download(ctx context.Context, p string, w io.Writer) (reconcile.Metadata, error) {
	p = cleanPath(p)

	id, err := c.resolve(ctx, p)
	if err != nil {
		return reconcile.Metadata{}, fmt.Errorf("gdrive: downloading %s: %w", p, err)
	}

	f, err := c.svc.Files.Get(id).Fields(itemFields).Context(ctx).Do()
	if err != nil {
		return reconcile.Metadata{}, fmt.Errorf("gdrive: downloading %s: %w", p, translate(err))
	}

	resp, err := c.svc.Files.Get(id).Context(ctx).Download()
	if err != nil {
		return reconcile.Metadata{}, fmt.Errorf("gdrive: downloading %s: %w", p, translate(err))
	}
	defer resp.Body.Close()

	if _, err := io.Copy(w, resp.Body); err != nil {
		return reconcile.Metadata{}, fmt.Errorf("gdrive: reading %s: %w", p, err)
	}

	e := dirEntry(f)

	return reconcile.Metadata{Fingerprint: e.Fingerprint, Size: e.Size, ModTime: e.ModTime}, nil
}

// resolve returns the ID for an absolute path. A missing component wraps
// fs.ErrNotExist.
func (c *Client) resolve(ctx context.Context, p string) (string, error) {
	if p == "/" {
		return rootAlias, nil
	}

	if id, ok := c.ids.Get(p); ok {
		return id, nil
	}

	v, err, _ := c.group.Do(p, func() (any, error) {
		parent, err := c.resolve(ctx, path.Dir(p))
		if err != nil {
			return "", err
		}

		q := fmt.Sprintf("'%s' in parents and name = '%s' and trashed = false",
			escapeQuery(parent), escapeQuery(path.Base(p)))

		list, err := c.svc.Files.List().Q(q).Fields("files(id)").PageSize(1).Context(ctx).Do()
		if err != nil {
			return "", translate(err)
		}

		if len(list.Files) == 0 {
			return "", fmt.Errorf("%s: %w", p, fs.ErrNotExist)
		}

		c.ids.Add(p, list.Files[0].Id)

		return list.Files[0].Id, nil
	})
	if err != nil {
		return "", err
	}

	return v.(string), nil
}

// forget drops p and everything below it from the ID cache.
func (c *Client) forget(p string) {
	c.ids.Remove(p)

	prefix := p + "/"
	for _, k := range c.ids.Keys() {
		if strings.HasPrefix(k, prefix) {
			c.ids.Remove(k)
		}
	}
}

var queryEscaper = strings.NewReplacer(`\`, `\\`, `'`, `\'`)

func escapeQuery(s string) string {
	return queryEscaper.Replace(s)
}

// translate wraps a Drive 404 with fs.ErrNotExist.
func translate(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code == http.StatusNotFound {
		return fmt.Errorf("%w: %w", fs.ErrNotExist, err)
	}

	return err
}
