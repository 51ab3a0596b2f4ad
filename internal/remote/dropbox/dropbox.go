// Package dropbox implements the reconcile.Client interface against the
// Dropbox HTTP API v2.
package dropbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/oauth2"

	"github.com/tonimelisma/blogsync/internal/fingerprint"
	"github.com/tonimelisma/blogsync/internal/reconcile"
	"github.com/tonimelisma/blogsync/internal/remote"
	"github.com/tonimelisma/blogsync/pkg/contenthash"
)

// Backend is the cursor key for Dropbox.
const Backend = "dropbox"

const (
	// DefaultAPIURL serves RPC endpoints.
	DefaultAPIURL = "https://api.dropboxapi.com/2"
	// DefaultContentURL serves upload and download endpoints.
	DefaultContentURL = "https://content.dropboxapi.com/2"

	userAgent = "blogsync"

	// singleUploadLimit is the largest body files/upload accepts.
	singleUploadLimit = 150 << 20
	uploadChunkSize   = 8 << 20

	apiResultHeader = "Dropbox-API-Result"
	apiArgHeader    = "Dropbox-API-Arg"
)

// Config configures a Client.
type Config struct {
	APIURL     string
	ContentURL string
	HTTPClient *http.Client
	Token      oauth2.TokenSource
	Logger     *slog.Logger
}

// Client talks to one Dropbox account.
type Client struct {
	rest       *remote.Client
	apiURL     string
	contentURL string
	logger     *slog.Logger

	singleLimit int64
	chunkSize   int
}

// New creates a Dropbox client.
func New(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}

	if cfg.ContentURL == "" {
		cfg.ContentURL = DefaultContentURL
	}

	return &Client{
		rest:        remote.NewClient(cfg.HTTPClient, cfg.Token, cfg.Logger, userAgent),
		apiURL:      strings.TrimRight(cfg.APIURL, "/"),
		contentURL:  strings.TrimRight(cfg.ContentURL, "/"),
		logger:      cfg.Logger,
		singleLimit: singleUploadLimit,
		chunkSize:   uploadChunkSize,
	}
}

// Name returns the cursor key.
func (c *Client) Name() string { return Backend }

// Fingerprinter returns the Dropbox content hash.
func (c *Client) Fingerprinter() fingerprint.Func { return contenthash.New }

// metadata is the subset of a Dropbox file or folder metadata object the
// reconciler needs.
type metadata struct {
	Tag            string    `json:".tag"`
	Name           string    `json:"name"`
	ID             string    `json:"id"`
	PathDisplay    string    `json:"path_display"`
	Size           int64     `json:"size"`
	ContentHash    string    `json:"content_hash"`
	ServerModified time.Time `json:"server_modified"`
	ClientModified time.Time `json:"client_modified"`
}

func (m metadata) dirEntry() reconcile.DirEntry {
	e := reconcile.DirEntry{
		Name:  m.Name,
		IsDir: m.Tag == "folder",
		ID:    m.ID,
	}

	if !e.IsDir {
		e.Fingerprint = m.ContentHash
		e.Size = m.Size
		e.ModTime = m.ClientModified
		if e.ModTime.IsZero() {
			e.ModTime = m.ServerModified
		}
	}

	return e
}

type listFolderResult struct {
	Entries []metadata `json:"entries"`
	Cursor  string     `json:"cursor"`
	HasMore bool       `json:"has_more"`
}

// apiPath converts an absolute path to the form the API expects: the root
// is the empty string.
func apiPath(p string) string {
	if p == "/" || p == "" {
		return ""
	}

	return path.Clean("/" + p)
}

// ListChildren returns the direct children of dir, following pagination.
func (c *Client) ListChildren(ctx context.Context, dir string) ([]reconcile.DirEntry, error) {
	var res listFolderResult

	err := c.rpc(ctx, "/files/list_folder", map[string]any{
		"path":            apiPath(dir),
		"recursive":       false,
		"include_deleted": false,
	}, &res)
	if err != nil {
		return nil, fmt.Errorf("dropbox: listing %s: %w", dir, err)
	}

	var out []reconcile.DirEntry

	for {
		for _, m := range res.Entries {
			if m.Tag != "file" && m.Tag != "folder" {
				continue
			}

			out = append(out, m.dirEntry())
		}

		if !res.HasMore {
			return out, nil
		}

		cursor := res.Cursor
		res = listFolderResult{}

		if err := c.rpc(ctx, "/files/list_folder/continue", map[string]string{"cursor": cursor}, &res); err != nil {
			return nil, fmt.Errorf("dropbox: continuing listing of %s: %w", dir, err)
		}
	}
}

// GetLatestCursor returns a recursive list_folder cursor for the root as of
// now, without listing it.
func (c *Client) GetLatestCursor(ctx context.Context, root reconcile.Root) (string, error) {
	var res struct {
		Cursor string `json:"cursor"`
	}

	err := c.rpc(ctx, "/files/list_folder/get_latest_cursor", map[string]any{
		"path":      apiPath(root.Path),
		"recursive": true,
	}, &res)
	if err != nil {
		return "", fmt.Errorf("dropbox: fetching cursor for %s: %w", root.Path, err)
	}

	return res.Cursor, nil
}

// ResolveRootPath returns the current display path of a folder ID.
func (c *Client) ResolveRootPath(ctx context.Context, rootID string) (string, error) {
	m, err := c.stat(ctx, rootID)
	if err != nil {
		return "", fmt.Errorf("dropbox: resolving root %s: %w", rootID, err)
	}

	if m.PathDisplay == "" {
		return "/", nil
	}

	return m.PathDisplay, nil
}

// LookupRoot returns the ID and canonical path of the folder at p.
func (c *Client) LookupRoot(ctx context.Context, p string) (reconcile.Root, error) {
	if apiPath(p) == "" {
		return reconcile.Root{Path: "/"}, nil
	}

	m, err := c.stat(ctx, apiPath(p))
	if err != nil {
		return reconcile.Root{}, fmt.Errorf("dropbox: looking up %s: %w", p, err)
	}

	if m.Tag != "folder" {
		return reconcile.Root{}, fmt.Errorf("dropbox: %s is not a folder", p)
	}

	return reconcile.Root{ID: m.ID, Path: m.PathDisplay}, nil
}

func (c *Client) stat(ctx context.Context, p string) (metadata, error) {
	var m metadata
	err := c.rpc(ctx, "/files/get_metadata", map[string]any{"path": p}, &m)

	return m, err
}

// Delete removes a file or folder. A missing path is not an error.
func (c *Client) Delete(ctx context.Context, p string) error {
	err := c.rpc(ctx, "/files/delete_v2", map[string]string{"path": apiPath(p)}, nil)
	if err != nil && !errors.Is(err, remote.ErrNotFound) {
		return fmt.Errorf("dropbox: deleting %s: %w", p, err)
	}

	return nil
}

// CreateDirectory creates a folder. An existing folder is not an error.
func (c *Client) CreateDirectory(ctx context.Context, p string) error {
	err := c.rpc(ctx, "/files/create_folder_v2", map[string]any{
		"path":       apiPath(p),
		"autorename": false,
	}, nil)
	if err == nil || summaryContains(err, "conflict/folder") {
		return nil
	}

	return fmt.Errorf("dropbox: creating folder %s: %w", p, err)
}

// Download streams the file at p into w.
func (c *Client) Download(ctx context.Context, p string, w io.Writer) (reconcile.Metadata, error) {
	arg, err := headerArg(map[string]string{"path": apiPath(p)})
	if err != nil {
		return reconcile.Metadata{}, err
	}

	resp, err := c.do(ctx, remote.Request{
		Method: http.MethodPost,
		URL:    c.contentURL + "/files/download",
		Header: http.Header{apiArgHeader: []string{arg}},
	})
	if err != nil {
		return reconcile.Metadata{}, fmt.Errorf("dropbox: downloading %s: %w", p, err)
	}
	defer resp.Body.Close()

	var m metadata
	if raw := resp.Header.Get(apiResultHeader); raw != "" {
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return reconcile.Metadata{}, fmt.Errorf("dropbox: decoding metadata for %s: %w", p, err)
		}
	}

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return reconcile.Metadata{}, fmt.Errorf("dropbox: reading %s: %w", p, err)
	}

	e := m.dirEntry()
	if e.Size == 0 {
		e.Size = n
	}

	return reconcile.Metadata{Fingerprint: e.Fingerprint, Size: e.Size, ModTime: e.ModTime}, nil
}

// Upload writes r to p, overwriting any existing file. Files larger than a
// single request allows go through an upload session.
func (c *Client) Upload(ctx context.Context, p string, r io.Reader, size int64, modTime time.Time) error {
	commit := map[string]any{
		"path":       apiPath(p),
		"mode":       "overwrite",
		"autorename": false,
		"mute":       true,
	}

	if !modTime.IsZero() {
		commit["client_modified"] = modTime.UTC().Truncate(time.Second).Format(time.RFC3339)
	}

	if size > c.singleLimit {
		if err := c.uploadSession(ctx, r, size, commit); err != nil {
			return fmt.Errorf("dropbox: uploading %s: %w", p, err)
		}

		return nil
	}

	if err := c.content(ctx, "/files/upload", commit, r, size); err != nil {
		return fmt.Errorf("dropbox: uploading %s: %w", p, err)
	}

	return nil
}

func (c *Client) uploadSession(ctx context.Context, r io.Reader, size int64, commit map[string]any) error {
	buf := make([]byte, c.chunkSize)

	n, err := io.ReadFull(r, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("reading first chunk: %w", err)
	}

	var start struct {
		SessionID string `json:"session_id"`
	}

	if err := c.contentJSON(ctx, "/files/upload_session/start", map[string]bool{"close": false},
		bytes.NewReader(buf[:n]), int64(n), &start); err != nil {
		return fmt.Errorf("starting session: %w", err)
	}

	offset := int64(n)

	c.logger.Debug("upload session started",
		slog.String("session_id", start.SessionID),
		slog.Int64("size", size),
	)

	for offset < size {
		n, err = io.ReadFull(r, buf)
		if n == 0 {
			return fmt.Errorf("reading chunk at %d: %w", offset, err)
		}

		arg := map[string]any{
			"cursor": map[string]any{"session_id": start.SessionID, "offset": offset},
			"close":  false,
		}

		if err := c.content(ctx, "/files/upload_session/append_v2", arg, bytes.NewReader(buf[:n]), int64(n)); err != nil {
			return fmt.Errorf("appending at %d: %w", offset, err)
		}

		offset += int64(n)
	}

	arg := map[string]any{
		"cursor": map[string]any{"session_id": start.SessionID, "offset": offset},
		"commit": commit,
	}

	if err := c.content(ctx, "/files/upload_session/finish", arg, bytes.NewReader(nil), 0); err != nil {
		return fmt.Errorf("finishing session: %w", err)
	}

	return nil
}

func (c *Client) content(ctx context.Context, endpoint string, arg any, body io.Reader, size int64) error {
	return c.contentJSON(ctx, endpoint, arg, body, size, nil)
}

func (c *Client) contentJSON(ctx context.Context, endpoint string, arg any, body io.Reader, size int64, out any) error {
	h, err := headerArg(arg)
	if err != nil {
		return err
	}

	resp, err := c.do(ctx, remote.Request{
		Method: http.MethodPost,
		URL:    c.contentURL + endpoint,
		Header: http.Header{
			apiArgHeader:   []string{h},
			"Content-Type": []string{"application/octet-stream"},
		},
		Body:          body,
		ContentLength: size,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return decode(resp.Body, out)
}

// rpc calls a JSON-in JSON-out endpoint. A nil out discards the response.
func (c *Client) rpc(ctx context.Context, endpoint string, arg, out any) error {
	payload, err := json.Marshal(arg)
	if err != nil {
		return fmt.Errorf("encoding %s arguments: %w", endpoint, err)
	}

	resp, err := c.do(ctx, remote.Request{
		Method:        http.MethodPost,
		URL:           c.apiURL + endpoint,
		Header:        http.Header{"Content-Type": []string{"application/json"}},
		Body:          bytes.NewReader(payload),
		ContentLength: int64(len(payload)),
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return decode(resp.Body, out)
}

func decode(r io.Reader, out any) error {
	if out == nil {
		_, _ = io.Copy(io.Discard, r)
		return nil
	}

	if err := json.NewDecoder(r).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	return nil
}

// do sends the request and reclassifies Dropbox endpoint errors.
func (c *Client) do(ctx context.Context, r remote.Request) (*http.Response, error) {
	resp, err := c.rest.Do(ctx, r)
	if err != nil {
		return nil, classify(err)
	}

	return resp, nil
}
