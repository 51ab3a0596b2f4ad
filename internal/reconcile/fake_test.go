package reconcile

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/blogsync/internal/blog"
	"github.com/tonimelisma/blogsync/internal/fingerprint"
)

// testLogger returns a debug-level logger that writes to t.Log.
func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(&testLogWriter{t: t}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

type testLogWriter struct {
	t *testing.T
}

func (w *testLogWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(p))

	return len(p), nil
}

// fakeClient is a Client over an in-memory remote tree.
type fakeClient struct {
	fs afero.Fs

	mu        sync.Mutex
	events    []string
	uploads   []string
	downloads []string
	deletes   []string
	mkdirs    []string

	cursor     string
	cursorErr  error
	rootPaths  map[string]string
	listErr    map[string]error
	uploadErr  map[string]error
	deleteErr  map[string]error
	badHash    bool
	onUpload   func(path string)
	onDownload func(path string)
}

func newFakeClient() *fakeClient {
	fs := afero.NewMemMapFs()
	_ = fs.MkdirAll("/blog", 0o755)

	return &fakeClient{
		fs:        fs,
		cursor:    "cursor-1",
		rootPaths: map[string]string{},
		listErr:   map[string]error{},
		uploadErr: map[string]error{},
		deleteErr: map[string]error{},
	}
}

func (c *fakeClient) record(list *[]string, ev string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	*list = append(*list, ev)
	c.events = append(c.events, ev)
}

func (c *fakeClient) Name() string { return "fake" }

func (c *fakeClient) ResolveRootPath(_ context.Context, rootID string) (string, error) {
	p, ok := c.rootPaths[rootID]
	if !ok {
		return "", fmt.Errorf("root %s: %w", rootID, errors.New("unknown root"))
	}

	return p, nil
}

func (c *fakeClient) GetLatestCursor(context.Context, Root) (string, error) {
	c.mu.Lock()
	c.events = append(c.events, "cursor")
	c.mu.Unlock()

	return c.cursor, c.cursorErr
}

func (c *fakeClient) ListChildren(_ context.Context, dir string) ([]DirEntry, error) {
	if err := c.listErr[dir]; err != nil {
		return nil, err
	}

	infos, err := afero.ReadDir(c.fs, dir)
	if err != nil {
		return nil, err
	}

	out := make([]DirEntry, 0, len(infos))

	for _, info := range infos {
		e := DirEntry{Name: info.Name(), IsDir: info.IsDir(), Size: info.Size(), ModTime: info.ModTime()}
		if !info.IsDir() {
			e.Fingerprint, err = fingerprint.FileWith(c.fs, path.Join(dir, info.Name()), sha256.New)
			if err != nil {
				return nil, err
			}
		}

		out = append(out, e)
	}

	return out, nil
}

func (c *fakeClient) Delete(_ context.Context, p string) error {
	if err := c.deleteErr[p]; err != nil {
		return err
	}

	c.record(&c.deletes, p)

	return c.fs.RemoveAll(p)
}

func (c *fakeClient) CreateDirectory(_ context.Context, p string) error {
	c.record(&c.mkdirs, p)
	return c.fs.MkdirAll(p, 0o755)
}

func (c *fakeClient) Upload(_ context.Context, p string, r io.Reader, _ int64, modTime time.Time) error {
	if c.onUpload != nil {
		c.onUpload(p)
	}

	if err := c.uploadErr[p]; err != nil {
		return err
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	c.record(&c.uploads, p)

	if err := afero.WriteFile(c.fs, p, data, 0o644); err != nil {
		return err
	}

	return c.fs.Chtimes(p, modTime, modTime)
}

func (c *fakeClient) Download(_ context.Context, p string, w io.Writer) (Metadata, error) {
	if c.onDownload != nil {
		c.onDownload(p)
	}

	data, err := afero.ReadFile(c.fs, p)
	if err != nil {
		return Metadata{}, err
	}

	info, err := c.fs.Stat(p)
	if err != nil {
		return Metadata{}, err
	}

	c.record(&c.downloads, p)

	if _, err := w.Write(data); err != nil {
		return Metadata{}, err
	}

	fp := fingerprint.BytesWith(sha256.New, data)
	if c.badHash {
		fp = "deadbeef"
	}

	return Metadata{Fingerprint: fp, Size: info.Size(), ModTime: info.ModTime()}, nil
}

func (c *fakeClient) Fingerprinter() fingerprint.Func { return sha256.New }

// fakeState records persisted cursors and root moves.
type fakeState struct {
	mu      sync.Mutex
	cursors map[string]string
	roots   map[string]string
}

func newFakeState() *fakeState {
	return &fakeState{cursors: map[string]string{}, roots: map[string]string{}}
}

func (s *fakeState) SaveCursor(_ context.Context, blogID, backend, cursor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cursors[blogID+"/"+backend] = cursor

	return nil
}

func (s *fakeState) SetRemoteRoot(_ context.Context, blogID, _, rootPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.roots[blogID] = rootPath

	return nil
}

func (s *fakeState) cursor(blogID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.cursors[blogID+"/fake"]
}

func writeTree(t *testing.T, fs afero.Fs, root string, files map[string]string) {
	t.Helper()

	for p, content := range files {
		full := path.Join(root, p)
		require.NoError(t, fs.MkdirAll(path.Dir(full), 0o755))
		require.NoError(t, afero.WriteFile(fs, full, []byte(content), 0o644))
	}
}

// readTree returns every file under root keyed by its root-relative path.
func readTree(t *testing.T, fs afero.Fs, root string) map[string]string {
	t.Helper()

	out := map[string]string{}

	err := afero.Walk(fs, root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if info.IsDir() {
			return nil
		}

		data, err := afero.ReadFile(fs, p)
		if err != nil {
			return err
		}

		rel := "/" + p[len(root):]
		rel = path.Clean(rel)
		out[rel] = string(data)

		return nil
	})
	require.NoError(t, err)

	return out
}

type harness struct {
	client   *fakeClient
	state    *fakeState
	local    afero.Fs
	blog     *blog.Blog
	notified []string
	notifyMu sync.Mutex
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	local := afero.NewMemMapFs()
	require.NoError(t, local.MkdirAll("/", 0o755))

	return &harness{
		client: newFakeClient(),
		state:  newFakeState(),
		local:  local,
		blog:   &blog.Blog{ID: "blog1", RemoteRootPath: "/blog"},
	}
}

func (h *harness) reconciler(t *testing.T, mutate func(*Config)) *Reconciler {
	t.Helper()

	cfg := Config{
		Client:      h.client,
		State:       h.state,
		Local:       h.local,
		Concurrency: 2,
		Notify: func(_ context.Context, p string) error {
			h.notifyMu.Lock()
			defer h.notifyMu.Unlock()

			h.notified = append(h.notified, p)

			return nil
		},
		Logger: testLogger(t),
	}

	if mutate != nil {
		mutate(&cfg)
	}

	return New(cfg)
}
