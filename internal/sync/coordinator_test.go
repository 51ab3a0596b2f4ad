package sync

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	stdsync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/blogsync/internal/blog"
	"github.com/tonimelisma/blogsync/internal/fingerprint"
	"github.com/tonimelisma/blogsync/internal/folderlock"
	"github.com/tonimelisma/blogsync/internal/store"
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

// builderFunc adapts a function to blog.Builder.
type builderFunc func(ctx context.Context, b *blog.Blog, p string, content []byte) (*blog.Entry, error)

func (f builderFunc) Build(ctx context.Context, b *blog.Blog, p string, content []byte) (*blog.Entry, error) {
	return f(ctx, b, p, content)
}

type recordingTemplates struct {
	mu   stdsync.Mutex
	dirs []string
	fail map[string]bool
}

func (r *recordingTemplates) BuildTemplate(_ context.Context, _ *blog.Blog, dir string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.dirs = append(r.dirs, dir)
	if r.fail[dir] {
		return errors.New("template syntax error")
	}

	return nil
}

type countingCache struct {
	n atomic.Int32
}

func (c *countingCache) Invalidate(string) { c.n.Add(1) }

type recordingStatus struct {
	mu   stdsync.Mutex
	msgs []Message
}

func (r *recordingStatus) Publish(msg Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.msgs = append(r.msgs, msg)
}

type harness struct {
	t      *testing.T
	store  *store.Store
	coord  *Coordinator
	blog   *blog.Blog
	cache  *countingCache
	status *recordingStatus
	tmpl   *recordingTemplates
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()

	ctx := t.Context()

	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "state.db"), testLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, st.Close()) })

	b := &blog.Blog{Handle: "alice", Client: blog.ClientLocal, Folder: t.TempDir()}
	require.NoError(t, st.CreateBlog(ctx, b))

	h := &harness{
		t:      t,
		store:  st,
		blog:   b,
		cache:  &countingCache{},
		status: &recordingStatus{},
		tmpl:   &recordingTemplates{fail: map[string]bool{}},
	}

	cfg := Config{
		Store: st,
		Locker: folderlock.New(folderlock.Config{
			StaleAfter:    10 * time.Second,
			RenewInterval: 3 * time.Second,
			RetryDelay:    time.Millisecond,
			Logger:        testLogger(t),
		}),
		Builder:    blog.MarkdownBuilder{},
		Templates:  h.tmpl,
		Cache:      h.cache,
		Status:     h.status,
		MarkerDirs: map[string]string{"Drafts": "show_drafts"},
		Logger:     testLogger(t),
	}

	if mutate != nil {
		mutate(&cfg)
	}

	h.coord = New(cfg)

	return h
}

func (h *harness) write(rel, content string) {
	h.t.Helper()

	p := filepath.Join(h.blog.Folder, filepath.FromSlash(rel))
	require.NoError(h.t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(h.t, os.WriteFile(p, []byte(content), 0o644))
}

func (h *harness) remove(rel string) {
	h.t.Helper()
	require.NoError(h.t, os.RemoveAll(filepath.Join(h.blog.Folder, filepath.FromSlash(rel))))
}

// session runs Begin, Update for each path, and Finish.
func (h *harness) session(paths ...string) {
	h.t.Helper()

	ctx := h.t.Context()

	fh, finish, err := h.coord.Begin(ctx, h.blog.ID)
	require.NoError(h.t, err)

	for _, p := range paths {
		require.NoError(h.t, fh.Update(ctx, p))
	}

	require.NoError(h.t, finish(ctx, nil))
}

func (h *harness) entry(p string) *blog.Entry {
	h.t.Helper()

	e, err := h.store.GetEntry(h.t.Context(), h.blog.ID, p)
	require.NoError(h.t, err)

	return e
}

func (h *harness) epoch() int64 {
	h.t.Helper()

	b, err := h.store.GetBlog(h.t.Context(), h.blog.ID)
	require.NoError(h.t, err)

	return b.CacheEpoch
}

func TestBegin_UnknownBlog(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)

	_, _, err := h.coord.Begin(t.Context(), "no-such-blog")
	assert.ErrorIs(t, err, ErrBlogNotFound)
}

func TestBegin_DisabledBlog(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	require.NoError(t, h.store.SetDisabled(t.Context(), h.blog.ID, true))

	_, _, err := h.coord.Begin(t.Context(), h.blog.ID)
	assert.ErrorIs(t, err, ErrBlogDisabled)
}

func TestBegin_FolderBusy(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := t.Context()

	_, finish, err := h.coord.Begin(ctx, h.blog.ID)
	require.NoError(t, err)

	_, _, err = h.coord.Begin(ctx, h.blog.ID)
	require.ErrorIs(t, err, folderlock.ErrFolderBusy)

	require.NoError(t, finish(ctx, nil))

	// Released: a new session can start.
	_, finish, err = h.coord.Begin(ctx, h.blog.ID)
	require.NoError(t, err)
	require.NoError(t, finish(ctx, nil))
}

func TestUpdate_NewFileCreatesEntry(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.write("posts/hello-world.md", "# Hello, World\n\nbody")

	start := time.Now()
	h.session("/posts/hello-world.md")

	e := h.entry("/posts/hello-world.md")
	assert.Equal(t, "Hello, World", e.Title)
	assert.Equal(t, "/posts/hello-world", e.URL)
	assert.Equal(t, fingerprint.Bytes([]byte("# Hello, World\n\nbody")), e.Fingerprint)
	assert.NotEmpty(t, e.GUID)
	assert.False(t, e.Deleted)

	assert.Equal(t, int64(1), h.epoch())
	assert.True(t, h.coord.SyncedSince(h.blog.ID, start))
	assert.NoFileExists(t, filepath.Join(h.blog.Folder, folderlock.FileName))
}

func TestUpdate_ChangedFileKeepsIdentity(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.write("a.md", "# A")

	h.session("/a.md")
	first := h.entry("/a.md")

	h.write("a.md", "# A changed")
	h.session("a.md")
	second := h.entry("/a.md")

	assert.Equal(t, first.GUID, second.GUID)
	assert.Equal(t, first.CreatedBatch, second.CreatedBatch)
	assert.NotEqual(t, first.Fingerprint, second.Fingerprint)
	assert.Equal(t, "A changed", second.Title)
}

func TestFinish_CleanSessionDoesNotBumpEpoch(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := t.Context()

	fh, finish, err := h.coord.Begin(ctx, h.blog.ID)
	require.NoError(t, err)
	assert.Equal(t, StateLocked, fh.State())

	require.NoError(t, finish(ctx, nil))
	assert.Equal(t, StateReleased, fh.State())
	assert.Equal(t, int64(0), h.epoch())
}

func TestFinish_ReturnsSyncErrAndIsSingleUse(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := t.Context()
	h.write("a.md", "a")

	fh, finish, err := h.coord.Begin(ctx, h.blog.ID)
	require.NoError(t, err)
	require.NoError(t, fh.Update(ctx, "/a.md"))

	boom := errors.New("remote listing failed")
	assert.Same(t, boom, finish(ctx, boom))

	// Lock released and epoch advanced despite the error.
	assert.Equal(t, int64(1), h.epoch())
	assert.NoFileExists(t, filepath.Join(h.blog.Folder, folderlock.FileName))

	assert.ErrorIs(t, finish(ctx, nil), ErrAlreadyFinished)
	assert.ErrorIs(t, fh.Update(ctx, "/a.md"), ErrSessionClosed)
}

func TestUpdate_MissingFileTombstones(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.write("a.md", "a")
	h.session("/a.md")

	h.remove("a.md")
	h.session("/a.md")

	e := h.entry("/a.md")
	assert.True(t, e.Deleted)
	assert.False(t, e.DeletedAt.IsZero())
}

func TestUpdate_DeletedDirectoryTombstonesSubtree(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.write("posts/a.md", "a")
	h.write("posts/b.md", "b")
	h.write("postscript.md", "c")
	h.session("/posts/a.md", "/posts/b.md", "/postscript.md")

	h.remove("posts")
	h.session("/posts")

	assert.True(t, h.entry("/posts/a.md").Deleted)
	assert.True(t, h.entry("/posts/b.md").Deleted)
	assert.False(t, h.entry("/postscript.md").Deleted)
}

func TestUpdate_FileReplacedByDirectory(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.write("notes", "plain file")
	h.session("/notes")

	h.remove("notes")
	h.write("notes/inner.md", "inner")
	h.session("/notes", "/notes/inner.md")

	assert.True(t, h.entry("/notes").Deleted)
	assert.False(t, h.entry("/notes/inner.md").Deleted)
}

func TestUpdate_MarkerDirectoryEnablesOption(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	require.NoError(t, os.MkdirAll(filepath.Join(h.blog.Folder, "drafts"), 0o755))
	h.session("/drafts")

	b, err := h.store.GetBlog(t.Context(), h.blog.ID)
	require.NoError(t, err)

	v, ok := b.OptionSet("show_drafts")
	assert.True(t, ok)
	assert.True(t, v)
}

func TestUpdate_MarkerRespectsOptOut(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	require.NoError(t, h.store.SetBlogOption(t.Context(), h.blog.ID, "show_drafts", false))
	require.NoError(t, os.MkdirAll(filepath.Join(h.blog.Folder, "Drafts"), 0o755))
	h.session("/Drafts")

	b, err := h.store.GetBlog(t.Context(), h.blog.ID)
	require.NoError(t, err)

	v, ok := b.OptionSet("show_drafts")
	assert.True(t, ok)
	assert.False(t, v)
}

func TestUpdate_NestedMarkerNameIgnored(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	require.NoError(t, os.MkdirAll(filepath.Join(h.blog.Folder, "posts", "Drafts"), 0o755))
	h.session("/posts/Drafts")

	b, err := h.store.GetBlog(t.Context(), h.blog.ID)
	require.NoError(t, err)

	_, ok := b.OptionSet("show_drafts")
	assert.False(t, ok)
}

func TestUpdate_ConvergesWhenFileChangesMidBuild(t *testing.T) {
	t.Parallel()

	var builds atomic.Int32

	var h *harness

	h = newHarness(t, func(cfg *Config) {
		cfg.Builder = builderFunc(func(ctx context.Context, b *blog.Blog, p string, content []byte) (*blog.Entry, error) {
			// A writer rewrites the file while the first build runs.
			if builds.Add(1) == 1 {
				h.write("race.md", "# Second version")
			}

			return blog.MarkdownBuilder{}.Build(ctx, b, p, content)
		})
	})

	h.write("race.md", "# First version")
	h.session("/race.md")

	e := h.entry("/race.md")
	assert.Equal(t, fingerprint.Bytes([]byte("# Second version")), e.Fingerprint)
	assert.Equal(t, "Second version", e.Title)
	assert.Equal(t, int32(2), builds.Load())
}

func TestUpdate_GivesUpAfterMaxIterations(t *testing.T) {
	t.Parallel()

	var (
		n int
		h *harness
	)

	h = newHarness(t, func(cfg *Config) {
		cfg.MaxIterations = 3
		cfg.Builder = builderFunc(func(_ context.Context, _ *blog.Blog, _ string, _ []byte) (*blog.Entry, error) {
			n++
			h.write("hot.md", "version "+string(rune('a'+n)))

			return &blog.Entry{}, nil
		})
	})

	h.write("hot.md", "start")

	ctx := t.Context()
	fh, finish, err := h.coord.Begin(ctx, h.blog.ID)
	require.NoError(t, err)

	err = fh.Update(ctx, "/hot.md")
	require.ErrorIs(t, err, ErrNotConverged)
	assert.Equal(t, 3, n)

	require.NoError(t, finish(ctx, nil))
}

func TestUpdate_BuildErrorIsRecordedNotReturned(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(cfg *Config) {
		cfg.Builder = builderFunc(func(context.Context, *blog.Blog, string, []byte) (*blog.Entry, error) {
			return nil, errors.New("unclosed front matter")
		})
	})

	h.write("bad.md", "---\ntitle")
	h.session("/bad.md")

	e := h.entry("/bad.md")
	assert.Equal(t, "unclosed front matter", e.BuildError)
	assert.Equal(t, fingerprint.Bytes([]byte("---\ntitle")), e.Fingerprint)
}

func TestUpdate_IgnoredPathSkipped(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.write(".DS_Store", "junk")
	h.session("/.DS_Store")

	_, err := h.store.GetEntry(t.Context(), h.blog.ID, "/.DS_Store")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpdate_InvalidatesCacheEveryCall(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.write("a.md", "a")
	h.session("/a.md", "/a.md", "/missing.md")

	// Three updates plus the epoch bump at finish.
	assert.Equal(t, int32(4), h.cache.n.Load())
}

func TestFinish_DetectsRename(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.write("old-name.md", "# Same content")
	h.session("/old-name.md")

	original := h.entry("/old-name.md")

	h.remove("old-name.md")
	h.write("new-name.md", "# Same content")
	h.session("/old-name.md", "/new-name.md")

	renamed := h.entry("/new-name.md")
	assert.Equal(t, original.URL, renamed.URL)
	assert.True(t, original.CreatedAt.Equal(renamed.CreatedAt))
	assert.NotEqual(t, original.GUID, renamed.GUID)
	assert.Equal(t, "/old-name.md", renamed.RenamedFrom)

	old := h.entry("/old-name.md")
	assert.True(t, old.Deleted)
	assert.Equal(t, "/new-name.md", old.RenamedTo)
}

func TestDetectRenames_EmptyFilesNeverMatch(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.write("a.txt", "")
	h.session("/a.txt")

	h.remove("a.txt")
	h.write("b.txt", "")
	h.session("/a.txt", "/b.txt")

	assert.Empty(t, h.entry("/b.txt").RenamedFrom)
	assert.Empty(t, h.entry("/a.txt").RenamedTo)
}

func TestDetectRenames_FirstMatchByPathAndIdempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := t.Context()

	h.write("src.md", "# X")
	h.session("/src.md")

	h.remove("src.md")
	h.write("b.md", "# X")
	h.write("a.md", "# X")

	fh, finish, err := h.coord.Begin(ctx, h.blog.ID)
	require.NoError(t, err)

	for _, p := range []string{"/src.md", "/b.md", "/a.md"} {
		require.NoError(t, fh.Update(ctx, p))
	}

	n, err := h.coord.DetectRenames(ctx, h.blog.ID, fh.BatchID())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = h.coord.DetectRenames(ctx, h.blog.ID, fh.BatchID())
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, finish(ctx, nil))

	assert.Equal(t, "/src.md", h.entry("/a.md").RenamedFrom)
	assert.Empty(t, h.entry("/b.md").RenamedFrom)
}

func TestFinish_RebuildsTemplates(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.tmpl.fail["/Templates/broken"] = true

	for _, d := range []string{"Templates/blog", "Templates/broken", "template-photo", "posts", ".hidden-template-x"} {
		require.NoError(t, os.MkdirAll(filepath.Join(h.blog.Folder, d), 0o755))
	}

	h.session()

	assert.ElementsMatch(t, []string{"/Templates/blog", "/Templates/broken", "/template-photo"}, h.tmpl.dirs)
	assert.NoFileExists(t, filepath.Join(h.blog.Folder, folderlock.FileName))
}

func TestFinish_WaitsForInflightUpdates(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	started := make(chan struct{})

	h := newHarness(t, func(cfg *Config) {
		cfg.Builder = builderFunc(func(ctx context.Context, b *blog.Blog, p string, content []byte) (*blog.Entry, error) {
			close(started)
			<-release

			return blog.MarkdownBuilder{}.Build(ctx, b, p, content)
		})
	})

	h.write("slow.md", "# Slow")

	ctx := t.Context()
	fh, finish, err := h.coord.Begin(ctx, h.blog.ID)
	require.NoError(t, err)

	updateDone := make(chan error, 1)
	go func() { updateDone <- fh.Update(ctx, "/slow.md") }()

	<-started

	finishDone := make(chan error, 1)
	go func() { finishDone <- finish(ctx, nil) }()

	select {
	case <-finishDone:
		t.Fatal("finish returned while an update was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)

	require.NoError(t, <-updateDone)
	require.NoError(t, <-finishDone)

	assert.Equal(t, "Slow", h.entry("/slow.md").Title)
	assert.Equal(t, int64(1), h.epoch())
}

func TestHandle_PublishesStatus(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := t.Context()

	fh, finish, err := h.coord.Begin(ctx, h.blog.ID)
	require.NoError(t, err)

	fh.Status("Syncing posts")
	fh.Log("Imported 3 files")
	require.NoError(t, finish(ctx, nil))

	h.status.mu.Lock()
	defer h.status.mu.Unlock()

	require.Len(t, h.status.msgs, 3)
	assert.Equal(t, KindStatus, h.status.msgs[0].Kind)
	assert.Equal(t, "Syncing posts", h.status.msgs[0].Text)
	assert.Equal(t, KindLog, h.status.msgs[1].Kind)
	assert.Equal(t, KindDone, h.status.msgs[2].Kind)
	assert.Equal(t, fh.BatchID(), h.status.msgs[2].BatchID)
}

func TestSyncedSince(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	before := time.Now().Add(-time.Second)

	assert.False(t, h.coord.SyncedSince(h.blog.ID, before))

	h.session()

	assert.True(t, h.coord.SyncedSince(h.blog.ID, before))
	assert.False(t, h.coord.SyncedSince(h.blog.ID, time.Now().Add(time.Hour)))
	assert.False(t, h.coord.SyncedSince("other", before))
}

func TestState_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "updating", StateUpdating.String())
	assert.Equal(t, "unknown", State(99).String())
}
