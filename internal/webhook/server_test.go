package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/blogsync/internal/blog"
	"github.com/tonimelisma/blogsync/internal/store"
	blogsync "github.com/tonimelisma/blogsync/internal/sync"
)

// testLogWriter adapts testing.T to io.Writer for slog output.
type testLogWriter struct{ t *testing.T }

func (w testLogWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(strings.TrimRight(string(p), "\n"))

	return len(p), nil
}

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(testLogWriter{t: t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

var testSecret = []byte("app-secret")

type fakeBlogs struct {
	blogs []*blog.Blog
}

func (f *fakeBlogs) GetBlog(_ context.Context, id string) (*blog.Blog, error) {
	for _, b := range f.blogs {
		if b.ID == id {
			return b, nil
		}
	}

	return nil, store.ErrNotFound
}

func (f *fakeBlogs) ListBlogs(_ context.Context, client blog.Client) ([]*blog.Blog, error) {
	var out []*blog.Blog

	for _, b := range f.blogs {
		if client == "" || b.Client == client {
			out = append(out, b)
		}
	}

	return out, nil
}

type recordingTrigger struct {
	mu    sync.Mutex
	calls []string
	block chan struct{} // when non-nil, each call waits on it
}

func (r *recordingTrigger) trigger(ctx context.Context, b *blog.Blog) error {
	r.mu.Lock()
	r.calls = append(r.calls, b.ID)
	block := r.block
	r.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
		}
	}

	return nil
}

func (r *recordingTrigger) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]string(nil), r.calls...)
}

func newTestServer(t *testing.T, trig *recordingTrigger) *Server {
	t.Helper()

	blogs := &fakeBlogs{blogs: []*blog.Blog{
		{ID: "b1", Handle: "one", Client: blog.ClientDropbox},
		{ID: "b2", Handle: "two", Client: blog.ClientDropbox, Disabled: true},
		{ID: "b3", Handle: "three", Client: blog.ClientGDrive},
		{ID: "b4", Handle: "four", Client: blog.ClientDropbox},
	}}

	s := New(Config{
		Blogs:     blogs,
		Trigger:   trig.trigger,
		AppSecret: testSecret,
		Logger:    testLogger(t),
	})
	t.Cleanup(s.Close)

	return s
}

func sign(body string) string {
	mac := hmac.New(sha256.New, testSecret)
	mac.Write([]byte(body))

	return hex.EncodeToString(mac.Sum(nil))
}

func notify(t *testing.T, s *Server, body, signature string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/webhook/dropbox", strings.NewReader(body))
	req.Header.Set(SignatureHeader, signature)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	return rec
}

func TestHealth(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, &recordingTrigger{})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestChallenge_Echoed(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, &recordingTrigger{})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhook/dropbox?challenge=abc123", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "abc123", rec.Body.String())
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestChallenge_Missing(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, &recordingTrigger{})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhook/dropbox", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNotification_TriggersEnabledDropboxBlogs(t *testing.T) {
	t.Parallel()

	trig := &recordingTrigger{}
	s := newTestServer(t, trig)

	body := `{"list_folder":{"accounts":["dbid:1"]}}`
	rec := notify(t, s, body, sign(body))

	assert.Equal(t, http.StatusOK, rec.Code)

	s.Wait()
	assert.ElementsMatch(t, []string{"b1", "b4"}, trig.snapshot())
}

func TestNotification_BadSignature(t *testing.T) {
	t.Parallel()

	trig := &recordingTrigger{}
	s := newTestServer(t, trig)

	body := `{"list_folder":{}}`

	assert.Equal(t, http.StatusForbidden, notify(t, s, body, sign("other")).Code)
	assert.Equal(t, http.StatusForbidden, notify(t, s, body, "zz-not-hex").Code)
	assert.Equal(t, http.StatusForbidden, notify(t, s, body, "").Code)

	s.Wait()
	assert.Empty(t, trig.snapshot())
}

func TestNotification_NoSecretRejects(t *testing.T) {
	t.Parallel()

	trig := &recordingTrigger{}
	s := New(Config{Blogs: &fakeBlogs{}, Trigger: trig.trigger, Logger: testLogger(t)})
	t.Cleanup(s.Close)

	body := `{}`
	assert.Equal(t, http.StatusForbidden, notify(t, s, body, sign(body)).Code)
}

func TestNotification_CoalescesWhileRunning(t *testing.T) {
	t.Parallel()

	trig := &recordingTrigger{block: make(chan struct{})}
	blogs := &fakeBlogs{blogs: []*blog.Blog{{ID: "b1", Client: blog.ClientDropbox}}}

	s := New(Config{Blogs: blogs, Trigger: trig.trigger, AppSecret: testSecret, Logger: testLogger(t)})
	t.Cleanup(s.Close)

	body := `{}`
	require.Equal(t, http.StatusOK, notify(t, s, body, sign(body)).Code)

	require.Eventually(t, func() bool { return len(trig.snapshot()) == 1 }, time.Second, time.Millisecond)

	// Three notifications during the run collapse into one follow-up pass.
	for range 3 {
		require.Equal(t, http.StatusOK, notify(t, s, body, sign(body)).Code)
	}

	close(trig.block)
	s.Wait()

	assert.Equal(t, []string{"b1", "b1"}, trig.snapshot())
}

func TestValidSignature(t *testing.T) {
	t.Parallel()

	body := []byte("payload")

	assert.True(t, ValidSignature(testSecret, body, sign("payload")))
	assert.False(t, ValidSignature(testSecret, body, sign("payload2")))
	assert.False(t, ValidSignature(nil, body, sign("payload")))
	assert.False(t, ValidSignature(testSecret, body, ""))
}

func TestStatus_UnknownBlog(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, &recordingTrigger{})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status/nope", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatus_StreamsMessages(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, &recordingTrigger{})

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/status/b1", nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	hub := s.Hub()
	require.Eventually(t, func() bool { return hub.Subscribers("b1") == 1 }, 2*time.Second, 5*time.Millisecond)

	hub.Publish(blogsync.Message{BlogID: "b4", Kind: blogsync.KindStatus, Text: "other blog"})
	hub.Publish(blogsync.Message{BlogID: "b1", BatchID: "batch", Kind: blogsync.KindStatus, Text: "updating /a.md"})
	hub.Publish(blogsync.Message{BlogID: "b1", BatchID: "batch", Kind: blogsync.KindDone, Text: "done"})

	var first, second blogsync.Message
	require.NoError(t, wsjson.Read(ctx, conn, &first))
	require.NoError(t, wsjson.Read(ctx, conn, &second))

	assert.Equal(t, "updating /a.md", first.Text)
	assert.Equal(t, blogsync.KindStatus, first.Kind)
	assert.Equal(t, "batch", first.BatchID)
	assert.Equal(t, blogsync.KindDone, second.Kind)

	conn.Close(websocket.StatusNormalClosure, "")
	require.Eventually(t, func() bool { return hub.Subscribers("b1") == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestHub_CloseDisconnects(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, &recordingTrigger{})

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/status/b1", nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	hub := s.Hub()
	require.Eventually(t, func() bool { return hub.Subscribers("b1") == 1 }, 2*time.Second, 5*time.Millisecond)

	hub.Close()

	var msg blogsync.Message
	err = wsjson.Read(ctx, conn, &msg)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))
	assert.Equal(t, 0, hub.Subscribers("b1"))
}

func TestHub_PublishNeverBlocks(t *testing.T) {
	t.Parallel()

	hub := NewHub(testLogger(t))

	s, ok := hub.subscribe("b1")
	require.True(t, ok)

	var sent atomic.Int32

	done := make(chan struct{})
	go func() {
		defer close(done)

		for range subscriberBuf * 3 {
			hub.Publish(blogsync.Message{BlogID: "b1"})
			sent.Add(1)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}

	assert.Equal(t, int32(subscriberBuf*3), sent.Load())
	assert.Len(t, s.msgs, subscriberBuf)

	hub.unsubscribe(s)
	assert.Equal(t, 0, hub.Subscribers("b1"))
}
