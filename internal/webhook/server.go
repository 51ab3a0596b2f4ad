// Package webhook serves the HTTP endpoints that drive sync from outside the
// process: the Dropbox change webhook, a websocket stream of session status
// per blog, and a health check.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/tonimelisma/blogsync/internal/blog"
	"github.com/tonimelisma/blogsync/internal/store"
)

// SignatureHeader carries the hex HMAC-SHA256 of a Dropbox webhook body.
const SignatureHeader = "X-Dropbox-Signature"

const (
	maxBodyBytes    = 1 << 20
	shutdownTimeout = 10 * time.Second
)

// Blogs looks up blogs. Satisfied by *store.Store.
type Blogs interface {
	GetBlog(ctx context.Context, id string) (*blog.Blog, error)
	ListBlogs(ctx context.Context, client blog.Client) ([]*blog.Blog, error)
}

// TriggerFunc runs one remote-to-local reconciliation of a blog. It is
// responsible for taking the blog's folder lock.
type TriggerFunc func(ctx context.Context, b *blog.Blog) error

// Config holds the options for New.
type Config struct {
	Blogs   Blogs
	Trigger TriggerFunc
	Hub     *Hub

	// AppSecret signs Dropbox webhook bodies. An empty secret rejects every
	// notification.
	AppSecret []byte

	Logger *slog.Logger
}

// Server is the webhook and status HTTP server.
type Server struct {
	cfg    Config
	echo   *echo.Echo
	logger *slog.Logger

	// Reconciliations outlive the request that triggered them.
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu   sync.Mutex
	runs map[string]*run // blog ID -> in-progress reconciliation
}

// run tracks one blog's reconciliation. A notification that arrives while
// it is in progress sets again, and the run repeats once when it finishes.
type run struct {
	again bool
}

// New builds a Server and registers its routes.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if cfg.Hub == nil {
		cfg.Hub = NewHub(cfg.Logger)
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		cfg:     cfg,
		logger:  cfg.Logger,
		baseCtx: ctx,
		cancel:  cancel,
		runs:    make(map[string]*run),
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:   true,
		LogURI:      true,
		LogMethod:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogRemoteIP: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
				slog.String("remote_ip", v.RemoteIP),
			}

			if v.Error != nil {
				s.logger.Warn("http request failed", append(attrs, slog.String("error", v.Error.Error()))...)
				return nil
			}

			s.logger.Debug("http request", attrs...)

			return nil
		},
	}))

	e.Use(middleware.Recover())

	e.GET("/healthz", s.handleHealth)
	e.GET("/webhook/dropbox", s.handleChallenge)
	e.POST("/webhook/dropbox", s.handleNotification)
	e.GET("/status/:blog", s.handleStatus)

	s.echo = e

	return s
}

// Handler returns the server's routes, for mounting or testing.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Hub returns the status hub sessions should publish to.
func (s *Server) Hub() *Hub {
	return s.cfg.Hub
}

// Run serves on addr until ctx is canceled, then shuts down, disconnects
// status subscribers, and waits for running reconciliations to return.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("server listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return fmt.Errorf("webhook: serving %s: %w", addr, err)

	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	s.cfg.Hub.Close()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("server shutdown incomplete", slog.String("error", err.Error()))
	}

	s.Close()

	return nil
}

// Close cancels running reconciliations and waits for them to return.
func (s *Server) Close() {
	s.cancel()
	s.wg.Wait()
}

// Wait blocks until no reconciliation is running. Used by tests.
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// handleChallenge answers Dropbox's endpoint verification by echoing the
// challenge parameter.
func (s *Server) handleChallenge(c echo.Context) error {
	challenge := c.QueryParam("challenge")
	if challenge == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing challenge")
	}

	c.Response().Header().Set("X-Content-Type-Options", "nosniff")

	return c.String(http.StatusOK, challenge)
}

// handleNotification verifies a change notification and starts a
// reconciliation of every enabled Dropbox blog. It responds before any
// reconciliation finishes.
func (s *Server) handleNotification(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBodyBytes))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "reading body")
	}

	if !ValidSignature(s.cfg.AppSecret, body, c.Request().Header.Get(SignatureHeader)) {
		return echo.NewHTTPError(http.StatusForbidden, "invalid signature")
	}

	blogs, err := s.cfg.Blogs.ListBlogs(c.Request().Context(), blog.ClientDropbox)
	if err != nil {
		return fmt.Errorf("webhook: listing dropbox blogs: %w", err)
	}

	started := 0

	for _, b := range blogs {
		if b.Disabled {
			continue
		}

		if s.schedule(b) {
			started++
		}
	}

	s.logger.Info("dropbox notification",
		slog.Int("blogs", len(blogs)),
		slog.Int("started", started),
	)

	return c.NoContent(http.StatusOK)
}

// schedule starts a reconciliation of b unless one is already running, in
// which case that run repeats once more when it finishes. Reports whether a
// new run started.
func (s *Server) schedule(b *blog.Blog) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.runs[b.ID]; ok {
		r.again = true
		return false
	}

	s.runs[b.ID] = &run{}
	s.wg.Add(1)

	go s.reconcileLoop(b)

	return true
}

func (s *Server) reconcileLoop(b *blog.Blog) {
	defer s.wg.Done()

	for {
		if err := s.cfg.Trigger(s.baseCtx, b); err != nil {
			s.logger.Error("webhook reconciliation failed",
				slog.String("blog_id", b.ID),
				slog.String("error", err.Error()),
			)
		}

		s.mu.Lock()
		r := s.runs[b.ID]

		if !r.again || s.baseCtx.Err() != nil {
			delete(s.runs, b.ID)
			s.mu.Unlock()

			return
		}

		r.again = false
		s.mu.Unlock()
	}
}

// handleStatus upgrades to a websocket and streams the blog's session
// status messages as JSON.
func (s *Server) handleStatus(c echo.Context) error {
	id := c.Param("blog")

	if _, err := s.cfg.Blogs.GetBlog(c.Request().Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "unknown blog")
		}

		return fmt.Errorf("webhook: looking up blog %s: %w", id, err)
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), nil)
	if err != nil {
		// Accept has already written the error response.
		return nil
	}

	// The connection is hijacked; errors can no longer reach the client.
	_ = s.cfg.Hub.serve(c.Request().Context(), conn, id)

	return nil
}

// ValidSignature reports whether signature is the hex HMAC-SHA256 of body
// under secret. An empty secret never validates.
func ValidSignature(secret, body []byte, signature string) bool {
	if len(secret) == 0 || signature == "" {
		return false
	}

	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(body)

	return hmac.Equal(got, mac.Sum(nil))
}
