package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"

	"github.com/tonimelisma/blogsync/internal/blog"
	"github.com/tonimelisma/blogsync/internal/ignore"
)

// ErrNothingSucceeded is returned when every attempted operation of a pass
// failed and at least one of them was a deletion.
var ErrNothingSucceeded = errors.New("reconcile: no operation succeeded")

const (
	defaultConcurrency     = 4
	defaultTransferTimeout = 5 * time.Minute
)

// Config configures a Reconciler.
type Config struct {
	Client Client
	State  State

	// Local is the blog folder. Paths on it are slash-rooted relative to the
	// folder, so callers typically pass afero.NewBasePathFs(osFs, folder).
	Local afero.Fs

	// Ignore adds pattern rules on top of ignore.ShouldIgnore. May be nil.
	Ignore *ignore.Matcher

	Policy          Policy
	TransferTimeout time.Duration
	Concurrency     int

	// Notify is called with the slash-rooted path of every local file or
	// directory a remote-to-local pass creates, replaces or deletes. It may
	// be called concurrently. May be nil.
	Notify func(ctx context.Context, path string) error

	Logger *slog.Logger
}

// Reconciler runs reconciliation passes for one backend.
type Reconciler struct {
	cfg Config
}

// New returns a Reconciler, filling zero Config fields with defaults.
func New(cfg Config) *Reconciler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}

	if cfg.TransferTimeout <= 0 {
		cfg.TransferTimeout = defaultTransferTimeout
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Reconciler{cfg: cfg}
}

// ReconcileLocalToRemote makes the remote mirror match the local folder.
func (r *Reconciler) ReconcileLocalToRemote(ctx context.Context, b *blog.Blog, sig *AbortSignal) (*Report, error) {
	return r.run(ctx, b, LocalToRemote, sig)
}

// ReconcileRemoteToLocal makes the local folder match the remote mirror.
func (r *Reconciler) ReconcileRemoteToLocal(ctx context.Context, b *blog.Blog, sig *AbortSignal) (*Report, error) {
	return r.run(ctx, b, RemoteToLocal, sig)
}

// pass carries the state shared by one walk.
type pass struct {
	blog   *blog.Blog
	dir    Direction
	root   Root
	sig    *AbortSignal
	report *Report
	logger *slog.Logger
}

func (r *Reconciler) run(ctx context.Context, b *blog.Blog, dir Direction, sig *AbortSignal) (*Report, error) {
	if sig == nil {
		sig = NewAbortSignal()
	}

	start := time.Now()
	report := &Report{BlogID: b.ID, Backend: r.cfg.Client.Name(), Direction: dir}

	logger := r.cfg.Logger.With(
		slog.String("blog_id", b.ID),
		slog.String("backend", report.Backend),
		slog.String("direction", string(dir)),
	)

	err := r.runPass(ctx, &pass{blog: b, dir: dir, sig: sig, report: report, logger: logger})

	report.Duration = time.Since(start)
	report.Aborted = errors.Is(err, ErrSyncAborted)

	attrs := []any{
		slog.Int("uploads", report.Uploads),
		slog.Int("downloads", report.Downloads),
		slog.Int("deletes", report.Deletes),
		slog.Int("dirs_created", report.DirsCreated),
		slog.Int("placeholders", report.Placeholders),
		slog.Int("identical", report.Identical),
		slog.Int("failures", len(report.Failures)),
		slog.String("transferred", humanize.Bytes(uint64(max(report.Bytes, 0)))),
		slog.Duration("duration", report.Duration),
	}

	switch {
	case report.Aborted:
		logger.Warn("reconciliation aborted", attrs...)
	case err != nil:
		logger.Error("reconciliation failed", append(attrs, slog.String("error", err.Error()))...)
	default:
		logger.Info("reconciliation complete", attrs...)
	}

	return report, err
}

func (r *Reconciler) runPass(ctx context.Context, p *pass) error {
	if err := p.sig.Err(); err != nil {
		return err
	}

	root, err := r.resolveRoot(ctx, p.blog)
	if err != nil {
		return err
	}

	p.root = root

	// The cursor must predate every mutation of this pass so the next
	// incremental sync observes them.
	cursor, err := r.cfg.Client.GetLatestCursor(ctx, root)
	if err != nil {
		return fmt.Errorf("reconcile: fetching cursor: %w", err)
	}

	if err := r.walkRoot(ctx, p); err != nil {
		return err
	}

	if err := p.sig.Err(); err != nil {
		return err
	}

	if p.report.onlyFailedDeletes() {
		return fmt.Errorf("%w: %d failures", ErrNothingSucceeded, len(p.report.Failures))
	}

	if err := r.cfg.State.SaveCursor(ctx, p.blog.ID, r.cfg.Client.Name(), cursor); err != nil {
		return fmt.Errorf("reconcile: saving cursor: %w", err)
	}

	p.report.Cursor = cursor

	return nil
}

// resolveRoot re-resolves an ID-tracked root, persisting its path if the
// folder moved since the last pass.
func (r *Reconciler) resolveRoot(ctx context.Context, b *blog.Blog) (Root, error) {
	root := Root{ID: b.RemoteRootID, Path: b.RemoteRootPath}

	if b.RemoteRootID != "" {
		resolved, err := r.cfg.Client.ResolveRootPath(ctx, b.RemoteRootID)
		if err != nil {
			return Root{}, fmt.Errorf("reconcile: resolving remote root %s: %w", b.RemoteRootID, err)
		}

		if resolved != b.RemoteRootPath {
			r.cfg.Logger.Info("remote root moved",
				slog.String("blog_id", b.ID),
				slog.String("from", b.RemoteRootPath),
				slog.String("to", resolved),
			)

			if err := r.cfg.State.SetRemoteRoot(ctx, b.ID, b.RemoteRootID, resolved); err != nil {
				return Root{}, fmt.Errorf("reconcile: recording remote root: %w", err)
			}
		}

		root.Path = resolved
	}

	if root.Path == "" {
		root.Path = "/"
	}

	return root, nil
}
