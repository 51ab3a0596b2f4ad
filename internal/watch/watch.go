// Package watch turns filesystem events in a blog folder into update
// sessions. Changed paths are collected until the folder has been quiet
// for the debounce interval, then applied in one session.
package watch

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/text/unicode/norm"

	"github.com/tonimelisma/blogsync/internal/blog"
	"github.com/tonimelisma/blogsync/internal/folderlock"
	"github.com/tonimelisma/blogsync/internal/ignore"
	"github.com/tonimelisma/blogsync/internal/sync"
)

const (
	defaultDebounce = 500 * time.Millisecond

	watchErrInitBackoff = 1 * time.Second
	watchErrMaxBackoff  = 30 * time.Second
	watchErrBackoffMult = 2
)

// FsWatcher is the subset of fsnotify.Watcher the loop uses.
type FsWatcher interface {
	Add(name string) error
	Close() error
	Events() <-chan fsnotify.Event
	Errors() <-chan error
}

type fsnotifyWatcher struct {
	w *fsnotify.Watcher
}

func (f fsnotifyWatcher) Add(name string) error         { return f.w.Add(name) }
func (f fsnotifyWatcher) Close() error                  { return f.w.Close() }
func (f fsnotifyWatcher) Events() <-chan fsnotify.Event { return f.w.Events }
func (f fsnotifyWatcher) Errors() <-chan error          { return f.w.Errors }

// NewFsnotifyWatcher returns an FsWatcher backed by fsnotify.
func NewFsnotifyWatcher() (FsWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return fsnotifyWatcher{w: w}, nil
}

// Coordinator opens update sessions. Satisfied by *sync.Coordinator.
type Coordinator interface {
	Begin(ctx context.Context, blogID string) (*sync.FolderHandle, sync.FinishFunc, error)
}

// Config holds the options for New.
type Config struct {
	Coordinator Coordinator
	Debounce    time.Duration
	Ignore      *ignore.Matcher
	NewWatcher  func() (FsWatcher, error) // defaults to NewFsnotifyWatcher
	Logger      *slog.Logger
}

// Watcher watches blog folders.
type Watcher struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a Watcher.
func New(cfg Config) *Watcher {
	if cfg.Debounce <= 0 {
		cfg.Debounce = defaultDebounce
	}

	if cfg.NewWatcher == nil {
		cfg.NewWatcher = NewFsnotifyWatcher
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Watcher{cfg: cfg, logger: cfg.Logger}
}

// Run watches b's folder until ctx is canceled. Every existing file is
// queued at startup so changes made while nothing was watching are applied.
// Paths still pending when ctx ends are dropped.
func (w *Watcher) Run(ctx context.Context, b *blog.Blog) error {
	fw, err := w.cfg.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	l := &loop{
		w:       w,
		fw:      fw,
		blog:    b,
		pending: make(map[string]struct{}),
		logger:  w.logger.With(slog.String("blog_id", b.ID), slog.String("folder", b.Folder)),
	}

	if err := l.addTree(b.Folder); err != nil {
		return err
	}

	l.logger.Info("watching blog folder")

	return l.run(ctx)
}

type loop struct {
	w       *Watcher
	fw      FsWatcher
	blog    *blog.Blog
	pending map[string]struct{}
	logger  *slog.Logger
}

func (l *loop) run(ctx context.Context) error {
	timer := time.NewTimer(l.w.cfg.Debounce)
	if len(l.pending) == 0 {
		timer.Stop()
	}

	defer timer.Stop()

	errBackoff := watchErrInitBackoff

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-l.fw.Events():
			if !ok {
				return nil
			}

			if l.handle(ev) {
				timer.Reset(l.w.cfg.Debounce)
			}

			errBackoff = watchErrInitBackoff

		case watchErr, ok := <-l.fw.Errors():
			if !ok {
				return nil
			}

			l.logger.Warn("filesystem watcher error",
				slog.String("error", watchErr.Error()),
				slog.Duration("backoff", errBackoff),
			)

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(errBackoff):
			}

			errBackoff = min(errBackoff*watchErrBackoffMult, watchErrMaxBackoff)

		case <-timer.C:
			if l.flush(ctx) {
				// Folder busy: keep the paths and try again later.
				timer.Reset(l.w.cfg.Debounce)
			}
		}
	}
}

// handle queues the path an event names and reports whether anything was
// queued.
func (l *loop) handle(ev fsnotify.Event) bool {
	// Mode changes are not content changes.
	if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return false
	}

	rel, ok := l.rel(ev.Name)
	if !ok {
		return false
	}

	l.pending[rel] = struct{}{}

	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			// A directory moved in arrives as one event; queue its contents.
			if err := l.addTree(ev.Name); err != nil {
				l.logger.Warn("failed to watch new directory",
					slog.String("path", rel),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	return true
}

// rel converts an absolute event path to a slash-rooted blog path, or
// reports false for paths outside the folder or ignored.
func (l *loop) rel(abs string) (string, bool) {
	r, err := filepath.Rel(l.blog.Folder, abs)
	if err != nil || r == "." || strings.HasPrefix(r, "..") {
		return "", false
	}

	rel := norm.NFC.String("/" + filepath.ToSlash(r))
	if l.w.cfg.Ignore.ShouldIgnore(rel, false) {
		return "", false
	}

	return rel, true
}

// addTree watches dir and every directory below it, queueing their files.
func (l *loop) addTree(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			// Vanished while walking.
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}

			return err
		}

		if p != l.blog.Folder {
			rel, ok := l.rel(p)
			if !ok {
				if d.IsDir() {
					return filepath.SkipDir
				}

				return nil
			}

			if p != dir {
				l.pending[rel] = struct{}{}
			}
		}

		if d.IsDir() {
			return l.fw.Add(p)
		}

		return nil
	})
}

// flush applies pending paths in one session. It reports true when the
// folder was busy and the paths were kept.
func (l *loop) flush(ctx context.Context) bool {
	if len(l.pending) == 0 {
		return false
	}

	paths := make([]string, 0, len(l.pending))
	for p := range l.pending {
		paths = append(paths, p)
	}

	slices.Sort(paths)

	fh, finish, err := l.w.cfg.Coordinator.Begin(ctx, l.blog.ID)
	if errors.Is(err, folderlock.ErrFolderBusy) {
		l.logger.Info("folder busy, will retry", slog.Int("pending", len(paths)))
		return true
	}

	clear(l.pending)

	if err != nil {
		l.logger.Error("starting sync session", slog.String("error", err.Error()))
		return false
	}

	var errs []error

	for _, p := range paths {
		if err := fh.Update(ctx, p); err != nil {
			l.logger.Warn("update failed", slog.String("path", p), slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	if err := finish(ctx, errors.Join(errs...)); err != nil {
		l.logger.Warn("sync session finished with errors", slog.Int("paths", len(paths)))
	} else {
		l.logger.Info("sync session applied", slog.Int("paths", len(paths)))
	}

	return false
}
