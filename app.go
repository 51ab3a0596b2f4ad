package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/afero"

	"github.com/tonimelisma/blogsync/internal/blog"
	"github.com/tonimelisma/blogsync/internal/config"
	"github.com/tonimelisma/blogsync/internal/folderlock"
	"github.com/tonimelisma/blogsync/internal/ignore"
	"github.com/tonimelisma/blogsync/internal/store"
	"github.com/tonimelisma/blogsync/internal/sync"
)

const dataDirPermissions = 0o700

// app bundles the long-lived collaborators a command needs.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	store  *store.Store
	locker *folderlock.Locker
	coord  *sync.Coordinator
}

// openApp opens the state database and builds the lock and coordinator from
// cfg. status may be nil.
func openApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, status sync.StatusPublisher) (*app, error) {
	if err := os.MkdirAll(cfg.DataDir, dataDirPermissions); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	st, err := store.Open(ctx, config.StatePath(cfg.DataDir), logger)
	if err != nil {
		return nil, err
	}

	locker := folderlock.New(folderlock.Config{
		StaleAfter:     cfg.Lock.StaleAfterDuration(),
		RenewInterval:  cfg.Lock.RenewIntervalDuration(),
		StartupWindow:  cfg.Lock.StartupWindowDuration(),
		StartupRetries: cfg.Lock.StartupRetries,
		Retries:        cfg.Lock.Retries,
		RetryDelay:     cfg.Lock.RetryDelayDuration(),
		Logger:         logger,
	})

	coord := sync.New(sync.Config{
		Store:          st,
		Locker:         locker,
		Status:         status,
		MarkerDirs:     cfg.Update.MarkerDirs,
		MaxIterations:  cfg.Update.MaxIterations,
		IgnoreFile:     cfg.Ignore.IgnoreFile,
		IgnorePatterns: cfg.Ignore.ExtraPatterns,
		Logger:         logger,
	})

	return &app{cfg: cfg, logger: logger, store: st, locker: locker, coord: coord}, nil
}

// openDefaultApp opens the app from the resolved config and flags.
func openDefaultApp(ctx context.Context) (*app, error) {
	return openApp(ctx, resolvedCfg, buildLogger(), nil)
}

func (a *app) Close() error {
	return a.store.Close()
}

// lookupBlog finds a blog by ID or handle.
func (a *app) lookupBlog(ctx context.Context, ref string) (*blog.Blog, error) {
	b, err := a.store.GetBlog(ctx, ref)
	if err == nil {
		return b, nil
	}

	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	b, err = a.store.GetBlogByHandle(ctx, ref)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("no blog with ID or handle %q", ref)
	}

	return b, err
}

// ignoreMatcher loads the blog's ignore rules.
func (a *app) ignoreMatcher(b *blog.Blog) (*ignore.Matcher, error) {
	fsys := afero.NewBasePathFs(afero.NewOsFs(), b.Folder)

	m, err := ignore.Load(fsys, a.cfg.Ignore.IgnoreFile, a.cfg.Ignore.ExtraPatterns)
	if err != nil {
		return nil, fmt.Errorf("loading ignore rules for %s: %w", b.Handle, err)
	}

	return m, nil
}
