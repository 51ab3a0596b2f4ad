package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/afero"

	"github.com/tonimelisma/blogsync/internal/blog"
	"github.com/tonimelisma/blogsync/internal/folderlock"
	"github.com/tonimelisma/blogsync/internal/reconcile"
)

// newReconciler builds a reconciler over the blog folder for client.
func newReconciler(a *app, b *blog.Blog, client reconcile.Client, notify func(context.Context, string) error) (*reconcile.Reconciler, error) {
	matcher, err := a.ignoreMatcher(b)
	if err != nil {
		return nil, err
	}

	var denied []string
	for _, ext := range a.cfg.Reconcile.DeniedExtensions {
		denied = append(denied, normalizeExt(ext))
	}

	return reconcile.New(reconcile.Config{
		Client: client,
		State:  a.store,
		Local:  afero.NewBasePathFs(afero.NewOsFs(), b.Folder),
		Ignore: matcher,
		Policy: reconcile.Policy{
			MaxSize:          a.cfg.Reconcile.MaxDownloadBytes(),
			DeniedExtensions: denied,
		},
		TransferTimeout: a.cfg.Reconcile.TransferTimeoutDuration(),
		Concurrency:     a.cfg.Reconcile.Concurrency,
		Notify:          notify,
		Logger:          a.logger,
	}), nil
}

// runReconcile runs one pass in direction dir under the blog's folder lock.
//
// A remote-to-local pass runs inside an update session, so every local path
// it writes is fed to the update pipeline and the session's finish step
// (rename detection, template rebuild, cache epoch) runs afterwards. A
// local-to-remote pass only reads the folder and just holds the lock.
func runReconcile(ctx context.Context, a *app, b *blog.Blog, dir reconcile.Direction, sig *reconcile.AbortSignal) (*reconcile.Report, error) {
	client, err := newRemoteClient(ctx, a, b.Client)
	if err != nil {
		return nil, err
	}

	if dir == reconcile.RemoteToLocal {
		h, finish, err := a.coord.Begin(ctx, b.ID)
		if err != nil {
			return nil, err
		}

		rec, err := newReconciler(a, h.Blog(), client, h.Update)
		if err != nil {
			return nil, finish(ctx, err)
		}

		// Losing the lock mid-pass is fatal: no new writes, no cursor.
		stop := sig.AbortOn(h.Lock().Lost(), folderlock.ErrLockLost)
		defer stop()

		h.Status("reconciling from " + client.Name())

		report, err := rec.ReconcileRemoteToLocal(ctx, h.Blog(), sig)

		return report, finish(ctx, err)
	}

	lock, err := a.locker.Acquire(ctx, b.ID, b.Folder)
	if err != nil {
		return nil, fmt.Errorf("locking %s: %w", b.Handle, err)
	}

	defer func() {
		if relErr := lock.Release(); relErr != nil {
			a.logger.Warn("releasing folder lock", slog.String("blog_id", b.ID), slog.String("error", relErr.Error()))
		}
	}()

	stop := sig.AbortOn(lock.Lost(), folderlock.ErrLockLost)
	defer stop()

	rec, err := newReconciler(a, b, client, nil)
	if err != nil {
		return nil, err
	}

	return rec.ReconcileLocalToRemote(ctx, b, sig)
}

// normalizeExt lowercases an extension and gives it a leading dot.
func normalizeExt(ext string) string {
	if ext == "" || ext[0] != '.' {
		ext = "." + ext
	}

	return strings.ToLower(ext)
}
