package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/blogsync/internal/blog"
	"github.com/tonimelisma/blogsync/internal/watch"
)

func newUpdateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "update <blog> <path>...",
		Short: "Apply changed paths to a blog's entries",
		Long: `Run one update session: take the blog's folder lock, converge each path's
entry with the file's current content, then resolve renames, rebuild
templates and advance the cache epoch. Paths may be absolute or relative to
the blog folder.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUpdate(cmd.Context(), args[0], args[1:])
		},
	}
}

func runUpdate(ctx context.Context, ref string, paths []string) error {
	a, err := openDefaultApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	b, err := a.lookupBlog(ctx, ref)
	if err != nil {
		return err
	}

	rels := make([]string, 0, len(paths))

	for _, p := range paths {
		rel, err := blogRelative(b, p)
		if err != nil {
			return err
		}

		rels = append(rels, rel)
	}

	h, finish, err := a.coord.Begin(ctx, b.ID)
	if err != nil {
		return err
	}

	var errs []error

	for _, rel := range rels {
		if err := h.Update(ctx, rel); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", rel, err))
		}
	}

	if err := finish(ctx, errors.Join(errs...)); err != nil {
		return err
	}

	a.logger.Info("update complete", slog.String("blog_id", b.ID), slog.Int("paths", len(rels)))
	statusf("Updated %d path(s) in %s.\n", len(rels), b.Handle)

	return nil
}

// blogRelative maps a path given on the command line to the slash-rooted
// form the pipeline takes. Absolute paths must lie inside the blog folder.
func blogRelative(b *blog.Blog, p string) (string, error) {
	if !filepath.IsAbs(p) {
		if strings.HasPrefix(p, "/") {
			return p, nil
		}

		return "/" + filepath.ToSlash(filepath.Clean(p)), nil
	}

	rel, err := filepath.Rel(b.Folder, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is outside blog folder %s", p, b.Folder)
	}

	if rel == "." {
		return "/", nil
	}

	return "/" + filepath.ToSlash(rel), nil
}

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <blog>",
		Short: "Watch a blog folder and apply changes as they happen",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd.Context(), args[0])
		},
	}
}

func runWatch(ctx context.Context, ref string) error {
	a, err := openDefaultApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	b, err := a.lookupBlog(ctx, ref)
	if err != nil {
		return err
	}

	cleanup, err := writePIDFile(pidPath(a.cfg.DataDir, "watch-"+b.ID))
	if err != nil {
		return fmt.Errorf("watch %s: %w", b.Handle, err)
	}
	defer cleanup()

	matcher, err := a.ignoreMatcher(b)
	if err != nil {
		return err
	}

	w := watch.New(watch.Config{
		Coordinator: a.coord,
		Debounce:    a.cfg.Update.WatchDebounceDuration(),
		Ignore:      matcher,
		Logger:      a.logger,
	})

	statusf("Watching %s (%s). Press Ctrl-C to stop.\n", b.Handle, b.Folder)

	return w.Run(shutdownContext(ctx, a.logger), b)
}
