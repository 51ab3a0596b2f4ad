package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/blogsync/internal/config"
	"github.com/tonimelisma/blogsync/internal/mirror"
)

func newMirrorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mirror <blog>",
		Short: "Bootstrap a Git mirror of a blog folder",
		Long: `Create a bare repository for the blog and a working repository in its
folder, then commit and push every file, one commit per file. On any failure
both repositories are removed so the command can be run again.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMirror(cmd.Context(), args[0])
		},
	}
}

// mirrorOutput is the JSON schema for `mirror --json`.
type mirrorOutput struct {
	BlogID   string   `json:"blog_id"`
	BarePath string   `json:"bare_path"`
	Commits  int      `json:"commits"`
	Files    []string `json:"files"`
}

func runMirror(ctx context.Context, ref string) error {
	a, err := openDefaultApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	b, err := a.lookupBlog(ctx, ref)
	if err != nil {
		return err
	}

	if b.Disabled {
		return fmt.Errorf("blog %s is disabled", b.Handle)
	}

	matcher, err := a.ignoreMatcher(b)
	if err != nil {
		return err
	}

	m := mirror.New(mirror.Config{
		GitPath:     a.cfg.Git.GitPath,
		BareDir:     config.BareDir(a.cfg.DataDir, a.cfg.Git.BareDir),
		AuthorName:  a.cfg.Git.AuthorName,
		AuthorEmail: a.cfg.Git.AuthorEmail,
		Ignore:      matcher,
		Logger:      a.logger,
	})

	// The walk must see a stable tree.
	lock, err := a.locker.Acquire(ctx, b.ID, b.Folder)
	if err != nil {
		return fmt.Errorf("locking %s: %w", b.Handle, err)
	}

	defer func() {
		if relErr := lock.Release(); relErr != nil {
			a.logger.Warn("releasing folder lock", slog.String("blog_id", b.ID), slog.String("error", relErr.Error()))
		}
	}()

	res, err := m.Bootstrap(shutdownContext(ctx, a.logger), b)
	if err != nil {
		return err
	}

	if flagJSON {
		return printJSON(os.Stdout, mirrorOutput{BlogID: b.ID, BarePath: res.BarePath, Commits: res.Commits, Files: res.Files})
	}

	statusf("Mirrored %s: %d commit(s) pushed to %s.\n", b.Handle, res.Commits, res.BarePath)

	return nil
}
