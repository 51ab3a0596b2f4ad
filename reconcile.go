package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/blogsync/internal/blog"
	"github.com/tonimelisma/blogsync/internal/reconcile"
)

// errReconcileFailed is returned after at least one blog's pass failed or
// reported item failures. The details have already been printed.
var errReconcileFailed = errors.New("reconcile: one or more passes failed")

func newReconcileCmd() *cobra.Command {
	var (
		direction string
		yes       bool
	)

	cmd := &cobra.Command{
		Use:   "reconcile [blog]",
		Short: "Mirror a blog folder to or from its remote storage",
		Long: `Walk the whole tree once in one direction. local-to-remote makes the remote
folder match the blog folder; remote-to-local makes the blog folder match the
remote one and updates the blog's entries. Without a blog argument every
enabled Dropbox and Google Drive blog is reconciled.

Ctrl-C stops the pass at its next checkpoint; a second Ctrl-C exits at once.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := reconcile.Direction(direction)
			if dir != reconcile.LocalToRemote && dir != reconcile.RemoteToLocal {
				return fmt.Errorf("--direction must be %s or %s", reconcile.LocalToRemote, reconcile.RemoteToLocal)
			}

			ref := ""
			if len(args) == 1 {
				ref = args[0]
			}

			return runReconcileCmd(cmd.Context(), ref, dir, yes)
		},
	}

	cmd.Flags().StringVar(&direction, "direction", string(reconcile.RemoteToLocal),
		"local-to-remote or remote-to-local")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask before reconciling every blog")

	return cmd
}

func runReconcileCmd(ctx context.Context, ref string, dir reconcile.Direction, yes bool) error {
	a, err := openDefaultApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	blogs, err := reconcileTargets(ctx, a, ref)
	if err != nil {
		return err
	}

	if len(blogs) == 0 {
		statusf("No Dropbox or Google Drive blogs to reconcile.\n")
		return nil
	}

	if ref == "" && !yes {
		ok, err := confirm(os.Stdin, os.Stderr, isatty.IsTerminal(os.Stdin.Fd()),
			fmt.Sprintf("Reconcile %d blog(s) %s?", len(blogs), dir))
		if err != nil {
			return err
		}

		if !ok {
			statusf("Canceled.\n")
			return nil
		}
	}

	sig := reconcile.NewAbortSignal()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	abortOnSignal(ctx, sig, a.logger)

	var (
		reports []*reconcile.Report
		failed  bool
	)

	for _, b := range blogs {
		if sig.Aborted() {
			break
		}

		report, err := runReconcile(ctx, a, b, dir, sig)
		if err != nil {
			failed = true

			a.logger.Error("reconcile failed", slog.String("blog_id", b.ID), slog.String("error", err.Error()))

			if !flagJSON {
				fmt.Fprintf(os.Stderr, "%s: %v\n", b.Handle, err)
			}
		}

		if report == nil {
			continue
		}

		if report.Failed() {
			failed = true
		}

		reports = append(reports, report)

		if !flagJSON {
			printReport(os.Stdout, b, report)
		}
	}

	if flagJSON {
		if err := printJSON(os.Stdout, reports); err != nil {
			return err
		}
	}

	if failed || sig.Aborted() {
		return errReconcileFailed
	}

	return nil
}

// reconcileTargets returns the named blog, or every enabled blog with a
// remote storage provider.
func reconcileTargets(ctx context.Context, a *app, ref string) ([]*blog.Blog, error) {
	if ref != "" {
		b, err := a.lookupBlog(ctx, ref)
		if err != nil {
			return nil, err
		}

		if b.Disabled {
			return nil, fmt.Errorf("blog %s is disabled", b.Handle)
		}

		if _, err := providerConfig(a.cfg, b.Client); err != nil {
			return nil, err
		}

		return []*blog.Blog{b}, nil
	}

	var out []*blog.Blog

	for _, client := range []blog.Client{blog.ClientDropbox, blog.ClientGDrive} {
		blogs, err := a.store.ListBlogs(ctx, client)
		if err != nil {
			return nil, err
		}

		for _, b := range blogs {
			if !b.Disabled {
				out = append(out, b)
			}
		}
	}

	return out, nil
}

// confirm asks a yes/no question. Without a terminal there is nobody to
// answer, so it refuses.
func confirm(in io.Reader, out io.Writer, terminal bool, question string) (bool, error) {
	if !terminal {
		return false, errors.New("refusing to reconcile every blog without a terminal; pass --yes")
	}

	fmt.Fprintf(out, "%s [y/N] ", question)

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("reading answer: %w", err)
	}

	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

func printReport(w io.Writer, b *blog.Blog, r *reconcile.Report) {
	state := "ok"

	switch {
	case r.Aborted:
		state = "aborted"
	case len(r.Failures) > 0:
		state = fmt.Sprintf("%d failure(s)", len(r.Failures))
	}

	fmt.Fprintf(w, "%s [%s, %s]: %s\n", b.Handle, r.Backend, r.Direction, state)
	fmt.Fprintf(w, "  uploads %d, downloads %d, deletes %d, dirs %d, placeholders %d, identical %d\n",
		r.Uploads, r.Downloads, r.Deletes, r.DirsCreated, r.Placeholders, r.Identical)
	fmt.Fprintf(w, "  transferred %s in %s\n", formatSize(r.Bytes), r.Duration.Round(time.Millisecond))

	for _, f := range r.Failures {
		fmt.Fprintf(w, "  %s %s: %v\n", f.Op, f.Path, f.Err)
	}
}
