// Package mirror bootstraps a Git mirror of a blog folder: a bare
// repository under the data directory and a working repository in the
// folder itself, seeded with one commit and push per file.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/tonimelisma/blogsync/internal/blog"
	"github.com/tonimelisma/blogsync/internal/ignore"
)

const (
	branch        = "main"
	remoteName    = "origin"
	emptyMessage  = "Initial commit"
	defaultAuthor = "blogsync"
)

// ErrAlreadyBootstrapped is returned when the blog already has a working
// repository or a bare mirror.
var ErrAlreadyBootstrapped = errors.New("mirror: already bootstrapped")

// Runner executes git with args in dir and returns combined output.
type Runner func(ctx context.Context, dir string, args ...string) ([]byte, error)

// Config configures a Mirror.
type Config struct {
	GitPath     string
	BareDir     string // parent directory of bare repositories
	AuthorName  string
	AuthorEmail string
	Ignore      *ignore.Matcher
	Logger      *slog.Logger

	// Run overrides command execution. Nil runs GitPath.
	Run Runner
}

// Result summarizes a bootstrap.
type Result struct {
	BarePath string
	Commits  int
	Files    []string
}

// Mirror creates Git mirrors.
type Mirror struct {
	cfg Config
	run Runner
}

// New creates a Mirror.
func New(cfg Config) *Mirror {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if cfg.GitPath == "" {
		cfg.GitPath = "git"
	}

	if cfg.AuthorName == "" {
		cfg.AuthorName = defaultAuthor
	}

	m := &Mirror{cfg: cfg, run: cfg.Run}
	if m.run == nil {
		m.run = m.exec
	}

	return m
}

// BarePath returns the bare repository location for a blog.
func (m *Mirror) BarePath(b *blog.Blog) string {
	return filepath.Join(m.cfg.BareDir, b.ID+".git")
}

func (m *Mirror) exec(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, m.cfg.GitPath, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME="+m.cfg.AuthorName,
		"GIT_AUTHOR_EMAIL="+m.cfg.AuthorEmail,
		"GIT_COMMITTER_NAME="+m.cfg.AuthorName,
		"GIT_COMMITTER_EMAIL="+m.cfg.AuthorEmail,
		"GIT_TERMINAL_PROMPT=0",
	)

	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("git %s failed: %w\n%s", strings.Join(args, " "), err, string(out))
	}

	return out, nil
}

// Bootstrap creates the bare and working repositories for b and pushes one
// commit per file found by a depth-first walk of the folder. An empty tree
// gets a single empty commit. Any failure removes both repositories.
// The caller must hold the blog's folder lock.
func (m *Mirror) Bootstrap(ctx context.Context, b *blog.Blog) (res *Result, err error) {
	bare := m.BarePath(b)
	work := filepath.Join(b.Folder, ".git")

	for _, p := range []string{bare, work} {
		if _, statErr := os.Stat(p); statErr == nil {
			return nil, fmt.Errorf("%w: %s exists", ErrAlreadyBootstrapped, p)
		}
	}

	if err := os.MkdirAll(m.cfg.BareDir, 0o700); err != nil {
		return nil, fmt.Errorf("mirror: creating %s: %w", m.cfg.BareDir, err)
	}

	defer func() {
		if err == nil {
			return
		}

		m.cfg.Logger.Warn("bootstrap failed, removing partial repositories",
			slog.String("blog_id", b.ID),
			slog.String("error", err.Error()),
		)

		_ = os.RemoveAll(bare)
		_ = os.RemoveAll(work)
	}()

	if err := m.init(ctx, b.Folder, bare); err != nil {
		return nil, err
	}

	files, err := m.files(b.Folder)
	if err != nil {
		return nil, err
	}

	res = &Result{BarePath: bare, Files: files}

	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("mirror: bootstrap canceled: %w", err)
		}

		if err := m.commitFile(ctx, b.Folder, rel); err != nil {
			return nil, err
		}

		res.Commits++
	}

	if len(files) == 0 {
		if _, err := m.run(ctx, b.Folder, "commit", "--allow-empty", "-m", emptyMessage); err != nil {
			return nil, fmt.Errorf("mirror: empty commit: %w", err)
		}

		if err := m.push(ctx, b.Folder); err != nil {
			return nil, err
		}

		res.Commits = 1
	}

	m.cfg.Logger.Info("git mirror bootstrapped",
		slog.String("blog_id", b.ID),
		slog.String("bare", bare),
		slog.Int("commits", res.Commits),
	)

	return res, nil
}

func (m *Mirror) init(ctx context.Context, folder, bare string) error {
	steps := []struct {
		dir  string
		args []string
	}{
		{m.cfg.BareDir, []string{"init", "--bare", bare}},
		{bare, []string{"symbolic-ref", "HEAD", "refs/heads/" + branch}},
		{folder, []string{"init"}},
		{folder, []string{"symbolic-ref", "HEAD", "refs/heads/" + branch}},
		{folder, []string{"remote", "add", remoteName, bare}},
	}

	for _, s := range steps {
		if _, err := m.run(ctx, s.dir, s.args...); err != nil {
			return fmt.Errorf("mirror: initializing repositories: %w", err)
		}
	}

	return nil
}

func (m *Mirror) commitFile(ctx context.Context, folder, rel string) error {
	if _, err := m.run(ctx, folder, "add", "--", rel); err != nil {
		return fmt.Errorf("mirror: adding %s: %w", rel, err)
	}

	if _, err := m.run(ctx, folder, "commit", "-m", "Add "+rel, "--", rel); err != nil {
		return fmt.Errorf("mirror: committing %s: %w", rel, err)
	}

	return m.push(ctx, folder)
}

func (m *Mirror) push(ctx context.Context, folder string) error {
	if _, err := m.run(ctx, folder, "push", remoteName, "HEAD:refs/heads/"+branch); err != nil {
		return fmt.Errorf("mirror: pushing: %w", err)
	}

	return nil
}

// files lists regular files depth-first in lexical order, as slash paths
// relative to root. Ignored names and the .git directory are skipped.
func (m *Mirror) files(root string) ([]string, error) {
	var out []string

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if p == root {
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}

		rel = filepath.ToSlash(rel)

		if ignore.ShouldIgnore(d.Name()) || m.cfg.Ignore.ShouldIgnore(rel, d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}

			return nil
		}

		if d.Type().IsRegular() {
			out = append(out, rel)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("mirror: walking %s: %w", root, err)
	}

	return out, nil
}
