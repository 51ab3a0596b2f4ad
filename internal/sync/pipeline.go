package sync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"golang.org/x/text/unicode/norm"

	"github.com/tonimelisma/blogsync/internal/blog"
	"github.com/tonimelisma/blogsync/internal/fingerprint"
	"github.com/tonimelisma/blogsync/internal/store"
)

// cleanPath returns p as a slash-rooted, NFC-normalized path.
func cleanPath(p string) string {
	return norm.NFC.String(path.Clean("/" + filepath.ToSlash(p)))
}

// update runs the convergence loop for one path: fingerprint, apply the
// branch for what is on disk, fingerprint again, and repeat while the two
// differ. Build and persist failures are logged; only an unreadable
// filesystem, cancellation, or exceeding the iteration cap is returned.
// Downstream caches are invalidated on every return.
func (c *Coordinator) update(ctx context.Context, h *FolderHandle, p string) error {
	p = cleanPath(p)
	if p == "/" {
		return nil
	}

	defer c.invalidate(h.blog.ID)

	if h.ignore.ShouldIgnore(p, false) {
		h.logger.Debug("update skipped, path ignored", slog.String("path", p))
		return nil
	}

	abs := filepath.Join(h.blog.Folder, filepath.FromSlash(p))

	for iter := 1; ; iter++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("sync: updating %s: %w", p, err)
		}

		if c.cfg.MaxIterations > 0 && iter > c.cfg.MaxIterations {
			return fmt.Errorf("%w: %s after %d attempts", ErrNotConverged, p, c.cfg.MaxIterations)
		}

		before, err := fingerprint.File(c.fs, abs)
		if err != nil {
			return fmt.Errorf("sync: updating %s: %w", p, err)
		}

		switch before {
		case fingerprint.Missing:
			c.applyMissing(ctx, h, p)
		case fingerprint.Directory:
			c.applyDirectory(ctx, h, p)
		default:
			if err := c.applyFile(ctx, h, p, abs); err != nil {
				return err
			}
		}

		after, err := fingerprint.File(c.fs, abs)
		if err != nil {
			return fmt.Errorf("sync: updating %s: %w", p, err)
		}

		if before == after {
			if iter > 1 {
				h.logger.Debug("update converged",
					slog.String("path", p),
					slog.Int("iterations", iter),
				)
			}

			return nil
		}

		h.logger.Debug("file changed during update, retrying",
			slog.String("path", p),
			slog.Int("iteration", iter),
		)
	}
}

// applyMissing tombstones the entry at p and, if p was a directory,
// everything beneath it.
func (c *Coordinator) applyMissing(ctx context.Context, h *FolderHandle, p string) {
	n, err := c.cfg.Store.TombstoneEntries(ctx, h.blog.ID, p, h.batchID, c.nowFunc())
	if err != nil {
		h.logger.Error("tombstoning entries", slog.String("path", p), slog.String("error", err.Error()))
		return
	}

	if n > 0 {
		h.logger.Info("entries deleted", slog.String("path", p), slog.Int64("count", n))
	}
}

// applyDirectory tombstones a file entry the directory replaced, then runs
// the marker-directory policy.
func (c *Coordinator) applyDirectory(ctx context.Context, h *FolderHandle, p string) {
	existing, err := c.cfg.Store.GetEntry(ctx, h.blog.ID, p)

	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		h.logger.Error("loading entry", slog.String("path", p), slog.String("error", err.Error()))
	case !existing.Deleted:
		now := c.nowFunc()
		existing.Deleted = true
		existing.DeletedAt = now
		existing.DeletedBatch = h.batchID
		existing.BatchID = h.batchID
		existing.UpdatedAt = now

		if err := c.cfg.Store.UpsertEntry(ctx, existing); err != nil {
			h.logger.Error("tombstoning replaced file", slog.String("path", p), slog.String("error", err.Error()))
		}
	}

	c.applyMarker(ctx, h, p)
}

// applyMarker enables the option mapped to a top-level marker directory,
// unless the blog records an explicit choice for it.
func (c *Coordinator) applyMarker(ctx context.Context, h *FolderHandle, p string) {
	if path.Dir(p) != "/" {
		return
	}

	var option string

	for dir, opt := range c.cfg.MarkerDirs {
		if strings.EqualFold(dir, path.Base(p)) {
			option = opt
			break
		}
	}

	if option == "" {
		return
	}

	if _, decided := h.blog.OptionSet(option); decided {
		return
	}

	if err := c.cfg.Store.SetBlogOption(ctx, h.blog.ID, option, true); err != nil {
		h.logger.Error("enabling option", slog.String("option", option), slog.String("error", err.Error()))
		return
	}

	if h.blog.Options == nil {
		h.blog.Options = make(map[string]bool)
	}

	h.blog.Options[option] = true
	h.logger.Info("option enabled by marker directory",
		slog.String("option", option),
		slog.String("path", p),
	)
}

// applyFile builds and persists the entry for the file at p. The stored
// fingerprint is that of the bytes actually built.
func (c *Coordinator) applyFile(ctx context.Context, h *FolderHandle, p, abs string) error {
	content, err := afero.ReadFile(c.fs, abs)
	if errors.Is(err, fs.ErrNotExist) {
		// Removed since the fingerprint; the re-check will notice.
		return nil
	}

	if err != nil {
		return fmt.Errorf("sync: reading %s: %w", p, err)
	}

	fp := fingerprint.Bytes(content)

	existing, err := c.cfg.Store.GetEntry(ctx, h.blog.ID, p)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		h.logger.Error("loading entry", slog.String("path", p), slog.String("error", err.Error()))
		return nil
	}

	if existing != nil && !existing.Deleted && existing.Fingerprint == fp && existing.BuildError == "" {
		return nil
	}

	now := c.nowFunc()
	e := c.nextEntry(h, p, existing, now)
	e.Fingerprint = fp
	e.Size = int64(len(content))

	built, buildErr := c.cfg.Builder.Build(ctx, h.blog, p, content)
	if buildErr != nil {
		e.BuildError = buildErr.Error()
		h.logger.Warn("build failed",
			slog.String("path", p),
			slog.String("error", buildErr.Error()),
		)
	} else if built != nil {
		e.URL = built.URL
		e.Title = built.Title
		e.Draft = built.Draft
	}

	if err := c.cfg.Store.UpsertEntry(ctx, e); err != nil {
		h.logger.Error("persisting entry", slog.String("path", p), slog.String("error", err.Error()))
		return nil
	}

	h.logger.Debug("entry updated",
		slog.String("path", p),
		slog.String("url", e.URL),
		slog.Bool("new", e.CreatedBatch == h.batchID),
	)

	return nil
}

// nextEntry returns the record to write for p. A live entry keeps its
// identity and creation batch. A new or restored entry is stamped with this
// batch so rename detection can consider it.
func (c *Coordinator) nextEntry(h *FolderHandle, p string, existing *blog.Entry, now time.Time) *blog.Entry {
	if existing != nil && !existing.Deleted {
		e := *existing
		e.UpdatedAt = now
		e.BatchID = h.batchID
		e.BuildError = ""

		return &e
	}

	e := &blog.Entry{
		BlogID:       h.blog.ID,
		Path:         p,
		GUID:         uuid.NewString(),
		CreatedAt:    now,
		UpdatedAt:    now,
		BatchID:      h.batchID,
		CreatedBatch: h.batchID,
	}

	if existing != nil {
		// Restored at the same path: same identity and permalink.
		e.GUID = existing.GUID
		e.URL = existing.URL
		e.CreatedAt = existing.CreatedAt
	}

	return e
}
