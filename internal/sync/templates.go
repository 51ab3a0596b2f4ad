package sync

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/tonimelisma/blogsync/internal/ignore"
)

const (
	templatesDir   = "Templates"
	templatePrefix = "template-"
)

// templateDirs finds template directories in folder: each subdirectory of
// a top-level Templates directory, and each top-level directory named with
// the template- prefix. Results are slash-rooted and sorted.
func templateDirs(fsys afero.Fs, folder string) ([]string, error) {
	top, err := afero.ReadDir(fsys, folder)
	if err != nil {
		return nil, err
	}

	var dirs []string

	for _, fi := range top {
		if !fi.IsDir() || ignore.ShouldIgnore(fi.Name()) {
			continue
		}

		name := fi.Name()

		switch {
		case strings.EqualFold(name, templatesDir):
			inner, err := afero.ReadDir(fsys, filepath.Join(folder, name))
			if err != nil {
				return nil, err
			}

			for _, t := range inner {
				if t.IsDir() && !ignore.ShouldIgnore(t.Name()) {
					dirs = append(dirs, "/"+name+"/"+t.Name())
				}
			}
		case strings.HasPrefix(strings.ToLower(name), templatePrefix):
			dirs = append(dirs, "/"+name)
		}
	}

	return dirs, nil
}

// rebuildTemplates hands every template directory to the TemplateBuilder.
// Failures are logged and do not stop the remaining templates.
func (c *Coordinator) rebuildTemplates(ctx context.Context, h *FolderHandle) {
	if c.cfg.Templates == nil {
		return
	}

	dirs, err := templateDirs(c.fs, h.blog.Folder)
	if err != nil {
		h.logger.Warn("scanning for templates", slog.String("error", err.Error()))
		return
	}

	for _, dir := range dirs {
		if err := c.cfg.Templates.BuildTemplate(ctx, h.blog, dir); err != nil {
			h.logger.Warn("template build failed",
				slog.String("template", dir),
				slog.String("error", err.Error()),
			)

			continue
		}

		h.logger.Debug("template rebuilt", slog.String("template", dir))
	}
}
