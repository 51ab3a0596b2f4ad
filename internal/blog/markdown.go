package blog

import (
	"bufio"
	"bytes"
	"context"
	"net/url"
	"path"
	"strings"
)

// draftsDir is the top-level folder whose files are published as drafts.
const draftsDir = "drafts"

// textExtensions are built as posts; everything else is published as a
// static file at its own path.
var textExtensions = map[string]bool{
	".md":       true,
	".markdown": true,
	".txt":      true,
	".html":     true,
	".htm":      true,
}

// MarkdownBuilder is the default Builder. Text files become posts with a
// title taken from a "Title:" metadata line or the first heading, falling
// back to the file name. Other files are served as-is.
type MarkdownBuilder struct{}

// Build implements Builder.
func (MarkdownBuilder) Build(_ context.Context, _ *Blog, p string, content []byte) (*Entry, error) {
	e := &Entry{
		Path:  p,
		Draft: isDraft(p),
	}

	if !textExtensions[strings.ToLower(path.Ext(p))] {
		e.Title = path.Base(p)
		e.URL = (&url.URL{Path: p}).EscapedPath()

		return e, nil
	}

	e.Title = extractTitle(content)
	if e.Title == "" {
		e.Title = titleFromName(p)
	}

	e.URL = SlugPath(p)
	if e.Draft {
		e.URL = "/draft/view" + strings.TrimPrefix(e.URL, "/"+draftsDir)
	}

	return e, nil
}

func isDraft(p string) bool {
	first, _, _ := strings.Cut(strings.TrimPrefix(p, "/"), "/")
	return strings.EqualFold(first, draftsDir) && strings.Count(strings.Trim(p, "/"), "/") > 0
}

// extractTitle scans leading metadata and the first heading.
func extractTitle(content []byte) string {
	sc := bufio.NewScanner(bytes.NewReader(content))

	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		if key, value, ok := strings.Cut(line, ":"); ok && strings.EqualFold(strings.TrimSpace(key), "title") {
			return strings.TrimSpace(value)
		}

		if strings.HasPrefix(line, "#") {
			return strings.TrimSpace(strings.TrimLeft(line, "#"))
		}

		// Body text before any heading: no explicit title.
		if !strings.Contains(line, ":") {
			return ""
		}
	}

	return ""
}

func titleFromName(p string) string {
	name := path.Base(p)
	name = strings.TrimSuffix(name, path.Ext(name))
	name = strings.NewReplacer("-", " ", "_", " ").Replace(name)

	return strings.TrimSpace(name)
}
