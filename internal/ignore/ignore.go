// Package ignore decides which names in a blog folder take no part in
// synchronization: OS metadata, dotfiles and VCS folders, editor temporaries,
// and any gitignore-style patterns the blog owner adds in a .syncignore file.
// The same predicate applies to local and remote listings.
package ignore

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"

	gitignore "github.com/sabhiram/go-gitignore"
	"github.com/spf13/afero"
	"golang.org/x/text/unicode/norm"
)

// DefaultFileName is the per-folder pattern file read by Load.
const DefaultFileName = ".syncignore"

// osMetadataNames are files operating systems drop into folders.
var osMetadataNames = map[string]bool{
	"thumbs.db":                 true,
	"desktop.ini":               true,
	"icon\r":                    true,
	"__macosx":                  true,
	"ehthumbs.db":               true,
	"$recycle.bin":              true,
	"node_modules":              true,
	"system volume information": true,
}

// tempSuffixes mark partial downloads and editor swap files.
var tempSuffixes = []string{
	".partial", ".tmp", ".temp", ".swp", ".swx", ".crdownload", ".part", "~",
}

// tempPrefixes mark editor backups, office lock files (~$doc) and emacs autosaves.
var tempPrefixes = []string{"~", "#"}

// ShouldIgnore reports whether a single path component is excluded by the
// built-in rules. The check is case-insensitive.
func ShouldIgnore(name string) bool {
	if name == "" || name == "." || name == ".." {
		return true
	}

	// Dotfiles and dotfolders, including .git, .svn, .hg and the lock files
	// this program keeps inside blog folders.
	if strings.HasPrefix(name, ".") {
		return true
	}

	lower := strings.ToLower(norm.NFC.String(name))
	if osMetadataNames[lower] {
		return true
	}

	for _, suffix := range tempSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}

	for _, prefix := range tempPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}

	return false
}

// Matcher combines the built-in rules with user patterns.
// A nil *Matcher applies the built-in rules only.
type Matcher struct {
	patterns *gitignore.GitIgnore
	lines    []string
}

// New compiles gitignore-style pattern lines into a Matcher. Blank lines and
// comments are skipped by the pattern compiler.
func New(lines ...string) *Matcher {
	kept := make([]string, 0, len(lines))

	for _, l := range lines {
		if strings.TrimSpace(l) != "" {
			kept = append(kept, l)
		}
	}

	if len(kept) == 0 {
		return &Matcher{}
	}

	return &Matcher{
		patterns: gitignore.CompileIgnoreLines(kept...),
		lines:    kept,
	}
}

// Load reads fileName from the root of fsys (if present) and compiles its
// lines together with extra. A missing file is not an error.
func Load(fsys afero.Fs, fileName string, extra []string) (*Matcher, error) {
	if fileName == "" {
		fileName = DefaultFileName
	}

	lines := append([]string(nil), extra...)

	f, err := fsys.Open("/" + fileName)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return New(lines...), nil
	case err != nil:
		return nil, fmt.Errorf("ignore: opening %s: %w", fileName, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}

	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("ignore: reading %s: %w", fileName, err)
	}

	return New(lines...), nil
}

// Patterns returns the compiled user pattern lines.
func (m *Matcher) Patterns() []string {
	if m == nil {
		return nil
	}

	return append([]string(nil), m.lines...)
}

// ShouldIgnore reports whether the entry at rel (slash-separated, relative to
// the blog folder root) is excluded. Any ignored ancestor component excludes
// the whole subtree.
func (m *Matcher) ShouldIgnore(rel string, isDir bool) bool {
	rel = strings.Trim(path.Clean("/"+rel), "/")
	if rel == "" {
		return false
	}

	for _, comp := range strings.Split(rel, "/") {
		if ShouldIgnore(comp) {
			return true
		}
	}

	if m == nil || m.patterns == nil {
		return false
	}

	if isDir && m.patterns.MatchesPath(rel+"/") {
		return true
	}

	return m.patterns.MatchesPath(rel)
}
