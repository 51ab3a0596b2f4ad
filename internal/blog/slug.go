package blog

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// foldAccents strips combining marks so "Café" slugs to "cafe".
var foldAccents = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Slugify converts a title to a URL-safe slug.
func Slugify(s string) string {
	if folded, _, err := transform.String(foldAccents, s); err == nil {
		s = folded
	}

	s = strings.ToLower(strings.TrimSpace(s))

	var b strings.Builder

	prev := false

	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			prev = false
		default:
			if !prev && b.Len() > 0 {
				b.WriteByte('-')
				prev = true
			}
		}
	}

	return strings.TrimRight(b.String(), "-")
}

// SlugPath slugifies each segment of a slash-rooted path, dropping the
// extension of the final segment. Segments that slug to nothing are
// omitted. The result always starts with "/".
func SlugPath(p string) string {
	segments := strings.Split(strings.Trim(p, "/"), "/")
	out := make([]string, 0, len(segments))

	for i, seg := range segments {
		if i == len(segments)-1 {
			if dot := strings.LastIndexByte(seg, '.'); dot > 0 {
				seg = seg[:dot]
			}
		}

		if s := Slugify(seg); s != "" {
			out = append(out, s)
		}
	}

	return "/" + strings.Join(out, "/")
}
