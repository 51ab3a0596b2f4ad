package reconcile

import (
	"path"
	"strings"
)

// Policy decides which remote files are materialized locally as empty
// placeholders instead of being downloaded.
type Policy struct {
	MaxSize          int64    // bytes; 0 means unlimited
	DeniedExtensions []string // lowercase, with leading dot
}

// placeholder reports whether the file must not be downloaded, and why.
func (p Policy) placeholder(name string, size int64) (bool, string) {
	if p.MaxSize > 0 && size > p.MaxSize {
		return true, "too large"
	}

	ext := strings.ToLower(path.Ext(name))
	for _, denied := range p.DeniedExtensions {
		if ext != "" && ext == strings.ToLower(denied) {
			return true, "denied extension"
		}
	}

	return false, ""
}
