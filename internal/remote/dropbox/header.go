package dropbox

import (
	"fmt"
	"strings"
	"unicode/utf16"

	"github.com/goccy/go-json"
)

// headerArg encodes arg as JSON safe to carry in an HTTP header: every
// character outside printable ASCII is written as a \u escape.
func headerArg(arg any) (string, error) {
	raw, err := json.Marshal(arg)
	if err != nil {
		return "", fmt.Errorf("dropbox: encoding header argument: %w", err)
	}

	var b strings.Builder
	b.Grow(len(raw))

	for _, r := range string(raw) {
		switch {
		case r < 0x7f:
			b.WriteRune(r)
		case r > 0xffff:
			r1, r2 := utf16.EncodeRune(r)
			fmt.Fprintf(&b, `\u%04x\u%04x`, r1, r2)
		default:
			fmt.Fprintf(&b, `\u%04x`, r)
		}
	}

	return b.String(), nil
}
