package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// knownKeys lists the valid keys per section. The empty section holds
// top-level keys. Sections whose values are free-form maps (marker_dirs)
// are listed in openSections instead.
var knownKeys = map[string][]string{
	"":          {"data_dir"},
	"lock":      {"stale_after", "renew_interval", "startup_window", "startup_retries", "retries", "retry_delay"},
	"update":    {"max_iterations", "marker_dirs", "watch_debounce"},
	"reconcile": {"max_download_size", "denied_extensions", "transfer_timeout", "concurrency"},
	"ignore":    {"ignore_file", "extra_patterns"},
	"logging":   {"log_level", "log_file", "log_format", "log_retention_days"},
	"server":    {"listen", "dropbox_app_secret_env"},
	"dropbox":   {"client_id", "client_secret", "token_dir", "api_url", "content_url"},
	"gdrive":    {"client_id", "client_secret", "token_dir", "api_url", "content_url"},
	"git":       {"git_path", "bare_dir", "author_name", "author_email"},
}

// openSections are tables whose keys are user-defined.
var openSections = map[string]bool{
	"update.marker_dirs": true,
}

// sectionNames is the sorted list of section names, for suggestions.
var sectionNames = func() []string {
	names := make([]string, 0, len(knownKeys))
	for k := range knownKeys {
		if k != "" {
			names = append(names, k)
		}
	}

	sort.Strings(names)

	return names
}()

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns
// an error with "did you mean?" suggestions for each unknown key.
func checkUnknownKeys(md *toml.MetaData) error {
	var errs []error

	for _, key := range md.Undecoded() {
		if err := buildKeyError(key); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// buildKeyError creates a descriptive error for an undecoded key, or nil
// when the key lives under an open section.
func buildKeyError(key toml.Key) error {
	for i := 1; i < len(key); i++ {
		if openSections[strings.Join(key[:i], ".")] {
			return nil
		}
	}

	if len(key) == 1 {
		candidates := append(append([]string(nil), knownKeys[""]...), sectionNames...)
		return unknownKeyError(key[0], "", candidates)
	}

	section, field := key[0], key[1]

	known, ok := knownKeys[section]
	if !ok {
		if s := closestMatch(section, sectionNames); s != "" {
			return fmt.Errorf("unknown config section [%s]; did you mean [%s]?", section, s)
		}

		return fmt.Errorf("unknown config section [%s]", section)
	}

	return unknownKeyError(field, section, known)
}

func unknownKeyError(field, section string, known []string) error {
	where := ""
	if section != "" {
		where = fmt.Sprintf(" in [%s]", section)
	}

	if s := closestMatch(field, known); s != "" {
		return fmt.Errorf("unknown config key %q%s; did you mean %q?", field, where, s)
	}

	return fmt.Errorf("unknown config key %q%s", field, where)
}

// closestMatch finds the closest known key by Levenshtein distance.
// Returns empty string if no match is within maxLevenshteinDistance.
// Ties resolve to the earliest candidate.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		d := levenshtein(unknown, k)
		if d < bestDist {
			bestDist = d
			best = k
		}
	}

	if bestDist <= maxLevenshteinDistance {
		return best
	}

	return ""
}

// levenshtein computes the edit distance between two strings.
func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := range len(a) {
		curr[0] = i + 1

		for j := range len(b) {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}

			curr[j+1] = min(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}
