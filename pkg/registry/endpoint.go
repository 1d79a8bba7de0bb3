package registry

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

var validEndpoint = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

const fallbackSlug = "command"

// ValidEndpoint reports whether s may be used as an explicit endpoint.
func ValidEndpoint(s string) bool {
	return validEndpoint.MatchString(s)
}

// Slugify lowercases label and collapses every run of characters outside
// [a-z0-9] into a single '-', trimming separators at both ends.
func Slugify(label string) string {
	var b strings.Builder
	b.Grow(len(label))

	pendingSep := false
	for _, r := range strings.ToLower(label) {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			if pendingSep && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingSep = false
			b.WriteRune(r)
			continue
		}
		pendingSep = true
	}

	if b.Len() == 0 {
		return fallbackSlug
	}
	return b.String()
}

// uniqueEndpoint returns base, or base-N for the smallest N >= 1 not in taken.
func uniqueEndpoint(base string, taken map[string]int) string {
	if _, used := taken[base]; !used {
		return base
	}
	for n := 1; ; n++ {
		candidate := base + "-" + strconv.Itoa(n)
		if _, used := taken[candidate]; !used {
			return candidate
		}
	}
}
