package storage

import (
	"regexp"
	"strings"
)

// GlobToRegexp compiles a Redis MATCH-style glob pattern into an anchored
// regular expression. Supported metacharacters are *, ?, [...] classes and
// backslash escapes; everything else matches literally. Unlike path.Match,
// a * here crosses every character, so patterns work on keys that contain
// slashes (API response keys built from URLs do).
func GlobToRegexp(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")
	for i := 0; i < len(pattern); i++ {
		switch c := pattern[i]; c {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		case '[':
			end := strings.IndexByte(pattern[i:], ']')
			if end <= 1 {
				// Unterminated or empty class, treat literally.
				b.WriteString(regexp.QuoteMeta(string(c)))
				continue
			}
			b.WriteString(pattern[i : i+end+1])
			i += end
		case '\\':
			if i+1 < len(pattern) {
				i++
				b.WriteString(regexp.QuoteMeta(string(pattern[i])))
			} else {
				b.WriteString(regexp.QuoteMeta(`\`))
			}
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

// GlobMatch reports whether s matches the glob pattern. Invalid patterns
// match nothing.
func GlobMatch(pattern, s string) bool {
	re, err := GlobToRegexp(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(s)
}
