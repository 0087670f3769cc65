package sandbox

import (
	"path"
	"strings"
)

// matchGlob reports whether a slash-separated relative path matches the
// pattern. Single segments use path.Match semantics; a "**" segment matches
// any number of path segments, including none.
func matchGlob(pattern, candidate string) bool {
	if pattern == "" {
		return false
	}
	return matchSegments(strings.Split(pattern, "/"), strings.Split(candidate, "/"))
}

func matchSegments(pattern, segments []string) bool {
	if len(pattern) == 0 {
		return len(segments) == 0
	}
	if pattern[0] == "**" {
		for i := 0; i <= len(segments); i++ {
			if matchSegments(pattern[1:], segments[i:]) {
				return true
			}
		}
		return false
	}
	if len(segments) == 0 {
		return false
	}
	ok, err := path.Match(pattern[0], segments[0])
	if err != nil || !ok {
		return false
	}
	return matchSegments(pattern[1:], segments[1:])
}

// matchAny reports whether any pattern matches the path.
func matchAny(patterns []string, candidate string) (string, bool) {
	for _, pattern := range patterns {
		if matchGlob(pattern, candidate) {
			return pattern, true
		}
	}
	return "", false
}

// PatternsOverlap reports whether two write-scope patterns can grant the
// same path. Exact equality always overlaps; otherwise each pattern is
// tested against the other as a literal path, which covers the common
// cases of a glob subsuming a concrete file.
func PatternsOverlap(a, b string) bool {
	if a == b {
		return true
	}
	return matchGlob(a, b) || matchGlob(b, a)
}
