package utils

import "strings"

// MatchCode checks if a permission code such as "produit.create" matches the
// provided pattern. Patterns may include:
//   - '*' alone, matching every code.
//   - A '*' segment, matching exactly one dot-separated segment ("produit.*").
//   - A trailing ".**", matching the prefix and anything below it ("admin.**").
//
// A pattern without wildcards must equal the code.
func MatchCode(code, pattern string) bool {
	if pattern == "*" || pattern == code {
		return true
	}
	if !IsPattern(pattern) {
		return false
	}
	if prefix, ok := strings.CutSuffix(pattern, ".**"); ok {
		return code == prefix || strings.HasPrefix(code, prefix+".")
	}
	return matchSegments(strings.Split(code, "."), strings.Split(pattern, "."))
}

// MatchAny reports whether code matches at least one of patterns.
func MatchAny(code string, patterns []string) bool {
	for _, p := range patterns {
		if MatchCode(code, p) {
			return true
		}
	}
	return false
}

// IsPattern reports whether pattern contains a wildcard.
func IsPattern(pattern string) bool {
	return strings.Contains(pattern, "*")
}

// matchSegments compares segment by segment; a segment may carry a '*' suffix
// or prefix ("produit.cre*").
func matchSegments(value, pattern []string) bool {
	if len(value) != len(pattern) {
		return false
	}
	for i, p := range pattern {
		v := value[i]
		switch {
		case p == "*":
		case strings.HasSuffix(p, "*"):
			if !strings.HasPrefix(v, strings.TrimSuffix(p, "*")) {
				return false
			}
		case strings.HasPrefix(p, "*"):
			if !strings.HasSuffix(v, strings.TrimPrefix(p, "*")) {
				return false
			}
		default:
			if p != v {
				return false
			}
		}
	}
	return true
}
