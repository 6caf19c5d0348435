// Package wildcard implements the simple '*' matching used for pipeline id
// patterns and index template patterns. '*' matches any run of characters,
// including none; everything else matches literally.
package wildcard

import "strings"

// IsPattern reports whether s contains a wildcard.
func IsPattern(s string) bool {
	return strings.ContainsRune(s, '*')
}

// IsMatchAll reports whether pattern matches everything.
func IsMatchAll(pattern string) bool {
	return pattern == "*"
}

// Match reports whether value matches pattern.
func Match(pattern, value string) bool {
	i := strings.IndexByte(pattern, '*')
	if i == -1 {
		return pattern == value
	}
	if !strings.HasPrefix(value, pattern[:i]) {
		return false
	}
	rest := pattern[i+1:]
	if rest == "" {
		return true
	}
	// Try every split point for the remainder of the pattern.
	value = value[i:]
	for j := 0; j <= len(value); j++ {
		if Match(rest, value[j:]) {
			return true
		}
	}
	return false
}
