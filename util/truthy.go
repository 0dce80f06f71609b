package util

import "strings"

// Truthy reports whether an environment style flag value is set, e.g.
// "1", "true", "yes" or "on" in any case.
func Truthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "t", "true", "y", "yes", "on":
		return true
	default:
		return false
	}
}
