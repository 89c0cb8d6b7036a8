// Package util provides small helpers shared across the library.
package util

import "strings"

// SafeTruncate truncates s to at most maxLen characters without panicking.
// Used when logging credentials, where only a prefix may be shown. Negative
// maxLen yields an empty string.
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// NormalizeURL strips trailing slashes so issuer and endpoint URLs compare
// equal with or without them.
func NormalizeURL(url string) string {
	return strings.TrimRight(url, "/")
}
