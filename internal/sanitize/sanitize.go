// Package sanitize strips markup from user-supplied free text before it is stored or relayed. Murmel never renders
// user input as HTML, so everything goes through the strict policy and comes back out as plain text.
package sanitize

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// The policy is immutable after construction and safe for concurrent use.
var strict = bluemonday.StrictPolicy()

// Text removes all HTML from s, decodes entities back to plain characters, and trims surrounding whitespace.
func Text(s string) string {
	clean := strict.Sanitize(s)
	clean = html.UnescapeString(clean)
	return strings.TrimSpace(clean)
}

// Oneline is Text with inner line breaks collapsed to single spaces. Used for display names, channel names, and
// meeting titles where a newline is never legitimate.
func Oneline(s string) string {
	clean := Text(s)
	fields := strings.Fields(clean)
	return strings.Join(fields, " ")
}

// Truncate shortens s to at most max runes. Multi-byte characters are never split.
func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
