package platform

import (
	"strings"
	"unicode/utf8"
)

const (
	DefaultDigestMaxChars = 50000
	TruncationMarker      = "\n... (truncated)"

	maxPatchChars   = 500
	maxCommentChars = 500
)

// BuildDigest joins the item bodies of p and truncates the result to maxChars
// characters. An empty item list yields "".
func BuildDigest(p Platform, items []Item, maxChars int) string {
	if len(items) == 0 {
		return ""
	}
	sep := "\n\n"
	if p == Slack {
		sep = "\n"
	}
	bodies := make([]string, 0, len(items))
	for _, it := range items {
		if b := strings.TrimSpace(it.Body); b != "" {
			bodies = append(bodies, b)
		}
	}
	return Truncate(strings.Join(bodies, sep), maxChars)
}

// Truncate cuts s to max characters and appends TruncationMarker when it cut.
// max <= 0 disables truncation.
func Truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max]) + TruncationMarker
}

func clip(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max])
}
