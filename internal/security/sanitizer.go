// Package security provides chat message validation and sanitization.
//
// All patterns are RE2 expressions, so matching is linear in the input length
// regardless of how adversarial the input is.
package security

import (
	"regexp"
	"strings"
)

// markupPatterns are removed, in order, from messages when HTML is not
// allowed. This is textual stripping, not HTML parsing: plain text that
// happens to look like an event handler attribute is stripped too.
var markupPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<script\b.*?</script>`),
	regexp.MustCompile(`(?i)javascript:`),
	regexp.MustCompile(`(?i)on\w+\s*=`),
	regexp.MustCompile(`(?i)<(?:iframe|object|embed)\b[^>]*>`),
}

// injectionPatterns flag SQL-looking content. The keyword pattern matches
// ordinary prose such as "select an option"; that false positive rate is
// accepted.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(?:SELECT|INSERT|UPDATE|DELETE|DROP|CREATE|ALTER|EXEC|UNION)\b`),
	regexp.MustCompile(`--|/\*|\*/`),
	regexp.MustCompile(`(?i)\bOR\b.*=.*\bOR\b`),
	regexp.MustCompile(`(?i)\bAND\b.*=.*\bAND\b`),
	regexp.MustCompile(`'[^']*'\s*=\s*'`),
	regexp.MustCompile(`"[^"]*"\s*=\s*"`),
}

// Spam heuristics.
const (
	maxWordRepeats     = 5
	maxUppercaseRatio  = 0.7
	minLengthForShouty = 10
)

// SanitizeMarkup strips script blocks, javascript: URLs, inline event
// handlers and embedding tags. It reports whether anything was removed.
func SanitizeMarkup(content string) (string, bool) {
	sanitized := content
	for _, re := range markupPatterns {
		sanitized = re.ReplaceAllString(sanitized, "")
	}
	return sanitized, sanitized != content
}

// LooksLikeInjection reports whether content matches any SQL injection
// heuristic.
func LooksLikeInjection(content string) bool {
	for _, re := range injectionPatterns {
		if re.MatchString(content) {
			return true
		}
	}
	return false
}

// LooksLikeSpam reports whether a single word repeats more than five times
// or the message is mostly capital letters.
func LooksLikeSpam(content string) bool {
	counts := make(map[string]int)
	for _, word := range strings.Fields(strings.ToLower(content)) {
		counts[word]++
		if counts[word] > maxWordRepeats {
			return true
		}
	}

	length := 0
	upper := 0
	for _, r := range content {
		length++
		if r >= 'A' && r <= 'Z' {
			upper++
		}
	}
	return length > minLengthForShouty && float64(upper)/float64(length) > maxUppercaseRatio
}
