package outcome

import (
	"regexp"
	"strings"
	"unicode"
)

// maxTaskLength caps the sanitized dial-out task description.
const maxTaskLength = 300

var (
	// Leading "позвонить [по номеру] <phone> и " with any phone-like run of
	// digits, spaces, dashes, parens.
	callPrefixRe = regexp.MustCompile(`(?i)^\s*позвонить\s+(?:по\s+номеру\s+)?\+?[\d][\d\s\-()]*\s+и\s+`)
	whitespaceRe = regexp.MustCompile(`\s+`)
)

// SanitizeTask normalizes a dial-out task description before it becomes the
// call prompt: the redundant "позвонить по номеру ... и" preamble goes away,
// whitespace collapses, length is capped, and the first letter is
// capitalized. Applying it twice yields the same result.
func SanitizeTask(task string) string {
	s := callPrefixRe.ReplaceAllString(task, "")
	s = whitespaceRe.ReplaceAllString(strings.TrimSpace(s), " ")
	runes := []rune(s)
	if len(runes) > maxTaskLength {
		runes = runes[:maxTaskLength]
	}
	if len(runes) > 0 {
		runes[0] = unicode.ToUpper(runes[0])
	}
	return string(runes)
}
