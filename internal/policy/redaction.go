package policy

import (
	"regexp"
	"strings"
)

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
)

// RedactContact masks caller contact details before they reach the call log.
func RedactContact(input string) (redacted string, changed bool) {
	out := input

	next := emailPattern.ReplaceAllString(out, "[REDACTED_EMAIL]")
	changed = changed || next != out
	out = next

	next = phonePattern.ReplaceAllStringFunc(out, func(m string) string {
		return MaskNumber(m)
	})
	changed = changed || next != out
	out = next

	return out, changed
}

// MaskNumber keeps the dialing prefix and last two digits of a phone number.
// Short or malformed numbers are masked entirely.
func MaskNumber(number string) string {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, number)
	if len(digits) < 6 {
		return "[REDACTED_PHONE]"
	}
	prefix := ""
	if strings.HasPrefix(strings.TrimSpace(number), "+") {
		prefix = "+" + digits[:2]
		digits = digits[2:]
	}
	return prefix + strings.Repeat("*", len(digits)-2) + digits[len(digits)-2:]
}
