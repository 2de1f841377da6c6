package policy

import (
	"regexp"
	"strings"
)

var (
	emailPattern  = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	cardPattern   = regexp.MustCompile(`\b(?:\d[ -]?){12,18}\d\b`)
	bearerPattern = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._\-~+/]{16,}=*`)
	keyPattern    = regexp.MustCompile(`\b(?:sk-[A-Za-z0-9_\-]{16,}|gh[pousr]_[A-Za-z0-9]{20,}|xox[abpr]-[A-Za-z0-9\-]{10,}|AKIA[0-9A-Z]{16})\b`)
	assignPattern = regexp.MustCompile(`(?i)\b(api[_\-]?key|access[_\-]?token|auth[_\-]?token|secret|password)(\s*[:=]\s*)("[^"]*"|'[^']*'|\S+)`)
)

// Redact masks credentials and common PII in text that outlives the process,
// such as archived task prompts and results.
func Redact(input string) (redacted string, changed bool) {
	out := input
	apply := func(next string) {
		changed = changed || next != out
		out = next
	}

	apply(assignPattern.ReplaceAllString(out, "${1}${2}[REDACTED_SECRET]"))
	apply(bearerPattern.ReplaceAllString(out, "Bearer [REDACTED_TOKEN]"))
	apply(keyPattern.ReplaceAllString(out, "[REDACTED_KEY]"))
	apply(emailPattern.ReplaceAllString(out, "[REDACTED_EMAIL]"))
	apply(cardPattern.ReplaceAllStringFunc(out, func(m string) string {
		if luhnValid(m) {
			return "[REDACTED_CARD]"
		}
		return m
	}))
	return out, changed
}

// luhnValid keeps long numeric runs such as millisecond timestamps intact.
func luhnValid(s string) bool {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
	if len(digits) < 13 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}
