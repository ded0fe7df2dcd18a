package logutil

import (
	"strings"
	"unicode"
)

// MaxLogField bounds how much of a peer-supplied string reaches the log.
const MaxLogField = 256

// SanitizeForLog flattens a peer-supplied string (shell names, error
// messages, terminal input previews) onto one line so it cannot forge log
// entries or emit escape sequences into a terminal tailing the log.
// Whitespace controls become spaces, other control runes are dropped and
// the result is capped at MaxLogField runes.
func SanitizeForLog(s string) string {
	var b strings.Builder
	b.Grow(min(len(s), MaxLogField))
	n := 0
	for _, r := range s {
		if n == MaxLogField {
			b.WriteString("...")
			break
		}
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			b.WriteByte(' ')
		case unicode.IsControl(r):
			continue
		default:
			b.WriteRune(r)
		}
		n++
	}
	return b.String()
}
