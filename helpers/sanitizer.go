package helpers

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxHeaderSummaryRunes caps header values kept next to a stored message.
const MaxHeaderSummaryRunes = 998

// SanitizeHeader prepares a decoded header value for a text column. Invalid
// UTF-8 bytes and NUL characters are dropped, other control characters
// (folded CRLF, tabs) become single spaces, and the result is cut to
// maxRunes runes. A maxRunes of 0 or less means no limit.
func SanitizeHeader(s string, maxRunes int) string {
	var b strings.Builder
	b.Grow(len(s))
	runes := 0
	pendingSpace := false
	for i, r := range s {
		if maxRunes > 0 && runes >= maxRunes {
			break
		}
		switch {
		case r == '\x00':
			continue
		case r == utf8.RuneError:
			if _, size := utf8.DecodeRuneInString(s[i:]); size == 1 {
				continue
			}
		case unicode.IsControl(r):
			pendingSpace = b.Len() > 0
			continue
		}
		if pendingSpace {
			b.WriteByte(' ')
			runes++
			pendingSpace = false
			if maxRunes > 0 && runes >= maxRunes {
				break
			}
		}
		b.WriteRune(r)
		runes++
	}
	return b.String()
}
