package helpers

import "strings"

// MaskSensitive redacts credentials from a raw protocol line before it is logged.
// For PASS everything after the verb is replaced, since POP3 passwords may contain spaces.
// Other lines are returned unchanged.
func MaskSensitive(line string) string {
	trimmed := strings.TrimRight(line, "\r\n")
	verb, rest, found := strings.Cut(trimmed, " ")
	if !found || rest == "" {
		return trimmed
	}
	if strings.EqualFold(verb, "PASS") {
		return verb + " [REDACTED]"
	}
	return trimmed
}
