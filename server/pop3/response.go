package pop3

import (
	"fmt"
	"strings"
)

// ErrorKind is the closed set of failures the interpreter reports.
type ErrorKind int

const (
	ErrInvalidInState ErrorKind = iota
	ErrInvalidArgType
	ErrTooManyArgs
	ErrTooFewArgs
	ErrIncorrectNumArgs
	ErrInvalidCommand
	ErrUserLocked
	ErrUserNotFound
	ErrUserCommandNotSent
	ErrPasswordIncorrect
	ErrQuit
	ErrMessageNotFound
	ErrMessageAlreadyDeleted
	ErrInvalidArgVal
	ErrStoreFailure
)

var errorText = [...]string{
	ErrInvalidInState:        "-ERR command invalid in the current state",
	ErrInvalidArgType:        "-ERR invalid argument type",
	ErrTooManyArgs:           "-ERR too many command arguments",
	ErrTooFewArgs:            "-ERR too few command arguments",
	ErrIncorrectNumArgs:      "-ERR incorrect number of arguments",
	ErrInvalidCommand:        "-ERR invalid command",
	ErrUserLocked:            "-ERR the maildrop is currently locked",
	ErrUserNotFound:          "-ERR user not found",
	ErrUserCommandNotSent:    "-ERR USER command not sent",
	ErrPasswordIncorrect:     "-ERR password incorrect",
	ErrQuit:                  "-ERR some messages were not deleted",
	ErrMessageNotFound:       "-ERR message not found",
	ErrMessageAlreadyDeleted: "-ERR message already deleted",
	ErrInvalidArgVal:         "-ERR invalid argument value",
	ErrStoreFailure:          "-ERR maildrop store unavailable",
}

// String returns the fixed response text of the kind.
func (k ErrorKind) String() string {
	if k < 0 || int(k) >= len(errorText) {
		return "-ERR"
	}
	return errorText[k]
}

// Status texts of successful single-line responses.
const (
	replyUserOK     = "+OK found user account"
	replyPasswordOK = "+OK user authorised"
	replyQuitOK     = "+OK quitting"
	replyNoopOK     = "+OK no operation"
	replyMarked     = "+OK message marked as deleted"
	replyResetOK    = "+OK deleted messages restored"

	greeting = "+OK POP3 server ready"
	crlf     = "\r\n"
)

func replyDeleted(n int) string {
	return fmt.Sprintf("+OK %d messages deleted", n)
}

// dotStuffPOP3 doubles a leading "." on every line (RFC 1939 section 3) so
// the terminating "." line stays unambiguous.
func dotStuffPOP3(s string) string {
	if !strings.Contains(s, ".") {
		return s
	}

	var b strings.Builder
	b.Grow(len(s) + 16)
	lineStart := true
	for i := 0; i < len(s); i++ {
		c := s[i]
		if lineStart && c == '.' {
			b.WriteByte('.')
		}
		b.WriteByte(c)
		lineStart = c == '\n'
	}
	return b.String()
}

// splitLines splits raw content on LF, dropping a CR before each LF. A trailing
// line terminator does not produce an empty last line.
func splitLines(content []byte) []string {
	if len(content) == 0 {
		return nil
	}
	lines := strings.Split(string(content), "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines
}

// multiline renders a status line, the body lines and the "." terminator.
// The result carries no final CRLF.
func multiline(status string, lines []string) string {
	var b strings.Builder
	b.WriteString(status)
	b.WriteString(crlf)
	if len(lines) > 0 {
		b.WriteString(dotStuffPOP3(strings.Join(lines, crlf)))
		b.WriteString(crlf)
	}
	b.WriteString(".")
	return b.String()
}

// topOfMessage returns the header block, the separating blank line and at
// most n body lines. A message without a blank line is all header.
func topOfMessage(content []byte, n int) []string {
	lines := splitLines(content)
	if len(lines) == 0 {
		return nil
	}

	split := len(lines)
	for i, l := range lines {
		if l == "" {
			split = i
			break
		}
	}

	out := make([]string, 0, len(lines)+1)
	out = append(out, lines[:split]...)
	out = append(out, "")

	var body []string
	if split < len(lines) {
		body = lines[split+1:]
	}
	if n < len(body) {
		body = body[:n]
	}
	return append(out, body...)
}
