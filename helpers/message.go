package helpers

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/k3a/html2text"
)

// MessageSummary holds the header fields kept alongside a stored message.
type MessageSummary struct {
	Subject   string
	From      string
	MessageID string
	Date      time.Time
}

// SummarizeMessage extracts the top-level header fields of a raw message.
// Messages are never rejected for their format, so anything that cannot be
// parsed simply leaves the corresponding field empty.
func SummarizeMessage(raw []byte) MessageSummary {
	var summary MessageSummary

	entity, err := message.Read(bytes.NewReader(raw))
	if entity == nil || (err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err)) {
		return summary
	}

	h := mail.Header{Header: entity.Header}
	if subject, err := h.Subject(); err == nil {
		summary.Subject = subject
	} else {
		summary.Subject = h.Get("Subject")
	}
	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		summary.From = from[0].Address
	} else {
		summary.From = h.Get("From")
	}
	if id, err := h.MessageID(); err == nil {
		summary.MessageID = id
	}
	if date, err := h.Date(); err == nil {
		summary.Date = date
	}
	return summary
}

// PlaintextBody returns the first text/plain part of a message. When the message
// only carries HTML, the first text/html part is converted to plain text.
func PlaintextBody(raw []byte) (string, error) {
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return "", fmt.Errorf("failed to parse message: %w", err)
	}

	var plain, html *string
	var walk func(*message.Entity) error
	walk = func(e *message.Entity) error {
		mediaType, _, err := e.Header.ContentType()
		if err != nil {
			mediaType = "text/plain"
		}

		if strings.HasPrefix(mediaType, "multipart/") {
			mr := e.MultipartReader()
			if mr == nil {
				return nil
			}
			for {
				part, err := mr.NextPart()
				if err == io.EOF {
					return nil
				}
				if err != nil && !message.IsUnknownCharset(err) {
					return fmt.Errorf("error reading multipart: %w", err)
				}
				if err := walk(part); err != nil {
					return err
				}
			}
		}

		content, err := io.ReadAll(e.Body)
		if err != nil {
			return fmt.Errorf("error reading entity body: %w", err)
		}
		s := string(content)
		switch mediaType {
		case "text/plain":
			if plain == nil {
				plain = &s
			}
		case "text/html":
			if html == nil {
				html = &s
			}
		}
		return nil
	}

	if err := walk(entity); err != nil {
		return "", err
	}

	switch {
	case plain != nil:
		return *plain, nil
	case html != nil:
		return html2text.HTML2Text(*html), nil
	default:
		return "", nil
	}
}
