package lmtp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/migadu/maildrop/consts"
	"github.com/migadu/maildrop/pkg/metrics"
	"github.com/migadu/maildrop/server"
)

// recipient is an accepted RCPT TO and the maildrop it resolved to.
type recipient struct {
	rcptTo   string
	maildrop string
}

// LMTPSession represents a single LMTP session. go-smtp drives one session
// from one goroutine, so the fields need no locking.
type LMTPSession struct {
	server.Session
	backend    *LMTPServerBackend
	sender     string
	hasSender  bool
	recipients []recipient
	ctx        context.Context
	cancel     context.CancelFunc
	startTime  time.Time
}

var _ smtp.LMTPSession = (*LMTPSession)(nil)

func observeCommand(command string, start time.Time, success bool) {
	status := "failure"
	if success {
		status = "success"
	}
	metrics.CommandsTotal.WithLabelValues(consts.ProtocolLMTP, command, status).Inc()
	metrics.CommandDuration.WithLabelValues(consts.ProtocolLMTP, command).Observe(time.Since(start).Seconds())
}

// Mail records the reverse path. The null sender is accepted: bounces are
// delivered like any other message.
func (s *LMTPSession) Mail(from string, opts *smtp.MailOptions) error {
	start := time.Now()
	if from != "" {
		if _, err := server.NewAddress(from); err != nil {
			s.Log("invalid from address: %v", err)
			observeCommand("MAIL", start, false)
			return &smtp.SMTPError{
				Code:         553,
				EnhancedCode: smtp.EnhancedCode{5, 1, 7},
				Message:      "Invalid sender",
			}
		}
	}

	s.sender = from
	s.hasSender = true
	observeCommand("MAIL", start, true)
	s.DebugLog("mail from=<%s> accepted", from)
	return nil
}

// Rcpt resolves the recipient to a maildrop, trying the full address before
// the address without its +detail.
func (s *LMTPSession) Rcpt(to string, opts *smtp.RcptOptions) error {
	start := time.Now()
	success := false
	defer func() { observeCommand("RCPT", start, success) }()

	toAddress, err := server.NewAddress(to)
	if err != nil {
		s.Log("invalid to address: %v", err)
		metrics.LMTPDeliveriesTotal.WithLabelValues("rejected").Inc()
		return &smtp.SMTPError{
			Code:         501,
			EnhancedCode: smtp.EnhancedCode{5, 1, 3},
			Message:      "Invalid recipient",
		}
	}

	for _, candidate := range toAddress.MaildropCandidates() {
		exists, err := s.backend.store.AccountExists(s.ctx, candidate)
		if err != nil {
			return s.InternalError("failed to look up %s: %v", candidate, err)
		}
		if exists {
			s.recipients = append(s.recipients, recipient{rcptTo: to, maildrop: candidate})
			success = true
			s.DebugLog("recipient accepted: %s -> %s", to, candidate)
			return nil
		}
	}

	s.Log("no maildrop for recipient %s", toAddress.FullAddress())
	metrics.LMTPDeliveriesTotal.WithLabelValues("rejected").Inc()
	return &smtp.SMTPError{
		Code:         550,
		EnhancedCode: smtp.EnhancedCode{5, 1, 1},
		Message:      "No such user here",
	}
}

// readMessage reads the message body, enforcing the configured size limit.
func (s *LMTPSession) readMessage(r io.Reader) ([]byte, error) {
	if !s.hasSender || len(s.recipients) == 0 {
		return nil, &smtp.SMTPError{
			Code:         503,
			EnhancedCode: smtp.EnhancedCode{5, 5, 1},
			Message:      "Bad sequence of commands (missing MAIL FROM or RCPT TO)",
		}
	}

	var buf bytes.Buffer
	reader := r
	if s.backend.maxMessageSize > 0 {
		// One byte over the limit is enough to detect an oversized message.
		reader = io.LimitReader(r, s.backend.maxMessageSize+1)
	}
	if _, err := io.Copy(&buf, reader); err != nil {
		return nil, s.InternalError("failed to read message: %v", err)
	}

	if s.backend.maxMessageSize > 0 && int64(buf.Len()) > s.backend.maxMessageSize {
		s.Log("message size exceeds limit of %d bytes", s.backend.maxMessageSize)
		return nil, &smtp.SMTPError{
			Code:         552,
			EnhancedCode: smtp.EnhancedCode{5, 3, 4},
			Message:      fmt.Sprintf("message size exceeds maximum allowed size of %d bytes", s.backend.maxMessageSize),
		}
	}
	if buf.Len() == 0 {
		return nil, &smtp.SMTPError{
			Code:         554,
			EnhancedCode: smtp.EnhancedCode{5, 6, 0},
			Message:      "Empty message",
		}
	}
	return buf.Bytes(), nil
}

// deliver appends content to one maildrop and maps store errors to replies.
func (s *LMTPSession) deliver(rcpt recipient, content []byte) error {
	info, err := s.backend.store.AppendMessage(s.ctx, rcpt.maildrop, content)
	switch {
	case err == nil:
		metrics.LMTPDeliveriesTotal.WithLabelValues("success").Inc()
		s.Log("delivered to %s uidl=%s size=%d", rcpt.maildrop, info.UIDL, info.Size)
		return nil
	case errors.Is(err, consts.ErrAccountNotFound):
		metrics.LMTPDeliveriesTotal.WithLabelValues("rejected").Inc()
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 1, 1},
			Message:      "No such user here",
		}
	default:
		metrics.LMTPDeliveriesTotal.WithLabelValues("failure").Inc()
		return s.InternalError("failed to deliver to %s: %v", rcpt.maildrop, err)
	}
}

// LMTPData delivers the message to every recipient and reports one status
// per recipient.
func (s *LMTPSession) LMTPData(r io.Reader, status smtp.StatusCollector) error {
	start := time.Now()
	content, err := s.readMessage(r)
	if err != nil {
		observeCommand("DATA", start, false)
		return err
	}
	metrics.MessageSizeBytes.WithLabelValues(consts.ProtocolLMTP).Observe(float64(len(content)))

	success := true
	for _, rcpt := range s.recipients {
		err := s.deliver(rcpt, content)
		if err != nil {
			success = false
		}
		status.SetStatus(rcpt.rcptTo, err)
	}
	observeCommand("DATA", start, success)
	return nil
}

// Data delivers to every recipient and fails on the first error.
func (s *LMTPSession) Data(r io.Reader) error {
	start := time.Now()
	content, err := s.readMessage(r)
	if err != nil {
		observeCommand("DATA", start, false)
		return err
	}
	metrics.MessageSizeBytes.WithLabelValues(consts.ProtocolLMTP).Observe(float64(len(content)))

	for _, rcpt := range s.recipients {
		if err := s.deliver(rcpt, content); err != nil {
			observeCommand("DATA", start, false)
			return err
		}
	}
	observeCommand("DATA", start, true)
	return nil
}

func (s *LMTPSession) Reset() {
	s.sender = ""
	s.hasSender = false
	s.recipients = nil
	metrics.CommandsTotal.WithLabelValues(consts.ProtocolLMTP, "RSET", "success").Inc()
}

func (s *LMTPSession) Logout() error {
	metrics.ConnectionDuration.WithLabelValues(consts.ProtocolLMTP).Observe(time.Since(s.startTime).Seconds())
	metrics.ConnectionsCurrent.WithLabelValues(consts.ProtocolLMTP).Dec()
	activeCount := s.backend.activeConnections.Add(-1)

	if s.cancel != nil {
		s.cancel()
	}

	s.DebugLog("session logout completed (connections: active=%d)", activeCount)
	return nil
}

func (s *LMTPSession) InternalError(format string, a ...any) error {
	errorMsg := fmt.Sprintf(format, a...)
	s.WarnLog("INTERNAL ERROR: %s", errorMsg)
	return &smtp.SMTPError{
		Code:         451,
		EnhancedCode: smtp.EnhancedCode{4, 3, 0},
		Message:      "Temporary failure, try again later",
	}
}
