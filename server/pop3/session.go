package pop3

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/migadu/maildrop/consts"
	"github.com/migadu/maildrop/helpers"
	"github.com/migadu/maildrop/pkg/metrics"
	"github.com/migadu/maildrop/server"
)

// cleanupTimeout bounds the compensating cleanup, which runs on a fresh
// context because the session context may already be cancelled.
const cleanupTimeout = 10 * time.Second

// Reasons a session ended, used in logs and metrics.
const (
	endQuit       = "quit"
	endBadQuit    = "quit_rejected"
	endTimeout    = "timeout"
	endDisconnect = "disconnect"
	endError      = "error"
	endShutdown   = "shutdown"
)

type POP3Session struct {
	server.Session
	server        *POP3Server
	conn          net.Conn
	interp        *Interpreter
	ctx           context.Context
	cancel        context.CancelFunc
	releaseConn   func()
	startTime     time.Time
	authenticated bool
	endReason     string
	holding       atomic.Pointer[string] // user whose lock the session holds, read by the server on shutdown
}

func (s *POP3Session) handleConnection() {
	defer s.cancel()
	defer s.Close()
	defer func() {
		if r := recover(); r != nil {
			s.endReason = endError
			s.WarnLog("panic in session: %v\n%s", r, debug.Stack())
		}
	}()

	reader := bufio.NewReader(s.conn)
	writer := bufio.NewWriter(s.conn)

	if err := s.writeResponse(writer, greeting); err != nil {
		s.endReason = s.classifyError(err)
		return
	}
	s.Log("connected")

	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.server.idleTimeout)); err != nil {
			s.endReason = s.classifyError(err)
			return
		}

		// A final line without terminator still arrives with io.EOF.
		line, readErr := reader.ReadString('\n')
		if line != "" {
			if done := s.serveLine(writer, line); done {
				return
			}
		}
		if readErr != nil {
			s.endReason = s.classifyError(readErr)
			return
		}
	}
}

// serveLine runs one command and reports whether the session is over. Any
// QUIT ends it; a rejected QUIT leaves the cleanup to Close.
func (s *POP3Session) serveLine(writer *bufio.Writer, line string) bool {
	if s.server.debug {
		s.DebugLog("C: %s", helpers.MaskSensitive(line))
	}

	resp := s.interp.Handle(s.ctx, line)
	s.trackAuthentication()
	writeErr := s.writeResponse(writer, resp)

	switch {
	case s.interp.Finished():
		s.endReason = endQuit
	case parseCommand(line).verb == "QUIT":
		s.endReason = endBadQuit
	case writeErr != nil:
		s.endReason = s.classifyError(writeErr)
	default:
		return false
	}
	return true
}

func (s *POP3Session) writeResponse(w *bufio.Writer, resp string) error {
	if _, err := w.WriteString(resp); err != nil {
		return err
	}
	if _, err := w.WriteString(crlf); err != nil {
		return err
	}
	return w.Flush()
}

// trackAuthentication updates counters the first time PASS succeeds.
func (s *POP3Session) trackAuthentication() {
	s.Username = s.interp.Username()
	if s.authenticated || s.interp.State() != StateTransaction {
		return
	}
	s.authenticated = true
	user := s.interp.Username()
	s.holding.Store(&user)
	authCount := s.server.authenticatedConnections.Add(1)
	metrics.AuthenticatedConnectionsCurrent.WithLabelValues(consts.ProtocolPOP3).Inc()
	s.Log("authenticated (connections: total=%d, authenticated=%d)", s.server.totalConnections.Load(), authCount)
}

func (s *POP3Session) classifyError(err error) string {
	switch {
	case s.server.appCtx.Err() != nil:
		return endShutdown
	case server.IsTimeout(err):
		return endTimeout
	case errors.Is(err, io.EOF), server.IsConnectionError(err):
		return endDisconnect
	default:
		s.WarnLog("connection error: %v", err)
		return endError
	}
}

// Close runs the compensating cleanup when needed and releases the
// connection. It is called once, when handleConnection returns.
func (s *POP3Session) Close() error {
	if s.endReason == "" {
		s.endReason = endError
	}

	if s.endReason != endQuit {
		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		ran, err := s.interp.Cleanup(ctx)
		cancel()
		if ran {
			status := "success"
			if err != nil {
				status = "failure"
				s.WarnLog("cleanup after %s failed: %v", s.endReason, err)
			} else {
				s.Log("maildrop restored and unlocked after %s", s.endReason)
			}
			metrics.SessionCleanupsTotal.WithLabelValues(s.endReason, status).Inc()
		}
	}
	s.holding.Store(nil)

	err := s.conn.Close()
	if s.releaseConn != nil {
		s.releaseConn()
	}

	s.server.totalConnections.Add(-1)
	metrics.ConnectionsCurrent.WithLabelValues(consts.ProtocolPOP3).Dec()
	metrics.ConnectionDuration.WithLabelValues(consts.ProtocolPOP3).Observe(time.Since(s.startTime).Seconds())
	if s.authenticated {
		s.server.authenticatedConnections.Add(-1)
		metrics.AuthenticatedConnectionsCurrent.WithLabelValues(consts.ProtocolPOP3).Dec()
	}
	s.server.removeSession(s)

	s.Log("disconnected (%s)", s.endReason)
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
