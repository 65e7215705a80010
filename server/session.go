package server

import (
	"fmt"

	"github.com/migadu/maildrop/logger"
)

// ConnectionStatsProvider defines an interface for getting connection statistics
type ConnectionStatsProvider interface {
	GetTotalConnections() int64
	GetAuthenticatedConnections() int64
}

// Session carries the identity every protocol session logs with.
type Session struct {
	Id         string
	RemoteIP   string
	Protocol   string
	ServerName string
	Username   string // empty until the client has named a maildrop
	Stats      ConnectionStatsProvider
}

func (s *Session) logArgs(format string, args ...any) []any {
	user := s.Username
	if user == "" {
		user = "none"
	}

	protocol := s.Protocol
	if s.ServerName != "" {
		protocol = fmt.Sprintf("%s-%s", s.Protocol, s.ServerName)
	}

	attrs := []any{"protocol", protocol, "remote", s.RemoteIP, "user", user, "session", s.Id}
	if s.Stats != nil {
		attrs = append(attrs, "conn_total", s.Stats.GetTotalConnections(), "conn_auth", s.Stats.GetAuthenticatedConnections())
	}
	return append(attrs, "msg", fmt.Sprintf(format, args...))
}

func (s *Session) Log(format string, args ...any) {
	logger.Info("Session", s.logArgs(format, args...)...)
}

func (s *Session) DebugLog(format string, args ...any) {
	logger.Debug("Session", s.logArgs(format, args...)...)
}

func (s *Session) WarnLog(format string, args ...any) {
	logger.Warn("Session", s.logArgs(format, args...)...)
}
