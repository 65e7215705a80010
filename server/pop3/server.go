package pop3

import (
	"context"
	"fmt"
	"io"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/migadu/maildrop/consts"
	"github.com/migadu/maildrop/logger"
	"github.com/migadu/maildrop/pkg/metrics"
	serverPkg "github.com/migadu/maildrop/server"
	"github.com/migadu/maildrop/server/idgen"
)

const (
	defaultIdleTimeout  = 600 * time.Second
	defaultDrainTimeout = 30 * time.Second
	tooManyConnections  = "-ERR too many connections\r\n"
)

type POP3Server struct {
	addr         string
	name         string
	store        MaildropStore
	appCtx       context.Context
	cancel       context.CancelFunc
	idleTimeout  time.Duration
	drainTimeout time.Duration
	debug        bool

	// Connection counters
	totalConnections         atomic.Int64
	authenticatedConnections atomic.Int64

	limiter *serverPkg.ConnectionLimiter

	listenerMu sync.Mutex
	listener   net.Listener
	ready      chan struct{}
	started    atomic.Bool
	acceptDone chan struct{}
	closeOnce  sync.Once

	// Active session tracking for graceful shutdown
	activeSessionsMutex sync.RWMutex
	activeSessions      map[*POP3Session]struct{}
	sessionsWg          sync.WaitGroup
}

type POP3ServerOptions struct {
	IdleTimeout         time.Duration // Inactivity interval before a session is dropped (0 = 600s)
	MaxConnections      int           // 0 = unlimited
	MaxConnectionsPerIP int           // 0 = unlimited
	DrainTimeout        time.Duration // Wait for sessions on Close (0 = 30s)
	Debug               bool          // Log every command line, passwords masked
}

// New creates a POP3 server. The server owns store from here on and closes
// it, if it implements io.Closer, at the end of Close.
func New(appCtx context.Context, name, addr string, store MaildropStore, options POP3ServerOptions) (*POP3Server, error) {
	if store == nil {
		return nil, fmt.Errorf("pop3: store is required")
	}
	if options.IdleTimeout < 0 {
		return nil, fmt.Errorf("pop3: idle timeout must be positive, got %s", options.IdleTimeout)
	}
	if options.IdleTimeout == 0 {
		options.IdleTimeout = defaultIdleTimeout
	}
	if options.DrainTimeout <= 0 {
		options.DrainTimeout = defaultDrainTimeout
	}

	serverCtx, serverCancel := context.WithCancel(appCtx)

	return &POP3Server{
		addr:           addr,
		name:           name,
		store:          store,
		appCtx:         serverCtx,
		cancel:         serverCancel,
		idleTimeout:    options.IdleTimeout,
		drainTimeout:   options.DrainTimeout,
		debug:          options.Debug,
		limiter:        serverPkg.NewConnectionLimiter("POP3", options.MaxConnections, options.MaxConnectionsPerIP),
		ready:          make(chan struct{}),
		acceptDone:     make(chan struct{}),
		activeSessions: make(map[*POP3Session]struct{}),
	}, nil
}

// Start clears every maildrop lock left by a previous process, binds the
// listener and serves connections until Close. Fatal errors are sent to
// errChan.
func (s *POP3Server) Start(errChan chan error) {
	s.started.Store(true)
	defer close(s.acceptDone)

	unlocked, err := s.store.UnlockAll(s.appCtx)
	if err != nil {
		errChan <- fmt.Errorf("failed to unlock maildrops at startup: %w", err)
		return
	}
	metrics.StartupUnlockedTotal.Add(float64(unlocked))
	if unlocked > 0 {
		logger.Warn("POP3: released maildrops locked by a previous run", "name", s.name, "count", unlocked)
	}

	listener, err := serverPkg.Listen(s.appCtx, s.addr)
	if err != nil {
		errChan <- err
		return
	}
	defer listener.Close()

	s.listenerMu.Lock()
	s.listener = listener
	s.listenerMu.Unlock()
	close(s.ready)

	logger.Info("POP3 server listening", "name", s.name, "addr", listener.Addr().String(), "idle_timeout", s.idleTimeout)

	go func() {
		<-s.appCtx.Done()
		logger.Debug("POP3: stopping", "name", s.name)
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.appCtx.Done():
				logger.Info("POP3 server stopped gracefully", "name", s.name)
				return
			default:
				errChan <- err
				return
			}
		}

		releaseConn, err := s.limiter.Accept(conn.RemoteAddr())
		if err != nil {
			logger.Debug("POP3: Connection rejected", "name", s.name, "error", err)
			metrics.ConnectionsRejected.WithLabelValues(consts.ProtocolPOP3).Inc()
			_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
			_, _ = io.WriteString(conn, tooManyConnections)
			conn.Close()
			continue
		}

		sessionCtx, sessionCancel := context.WithCancel(s.appCtx)

		totalCount := s.totalConnections.Add(1)
		metrics.ConnectionsTotal.WithLabelValues(consts.ProtocolPOP3).Inc()
		metrics.ConnectionsCurrent.WithLabelValues(consts.ProtocolPOP3).Inc()

		session := &POP3Session{
			server:      s,
			conn:        conn,
			interp:      NewInterpreter(s.store),
			ctx:         sessionCtx,
			cancel:      sessionCancel,
			releaseConn: releaseConn,
			startTime:   time.Now(),
		}
		session.Id = idgen.New()
		session.RemoteIP = serverPkg.RemoteIP(conn)
		session.Protocol = "POP3"
		session.ServerName = s.name
		session.Stats = s

		logger.Debug("POP3: new connection", "name", s.name, "remote", session.RemoteIP,
			"total_connections", totalCount, "authenticated_connections", s.authenticatedConnections.Load())

		s.addSession(session)
		s.sessionsWg.Add(1)
		go func() {
			defer s.sessionsWg.Done()
			session.handleConnection()
		}()
	}
}

// Ready is closed once the listener is bound.
func (s *POP3Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the bound address, or nil before Ready.
func (s *POP3Server) Addr() net.Addr {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops accepting, disconnects every session so each runs its cleanup,
// waits for them to finish and then closes the store.
func (s *POP3Server) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		if s.started.Load() {
			<-s.acceptDone
		}

		s.closeActiveConnections()
		if !s.waitForSessionsDrain(s.drainTimeout) {
			if users := s.lockHolders(); len(users) > 0 {
				logger.Warn("POP3: closing store before cleanup finished, maildrops stay locked until the next startup",
					"name", s.name, "users", users)
			}
		}

		if closer, ok := s.store.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				logger.Error("POP3: failed to close store", "name", s.name, "error", err)
			}
		}
	})
}

// waitForSessionsDrain waits for all active sessions to finish with a timeout
func (s *POP3Server) waitForSessionsDrain(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.sessionsWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Debug("POP3: All sessions drained gracefully", "name", s.name)
		return true
	case <-time.After(timeout):
		logger.Warn("POP3: Session drain timeout, forcing shutdown", "name", s.name, "timeout", timeout)
		return false
	}
}

// lockHolders lists the users whose sessions still hold a maildrop lock.
func (s *POP3Server) lockHolders() []string {
	s.activeSessionsMutex.RLock()
	defer s.activeSessionsMutex.RUnlock()
	var users []string
	for session := range s.activeSessions {
		if user := session.holding.Load(); user != nil {
			users = append(users, *user)
		}
	}
	sort.Strings(users)
	return users
}

func (s *POP3Server) addSession(session *POP3Session) {
	s.activeSessionsMutex.Lock()
	defer s.activeSessionsMutex.Unlock()
	s.activeSessions[session] = struct{}{}
}

func (s *POP3Server) removeSession(session *POP3Session) {
	s.activeSessionsMutex.Lock()
	defer s.activeSessionsMutex.Unlock()
	delete(s.activeSessions, session)
}

// closeActiveConnections unblocks sessions waiting on a read.
func (s *POP3Server) closeActiveConnections() {
	s.activeSessionsMutex.RLock()
	active := make([]*POP3Session, 0, len(s.activeSessions))
	for session := range s.activeSessions {
		active = append(active, session)
	}
	s.activeSessionsMutex.RUnlock()

	if len(active) == 0 {
		return
	}
	logger.Debug("POP3: Closing active connections", "name", s.name, "count", len(active))
	for _, session := range active {
		session.conn.Close()
	}
}

// GetTotalConnections returns the current total connection count
func (s *POP3Server) GetTotalConnections() int64 {
	return s.totalConnections.Load()
}

// GetAuthenticatedConnections returns the current authenticated connection count
func (s *POP3Server) GetAuthenticatedConnections() int64 {
	return s.authenticatedConnections.Load()
}
